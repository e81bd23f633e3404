// Package ledger accumulates candidate provenance across stages and emits
// the final report. Appends are monotonic: a record, once created for a
// variant, is only ever extended with later-stage fields, and report rows
// keep the order in which candidates became available so identical inputs
// with a fixed seed reproduce identical output byte-for-byte.
package ledger

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/segdesign/segdesign/pkg/domain"
)

// Ledger joins stage metrics on their declared foreign keys. It is safe
// for the clustering branch to annotate concurrently with the main chain.
type Ledger struct {
	mu         sync.Mutex
	segment    domain.Segment
	backbones  map[string]domain.Backbone
	records    []*domain.ProvenanceRecord
	byVariant  map[string]*domain.ProvenanceRecord
	clustered  bool
	nextIndex  int
	segmentSet bool
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{
		backbones: map[string]domain.Backbone{},
		byVariant: map[string]*domain.ProvenanceRecord{},
	}
}

// SetSegment records the resolved design segment, the root of every chain.
func (l *Ledger) SetSegment(seg domain.Segment) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.segment = seg
	l.segmentSet = true
}

// AddBackbones registers surviving backbones. Duplicate ids indicate a
// broken upstream report and fail.
func (l *Ledger) AddBackbones(backbones []domain.Backbone) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.segmentSet {
		return fmt.Errorf("ledger: backbones added before segment was resolved")
	}
	for _, b := range backbones {
		if _, dup := l.backbones[b.ID]; dup {
			return fmt.Errorf("ledger: duplicate backbone id %q", b.ID)
		}
		l.backbones[b.ID] = b
	}
	return nil
}

// AddVariants creates one provenance record per designed variant. Every
// variant must reference a backbone registered by an earlier stage.
func (l *Ledger) AddVariants(variants []domain.SequenceVariant) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, v := range variants {
		backbone, ok := l.backbones[v.BackboneID]
		if !ok {
			return fmt.Errorf("ledger: variant %q references unknown backbone %q", v.ID, v.BackboneID)
		}
		if _, dup := l.byVariant[v.ID]; dup {
			return fmt.Errorf("ledger: duplicate variant id %q", v.ID)
		}
		rec := &domain.ProvenanceRecord{
			Index:    l.nextIndex,
			Segment:  l.segment,
			Backbone: &backbone,
			Variant:  &v,
		}
		l.nextIndex++
		l.records = append(l.records, rec)
		l.byVariant[v.ID] = rec
	}
	return nil
}

// AddValidation extends existing records with confidence scores. Scores
// for unknown variants fail: validation can only score what design emitted.
func (l *Ledger) AddValidation(scores []domain.ValidationScore) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range scores {
		rec, ok := l.byVariant[s.VariantID]
		if !ok {
			return fmt.Errorf("ledger: validation score for unknown variant %q", s.VariantID)
		}
		if rec.Validation != nil {
			return fmt.Errorf("ledger: variant %q validated twice", s.VariantID)
		}
		rec.Validation = &s
	}
	return nil
}

// AnnotateRepresentatives marks cluster representatives. Supplementary
// only: unknown ids are skipped, nothing is gated.
func (l *Ledger) AnnotateRepresentatives(ids map[string]bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.clustered = true
	for id := range ids {
		if rec, ok := l.byVariant[id]; ok {
			rec.ClusterRepresentative = true
		}
	}
}

// Len returns the number of candidate records.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// Rows flattens the ledger into the published report schema, in candidate
// order.
func (l *Ledger) Rows() []domain.FinalReportRow {
	l.mu.Lock()
	defer l.mu.Unlock()

	rows := make([]domain.FinalReportRow, 0, len(l.records))
	for _, rec := range l.records {
		row := domain.FinalReportRow{
			Index:           rec.Variant.ID,
			SourceBackbone:  rec.Backbone.ID,
			DesignedSegment: fmt.Sprintf("%d-%d", rec.Segment.Start, rec.Segment.End),
			GenerationScore: rec.Backbone.Quality,
			ClusterRep:      rec.ClusterRepresentative,
		}
		if rec.Validation != nil {
			row.PLDDT = rec.Validation.PLDDT
			row.PTM = rec.Validation.PTM
			row.WhetherPass = rec.Validation.Pass
		}
		rows = append(rows, row)
	}
	return rows
}

// WriteReport emits final_report.csv with the fixed column contract. The
// cluster_representative column appears only when the clustering branch
// ran. The file is written to a temp path and renamed into place.
func (l *Ledger) WriteReport(path string) error {
	rows := l.Rows()
	l.mu.Lock()
	clustered := l.clustered
	l.mu.Unlock()

	tmp := path + ".partial"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("creating report: %w", err)
	}

	w := csv.NewWriter(f)
	header := []string{"index", "source_backbone", "designed_segment", "generation_score", "plddt", "ptm", "whether_pass"}
	if clustered {
		header = append(header, "cluster_representative")
	}
	if err := w.Write(header); err != nil {
		f.Close()
		return fmt.Errorf("writing report header: %w", err)
	}
	for _, row := range rows {
		rec := []string{
			row.Index,
			row.SourceBackbone,
			row.DesignedSegment,
			strconv.FormatFloat(row.GenerationScore, 'g', -1, 64),
			strconv.FormatFloat(row.PLDDT, 'g', -1, 64),
			strconv.FormatFloat(row.PTM, 'g', -1, 64),
			strconv.FormatBool(row.WhetherPass),
		}
		if clustered {
			rec = append(rec, strconv.FormatBool(row.ClusterRep))
		}
		if err := w.Write(rec); err != nil {
			f.Close()
			return fmt.Errorf("writing report row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return fmt.Errorf("flushing report: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing report: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("promoting report: %w", err)
	}
	return nil
}
