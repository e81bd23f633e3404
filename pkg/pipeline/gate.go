package pipeline

import (
	"fmt"
	"math"
	"sort"

	"github.com/segdesign/segdesign/pkg/config"
	"github.com/segdesign/segdesign/pkg/domain"
)

// SelectSegment resolves the design segment after profiling. An explicit
// user segment wins verbatim; otherwise the conserved region with the
// highest score above the threshold is chosen, ties broken by longest
// region, then by lowest start index.
func SelectSegment(cfg *config.Workflow, regions []domain.ConservedRegion) (domain.Segment, error) {
	if seg, ok, err := cfg.DesignSegment(); err != nil {
		return domain.Segment{}, err
	} else if ok {
		return seg, nil
	}

	threshold := cfg.Profiling.ConservationThreshold
	var qualified []domain.ConservedRegion
	for _, r := range regions {
		if r.Score > threshold {
			qualified = append(qualified, r)
		}
	}
	if len(qualified) == 0 {
		return domain.Segment{}, &domain.GatingError{
			Stage:  domain.StageProfiling,
			Reason: fmt.Sprintf("no conserved region scored above %g", threshold),
		}
	}

	sort.SliceStable(qualified, func(i, j int) bool {
		a, b := qualified[i], qualified[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if la, lb := a.End-a.Start, b.End-b.Start; la != lb {
			return la > lb
		}
		return a.Start < b.Start
	})

	best := qualified[0]
	seg := domain.Segment{Start: best.Start, End: best.End}
	if seg.Start < 1 || seg.Start > seg.End || seg.End > cfg.Project.SequenceLength {
		return domain.Segment{}, &domain.ConfigError{
			Field:  "profiling",
			Reason: fmt.Sprintf("profiler recommended segment %d-%d outside sequence 1-%d", seg.Start, seg.End, cfg.Project.SequenceLength),
		}
	}
	return seg, nil
}

// GateBackbones retains the backbones whose quality metric satisfies the
// configured comparator against the threshold. The comparison direction is
// a named policy ("lte" accepts metric <= threshold, "gte" the reverse)
// because the metric's polarity is ambiguous in the upstream tool's docs.
func GateBackbones(backbones []domain.Backbone, threshold float64, comparator string) ([]domain.Backbone, error) {
	accept := func(q float64) bool { return q <= threshold }
	if comparator == "gte" {
		accept = func(q float64) bool { return q >= threshold }
	}

	var kept []domain.Backbone
	for _, b := range backbones {
		if accept(b.Quality) {
			kept = append(kept, b)
		}
	}
	if len(kept) == 0 {
		return nil, &domain.GatingError{
			Stage:  domain.StageGeneration,
			Reason: fmt.Sprintf("no backbone quality satisfied %s %g", comparator, threshold),
		}
	}
	return kept, nil
}

// GateVariants ranks variants per backbone by sampling score (ascending,
// lower is better, ties by lowest id) and keeps the top_percent fraction,
// capped at maxPerBackbone. Survivors keep their original report order.
func GateVariants(variants []domain.SequenceVariant, topPercent float64, maxPerBackbone int) []domain.SequenceVariant {
	perBackbone := map[string][]domain.SequenceVariant{}
	for _, v := range variants {
		perBackbone[v.BackboneID] = append(perBackbone[v.BackboneID], v)
	}

	keep := map[string]bool{}
	for _, group := range perBackbone {
		ranked := append([]domain.SequenceVariant(nil), group...)
		sort.SliceStable(ranked, func(i, j int) bool {
			if ranked[i].SamplingScore != ranked[j].SamplingScore {
				return ranked[i].SamplingScore < ranked[j].SamplingScore
			}
			return ranked[i].ID < ranked[j].ID
		})
		n := int(math.Ceil(topPercent * float64(len(ranked))))
		if n > maxPerBackbone {
			n = maxPerBackbone
		}
		for _, v := range ranked[:n] {
			keep[v.ID] = true
		}
	}

	var kept []domain.SequenceVariant
	for _, v := range variants {
		if keep[v.ID] {
			kept = append(kept, v)
		}
	}
	return kept
}

// ApplyValidation derives the pass flag from both confidence thresholds.
// Failing candidates stay in the result: the report retains them, it only
// marks them.
func ApplyValidation(scores []domain.ValidationScore, plddtThreshold, ptmThreshold float64) []domain.ValidationScore {
	out := make([]domain.ValidationScore, len(scores))
	for i, s := range scores {
		s.Pass = s.PLDDT >= plddtThreshold && s.PTM >= ptmThreshold
		out[i] = s
	}
	return out
}
