package domain

import "time"

// StageName identifies one of the pipeline stages.
type StageName string

const (
	StageProfiling  StageName = "profiling"
	StageGeneration StageName = "generation"
	StageDesign     StageName = "design"
	StageValidation StageName = "validation"
	StageClustering StageName = "clustering"
)

// MainChain lists the sequential stages in execution order. Clustering is
// an independent branch and is deliberately absent.
var MainChain = []StageName{StageProfiling, StageGeneration, StageDesign, StageValidation}

// Segment is the contiguous span of the full sequence selected for
// redesign. Positions are 1-based and inclusive on both ends.
type Segment struct {
	Start int `yaml:"start"`
	End   int `yaml:"end"`
}

// Len returns the number of residues covered by the segment.
func (s Segment) Len() int {
	return s.End - s.Start + 1
}

// ConservedRegion is a profiler candidate: a span with high evolutionary
// similarity across homologs, scored by column conservation.
type ConservedRegion struct {
	Start int
	End   int
	Score float64
}

// Backbone is one generated structural scaffold for the segment.
type Backbone struct {
	ID        string
	SourcePDB string
	Quality   float64
}

// SequenceVariant is a candidate amino-acid sequence designed to fold into
// a given backbone. Lower sampling scores are better.
type SequenceVariant struct {
	ID            string
	BackboneID    string
	Sequence      string
	SamplingScore float64
}

// ValidationScore carries the two independent structure-prediction
// confidence metrics for one variant, plus the derived pass flag.
type ValidationScore struct {
	VariantID string
	PLDDT     float64
	PTM       float64
	Pass      bool
}

// StageResult is the persisted outcome of one stage invocation. It is
// created exactly once, written to the checkpoint store, and never mutated.
type StageResult struct {
	Stage       StageName     `yaml:"stage"`
	RunID       string        `yaml:"run_id"`
	Fingerprint string        `yaml:"fingerprint"`
	ExitCode    int           `yaml:"exit_code"`
	StartedAt   time.Time     `yaml:"started_at"`
	Duration    time.Duration `yaml:"duration"`
	StdoutPath  string        `yaml:"stdout_path"`
	StderrPath  string        `yaml:"stderr_path"`
	Artifacts   []string      `yaml:"artifacts"`
	Candidates  int           `yaml:"candidates"`
}

// ProvenanceRecord is the linear lineage of one final candidate. Fields
// beyond the backbone stay sparse until the corresponding stage completes;
// a record is only ever extended, never revised.
type ProvenanceRecord struct {
	Index      int
	Segment    Segment
	Backbone   *Backbone
	Variant    *SequenceVariant
	Validation *ValidationScore

	// ClusterRepresentative is set by the clustering branch. Supplementary
	// only; it never gates a candidate.
	ClusterRepresentative bool
}

// FinalReportRow is the flattened projection of a ProvenanceRecord into
// the externally published report schema. Column order is a fixed contract.
type FinalReportRow struct {
	Index           string
	SourceBackbone  string
	DesignedSegment string
	GenerationScore float64
	PLDDT           float64
	PTM             float64
	WhetherPass     bool
	ClusterRep      bool
}
