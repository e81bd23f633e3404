// Package config loads, merges and validates the workflow configuration.
//
// Two YAML files feed a run: the user config (project, per-stage overrides)
// and the system setting file (tool paths, execution environments). The
// user file wins on conflicts. The merged tree is decoded into the typed
// sections below with mapstructure and validated eagerly; downstream
// components never see raw maps.
package config

import (
	"github.com/segdesign/segdesign/pkg/domain"
)

// Workflow is the immutable, resolved configuration for one run. It is
// built once by Load and never mutated afterwards.
type Workflow struct {
	RunID        string                 `mapstructure:"-" yaml:"run_id"`
	Project      Project                `mapstructure:"project" yaml:"project"`
	Profiling    Profiling              `mapstructure:"profiling" yaml:"profiling"`
	Generation   Generation             `mapstructure:"generation" yaml:"generation"`
	Design       Design                 `mapstructure:"design" yaml:"design"`
	Validation   Validation             `mapstructure:"validation" yaml:"validation"`
	Clustering   Clustering             `mapstructure:"clustering" yaml:"clustering"`
	Orchestrator Orchestrator           `mapstructure:"orchestrator" yaml:"orchestrator"`
	Tools        Tools                  `mapstructure:"tools" yaml:"tools"`
	Environments map[string]Environment `mapstructure:"environments" yaml:"environments"`
}

// Tools locates the per-stage wrapper scripts, normally set in the system
// setting file rather than the user config.
type Tools struct {
	Profiler  string `mapstructure:"profiler" yaml:"profiler"`
	Generator string `mapstructure:"generator" yaml:"generator"`
	Designer  string `mapstructure:"designer" yaml:"designer"`
	Validator string `mapstructure:"validator" yaml:"validator"`
	Clusterer string `mapstructure:"clusterer" yaml:"clusterer"`
}

// Project identifies the input structure and the redesign target.
type Project struct {
	InputPDB       string `mapstructure:"input_pdb" yaml:"input_pdb"`
	OutputDir      string `mapstructure:"output_dir" yaml:"output_dir"`
	Chain          string `mapstructure:"chain" yaml:"chain"`
	SequenceLength int    `mapstructure:"sequence_length" yaml:"sequence_length"`

	// Segment is the optional explicit design segment as "start-end"
	// (1-based, inclusive). When set it bypasses profiler-driven segment
	// selection but is still validated against SequenceLength.
	Segment string `mapstructure:"segment" yaml:"segment,omitempty"`
}

// Profiling configures the conservation profiler (hmmer).
type Profiling struct {
	Database                string  `mapstructure:"database" yaml:"database"`
	Bitscore                float64 `mapstructure:"bitscore" yaml:"bitscore"`
	Iterations              int     `mapstructure:"n_iter" yaml:"n_iter"`
	CPU                     int     `mapstructure:"cpu" yaml:"cpu"`
	ConservationThreshold   float64 `mapstructure:"conservation_threshold" yaml:"conservation_threshold"`
	MinimumSequenceCoverage int     `mapstructure:"minimum_sequence_coverage" yaml:"minimum_sequence_coverage"`
	MinimumColumnCoverage   int     `mapstructure:"minimum_column_coverage" yaml:"minimum_column_coverage"`
}

// Generation configures the backbone generator (rfdiffusion).
type Generation struct {
	RunInferencePath string  `mapstructure:"run_inference_path" yaml:"run_inference_path"`
	NumDesigns       int     `mapstructure:"num_designs" yaml:"num_designs"`
	Threshold        float64 `mapstructure:"threshold" yaml:"threshold"`

	// Comparator names the acceptance direction for Threshold: "lte"
	// accepts quality <= threshold, "gte" accepts quality >= threshold.
	// The tool's documentation is ambiguous about the metric direction, so
	// the policy is explicit and overridable rather than hard-coded.
	Comparator string `mapstructure:"comparator" yaml:"comparator"`

	PartialT int  `mapstructure:"partial_t" yaml:"partial_t"`
	Helix    bool `mapstructure:"helix" yaml:"helix"`
	Strand   bool `mapstructure:"strand" yaml:"strand"`
}

// Design configures the sequence designer (proteinmpnn).
type Design struct {
	NumSeqPerTarget int     `mapstructure:"num_seq_per_target" yaml:"num_seq_per_target"`
	SamplingTemp    float64 `mapstructure:"sampling_temp" yaml:"sampling_temp"`
	Seed            int     `mapstructure:"seed" yaml:"seed"`
	TopPercent      float64 `mapstructure:"top_percent" yaml:"top_percent"`
}

// Validation configures the structure validator (esmfold) and the pass
// thresholds applied to its confidence scores.
type Validation struct {
	PLDDTThreshold float64 `mapstructure:"plddt_threshold" yaml:"plddt_threshold"`
	PTMThreshold   float64 `mapstructure:"ptm_threshold" yaml:"ptm_threshold"`
}

// Clustering configures the optional mmseqs2 branch.
type Clustering struct {
	Enabled     bool    `mapstructure:"enabled" yaml:"enabled"`
	MinSeqID    float64 `mapstructure:"min_seq_id" yaml:"min_seq_id"`
	CovMode     int     `mapstructure:"cov_mode" yaml:"cov_mode"`
	Coverage    float64 `mapstructure:"coverage" yaml:"coverage"`
	Sensitivity float64 `mapstructure:"sensitivity" yaml:"sensitivity"`
	Threads     int     `mapstructure:"threads" yaml:"threads"`
	MMseqsPath  string  `mapstructure:"mmseqs_path" yaml:"mmseqs_path"`
}

// Orchestrator bounds the retry policy and per-stage execution time.
type Orchestrator struct {
	MaxRetries   int    `mapstructure:"max_retries" yaml:"max_retries"`
	RetryBackoff string `mapstructure:"retry_backoff" yaml:"retry_backoff"`

	// StageTimeout of "0" disables the timeout; GPU stages routinely run
	// for hours.
	StageTimeout string `mapstructure:"stage_timeout" yaml:"stage_timeout"`
}

// Environment describes how to reach one isolated runtime. Exactly one of
// Conda or Interpreter must be set: Conda names an environment activated
// via "conda run -n", Interpreter is a direct path to a python binary.
type Environment struct {
	Conda       string `mapstructure:"conda" yaml:"conda,omitempty"`
	Interpreter string `mapstructure:"interpreter" yaml:"interpreter,omitempty"`
}

// DesignSegment parses the explicit project segment, if any.
// Returns ok=false when the user did not set one.
func (w *Workflow) DesignSegment() (domain.Segment, bool, error) {
	if w.Project.Segment == "" {
		return domain.Segment{}, false, nil
	}
	seg, err := ParseSegment(w.Project.Segment)
	if err != nil {
		return domain.Segment{}, false, err
	}
	return seg, true, nil
}
