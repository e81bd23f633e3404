package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/segdesign/segdesign/pkg/domain"
)

// Load reads the user config and system setting files, merges them (user
// values win), decodes the result into typed sections, applies defaults and
// validates every field. The returned Workflow is fully resolved: all
// relative paths are anchored at the output directory's parent.
func Load(configPath, settingPath string) (*Workflow, error) {
	user, err := readYAML(configPath)
	if err != nil {
		return nil, err
	}
	setting := map[string]any{}
	if settingPath != "" {
		if setting, err = readYAML(settingPath); err != nil {
			return nil, err
		}
	}

	merged := merge(setting, user)

	wf := defaults()
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           wf,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return nil, fmt.Errorf("building config decoder: %w", err)
	}
	if err := dec.Decode(merged); err != nil {
		return nil, &domain.ConfigError{Field: "(root)", Reason: err.Error()}
	}

	wf.RunID = uuid.NewString()
	wf.resolvePaths()

	if err := wf.validate(); err != nil {
		return nil, err
	}
	return wf, nil
}

// LoadSetting builds a Workflow from the system setting file alone, with
// defaults applied and no project-level validation. The standalone stage
// commands use it: they supply project inputs through their own native
// flags and validate only what the one stage needs.
func LoadSetting(settingPath string) (*Workflow, error) {
	setting := map[string]any{}
	if settingPath != "" {
		var err error
		if setting, err = readYAML(settingPath); err != nil {
			return nil, err
		}
	}
	wf := defaults()
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           wf,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return nil, fmt.Errorf("building config decoder: %w", err)
	}
	if err := dec.Decode(setting); err != nil {
		return nil, &domain.ConfigError{Field: "(root)", Reason: err.Error()}
	}
	wf.RunID = uuid.NewString()
	wf.resolvePaths()
	return wf, nil
}

// defaults returns a Workflow pre-populated with every declared default.
// Decoding the merged YAML over it leaves untouched fields at their default.
func defaults() *Workflow {
	return &Workflow{
		Project: Project{Chain: "A"},
		Profiling: Profiling{
			Bitscore:                0.3,
			Iterations:              5,
			CPU:                     10,
			ConservationThreshold:   0.6,
			MinimumSequenceCoverage: 50,
			MinimumColumnCoverage:   70,
		},
		Generation: Generation{
			NumDesigns: 10,
			Threshold:  0.6,
			Comparator: "lte",
			PartialT:   50,
			Helix:      true,
		},
		Design: Design{
			NumSeqPerTarget: 20,
			SamplingTemp:    0.3,
			Seed:            42,
			TopPercent:      0.5,
		},
		Validation: Validation{
			PLDDTThreshold: 70,
			PTMThreshold:   0.54,
		},
		Clustering: Clustering{
			MinSeqID:    0.8,
			CovMode:     0,
			Coverage:    0.8,
			Sensitivity: 4.0,
			Threads:     8,
			MMseqsPath:  "mmseqs",
		},
		Orchestrator: Orchestrator{
			MaxRetries:   3,
			RetryBackoff: "2s",
			StageTimeout: "0",
		},
		Tools: Tools{
			Profiler:  "./Segdesign/hmmer/hmmer.py",
			Generator: "./Segdesign/rfdiffusion/rf_diffusion.py",
			Designer:  "./Segdesign/mpnn/mpnn.py",
			Validator: "./Segdesign/esmfold/esmfold.py",
			Clusterer: "./Segdesign/mpnn/cluster_analysis.py",
		},
		Environments: map[string]Environment{},
	}
}

func readYAML(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	out := map[string]any{}
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return out, nil
}

// merge deep-merges override on top of base. Maps merge recursively, every
// other value in override replaces the base value.
func merge(base, override map[string]any) map[string]any {
	out := make(map[string]any, len(base))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		if bm, ok := out[k].(map[string]any); ok {
			if om, ok := v.(map[string]any); ok {
				out[k] = merge(bm, om)
				continue
			}
		}
		out[k] = v
	}
	return out
}

func (w *Workflow) resolvePaths() {
	w.Project.OutputDir = expand(w.Project.OutputDir)
	if w.Project.OutputDir == "" {
		w.Project.OutputDir = "./output"
	}
	abs, err := filepath.Abs(w.Project.OutputDir)
	if err == nil {
		w.Project.OutputDir = abs
	}
	w.Project.InputPDB = resolveAgainst(w.Project.InputPDB, "")
	w.Profiling.Database = resolveAgainst(w.Profiling.Database, "")
	w.Generation.RunInferencePath = resolveAgainst(w.Generation.RunInferencePath, "")
	w.Tools.Profiler = resolveAgainst(w.Tools.Profiler, "")
	w.Tools.Generator = resolveAgainst(w.Tools.Generator, "")
	w.Tools.Designer = resolveAgainst(w.Tools.Designer, "")
	w.Tools.Validator = resolveAgainst(w.Tools.Validator, "")
	w.Tools.Clusterer = resolveAgainst(w.Tools.Clusterer, "")
}

// EnvironmentFor resolves the environment name for a stage: a dedicated
// entry when the settings define one, otherwise the shared "main" env.
func (w *Workflow) EnvironmentFor(stage string) string {
	if _, ok := w.Environments[stage]; ok {
		return stage
	}
	return "main"
}

func expand(p string) string {
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, p[2:])
		}
	}
	return p
}

func resolveAgainst(p, base string) string {
	if p == "" || filepath.IsAbs(p) {
		return expand(p)
	}
	p = expand(p)
	if filepath.IsAbs(p) {
		return p
	}
	if base == "" {
		abs, err := filepath.Abs(p)
		if err != nil {
			return p
		}
		return abs
	}
	return filepath.Join(base, p)
}

// ParseSegment parses a "start-end" span into a Segment.
func ParseSegment(s string) (domain.Segment, error) {
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 {
		return domain.Segment{}, &domain.ConfigError{Field: "project.segment", Reason: fmt.Sprintf("expected \"start-end\", got %q", s)}
	}
	start, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return domain.Segment{}, &domain.ConfigError{Field: "project.segment", Reason: "start is not an integer"}
	}
	end, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return domain.Segment{}, &domain.ConfigError{Field: "project.segment", Reason: "end is not an integer"}
	}
	return domain.Segment{Start: start, End: end}, nil
}

func (w *Workflow) validate() error {
	if w.Project.InputPDB == "" {
		return &domain.ConfigError{Field: "project.input_pdb", Reason: "required"}
	}
	if w.Project.SequenceLength <= 0 {
		return &domain.ConfigError{Field: "project.sequence_length", Reason: "must be a positive integer"}
	}
	if w.Project.Chain == "" {
		return &domain.ConfigError{Field: "project.chain", Reason: "required"}
	}
	if seg, ok, err := w.DesignSegment(); err != nil {
		return err
	} else if ok {
		if seg.Start < 1 || seg.Start > seg.End || seg.End > w.Project.SequenceLength {
			return &domain.ConfigError{
				Field:  "project.segment",
				Reason: fmt.Sprintf("bounds %d-%d violate 1 <= start <= end <= %d", seg.Start, seg.End, w.Project.SequenceLength),
			}
		}
	}
	if w.Project.Segment == "" && w.Profiling.Database == "" {
		return &domain.ConfigError{Field: "profiling.database", Reason: "required when project.segment is not set"}
	}
	if err := unit("profiling.bitscore", w.Profiling.Bitscore); err != nil {
		return err
	}
	if err := unit("profiling.conservation_threshold", w.Profiling.ConservationThreshold); err != nil {
		return err
	}
	if w.Profiling.Iterations <= 0 {
		return &domain.ConfigError{Field: "profiling.n_iter", Reason: "must be positive"}
	}
	if w.Profiling.CPU <= 0 {
		return &domain.ConfigError{Field: "profiling.cpu", Reason: "must be positive"}
	}
	if w.Generation.NumDesigns <= 0 {
		return &domain.ConfigError{Field: "generation.num_designs", Reason: "must be positive"}
	}
	if err := unit("generation.threshold", w.Generation.Threshold); err != nil {
		return err
	}
	if c := w.Generation.Comparator; c != "lte" && c != "gte" {
		return &domain.ConfigError{Field: "generation.comparator", Reason: `must be "lte" or "gte"`}
	}
	if w.Generation.Helix == w.Generation.Strand {
		return &domain.ConfigError{Field: "generation.helix/strand", Reason: "exactly one secondary-structure constraint must be enabled"}
	}
	if w.Design.NumSeqPerTarget <= 0 {
		return &domain.ConfigError{Field: "design.num_seq_per_target", Reason: "must be positive"}
	}
	if err := unit("design.top_percent", w.Design.TopPercent); err != nil {
		return err
	}
	if w.Validation.PLDDTThreshold < 0 || w.Validation.PLDDTThreshold > 100 {
		return &domain.ConfigError{Field: "validation.plddt_threshold", Reason: "must be within [0,100]"}
	}
	if err := unit("validation.ptm_threshold", w.Validation.PTMThreshold); err != nil {
		return err
	}
	if w.Clustering.Enabled {
		if err := unit("clustering.min_seq_id", w.Clustering.MinSeqID); err != nil {
			return err
		}
		if err := unit("clustering.coverage", w.Clustering.Coverage); err != nil {
			return err
		}
	}
	if _, err := time.ParseDuration(w.Orchestrator.RetryBackoff); err != nil {
		return &domain.ConfigError{Field: "orchestrator.retry_backoff", Reason: "invalid duration"}
	}
	if w.Orchestrator.StageTimeout != "0" {
		if _, err := time.ParseDuration(w.Orchestrator.StageTimeout); err != nil {
			return &domain.ConfigError{Field: "orchestrator.stage_timeout", Reason: `invalid duration (use "0" to disable)`}
		}
	}
	for name, env := range w.Environments {
		if (env.Conda == "") == (env.Interpreter == "") {
			return &domain.ConfigError{
				Field:  "environments." + name,
				Reason: "exactly one of conda or interpreter must be set",
			}
		}
	}
	return nil
}

func unit(field string, v float64) error {
	if v < 0 || v > 1 {
		return &domain.ConfigError{Field: field, Reason: "must be within [0,1]"}
	}
	return nil
}

// RetryBackoffDuration returns the parsed retry backoff. validate
// guarantees it parses.
func (w *Workflow) RetryBackoffDuration() time.Duration {
	d, _ := time.ParseDuration(w.Orchestrator.RetryBackoff)
	return d
}

// StageTimeoutDuration returns the parsed per-stage timeout, zero when
// disabled.
func (w *Workflow) StageTimeoutDuration() time.Duration {
	if w.Orchestrator.StageTimeout == "0" {
		return 0
	}
	d, _ := time.ParseDuration(w.Orchestrator.StageTimeout)
	return d
}

// Freeze writes the resolved configuration to the output directory so a
// finished run carries an auditable copy of exactly what it ran with.
func (w *Workflow) Freeze() error {
	if err := os.MkdirAll(w.Project.OutputDir, 0o755); err != nil {
		return fmt.Errorf("creating output dir: %w", err)
	}
	data, err := yaml.Marshal(w)
	if err != nil {
		return fmt.Errorf("marshaling resolved config: %w", err)
	}
	path := filepath.Join(w.Project.OutputDir, "config.resolved.yaml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing frozen config: %w", err)
	}
	return nil
}

// Fingerprint hashes an arbitrary sequence of config values. The
// orchestrator stores a fingerprint of each stage's definition, command line
// and upstream survivor set in the checkpoint, and refuses to reuse a
// checkpoint whose fingerprint differs.
func Fingerprint(values ...any) string {
	h := sha256.New()
	for _, v := range values {
		data, _ := yaml.Marshal(v)
		h.Write(data)
	}
	return hex.EncodeToString(h.Sum(nil))
}
