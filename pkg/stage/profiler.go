package stage

import (
	"path/filepath"
	"sort"
	"strconv"

	"github.com/segdesign/segdesign/pkg/config"
	"github.com/segdesign/segdesign/pkg/domain"
)

// Profiler wraps the hmmer conservation profiler. It scans homologs of the
// input chain and reports conserved regions, from which the design segment
// is selected when the user did not pin one.
type Profiler struct {
	cfg *config.Workflow
}

// NewProfiler builds the profiling stage for a workflow.
func NewProfiler(cfg *config.Workflow) *Profiler {
	return &Profiler{cfg: cfg}
}

func (p *Profiler) Definition() Definition {
	return Definition{
		Name:        domain.StageProfiling,
		Environment: p.cfg.EnvironmentFor("profiling"),
		OutputDir:   "hmmer_out",
		Artifacts: []string{
			"recommended_design_area.csv",
			"conservation_report.csv",
		},
	}
}

// BuildCommand mirrors the profiler wrapper's native flag surface.
func (p *Profiler) BuildCommand(outDir string) []string {
	c := p.cfg
	return []string{
		c.Tools.Profiler,
		"--input_pdb", c.Project.InputPDB,
		"--select_chain", c.Project.Chain,
		"--output_folder", outDir,
		"--bitscore", formatFloat(c.Profiling.Bitscore),
		"--n_iter", strconv.Itoa(c.Profiling.Iterations),
		"--database", c.Profiling.Database,
		"--cpu", strconv.Itoa(c.Profiling.CPU),
		"--minimum_sequence_coverage", strconv.Itoa(c.Profiling.MinimumSequenceCoverage),
		"--minimum_column_coverage", strconv.Itoa(c.Profiling.MinimumColumnCoverage),
		"--final_report_folder", outDir,
	}
}

// ParseMetrics reads the recommended design areas, highest score first.
func (p *Profiler) ParseMetrics(outDir string) ([]domain.ConservedRegion, error) {
	path := filepath.Join(outDir, "recommended_design_area.csv")
	rows, err := readTable(path, "start", "end", "score")
	if err != nil {
		return nil, err
	}

	regions := make([]domain.ConservedRegion, 0, len(rows))
	for _, row := range rows {
		start, err := cellInt(row, "start", path)
		if err != nil {
			return nil, err
		}
		end, err := cellInt(row, "end", path)
		if err != nil {
			return nil, err
		}
		score, err := cellFloat(row, "score", path)
		if err != nil {
			return nil, err
		}
		regions = append(regions, domain.ConservedRegion{Start: start, End: end, Score: score})
	}

	sort.SliceStable(regions, func(i, j int) bool {
		return regions[i].Score > regions[j].Score
	})
	return regions, nil
}
