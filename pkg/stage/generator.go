package stage

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/segdesign/segdesign/pkg/config"
	"github.com/segdesign/segdesign/pkg/domain"
)

// Generator wraps the rfdiffusion backbone generator. It inpaints the
// design segment of the input structure and reports a quality metric per
// generated sample.
type Generator struct {
	cfg     *config.Workflow
	segment domain.Segment
}

// NewGenerator builds the generation stage for the resolved design segment.
func NewGenerator(cfg *config.Workflow, segment domain.Segment) *Generator {
	return &Generator{cfg: cfg, segment: segment}
}

func (g *Generator) Definition() Definition {
	return Definition{
		Name:        domain.StageGeneration,
		Environment: g.cfg.EnvironmentFor("generation"),
		OutputDir:   "rfdiffusion_out",
		Artifacts: []string{
			"sample",
			"rfdiffusion_report.csv",
		},
	}
}

// BuildCommand mirrors the rfdiffusion wrapper's native flag surface,
// including the dotted hydra-style option names.
func (g *Generator) BuildCommand(outDir string) []string {
	c := g.cfg
	chain := c.Project.Chain
	protein := strings.TrimSuffix(filepath.Base(c.Project.InputPDB), filepath.Ext(c.Project.InputPDB))
	prefix := filepath.Join(outDir, "sample", fmt.Sprintf("%s_%s", protein, chain))
	inpaint := fmt.Sprintf("[%s%d-%d]", chain, g.segment.Start, g.segment.End)

	argv := []string{
		c.Tools.Generator,
		"--run_inference_path", c.Generation.RunInferencePath,
		"--inference.input_pdb", c.Project.InputPDB,
		"--inference.output_prefix", prefix,
		"--inference.num_designs", strconv.Itoa(c.Generation.NumDesigns),
		"--contigmap.contigs", fmt.Sprintf("[%s1-%d]", chain, c.Project.SequenceLength),
		"--contigmap.inpaint_str", inpaint,
		"--diffuser.partial_T", strconv.Itoa(c.Generation.PartialT),
	}
	// Config validation guarantees exactly one constraint is set.
	if c.Generation.Helix {
		argv = append(argv, "--contigmap.inpaint_str_helix", inpaint)
	} else {
		argv = append(argv, "--contigmap.inpaint_str_strand", inpaint)
	}
	return argv
}

// ParseMetrics reads the per-sample quality report.
func (g *Generator) ParseMetrics(outDir string) ([]domain.Backbone, error) {
	path := filepath.Join(outDir, "rfdiffusion_report.csv")
	rows, err := readTable(path, "index", "pdb_path", "quality")
	if err != nil {
		return nil, err
	}

	backbones := make([]domain.Backbone, 0, len(rows))
	for _, row := range rows {
		quality, err := cellFloat(row, "quality", path)
		if err != nil {
			return nil, err
		}
		backbones = append(backbones, domain.Backbone{
			ID:        row["index"],
			SourcePDB: row["pdb_path"],
			Quality:   quality,
		})
	}
	return backbones, nil
}
