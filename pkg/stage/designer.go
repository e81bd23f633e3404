package stage

import (
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/segdesign/segdesign/pkg/config"
	"github.com/segdesign/segdesign/pkg/domain"
)

// Designer wraps the proteinmpnn sequence designer. It samples sequences
// for every backbone in the gated pdb folder, fixing all positions outside
// the design segment.
type Designer struct {
	cfg       *config.Workflow
	segment   domain.Segment
	pdbFolder string
}

// NewDesigner builds the design stage over the surviving backbone folder.
func NewDesigner(cfg *config.Workflow, segment domain.Segment, pdbFolder string) *Designer {
	return &Designer{cfg: cfg, segment: segment, pdbFolder: pdbFolder}
}

func (d *Designer) Definition() Definition {
	return Definition{
		Name:        domain.StageDesign,
		Environment: d.cfg.EnvironmentFor("design"),
		OutputDir:   "mpnn_out",
		Artifacts: []string{
			"seqs",
			"mpnn_report.csv",
		},
	}
}

// BuildCommand mirrors the proteinmpnn wrapper's native flag surface.
func (d *Designer) BuildCommand(outDir string) []string {
	c := d.cfg
	position := fmt.Sprintf("%s%d-%d", c.Project.Chain, d.segment.Start, d.segment.End)
	return []string{
		c.Tools.Designer,
		"--pdb_folder", d.pdbFolder,
		"--output_folder", outDir,
		"--chain_list", c.Project.Chain,
		"--position_list", position,
		"--num_seq_per_target", strconv.Itoa(c.Design.NumSeqPerTarget),
		"--sampling_temp", formatFloat(c.Design.SamplingTemp),
		"--seed", strconv.Itoa(c.Design.Seed),
	}
}

// ParseMetrics reads the designed variants with their sampling scores.
// Lower scores are better.
func (d *Designer) ParseMetrics(outDir string) ([]domain.SequenceVariant, error) {
	path := filepath.Join(outDir, "mpnn_report.csv")
	rows, err := readTable(path, "index", "backbone", "sequence", "global_score")
	if err != nil {
		return nil, err
	}

	variants := make([]domain.SequenceVariant, 0, len(rows))
	for _, row := range rows {
		score, err := cellFloat(row, "global_score", path)
		if err != nil {
			return nil, err
		}
		variants = append(variants, domain.SequenceVariant{
			ID:            row["index"],
			BackboneID:    row["backbone"],
			Sequence:      row["sequence"],
			SamplingScore: score,
		})
	}
	return variants, nil
}
