package stage

import (
	"path/filepath"

	"github.com/segdesign/segdesign/pkg/config"
	"github.com/segdesign/segdesign/pkg/domain"
)

// Validator wraps the esmfold structure predictor. It folds each designed
// sequence and reports two independent confidence metrics: a global
// structure confidence (pLDDT) and a pairwise confidence (pTM).
type Validator struct {
	cfg       *config.Workflow
	seqFolder string
}

// NewValidator builds the validation stage over the gated sequence folder.
func NewValidator(cfg *config.Workflow, seqFolder string) *Validator {
	return &Validator{cfg: cfg, seqFolder: seqFolder}
}

func (v *Validator) Definition() Definition {
	return Definition{
		Name:        domain.StageValidation,
		Environment: v.cfg.EnvironmentFor("validation"),
		OutputDir:   "esmfold_out",
		Artifacts: []string{
			"esmfold_report.csv",
		},
	}
}

// BuildCommand mirrors the esmfold wrapper's native flag surface.
func (v *Validator) BuildCommand(outDir string) []string {
	return []string{
		v.cfg.Tools.Validator,
		"--input_folder", v.seqFolder,
		"--output_folder", outDir,
		"--plddt_threshold", formatFloat(v.cfg.Validation.PLDDTThreshold),
	}
}

// ParseMetrics reads the confidence scores per variant. Pass flags are
// derived later by the validation gate, not by the tool.
func (v *Validator) ParseMetrics(outDir string) ([]domain.ValidationScore, error) {
	path := filepath.Join(outDir, "esmfold_report.csv")
	rows, err := readTable(path, "index", "plddt", "ptm")
	if err != nil {
		return nil, err
	}

	scores := make([]domain.ValidationScore, 0, len(rows))
	for _, row := range rows {
		plddt, err := cellFloat(row, "plddt", path)
		if err != nil {
			return nil, err
		}
		ptm, err := cellFloat(row, "ptm", path)
		if err != nil {
			return nil, err
		}
		scores = append(scores, domain.ValidationScore{
			VariantID: row["index"],
			PLDDT:     plddt,
			PTM:       ptm,
		})
	}
	return scores, nil
}
