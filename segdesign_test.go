package segdesign_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/segdesign/segdesign"
	"github.com/segdesign/segdesign/pkg/domain"
	"github.com/segdesign/segdesign/pkg/ports"
)

// stubDispatcher emulates every wrapper script with canned artifacts.
type stubDispatcher struct{}

func (stubDispatcher) Execute(ctx context.Context, env string, argv []string, workdir string, timeout time.Duration) (ports.ExecutionResult, error) {
	outDir := ""
	for i, a := range argv {
		if a == "--output_folder" && i+1 < len(argv) {
			outDir = argv[i+1]
		}
		if a == "--inference.output_prefix" && i+1 < len(argv) {
			outDir = filepath.Dir(filepath.Dir(argv[i+1]))
		}
	}

	var files map[string]string
	switch filepath.Base(argv[0]) {
	case "rf_diffusion.py":
		files = map[string]string{
			"sample/bb_0.pdb":        "ATOM",
			"rfdiffusion_report.csv": "index,pdb_path,quality\nbb_0,sample/bb_0.pdb,0.3\n",
		}
	case "mpnn.py":
		files = map[string]string{
			"seqs/bb_0.fa":    ">v1\nMKVL\n",
			"mpnn_report.csv": "index,backbone,sequence,global_score\nv1,bb_0,MKVL,0.4\n",
		}
	case "esmfold.py":
		files = map[string]string{
			"esmfold_report.csv": "index,plddt,ptm\nv1,82,0.7\n",
		}
	}
	for name, content := range files {
		path := filepath.Join(outDir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return ports.ExecutionResult{}, err
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return ports.ExecutionResult{}, err
		}
	}
	return ports.ExecutionResult{}, nil
}

func writeConfigs(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()

	configPath := filepath.Join(dir, "config.yaml")
	config := fmt.Sprintf(`
project:
  input_pdb: %s/1abc.pdb
  output_dir: %s/output
  sequence_length: 120
  segment: "10-25"
orchestrator:
  retry_backoff: 1ms
`, dir, dir)
	require.NoError(t, os.WriteFile(configPath, []byte(config), 0o644))

	settingPath := filepath.Join(dir, "setting.yaml")
	setting := `
environments:
  main:
    conda: segdesign
`
	require.NoError(t, os.WriteFile(settingPath, []byte(setting), 0o644))
	return configPath, settingPath
}

func TestPipeline_Run(t *testing.T) {
	configPath, settingPath := writeConfigs(t)

	p, err := segdesign.New(configPath, settingPath, segdesign.WithDispatcher(stubDispatcher{}))
	require.NoError(t, err)

	summary, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Rows)
	assert.Equal(t, 1, summary.Passed)
	assert.FileExists(t, summary.ReportPath)
	assert.Equal(t, "final_report.csv", filepath.Base(summary.ReportPath))

	status := p.Status()
	assert.Equal(t, p.Config().RunID, status.RunID)
	assert.Contains(t, status.Completed, domain.StageValidation)
}

func TestPipeline_ResumeRefusesBlankOutput(t *testing.T) {
	configPath, settingPath := writeConfigs(t)

	p, err := segdesign.New(configPath, settingPath, segdesign.WithDispatcher(stubDispatcher{}))
	require.NoError(t, err)

	_, err = p.Resume(context.Background())
	var resumeErr *domain.ResumeError
	require.ErrorAs(t, err, &resumeErr)
	assert.Contains(t, resumeErr.Reason, "no checkpoints")
}

func TestPipeline_ResumeAfterRun(t *testing.T) {
	configPath, settingPath := writeConfigs(t)

	p, err := segdesign.New(configPath, settingPath, segdesign.WithDispatcher(stubDispatcher{}))
	require.NoError(t, err)
	_, err = p.Run(context.Background())
	require.NoError(t, err)

	// A fresh pipeline over the same output directory resumes cleanly.
	p2, err := segdesign.New(configPath, settingPath, segdesign.WithDispatcher(stubDispatcher{}))
	require.NoError(t, err)
	summary, err := p2.Resume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Rows)
}

func TestPipeline_InvalidConfig(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("project: {}\n"), 0o644))

	_, err := segdesign.New(configPath, "")
	var cfgErr *domain.ConfigError
	require.ErrorAs(t, err, &cfgErr)
}
