package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/segdesign/segdesign/pkg/domain"
)

func writeYAML(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const minimalConfig = `
project:
  input_pdb: ./protein.pdb
  sequence_length: 120
  segment: "10-25"
`

const minimalSetting = `
environments:
  main:
    conda: segdesign
`

func TestLoad_Defaults(t *testing.T) {
	cfg := writeYAML(t, "config.yaml", minimalConfig)
	setting := writeYAML(t, "setting.yaml", minimalSetting)

	wf, err := Load(cfg, setting)
	require.NoError(t, err)

	assert.NotEmpty(t, wf.RunID)
	assert.Equal(t, "A", wf.Project.Chain)
	assert.InDelta(t, 0.3, wf.Profiling.Bitscore, 1e-9)
	assert.Equal(t, 5, wf.Profiling.Iterations)
	assert.InDelta(t, 0.6, wf.Generation.Threshold, 1e-9)
	assert.Equal(t, "lte", wf.Generation.Comparator)
	assert.Equal(t, 20, wf.Design.NumSeqPerTarget)
	assert.InDelta(t, 70, wf.Validation.PLDDTThreshold, 1e-9)
	assert.InDelta(t, 0.8, wf.Clustering.MinSeqID, 1e-9)
	assert.Equal(t, 3, wf.Orchestrator.MaxRetries)
	assert.True(t, filepath.IsAbs(wf.Project.OutputDir), "output dir must be resolved to an absolute path")
	assert.True(t, filepath.IsAbs(wf.Project.InputPDB))
}

func TestLoad_UserValuesWinOverSetting(t *testing.T) {
	cfg := writeYAML(t, "config.yaml", minimalConfig+`
design:
  sampling_temp: 0.5
`)
	setting := writeYAML(t, "setting.yaml", minimalSetting+`
design:
  sampling_temp: 0.1
  seed: 7
`)

	wf, err := Load(cfg, setting)
	require.NoError(t, err)

	assert.InDelta(t, 0.5, wf.Design.SamplingTemp, 1e-9, "user config overrides the setting file")
	assert.Equal(t, 7, wf.Design.Seed, "untouched setting values survive the merge")
}

func TestLoad_Validation(t *testing.T) {
	cases := []struct {
		name   string
		config string
		field  string
	}{
		{
			name:   "missing input pdb",
			config: "project:\n  sequence_length: 100\n  segment: \"1-5\"\n",
			field:  "project.input_pdb",
		},
		{
			name:   "segment end beyond sequence",
			config: "project:\n  input_pdb: ./p.pdb\n  sequence_length: 100\n  segment: \"90-150\"\n",
			field:  "project.segment",
		},
		{
			name:   "segment start before 1",
			config: "project:\n  input_pdb: ./p.pdb\n  sequence_length: 100\n  segment: \"0-10\"\n",
			field:  "project.segment",
		},
		{
			name:   "database required without explicit segment",
			config: "project:\n  input_pdb: ./p.pdb\n  sequence_length: 100\n",
			field:  "profiling.database",
		},
		{
			name:   "threshold outside unit interval",
			config: minimalConfig + "generation:\n  threshold: 1.5\n",
			field:  "generation.threshold",
		},
		{
			name:   "unknown comparator",
			config: minimalConfig + "generation:\n  comparator: above\n",
			field:  "generation.comparator",
		},
		{
			name:   "both secondary structure constraints",
			config: minimalConfig + "generation:\n  strand: true\n",
			field:  "generation.helix/strand",
		},
		{
			name:   "plddt threshold beyond 100",
			config: minimalConfig + "validation:\n  plddt_threshold: 130\n",
			field:  "validation.plddt_threshold",
		},
		{
			name:   "invalid retry backoff",
			config: minimalConfig + "orchestrator:\n  retry_backoff: soon\n",
			field:  "orchestrator.retry_backoff",
		},
	}

	setting := writeYAML(t, "setting.yaml", minimalSetting)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := writeYAML(t, "config.yaml", tc.config)
			_, err := Load(cfg, setting)
			var cfgErr *domain.ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tc.field, cfgErr.Field)
		})
	}

	t.Run("unknown keys are rejected", func(t *testing.T) {
		cfg := writeYAML(t, "config.yaml", minimalConfig+"generaton:\n  num_designs: 5\n")
		_, err := Load(cfg, setting)
		var cfgErr *domain.ConfigError
		require.ErrorAs(t, err, &cfgErr)
		assert.Contains(t, cfgErr.Reason, "generaton")
	})

	t.Run("environment must set exactly one strategy", func(t *testing.T) {
		cfg := writeYAML(t, "config.yaml", minimalConfig)
		bad := writeYAML(t, "setting.yaml", `
environments:
  main:
    conda: segdesign
    interpreter: /usr/bin/python3
`)
		_, err := Load(cfg, bad)
		var cfgErr *domain.ConfigError
		require.ErrorAs(t, err, &cfgErr)
		assert.Equal(t, "environments.main", cfgErr.Field)
	})
}

func TestParseSegment(t *testing.T) {
	seg, err := ParseSegment("10-25")
	require.NoError(t, err)
	assert.Equal(t, domain.Segment{Start: 10, End: 25}, seg)

	for _, bad := range []string{"10", "a-b", "10-", ""} {
		_, err := ParseSegment(bad)
		assert.Error(t, err, "input %q", bad)
	}
}

func TestEnvironmentFor(t *testing.T) {
	wf := &Workflow{Environments: map[string]Environment{
		"main":       {Conda: "segdesign"},
		"generation": {Conda: "SE3nv"},
	}}
	assert.Equal(t, "generation", wf.EnvironmentFor("generation"))
	assert.Equal(t, "main", wf.EnvironmentFor("profiling"))
}

func TestDurations(t *testing.T) {
	wf := &Workflow{Orchestrator: Orchestrator{RetryBackoff: "2s", StageTimeout: "0"}}
	assert.Equal(t, 2*time.Second, wf.RetryBackoffDuration())
	assert.Equal(t, time.Duration(0), wf.StageTimeoutDuration())

	wf.Orchestrator.StageTimeout = "90m"
	assert.Equal(t, 90*time.Minute, wf.StageTimeoutDuration())
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint("stage", []string{"tool", "--flag", "1"})
	b := Fingerprint("stage", []string{"tool", "--flag", "1"})
	c := Fingerprint("stage", []string{"tool", "--flag", "2"})

	assert.Equal(t, a, b, "identical inputs must fingerprint identically")
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}

func TestFreeze(t *testing.T) {
	wf := &Workflow{RunID: "run-1"}
	wf.Project.OutputDir = t.TempDir()

	require.NoError(t, wf.Freeze())
	data, err := os.ReadFile(filepath.Join(wf.Project.OutputDir, "config.resolved.yaml"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "run_id: run-1")
}
