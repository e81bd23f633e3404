package pipeline

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/segdesign/segdesign/pkg/adapters/file"
	"github.com/segdesign/segdesign/pkg/config"
	"github.com/segdesign/segdesign/pkg/domain"
	"github.com/segdesign/segdesign/pkg/ports"
)

// toolDispatcher fakes the external tools: each wrapper script name maps to
// a Go function that writes the artifacts a real run would produce.
type toolDispatcher struct {
	mu       sync.Mutex
	calls    map[string]int
	failures map[string]int // remaining forced non-zero exits per tool
	scripts  map[string]func(outDir string) error
}

func (d *toolDispatcher) Execute(ctx context.Context, env string, argv []string, workdir string, timeout time.Duration) (ports.ExecutionResult, error) {
	tool := filepath.Base(argv[0])

	d.mu.Lock()
	d.calls[tool]++
	if d.failures[tool] > 0 {
		d.failures[tool]--
		d.mu.Unlock()
		return ports.ExecutionResult{ExitCode: 1, StderrPath: "/logs/" + tool + ".stderr.log"}, nil
	}
	script := d.scripts[tool]
	d.mu.Unlock()

	if script != nil {
		if err := script(outputDirOf(argv)); err != nil {
			return ports.ExecutionResult{}, err
		}
	}
	return ports.ExecutionResult{}, nil
}

func (d *toolDispatcher) callCount(tool string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[tool]
}

// outputDirOf recovers the stage's partial output directory from the argv
// the runner built.
func outputDirOf(argv []string) string {
	for i, a := range argv {
		if a == "--output_folder" && i+1 < len(argv) {
			return argv[i+1]
		}
		if a == "--inference.output_prefix" && i+1 < len(argv) {
			// prefix is <outDir>/sample/<protein>_<chain>
			return filepath.Dir(filepath.Dir(argv[i+1]))
		}
	}
	return ""
}

// write is used by the scripted tools, some of which run off the test
// goroutine; it reports errors instead of failing the test directly.
func write(dir, name, content string) error {
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

// newToolDispatcher scripts a complete healthy run: three backbones with
// qualities 0.2, 0.5 and 0.9, two designed variants, one of which passes
// validation.
func newToolDispatcher(t *testing.T) *toolDispatcher {
	t.Helper()
	return &toolDispatcher{
		calls:    map[string]int{},
		failures: map[string]int{},
		scripts: map[string]func(string) error{
			"hmmer.py": func(out string) error {
				if err := write(out, "recommended_design_area.csv", "start,end,score\n10,25,0.9\n"); err != nil {
					return err
				}
				return write(out, "conservation_report.csv", "position,score\n10,0.9\n")
			},
			"rf_diffusion.py": func(out string) error {
				report := "index,pdb_path,quality\n"
				for i, q := range []float64{0.2, 0.5, 0.9} {
					name := fmt.Sprintf("sample/bb_%d.pdb", i)
					if err := write(out, name, "ATOM"); err != nil {
						return err
					}
					report += fmt.Sprintf("bb_%d,%s,%g\n", i, name, q)
				}
				return write(out, "rfdiffusion_report.csv", report)
			},
			"mpnn.py": func(out string) error {
				if err := write(out, "seqs/bb_0.fa", ">v1\nMKVL\n"); err != nil {
					return err
				}
				return write(out, "mpnn_report.csv",
					"index,backbone,sequence,global_score\nv1,bb_0,MKVL,0.4\nv2,bb_1,MKIL,0.7\n")
			},
			"esmfold.py": func(out string) error {
				return write(out, "esmfold_report.csv", "index,plddt,ptm\nv1,82,0.7\nv2,55,0.4\n")
			},
			"cluster.py": func(out string) error {
				return write(out, "representatives.fasta", ">v1\nMKVL\n")
			},
		},
	}
}

func testConfig(t *testing.T) *config.Workflow {
	wf := &config.Workflow{RunID: "run-test"}
	wf.Project = config.Project{
		InputPDB:       "/data/1abc.pdb",
		OutputDir:      t.TempDir(),
		Chain:          "A",
		SequenceLength: 120,
		Segment:        "10-25",
	}
	wf.Profiling = config.Profiling{ConservationThreshold: 0.6, Iterations: 5, CPU: 1}
	wf.Generation = config.Generation{NumDesigns: 3, Threshold: 0.6, Comparator: "lte", PartialT: 50, Helix: true}
	wf.Design = config.Design{NumSeqPerTarget: 20, SamplingTemp: 0.3, Seed: 42, TopPercent: 1.0}
	wf.Validation = config.Validation{PLDDTThreshold: 70, PTMThreshold: 0.54}
	wf.Clustering = config.Clustering{MinSeqID: 0.8, Coverage: 0.8, Sensitivity: 4, Threads: 1, MMseqsPath: "mmseqs"}
	wf.Orchestrator = config.Orchestrator{MaxRetries: 2, RetryBackoff: "1ms", StageTimeout: "0"}
	wf.Tools = config.Tools{
		Profiler:  "/scripts/hmmer.py",
		Generator: "/scripts/rf_diffusion.py",
		Designer:  "/scripts/mpnn.py",
		Validator: "/scripts/esmfold.py",
		Clusterer: "/scripts/cluster.py",
	}
	wf.Environments = map[string]config.Environment{"main": {Conda: "test"}}
	return wf
}

func newTestOrchestrator(t *testing.T, cfg *config.Workflow, d ports.Dispatcher, opts ...Option) (*Orchestrator, *file.Store) {
	store := file.NewStore(filepath.Join(cfg.Project.OutputDir, "checkpoints"))
	return New(cfg, d, store, opts...), store
}

func TestOrchestrator_Run(t *testing.T) {
	cfg := testConfig(t)
	dispatcher := newToolDispatcher(t)
	o, _ := newTestOrchestrator(t, cfg, dispatcher)

	summary, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Rows)
	assert.Equal(t, 1, summary.Passed)
	assert.FileExists(t, summary.ReportPath)

	t.Run("explicit segment skips profiling", func(t *testing.T) {
		assert.Zero(t, dispatcher.callCount("hmmer.py"))
	})

	t.Run("gated backbones are materialized for design", func(t *testing.T) {
		entries, err := os.ReadDir(filepath.Join(cfg.Project.OutputDir, "rfdiffusion_out", "filter_results"))
		require.NoError(t, err)
		assert.Len(t, entries, 2, "quality 0.9 exceeds the lte threshold 0.6")
	})

	t.Run("gated variants are written as fasta", func(t *testing.T) {
		data, err := os.ReadFile(filepath.Join(cfg.Project.OutputDir, "mpnn_out", "results", "designed_sequences.fasta"))
		require.NoError(t, err)
		assert.Contains(t, string(data), ">v1\nMKVL\n")
	})

	t.Run("checkpoints persisted per stage", func(t *testing.T) {
		for _, stage := range []string{"generation", "design", "validation"} {
			assert.FileExists(t, filepath.Join(cfg.Project.OutputDir, "checkpoints", stage+".yaml"))
		}
	})

	t.Run("resolved config frozen alongside outputs", func(t *testing.T) {
		assert.FileExists(t, filepath.Join(cfg.Project.OutputDir, "config.resolved.yaml"))
	})

	t.Run("status reflects the finished chain", func(t *testing.T) {
		status := o.Status()
		assert.Empty(t, status.Current)
		assert.Contains(t, status.Completed, domain.StageGeneration)
		assert.Contains(t, status.Completed, domain.StageValidation)
	})
}

func TestOrchestrator_EmptyGateIsNotAnError(t *testing.T) {
	cfg := testConfig(t)
	cfg.Generation.Threshold = 0.1 // below every scripted quality

	dispatcher := newToolDispatcher(t)
	o, _ := newTestOrchestrator(t, cfg, dispatcher)

	summary, err := o.Run(context.Background())
	require.NoError(t, err, "an emptied candidate set completes the run")
	assert.Equal(t, 0, summary.Rows)

	assert.Zero(t, dispatcher.callCount("mpnn.py"), "downstream stages must never run on an empty set")
	assert.Zero(t, dispatcher.callCount("esmfold.py"))

	f, err := os.Open(summary.ReportPath)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	assert.Len(t, rows, 1, "zero-row report still carries the header")
}

func TestOrchestrator_ResumeSkipsCheckpointedStages(t *testing.T) {
	cfg := testConfig(t)
	dispatcher := newToolDispatcher(t)

	o1, store := newTestOrchestrator(t, cfg, dispatcher)
	first, err := o1.Run(context.Background())
	require.NoError(t, err)

	o2 := New(cfg, dispatcher, store)
	second, err := o2.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, dispatcher.callCount("rf_diffusion.py"), "checkpointed stage must not re-run")
	assert.Equal(t, 1, dispatcher.callCount("mpnn.py"))
	assert.Equal(t, 1, dispatcher.callCount("esmfold.py"))
	assert.Equal(t, first.Rows, second.Rows)
	assert.Equal(t, first.Passed, second.Passed)
}

func TestOrchestrator_FingerprintMismatchFailsResume(t *testing.T) {
	cfg := testConfig(t)
	dispatcher := newToolDispatcher(t)

	o1, store := newTestOrchestrator(t, cfg, dispatcher)
	_, err := o1.Run(context.Background())
	require.NoError(t, err)

	cfg.Generation.NumDesigns = 5
	o2 := New(cfg, dispatcher, store)
	_, err = o2.Run(context.Background())

	var resumeErr *domain.ResumeError
	require.ErrorAs(t, err, &resumeErr)
	assert.Equal(t, domain.StageGeneration, resumeErr.Stage)
}

func TestOrchestrator_RegateInvalidatesDownstreamCheckpoints(t *testing.T) {
	cfg := testConfig(t)
	dispatcher := newToolDispatcher(t)

	o1, store := newTestOrchestrator(t, cfg, dispatcher)
	_, err := o1.Run(context.Background())
	require.NoError(t, err)

	// The threshold acts at gate time and appears on no command line, so
	// only the survivor set distinguishes the old and new design runs.
	// With lte 0.3 a single backbone survives instead of two.
	cfg.Generation.Threshold = 0.3
	o2 := New(cfg, dispatcher, store)
	_, err = o2.Run(context.Background())

	var resumeErr *domain.ResumeError
	require.ErrorAs(t, err, &resumeErr)
	assert.Equal(t, domain.StageDesign, resumeErr.Stage)
	assert.Equal(t, 1, dispatcher.callCount("mpnn.py"), "design checkpoint from the wider gate must not be reused")
}

func TestOrchestrator_RetriesTransientFailures(t *testing.T) {
	cfg := testConfig(t)
	dispatcher := newToolDispatcher(t)
	dispatcher.failures["rf_diffusion.py"] = 2

	retries := 0
	hooks := domain.LifecycleHooks{
		OnRetry: func(ctx context.Context, e *domain.RetryEvent) { retries++ },
	}
	o, _ := newTestOrchestrator(t, cfg, dispatcher, WithLifecycleHooks(hooks))

	summary, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Rows)
	assert.Equal(t, 3, dispatcher.callCount("rf_diffusion.py"))
	assert.Equal(t, 2, retries)
}

func TestOrchestrator_RetriesExhausted(t *testing.T) {
	cfg := testConfig(t)
	dispatcher := newToolDispatcher(t)
	dispatcher.failures["rf_diffusion.py"] = 10

	o, _ := newTestOrchestrator(t, cfg, dispatcher)
	_, err := o.Run(context.Background())

	var execErr *domain.StageExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, domain.StageGeneration, execErr.Stage)
	assert.Equal(t, 1+cfg.Orchestrator.MaxRetries, dispatcher.callCount("rf_diffusion.py"))
}

func TestOrchestrator_ProfilingResolvesSegment(t *testing.T) {
	cfg := testConfig(t)
	cfg.Project.Segment = ""
	cfg.Profiling.Database = "/db/uniref90"

	dispatcher := newToolDispatcher(t)
	o, _ := newTestOrchestrator(t, cfg, dispatcher)

	summary, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, dispatcher.callCount("hmmer.py"))
	assert.Equal(t, 2, summary.Rows)

	// The scripted profiler recommends 10-25, which must flow into the
	// report's designed_segment column.
	rows := o.ledger.Rows()
	require.NotEmpty(t, rows)
	assert.Equal(t, "10-25", rows[0].DesignedSegment)
}

func TestOrchestrator_ClusteringAnnotatesReport(t *testing.T) {
	cfg := testConfig(t)
	cfg.Clustering.Enabled = true

	dispatcher := newToolDispatcher(t)
	o, _ := newTestOrchestrator(t, cfg, dispatcher)

	summary, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, dispatcher.callCount("cluster.py"))

	f, err := os.Open(summary.ReportPath)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)

	require.Len(t, rows, 3)
	assert.Equal(t, "cluster_representative", rows[0][len(rows[0])-1])
	assert.Equal(t, "true", rows[1][len(rows[1])-1], "v1 is the scripted representative")
	assert.Equal(t, "false", rows[2][len(rows[2])-1])
}

func TestOrchestrator_ClusteringFailureIsNonFatal(t *testing.T) {
	cfg := testConfig(t)
	cfg.Clustering.Enabled = true

	dispatcher := newToolDispatcher(t)
	dispatcher.failures["cluster.py"] = 10

	o, _ := newTestOrchestrator(t, cfg, dispatcher)
	summary, err := o.Run(context.Background())
	require.NoError(t, err, "the branch only annotates, it must never fail the run")

	f, err := os.Open(summary.ReportPath)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	assert.NotContains(t, rows[0], "cluster_representative")
}

func TestOrchestrator_ClusteringJoinedOnMainChainFailure(t *testing.T) {
	cfg := testConfig(t)
	cfg.Clustering.Enabled = true

	dispatcher := newToolDispatcher(t)
	dispatcher.failures["esmfold.py"] = 10

	o, _ := newTestOrchestrator(t, cfg, dispatcher)
	_, err := o.Run(context.Background())

	var execErr *domain.StageExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, domain.StageValidation, execErr.Stage)
	assert.Equal(t, 1, dispatcher.callCount("cluster.py"), "the branch must be awaited even when the chain fails")
}

func TestOrchestrator_StatusTracksBranchSeparately(t *testing.T) {
	cfg := testConfig(t)
	cfg.Clustering.Enabled = true

	dispatcher := newToolDispatcher(t)
	started := make(chan struct{})
	release := make(chan struct{})
	inner := dispatcher.scripts["cluster.py"]
	dispatcher.scripts["cluster.py"] = func(out string) error {
		close(started)
		<-release
		return inner(out)
	}

	o, _ := newTestOrchestrator(t, cfg, dispatcher)
	errs := make(chan error, 1)
	go func() {
		_, err := o.Run(context.Background())
		errs <- err
	}()

	<-started
	status := o.Status()
	assert.Equal(t, domain.StageClustering, status.Branch)
	assert.NotEqual(t, domain.StageClustering, status.Current, "the branch must never show up as the main-chain stage")

	close(release)
	require.NoError(t, <-errs)

	status = o.Status()
	assert.Empty(t, status.Branch)
	assert.Empty(t, status.Current)
	assert.Contains(t, status.Completed, domain.StageClustering)
}

func TestOrchestrator_EnvironmentPrecheck(t *testing.T) {
	cfg := testConfig(t)
	cfg.Environments = map[string]config.Environment{}

	dispatcher := newToolDispatcher(t)
	o, _ := newTestOrchestrator(t, cfg, dispatcher)

	_, err := o.Run(context.Background())
	var envErr *domain.EnvironmentError
	require.ErrorAs(t, err, &envErr)
	assert.Zero(t, dispatcher.callCount("rf_diffusion.py"), "precheck must fail before any side effect")
}

func TestOrchestrator_GateEvents(t *testing.T) {
	cfg := testConfig(t)

	var mu sync.Mutex
	gates := map[domain.StageName][2]int{}
	hooks := domain.LifecycleHooks{
		OnGate: func(ctx context.Context, e *domain.GateEvent) {
			mu.Lock()
			gates[e.Stage] = [2]int{e.Before, e.After}
			mu.Unlock()
		},
	}

	dispatcher := newToolDispatcher(t)
	o, _ := newTestOrchestrator(t, cfg, dispatcher, WithLifecycleHooks(hooks))
	_, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, [2]int{3, 2}, gates[domain.StageGeneration])
	assert.Equal(t, [2]int{2, 2}, gates[domain.StageDesign])
	assert.Equal(t, [2]int{2, 1}, gates[domain.StageValidation])
}
