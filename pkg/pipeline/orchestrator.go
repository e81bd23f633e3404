// Package pipeline owns the stage dependency graph. It sequences the main
// chain (profiling, generation, design, validation), applies gating between
// stages, drives checkpoint detection and retry, and coordinates the
// optional clustering branch that runs concurrently with validation.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/segdesign/segdesign/internal/logging"
	"github.com/segdesign/segdesign/pkg/config"
	"github.com/segdesign/segdesign/pkg/domain"
	"github.com/segdesign/segdesign/pkg/ledger"
	"github.com/segdesign/segdesign/pkg/ports"
	"github.com/segdesign/segdesign/pkg/stage"
)

const maxBackoff = 5 * time.Minute

// Orchestrator drives one workflow run. The main chain is strictly
// sequential; every stage invocation is a blocking unit of work regardless
// of the parallelism the external tool uses internally.
type Orchestrator struct {
	cfg        *config.Workflow
	dispatcher ports.Dispatcher
	store      ports.ResultStore
	runner     *stage.Runner
	ledger     *ledger.Ledger
	hooks      domain.LifecycleHooks
	logger     *slog.Logger

	mu     sync.Mutex
	status Status
}

// Status is a point-in-time snapshot of the run, served by the optional
// status endpoint. Current tracks the main chain only; the clustering
// branch runs concurrently with validation and is reported in Branch so
// the two never overwrite each other.
type Status struct {
	RunID      string             `json:"run_id"`
	Current    domain.StageName   `json:"current,omitempty"`
	Branch     domain.StageName   `json:"branch,omitempty"`
	Completed  []domain.StageName `json:"completed"`
	Candidates int                `json:"candidates"`
	StartedAt  time.Time          `json:"started_at"`
}

// Summary is the terminal outcome of a successful run.
type Summary struct {
	ReportPath string
	Rows       int
	Passed     int
}

// Option configures the Orchestrator.
type Option func(*Orchestrator)

// WithLifecycleHooks registers observability hooks.
func WithLifecycleHooks(hooks domain.LifecycleHooks) Option {
	return func(o *Orchestrator) { o.hooks = hooks }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// New wires an Orchestrator over the injected dispatcher and result store.
func New(cfg *config.Workflow, dispatcher ports.Dispatcher, store ports.ResultStore, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:        cfg,
		dispatcher: dispatcher,
		store:      store,
		ledger:     ledger.New(),
		logger:     logging.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("run_id", cfg.RunID)
	o.runner = stage.NewRunner(dispatcher, cfg.Project.OutputDir, cfg.RunID,
		stage.WithTimeout(cfg.StageTimeoutDuration()),
		stage.WithLogger(o.logger),
	)
	o.status = Status{RunID: cfg.RunID, Completed: []domain.StageName{}}
	return o
}

// Status returns the current run snapshot.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.status
	s.Completed = append([]domain.StageName(nil), o.status.Completed...)
	return s
}

// HasCheckpoints reports whether any persisted stage result exists, used by
// the resume entry point to refuse resuming a blank output directory.
func (o *Orchestrator) HasCheckpoints(ctx context.Context) (bool, error) {
	stages, err := o.store.List(ctx)
	if err != nil {
		return false, err
	}
	return len(stages) > 0, nil
}

// Run executes the full chain. Gating that empties the candidate set is
// not a failure: the run completes with a zero-row report and a nil error.
func (o *Orchestrator) Run(ctx context.Context) (*Summary, error) {
	if err := o.precheckEnvironments(); err != nil {
		return nil, err
	}
	if err := o.cfg.Freeze(); err != nil {
		return nil, err
	}
	o.mu.Lock()
	o.status.StartedAt = time.Now()
	o.mu.Unlock()

	segment, emptied, err := o.resolveSegment(ctx)
	if err != nil {
		return nil, err
	}
	if emptied {
		return o.finish(nil)
	}
	o.ledger.SetSegment(segment)
	o.logger.Info("design segment resolved", "start", segment.Start, "end", segment.End)

	backbones, emptied, err := o.runGeneration(ctx, segment)
	if err != nil {
		return nil, err
	}
	if emptied {
		return o.finish(nil)
	}
	filterDir, err := o.materializeBackbones(backbones)
	if err != nil {
		return nil, err
	}
	if err := o.ledger.AddBackbones(backbones); err != nil {
		return nil, err
	}

	variants, err := o.runDesign(ctx, segment, filterDir, backbones)
	if err != nil {
		return nil, err
	}
	seqDir, err := o.materializeSequences(variants)
	if err != nil {
		return nil, err
	}
	if err := o.ledger.AddVariants(variants); err != nil {
		return nil, err
	}

	// The clustering branch may start as soon as the designed sequences
	// exist. It shares nothing with the main chain except the ledger and
	// writes only to its own subdirectory, so it needs no locking and a
	// main-chain failure must not cancel it.
	var clusterWait func()
	if o.cfg.Clustering.Enabled {
		clusterWait = o.startClustering(ctx, segment, seqDir, variants)
		defer clusterWait()
	}

	if err := o.runValidation(ctx, seqDir, variants); err != nil {
		return nil, err
	}

	if clusterWait != nil {
		clusterWait()
	}
	return o.finish(nil)
}

// precheckEnvironments fails before any side effect when a stage's runtime
// environment cannot be resolved.
func (o *Orchestrator) precheckEnvironments() error {
	names := append([]domain.StageName(nil), domain.MainChain...)
	if o.cfg.Clustering.Enabled {
		names = append(names, domain.StageClustering)
	}
	for _, n := range names {
		resolved := o.cfg.EnvironmentFor(string(n))
		if _, ok := o.cfg.Environments[resolved]; !ok {
			return &domain.EnvironmentError{Name: resolved}
		}
	}
	return nil
}

// resolveSegment runs profiling when needed and applies the segment gate.
// The emptied flag signals a non-fatal zero-survivor gate.
func (o *Orchestrator) resolveSegment(ctx context.Context) (domain.Segment, bool, error) {
	if seg, ok, err := o.cfg.DesignSegment(); err != nil {
		return domain.Segment{}, false, err
	} else if ok && o.cfg.Profiling.Database == "" {
		// Explicit segment and no profiling database: nothing to profile.
		return seg, false, nil
	}

	profiler := stage.NewProfiler(o.cfg)
	res, resumed, err := o.execute(ctx, profiler)
	if err != nil {
		return domain.Segment{}, false, err
	}
	regions, err := profiler.ParseMetrics(o.runner.FinalDir(profiler.Definition()))
	if err != nil {
		return domain.Segment{}, false, err
	}
	if err := o.persist(ctx, res, resumed, len(regions)); err != nil {
		return domain.Segment{}, false, err
	}

	segment, err := SelectSegment(o.cfg, regions)
	if err != nil {
		var gateErr *domain.GatingError
		if errors.As(err, &gateErr) {
			o.emitGate(ctx, domain.StageProfiling, len(regions), 0)
			o.logger.Warn("segment gate left no candidates", "err", err)
			return domain.Segment{}, true, nil
		}
		return domain.Segment{}, false, err
	}
	o.emitGate(ctx, domain.StageProfiling, len(regions), 1)
	return segment, false, nil
}

func (o *Orchestrator) runGeneration(ctx context.Context, segment domain.Segment) ([]domain.Backbone, bool, error) {
	gen := stage.NewGenerator(o.cfg, segment)
	res, resumed, err := o.execute(ctx, gen)
	if err != nil {
		return nil, false, err
	}
	backbones, err := gen.ParseMetrics(o.runner.FinalDir(gen.Definition()))
	if err != nil {
		return nil, false, err
	}
	if err := o.persist(ctx, res, resumed, len(backbones)); err != nil {
		return nil, false, err
	}

	kept, err := GateBackbones(backbones, o.cfg.Generation.Threshold, o.cfg.Generation.Comparator)
	if err != nil {
		var gateErr *domain.GatingError
		if errors.As(err, &gateErr) {
			o.emitGate(ctx, domain.StageGeneration, len(backbones), 0)
			o.logger.Warn("generation gate left no candidates", "err", err)
			return nil, true, nil
		}
		return nil, false, err
	}
	o.emitGate(ctx, domain.StageGeneration, len(backbones), len(kept))
	return kept, false, nil
}

func (o *Orchestrator) runDesign(ctx context.Context, segment domain.Segment, filterDir string, backbones []domain.Backbone) ([]domain.SequenceVariant, error) {
	des := stage.NewDesigner(o.cfg, segment, filterDir)
	res, resumed, err := o.execute(ctx, des, backboneIDs(backbones))
	if err != nil {
		return nil, err
	}
	variants, err := des.ParseMetrics(o.runner.FinalDir(des.Definition()))
	if err != nil {
		return nil, err
	}
	if err := o.persist(ctx, res, resumed, len(variants)); err != nil {
		return nil, err
	}

	kept := GateVariants(variants, o.cfg.Design.TopPercent, o.cfg.Design.NumSeqPerTarget)
	o.emitGate(ctx, domain.StageDesign, len(variants), len(kept))
	return kept, nil
}

func (o *Orchestrator) runValidation(ctx context.Context, seqDir string, variants []domain.SequenceVariant) error {
	val := stage.NewValidator(o.cfg, seqDir)
	res, resumed, err := o.execute(ctx, val, variantIDs(variants))
	if err != nil {
		return err
	}
	scores, err := val.ParseMetrics(o.runner.FinalDir(val.Definition()))
	if err != nil {
		return err
	}
	if err := o.persist(ctx, res, resumed, len(scores)); err != nil {
		return err
	}

	scored := ApplyValidation(scores, o.cfg.Validation.PLDDTThreshold, o.cfg.Validation.PTMThreshold)
	passed := 0
	for _, s := range scored {
		if s.Pass {
			passed++
		}
	}
	o.emitGate(ctx, domain.StageValidation, len(scored), passed)
	return o.ledger.AddValidation(scored)
}

// startClustering launches the branch and returns an idempotent join
// function. The branch failure is deliberately non-fatal: clustering only
// annotates the report.
func (o *Orchestrator) startClustering(ctx context.Context, segment domain.Segment, seqDir string, variants []domain.SequenceVariant) func() {
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			o.mu.Lock()
			o.status.Branch = ""
			o.mu.Unlock()
		}()
		cl := stage.NewClusterer(o.cfg, segment, seqDir)
		res, resumed, err := o.execute(ctx, cl, variantIDs(variants))
		if err != nil {
			o.logger.Error("clustering branch failed", "err", err)
			return
		}
		reps, err := cl.ParseMetrics(o.runner.FinalDir(cl.Definition()))
		if err != nil {
			o.logger.Error("clustering metrics unreadable", "err", err)
			return
		}
		if err := o.persist(ctx, res, resumed, len(reps)); err != nil {
			o.logger.Error("clustering checkpoint not persisted", "err", err)
			return
		}
		o.ledger.AnnotateRepresentatives(reps)
	}()

	var once sync.Once
	return func() { once.Do(func() { <-done }) }
}

// execute runs one stage with checkpoint detection and bounded, backed-off
// retries. The resumed flag is true when a persisted result was reused.
// inputs carry the upstream survivor identities; gating config such as the
// generation threshold never reaches a downstream command line, so folding
// the survivors into the fingerprint is what keeps a checkpoint from being
// reused against a differently gated candidate set.
func (o *Orchestrator) execute(ctx context.Context, st stage.Stage, inputs ...any) (*domain.StageResult, bool, error) {
	def := st.Definition()
	material := append([]any{def, st.BuildCommand(o.runner.FinalDir(def))}, inputs...)
	fp := config.Fingerprint(material...)

	prev, err := o.store.Load(ctx, def.Name)
	switch {
	case err == nil:
		if prev.Fingerprint != fp {
			return nil, false, &domain.ResumeError{
				Stage:  def.Name,
				Reason: "existing checkpoint was produced by a different configuration",
			}
		}
		o.logger.Info("stage checkpoint found, skipping", "stage", def.Name)
		o.emitStageEvent(ctx, o.hooks.OnStageEnd, &domain.StageEvent{
			Timestamp: time.Now(), Stage: def.Name, RunID: prev.RunID, Resumed: true,
		})
		o.markCompleted(def.Name)
		return prev, true, nil
	case !errors.Is(err, domain.ErrNoCheckpoint):
		return nil, false, err
	}

	o.setCurrent(def.Name)
	base := o.cfg.RetryBackoffDuration()
	for attempt := 0; ; attempt++ {
		o.emitStageEvent(ctx, o.hooks.OnStageStart, &domain.StageEvent{
			Timestamp: time.Now(), Stage: def.Name, RunID: o.cfg.RunID,
		})
		res, err := o.runner.Run(ctx, st)
		o.emitStageEvent(ctx, o.hooks.OnStageEnd, &domain.StageEvent{
			Timestamp: time.Now(), Stage: def.Name, RunID: o.cfg.RunID,
			Duration: elapsed(res), Err: err,
		})
		if err == nil {
			res.Fingerprint = fp
			o.markCompleted(def.Name)
			return res, false, nil
		}
		if !domain.Retryable(err) || attempt >= o.cfg.Orchestrator.MaxRetries || ctx.Err() != nil {
			return nil, false, err
		}

		delay := domain.Backoff(attempt, base, maxBackoff)
		o.logger.Warn("stage failed, retrying",
			"stage", def.Name,
			"attempt", attempt+1,
			"max_retries", o.cfg.Orchestrator.MaxRetries,
			"delay", delay,
			"err", err,
		)
		if o.hooks.OnRetry != nil {
			o.hooks.OnRetry(ctx, &domain.RetryEvent{
				Timestamp: time.Now(), Stage: def.Name, Attempt: attempt + 1, Delay: delay,
			})
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
}

// persist saves a freshly produced stage result with its candidate count.
// Resumed results are already on disk and stay untouched.
func (o *Orchestrator) persist(ctx context.Context, res *domain.StageResult, resumed bool, candidates int) error {
	o.mu.Lock()
	o.status.Candidates = candidates
	o.mu.Unlock()
	if resumed {
		return nil
	}
	res.Candidates = candidates
	return o.store.Save(ctx, res)
}

// materializeBackbones copies the surviving backbone structures into the
// fixed filter_results folder, the only backbone source the design stage
// ever sees. Gated-out samples never appear in any downstream command.
func (o *Orchestrator) materializeBackbones(kept []domain.Backbone) (string, error) {
	genDir := filepath.Join(o.cfg.Project.OutputDir, "rfdiffusion_out")
	dir := filepath.Join(genDir, "filter_results")
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("clearing filter_results: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating filter_results: %w", err)
	}
	for _, b := range kept {
		src := b.SourcePDB
		if !filepath.IsAbs(src) {
			src = filepath.Join(genDir, src)
		}
		if err := copyFile(src, filepath.Join(dir, filepath.Base(src))); err != nil {
			return "", fmt.Errorf("collecting backbone %s: %w", b.ID, err)
		}
	}
	return dir, nil
}

// materializeSequences writes the gated variants into the fixed results
// folder consumed by validation and clustering.
func (o *Orchestrator) materializeSequences(kept []domain.SequenceVariant) (string, error) {
	dir := filepath.Join(o.cfg.Project.OutputDir, "mpnn_out", "results")
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("clearing results: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating results: %w", err)
	}
	f, err := os.Create(filepath.Join(dir, "designed_sequences.fasta"))
	if err != nil {
		return "", fmt.Errorf("creating designed sequences: %w", err)
	}
	defer f.Close()
	for _, v := range kept {
		if _, err := fmt.Fprintf(f, ">%s\n%s\n", v.ID, v.Sequence); err != nil {
			return "", fmt.Errorf("writing designed sequences: %w", err)
		}
	}
	return dir, nil
}

// finish writes the final report and returns the run summary.
func (o *Orchestrator) finish(err error) (*Summary, error) {
	if err != nil {
		return nil, err
	}
	path := filepath.Join(o.cfg.Project.OutputDir, "final_report.csv")
	if err := o.ledger.WriteReport(path); err != nil {
		return nil, err
	}
	rows := o.ledger.Rows()
	passed := 0
	for _, r := range rows {
		if r.WhetherPass {
			passed++
		}
	}
	o.setCurrent("")
	o.logger.Info("run complete", "report", path, "candidates", len(rows), "passed", passed)
	return &Summary{ReportPath: path, Rows: len(rows), Passed: passed}, nil
}

func (o *Orchestrator) emitStageEvent(ctx context.Context, hook func(context.Context, *domain.StageEvent), e *domain.StageEvent) {
	if hook != nil {
		hook(ctx, e)
	}
}

func (o *Orchestrator) emitGate(ctx context.Context, s domain.StageName, before, after int) {
	if o.hooks.OnGate != nil {
		o.hooks.OnGate(ctx, &domain.GateEvent{Timestamp: time.Now(), Stage: s, Before: before, After: after})
	}
}

func (o *Orchestrator) setCurrent(s domain.StageName) {
	o.mu.Lock()
	if s == domain.StageClustering {
		o.status.Branch = s
	} else {
		o.status.Current = s
	}
	o.mu.Unlock()
}

func (o *Orchestrator) markCompleted(s domain.StageName) {
	o.mu.Lock()
	o.status.Completed = append(o.status.Completed, s)
	if s == domain.StageClustering {
		o.status.Branch = ""
	} else {
		o.status.Current = ""
	}
	o.mu.Unlock()
}

func backboneIDs(backbones []domain.Backbone) []string {
	ids := make([]string, len(backbones))
	for i, b := range backbones {
		ids[i] = b.ID
	}
	return ids
}

func variantIDs(variants []domain.SequenceVariant) []string {
	ids := make([]string, len(variants))
	for i, v := range variants {
		ids[i] = v.ID
	}
	return ids
}

func elapsed(res *domain.StageResult) time.Duration {
	if res == nil {
		return 0
	}
	return res.Duration
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
