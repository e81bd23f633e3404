package segdesign

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/segdesign/segdesign/internal/logging"
	"github.com/segdesign/segdesign/pkg/adapters/conda"
	"github.com/segdesign/segdesign/pkg/adapters/file"
	"github.com/segdesign/segdesign/pkg/config"
	"github.com/segdesign/segdesign/pkg/domain"
	"github.com/segdesign/segdesign/pkg/observability"
	"github.com/segdesign/segdesign/pkg/pipeline"
	"github.com/segdesign/segdesign/pkg/ports"
)

// Version is the released version of the segdesign toolchain.
var Version = "0.4.0"

// Pipeline is the high-level entry point for the segdesign library. It
// wraps configuration loading, environment dispatch and the orchestrator
// behind a simplified API for CLI and embedding consumers.
type Pipeline struct {
	cfg          *config.Workflow
	orchestrator *pipeline.Orchestrator
	metrics      *observability.Metrics

	dispatcher ports.Dispatcher
	store      ports.ResultStore
	hooks      domain.LifecycleHooks
	logger     *slog.Logger
}

// Option defines a functional option for configuring the Pipeline.
type Option func(*Pipeline)

// WithLogger sets a custom structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = logger }
}

// WithLifecycleHooks registers observability hooks in addition to the
// built-in prometheus collectors.
func WithLifecycleHooks(hooks domain.LifecycleHooks) Option {
	return func(p *Pipeline) { p.hooks = hooks }
}

// WithDispatcher injects a custom dispatcher, bypassing the default conda
// execution. Used by tests and by hosts that already manage environments.
func WithDispatcher(d ports.Dispatcher) Option {
	return func(p *Pipeline) { p.dispatcher = d }
}

// WithResultStore injects a custom checkpoint store.
func WithResultStore(s ports.ResultStore) Option {
	return func(p *Pipeline) { p.store = s }
}

// New loads and validates the workflow configuration and wires the
// orchestrator. The returned Pipeline is ready to Run or Resume.
func New(configPath, settingPath string, opts ...Option) (*Pipeline, error) {
	cfg, err := config.Load(configPath, settingPath)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		cfg:     cfg,
		metrics: observability.NewMetrics(),
		logger:  logging.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.dispatcher == nil {
		p.dispatcher = conda.FromConfig(cfg.Environments, conda.WithLogger(p.logger))
	}
	if p.store == nil {
		p.store = file.NewStore(filepath.Join(cfg.Project.OutputDir, "checkpoints"))
	}

	p.orchestrator = pipeline.New(cfg, p.dispatcher, p.store,
		pipeline.WithLogger(p.logger),
		pipeline.WithLifecycleHooks(observability.Join(p.metrics.Hooks(), p.hooks)),
	)
	return p, nil
}

// Run executes the full stage chain from the beginning, reusing any valid
// checkpoints it finds along the way.
func (p *Pipeline) Run(ctx context.Context) (*pipeline.Summary, error) {
	return p.orchestrator.Run(ctx)
}

// Resume continues a previously interrupted run. It refuses to start when
// no checkpoint exists, so a typo'd output directory fails loudly instead
// of silently recomputing everything.
func (p *Pipeline) Resume(ctx context.Context) (*pipeline.Summary, error) {
	ok, err := p.orchestrator.HasCheckpoints(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &domain.ResumeError{Stage: "", Reason: "no checkpoints found in output directory"}
	}
	return p.orchestrator.Run(ctx)
}

// Status returns a point-in-time snapshot of the run.
func (p *Pipeline) Status() pipeline.Status {
	return p.orchestrator.Status()
}

// Config returns the resolved, immutable workflow configuration.
func (p *Pipeline) Config() *config.Workflow {
	return p.cfg
}

// Metrics exposes the run's prometheus collectors for the status server.
func (p *Pipeline) Metrics() *observability.Metrics {
	return p.metrics
}
