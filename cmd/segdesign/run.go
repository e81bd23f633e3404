package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/segdesign/segdesign"
	"github.com/segdesign/segdesign/internal/logging"
	"github.com/segdesign/segdesign/internal/status"
	"github.com/segdesign/segdesign/pkg/domain"
	"github.com/segdesign/segdesign/pkg/pipeline"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the full design chain",
	Long: `Runs profiling, generation, design and validation in sequence, with
the optional clustering branch alongside, reusing any valid checkpoints
found in the output directory. Exits zero when the chain completes, even if
gating left zero candidates.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runChain(cmd, false)
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume an interrupted run from its checkpoints",
	Long: `Continues a previous run. Completed stages are never re-invoked;
the first stage without a checkpoint runs next. Fails when the output
directory holds no checkpoints or when a checkpoint was produced by a
different configuration.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runChain(cmd, true)
	},
}

func runChain(cmd *cobra.Command, resume bool) error {
	configPath, _ := cmd.Flags().GetString("config")
	settingPath, _ := cmd.Flags().GetString("setting")
	statusAddr, _ := cmd.Flags().GetString("status-addr")
	level, _ := cmd.Flags().GetString("log-level")

	logger := logging.New(logging.ParseLevel(level))

	p, err := segdesign.New(configPath, settingPath, segdesign.WithLogger(logger))
	if err != nil {
		return err
	}

	if statusAddr != "" {
		handler := status.NewHandler(p, p.Metrics().Registry(), logger)
		status.Serve(statusAddr, handler, logger)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var summary *pipeline.Summary
	if resume {
		summary, err = p.Resume(ctx)
	} else {
		summary, err = p.Run(ctx)
	}
	if err != nil {
		reportFailure(err)
		return err
	}

	fmt.Println(summary.ReportPath)
	logger.Info("done", "candidates", summary.Rows, "passed", summary.Passed)
	return nil
}

// reportFailure tells the operator which stage failed and where its error
// stream landed, the two things needed to triage a dead run.
func reportFailure(err error) {
	var execErr *domain.StageExecutionError
	if errors.As(err, &execErr) {
		fmt.Fprintf(os.Stderr, "stage %s failed; error stream: %s\n", execErr.Stage, execErr.StderrPath)
		return
	}
	var outErr *domain.StageOutputError
	if errors.As(err, &outErr) {
		fmt.Fprintf(os.Stderr, "stage %s completed without producing %s\n", outErr.Stage, outErr.Artifact)
	}
}

func init() {
	for _, c := range []*cobra.Command{runCmd, resumeCmd} {
		c.Flags().String("config", "./config/config.yaml", "User workflow configuration file")
		c.Flags().String("status-addr", "", "Optional listen address for the /status and /metrics endpoint")
		rootCmd.AddCommand(c)
	}
}
