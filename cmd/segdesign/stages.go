package main

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/segdesign/segdesign/internal/logging"
	"github.com/segdesign/segdesign/pkg/adapters/conda"
	"github.com/segdesign/segdesign/pkg/config"
	"github.com/segdesign/segdesign/pkg/domain"
	"github.com/segdesign/segdesign/pkg/stage"
)

// stageContext is the shared setup for the standalone stage commands:
// setting-file environments, dispatcher and runner rooted at the requested
// output directory. Standalone invocations skip gating and checkpoints;
// they exist for drop-in replacement of a single tool run.
type stageContext struct {
	wf     *config.Workflow
	runner *stage.Runner
	logger *slog.Logger
}

func newStageContext(cmd *cobra.Command, outputFolder string) (*stageContext, error) {
	settingPath, _ := cmd.Flags().GetString("setting")
	level, _ := cmd.Flags().GetString("log-level")
	logger := logging.New(logging.ParseLevel(level))

	wf, err := config.LoadSetting(settingPath)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(outputFolder)
	if err != nil {
		return nil, fmt.Errorf("resolving output folder: %w", err)
	}
	wf.Project.OutputDir = abs

	dispatcher := conda.FromConfig(wf.Environments, conda.WithLogger(logger))
	runner := stage.NewRunner(dispatcher, abs, wf.RunID,
		stage.WithLogger(logger),
		stage.WithTimeout(wf.StageTimeoutDuration()),
	)
	return &stageContext{wf: wf, runner: runner, logger: logger}, nil
}

func (sc *stageContext) run(cmd *cobra.Command, st stage.Stage) error {
	res, err := sc.runner.Run(cmd.Context(), st)
	if err != nil {
		return err
	}
	fmt.Println(sc.runner.FinalDir(st.Definition()))
	sc.logger.Info("stage complete", "stage", res.Stage, "duration", res.Duration)
	return nil
}

var positionRe = regexp.MustCompile(`^([A-Za-z])(\d+)-(\d+)$`)

// parsePositionList splits a "A10-25" position spec into chain and segment.
func parsePositionList(s string) (string, domain.Segment, error) {
	m := positionRe.FindStringSubmatch(s)
	if m == nil {
		return "", domain.Segment{}, fmt.Errorf("position list %q: expected <chain><start>-<end>", s)
	}
	start, _ := strconv.Atoi(m[2])
	end, _ := strconv.Atoi(m[3])
	if start < 1 || start > end {
		return "", domain.Segment{}, fmt.Errorf("position list %q: invalid bounds", s)
	}
	return m[1], domain.Segment{Start: start, End: end}, nil
}

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Run only the conservation profiling stage",
	RunE: func(cmd *cobra.Command, args []string) error {
		out, _ := cmd.Flags().GetString("output_folder")
		sc, err := newStageContext(cmd, out)
		if err != nil {
			return err
		}
		f := cmd.Flags()
		sc.wf.Project.InputPDB, _ = f.GetString("input_pdb")
		sc.wf.Project.Chain, _ = f.GetString("select_chain")
		sc.wf.Profiling.Database, _ = f.GetString("database")
		sc.wf.Profiling.Bitscore, _ = f.GetFloat64("bitscore")
		sc.wf.Profiling.Iterations, _ = f.GetInt("n_iter")
		sc.wf.Profiling.CPU, _ = f.GetInt("cpu")
		sc.wf.Profiling.MinimumSequenceCoverage, _ = f.GetInt("minimum_sequence_coverage")
		sc.wf.Profiling.MinimumColumnCoverage, _ = f.GetInt("minimum_column_coverage")
		return sc.run(cmd, stage.NewProfiler(sc.wf))
	},
}

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Run only the backbone generation stage",
	RunE: func(cmd *cobra.Command, args []string) error {
		out, _ := cmd.Flags().GetString("output_folder")
		sc, err := newStageContext(cmd, out)
		if err != nil {
			return err
		}
		f := cmd.Flags()
		sc.wf.Project.InputPDB, _ = f.GetString("input_pdb")
		sc.wf.Project.Chain, _ = f.GetString("select_chain")
		sc.wf.Project.SequenceLength, _ = f.GetInt("sequence_length")
		sc.wf.Generation.NumDesigns, _ = f.GetInt("num_designs")
		sc.wf.Generation.PartialT, _ = f.GetInt("partial_t")
		sc.wf.Generation.Helix, _ = f.GetBool("helix")
		sc.wf.Generation.Strand, _ = f.GetBool("strand")
		if sc.wf.Generation.Strand {
			// helix defaults on; an explicit strand request wins.
			sc.wf.Generation.Helix = false
		}
		if p, _ := f.GetString("run_inference_path"); p != "" {
			sc.wf.Generation.RunInferencePath = p
		}
		segSpec, _ := f.GetString("segment")
		seg, err := config.ParseSegment(segSpec)
		if err != nil {
			return err
		}
		return sc.run(cmd, stage.NewGenerator(sc.wf, seg))
	},
}

var designCmd = &cobra.Command{
	Use:   "design",
	Short: "Run only the sequence design stage",
	RunE: func(cmd *cobra.Command, args []string) error {
		out, _ := cmd.Flags().GetString("output_folder")
		sc, err := newStageContext(cmd, out)
		if err != nil {
			return err
		}
		f := cmd.Flags()
		position, _ := f.GetString("position_list")
		chain, seg, err := parsePositionList(position)
		if err != nil {
			return err
		}
		sc.wf.Project.Chain = chain
		sc.wf.Design.NumSeqPerTarget, _ = f.GetInt("num_seq_per_target")
		sc.wf.Design.SamplingTemp, _ = f.GetFloat64("sampling_temp")
		sc.wf.Design.Seed, _ = f.GetInt("seed")
		pdbFolder, _ := f.GetString("pdb_folder")
		return sc.run(cmd, stage.NewDesigner(sc.wf, seg, pdbFolder))
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Run only the structure validation stage",
	RunE: func(cmd *cobra.Command, args []string) error {
		out, _ := cmd.Flags().GetString("output_folder")
		sc, err := newStageContext(cmd, out)
		if err != nil {
			return err
		}
		f := cmd.Flags()
		sc.wf.Validation.PLDDTThreshold, _ = f.GetFloat64("plddt_threshold")
		input, _ := f.GetString("input_folder")
		return sc.run(cmd, stage.NewValidator(sc.wf, input))
	},
}

var clusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Run only the sequence clustering stage",
	RunE: func(cmd *cobra.Command, args []string) error {
		out, _ := cmd.Flags().GetString("output_folder")
		sc, err := newStageContext(cmd, out)
		if err != nil {
			return err
		}
		f := cmd.Flags()
		start, _ := f.GetInt("start")
		end, _ := f.GetInt("end")
		sc.wf.Clustering.MinSeqID, _ = f.GetFloat64("min_seq_id")
		sc.wf.Clustering.CovMode, _ = f.GetInt("cov_mode")
		sc.wf.Clustering.Coverage, _ = f.GetFloat64("coverage")
		sc.wf.Clustering.Sensitivity, _ = f.GetFloat64("sensitivity")
		sc.wf.Clustering.Threads, _ = f.GetInt("threads")
		if p, _ := f.GetString("mmseqs_path"); p != "" {
			sc.wf.Clustering.MMseqsPath = p
		}
		input, _ := f.GetString("input_folder")
		seg := domain.Segment{Start: start, End: end}
		return sc.run(cmd, stage.NewClusterer(sc.wf, seg, input))
	},
}

func init() {
	profileCmd.Flags().String("input_pdb", "", "Input structure path")
	profileCmd.Flags().String("select_chain", "A", "Chain identifier")
	profileCmd.Flags().String("output_folder", "./output", "Run output directory (stage writes its hmmer_out subfolder)")
	profileCmd.Flags().Float64("bitscore", 0.3, "Bit-score threshold")
	profileCmd.Flags().Int("n_iter", 5, "Search iterations")
	profileCmd.Flags().String("database", "", "Sequence database path")
	profileCmd.Flags().Int("cpu", 10, "CPU count")
	profileCmd.Flags().Int("minimum_sequence_coverage", 50, "Minimum sequence coverage")
	profileCmd.Flags().Int("minimum_column_coverage", 70, "Minimum column coverage")
	_ = profileCmd.MarkFlagRequired("input_pdb")
	_ = profileCmd.MarkFlagRequired("database")

	generateCmd.Flags().String("input_pdb", "", "Input structure path")
	generateCmd.Flags().String("select_chain", "A", "Chain identifier")
	generateCmd.Flags().String("output_folder", "./output", "Run output directory (stage writes its rfdiffusion_out subfolder)")
	generateCmd.Flags().Int("sequence_length", 0, "Full sequence length")
	generateCmd.Flags().String("segment", "", "Design segment as start-end")
	generateCmd.Flags().Int("num_designs", 10, "Number of backbone designs")
	generateCmd.Flags().Int("partial_t", 50, "Partial diffusion steps")
	generateCmd.Flags().Bool("helix", true, "Constrain the segment to helix")
	generateCmd.Flags().Bool("strand", false, "Constrain the segment to strand")
	generateCmd.Flags().String("run_inference_path", "", "Path to the generator's inference script")
	_ = generateCmd.MarkFlagRequired("input_pdb")
	_ = generateCmd.MarkFlagRequired("sequence_length")
	_ = generateCmd.MarkFlagRequired("segment")

	designCmd.Flags().String("pdb_folder", "", "Folder of backbone structures to design against")
	designCmd.Flags().String("output_folder", "./output", "Run output directory (stage writes its mpnn_out subfolder)")
	designCmd.Flags().String("position_list", "", "Redesigned positions as <chain><start>-<end>")
	designCmd.Flags().Int("num_seq_per_target", 20, "Sequences sampled per backbone")
	designCmd.Flags().Float64("sampling_temp", 0.3, "Sampling temperature")
	designCmd.Flags().Int("seed", 42, "Random seed")
	_ = designCmd.MarkFlagRequired("pdb_folder")
	_ = designCmd.MarkFlagRequired("position_list")

	validateCmd.Flags().String("input_folder", "", "Folder of designed sequences")
	validateCmd.Flags().String("output_folder", "./output", "Run output directory (stage writes its esmfold_out subfolder)")
	validateCmd.Flags().Float64("plddt_threshold", 70, "Global confidence threshold")
	_ = validateCmd.MarkFlagRequired("input_folder")

	clusterCmd.Flags().String("input_folder", "", "Folder of sequences to cluster")
	clusterCmd.Flags().String("output_folder", "./output", "Run output directory (stage writes its cluster_out subfolder)")
	clusterCmd.Flags().Int("start", 0, "Segment start (1-based, inclusive)")
	clusterCmd.Flags().Int("end", 0, "Segment end (1-based, inclusive)")
	clusterCmd.Flags().Float64("min_seq_id", 0.8, "Minimum sequence identity")
	clusterCmd.Flags().Int("cov_mode", 0, "Coverage mode (0 bidirectional, 1 query)")
	clusterCmd.Flags().Float64("coverage", 0.8, "Coverage threshold")
	clusterCmd.Flags().Float64("sensitivity", 4.0, "Search sensitivity")
	clusterCmd.Flags().Int("threads", 8, "Worker threads")
	clusterCmd.Flags().String("mmseqs_path", "", "mmseqs command path")
	_ = clusterCmd.MarkFlagRequired("input_folder")
	_ = clusterCmd.MarkFlagRequired("start")
	_ = clusterCmd.MarkFlagRequired("end")

	rootCmd.AddCommand(profileCmd, generateCmd, designCmd, validateCmd, clusterCmd)
}
