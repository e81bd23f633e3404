package stage

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/segdesign/segdesign/pkg/config"
	"github.com/segdesign/segdesign/pkg/domain"
)

// Clusterer wraps the mmseqs2 region-clustering tool. It is an independent
// branch: it consumes the designed sequences, clusters their segment
// region, and its representatives only annotate the final report. It never
// gates candidates.
type Clusterer struct {
	cfg       *config.Workflow
	segment   domain.Segment
	seqFolder string
}

// NewClusterer builds the clustering stage over the designed sequences.
func NewClusterer(cfg *config.Workflow, segment domain.Segment, seqFolder string) *Clusterer {
	return &Clusterer{cfg: cfg, segment: segment, seqFolder: seqFolder}
}

func (c *Clusterer) Definition() Definition {
	return Definition{
		Name:        domain.StageClustering,
		Environment: c.cfg.EnvironmentFor("clustering"),
		OutputDir:   "cluster_out",
		Artifacts: []string{
			"representatives.fasta",
		},
	}
}

// BuildCommand mirrors the mmseqs2 wrapper's native flag surface.
func (c *Clusterer) BuildCommand(outDir string) []string {
	cl := c.cfg.Clustering
	return []string{
		c.cfg.Tools.Clusterer,
		"--input_folder", c.seqFolder,
		"--output_folder", outDir,
		"--start", strconv.Itoa(c.segment.Start),
		"--end", strconv.Itoa(c.segment.End),
		"--min_seq_id", formatFloat(cl.MinSeqID),
		"--cov_mode", strconv.Itoa(cl.CovMode),
		"--coverage", formatFloat(cl.Coverage),
		"--sensitivity", formatFloat(cl.Sensitivity),
		"--mmseqs_path", cl.MMseqsPath,
		"--threads", strconv.Itoa(cl.Threads),
	}
}

// ParseMetrics reads the representative sequence ids from the clustered
// FASTA output.
func (c *Clusterer) ParseMetrics(outDir string) (map[string]bool, error) {
	path := filepath.Join(outDir, "representatives.fasta")
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening representatives: %w", err)
	}
	defer f.Close()

	reps := map[string]bool{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, ">") {
			id := strings.Fields(line[1:])
			if len(id) > 0 {
				reps[id[0]] = true
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading representatives: %w", err)
	}
	return reps, nil
}
