package main

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/segdesign/segdesign/internal/tui"
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Summarize the final report of a completed run",
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")
		pretty, _ := cmd.Flags().GetBool("pretty")

		path := filepath.Join(output, "final_report.csv")
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("opening final report: %w", err)
		}
		defer f.Close()

		rows, err := csv.NewReader(f).ReadAll()
		if err != nil {
			return fmt.Errorf("reading final report: %w", err)
		}
		if len(rows) == 0 {
			return fmt.Errorf("final report %s is empty", path)
		}

		// Styled output only makes sense on a real terminal; piped
		// output falls back to the plain summary.
		if !pretty || !term.IsTerminal(int(os.Stdout.Fd())) {
			fmt.Println(path)
			fmt.Printf("%d candidate(s), %d passed\n", len(rows)-1, countPassed(rows))
			return nil
		}

		render := tui.NewRenderer()
		out, err := render(reportMarkdown(path, rows))
		if err != nil {
			return fmt.Errorf("rendering report: %w", err)
		}
		fmt.Print(out)
		return nil
	},
}

func countPassed(rows [][]string) int {
	passCol := -1
	for i, h := range rows[0] {
		if h == "whether_pass" {
			passCol = i
		}
	}
	if passCol < 0 {
		return 0
	}
	n := 0
	for _, row := range rows[1:] {
		if passCol < len(row) && row[passCol] == "true" {
			n++
		}
	}
	return n
}

func reportMarkdown(path string, rows [][]string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Design Report\n\n")
	fmt.Fprintf(&b, "Source: `%s`\n\n", path)
	fmt.Fprintf(&b, "**%d** candidate(s), **%d** passed validation.\n\n", len(rows)-1, countPassed(rows))
	b.WriteString("| " + strings.Join(rows[0], " | ") + " |\n")
	b.WriteString("|" + strings.Repeat(" --- |", len(rows[0])) + "\n")
	for _, row := range rows[1:] {
		b.WriteString("| " + strings.Join(row, " | ") + " |\n")
	}
	return b.String()
}

func init() {
	reportCmd.Flags().String("output", "./output", "Run output directory")
	reportCmd.Flags().Bool("pretty", false, "Render the report as styled markdown")
	rootCmd.AddCommand(reportCmd)
}
