/*
Package segdesign orchestrates a multi-stage protein segment redesign
workflow: conservation profiling, backbone generation, sequence design,
structure validation and optional sequence clustering, each performed by an
external analysis tool inside its own isolated runtime environment.

The engine sequences the stages under their data dependencies, gates
candidates between stages with configurable quality thresholds, persists
every stage result as a checkpoint so interrupted runs resume without
recomputation, and assembles an auditable final report tracing each
candidate from its design segment through backbone, sequence variant and
validation scores.

# Usage

	package main

	import (
		"context"
		"log"

		"github.com/segdesign/segdesign"
	)

	func main() {
		p, err := segdesign.New("config.yaml", "setting.yaml")
		if err != nil {
			log.Fatal(err)
		}

		summary, err := p.Run(context.Background())
		if err != nil {
			log.Fatal(err)
		}
		log.Printf("report: %s (%d candidates, %d passed)",
			summary.ReportPath, summary.Rows, summary.Passed)
	}

External tools are opaque: the engine knows only their command-line
contracts and the artifacts they declare. It never parses domain file
formats beyond locating required outputs and reading the CSV reports the
wrapper scripts emit.
*/
package segdesign
