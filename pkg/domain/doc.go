// Package domain holds the core records of the design pipeline: stage
// results, candidate lineage (segment, backbone, variant, validation) and
// the error taxonomy shared by all components.
//
// Types here are plain data. Components communicate by producing and
// consuming these records; none of them reach back into the packages that
// created them.
package domain
