// Package ports defines the boundary interfaces of the pipeline core.
// The orchestrator and stage runners depend only on these contracts;
// concrete implementations live under pkg/adapters and can be swapped for
// fakes in tests.
package ports
