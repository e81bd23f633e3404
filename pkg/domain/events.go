package domain

import (
	"context"
	"time"
)

// StageEvent describes the start or end of one stage invocation.
type StageEvent struct {
	Timestamp time.Time     `json:"timestamp"`
	Stage     StageName     `json:"stage"`
	RunID     string        `json:"run_id"`
	Resumed   bool          `json:"resumed,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
	Err       error         `json:"-"`
}

// RetryEvent describes one retry of a failed stage invocation.
type RetryEvent struct {
	Timestamp time.Time     `json:"timestamp"`
	Stage     StageName     `json:"stage"`
	Attempt   int           `json:"attempt"`
	Delay     time.Duration `json:"delay"`
}

// GateEvent describes a gating decision between two stages.
type GateEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Stage     StageName `json:"stage"`
	Before    int       `json:"before"`
	After     int       `json:"after"`
}

// LifecycleHooks defines callbacks for orchestrator observability. All
// fields are optional; nil hooks are skipped.
type LifecycleHooks struct {
	OnStageStart func(context.Context, *StageEvent)
	OnStageEnd   func(context.Context, *StageEvent)
	OnRetry      func(context.Context, *RetryEvent)
	OnGate       func(context.Context, *GateEvent)
}
