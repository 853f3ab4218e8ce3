// Package metrics records control-plane activity.
package metrics

import (
	"time"
)

// Collector defines the interface for collecting control-plane metrics
type Collector interface {
	// StateTransition records a connection state transition
	StateTransition(fromState, toState string)

	// WireCall records the duration and outcome of one server request
	WireCall(verb string, duration time.Duration, err error)

	// SyncItem records the outcome of reconciling one plugin
	SyncItem(outcome string)

	// SyncDuration records the duration of a full reconciliation pass
	SyncDuration(duration time.Duration, conflict bool, err error)

	// StartAttempt records a server start and whether it became ready
	StartAttempt(ready bool)

	// ReadinessProbe records one readiness probe during start
	ReadinessProbe(ok bool)

	// Teardown records a dropped connection
	Teardown(reason string)

	// WorkQueueDepth records the current worker queue depth
	WorkQueueDepth(depth int)
}

// noopCollector is a no-op implementation of Collector
type noopCollector struct{}

func (n *noopCollector) StateTransition(fromState, toState string)                      {}
func (n *noopCollector) WireCall(verb string, duration time.Duration, err error)        {}
func (n *noopCollector) SyncItem(outcome string)                                        {}
func (n *noopCollector) SyncDuration(duration time.Duration, conflict bool, err error) {}
func (n *noopCollector) StartAttempt(ready bool)                                        {}
func (n *noopCollector) ReadinessProbe(ok bool)                                         {}
func (n *noopCollector) Teardown(reason string)                                         {}
func (n *noopCollector) WorkQueueDepth(depth int)                                       {}

// NewNoop creates a no-op metrics collector
func NewNoop() Collector {
	return &noopCollector{}
}
