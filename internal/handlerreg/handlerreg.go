// Package handlerreg maps a job_type string to the factory that builds the
// handler for it, so the Worker Runtime never needs to know concrete
// handler types. The registry is a static map, grounded on the teacher's
// style of dependency wiring in cmd/*/main.go (explicit construction,
// no reflection, no plugin loading).
package handlerreg

import (
	"context"
	"sync"

	"github.com/valetsys/valetcore/internal/domain"
)

// Result is what a Handler returns on success.
type Result struct {
	Data    []byte
	Summary string
}

// JobRuntime is the narrow, read-only view of the running job plus the
// callback hooks a Handler uses to report progress, cost, and human-gated
// obstacles back to the scheduler. It is the stable seam concrete
// browser-automation handlers plug into; this module only defines the
// interface and the registry, not any handler implementation.
type JobRuntime interface {
	JobID() string
	JobType() string
	TargetURL() string
	TaskDescription() string
	InputData() []byte
	UserID() string

	// RequestHumanIntervention pauses the job, records the blocker, and
	// blocks until the job is resumed, cancelled, or the blocker's timeout
	// elapses. Returns nil on resume, an error (classified fatal) otherwise.
	RequestHumanIntervention(ctx context.Context, blocker domain.Blocker) error

	// RecordEvent appends one structured progress event to the job's log.
	RecordEvent(ctx context.Context, eventType, message string, metadata []byte) error

	// RecordCost accumulates cost counters on the job row.
	RecordCost(ctx context.Context, deltaCents, deltaActions, deltaTokens int) error

	// Heartbeat refreshes the job's lease without waiting for the next
	// automatic tick; long single handler steps call this directly.
	Heartbeat(ctx context.Context) error
}

// Handler executes one job. Implementations live outside this module (the
// concrete browser-automation handlers are out of scope here); this package
// only defines the seam and the lookup table.
type Handler interface {
	Execute(ctx context.Context, rt JobRuntime) (Result, error)
}

// Factory builds a Handler for one job invocation.
type Factory func() Handler

// Registry is a concurrency-safe job_type -> Factory map.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register associates a job_type with a Factory. Registering the same
// job_type twice replaces the previous factory; this mirrors how the
// teacher's router registers routes (last registration wins, no error).
func (r *Registry) Register(jobType string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[jobType] = factory
}

// Lookup returns the Factory for a job_type, or ok=false when no handler is
// registered. The Worker Runtime fails the job with error_code =
// unknown_handler rather than panicking when ok is false.
func (r *Registry) Lookup(jobType string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[jobType]
	return f, ok
}

// JobTypes returns the currently registered job types, for diagnostics.
func (r *Registry) JobTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	return types
}
