package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/keplerlabs/cadence/schedule"
)

// Handler executes one job type. Domain packages implement this interface,
// allowing the engine to remain decoupled from domain logic.
//
// ARCHITECTURE: Generic handler system
// - Handlers identify themselves by job type (e.g., "feed.refresh", "report.generate")
// - Handlers decode their own params from the job's JSON blob
// - Infrastructure doesn't know about domain-specific data structures
type Handler interface {
	// Execute runs the job and returns an optional result payload.
	//
	// Context cancellation: handlers MUST check ctx.Done() periodically and
	// return promptly when cancelled. A handler that ignores its context
	// still gets abandoned at the deadline, but keeps burning its goroutine
	// until it returns.
	Execute(ctx context.Context, job *schedule.Job, params json.RawMessage, ec ExecContext) (json.RawMessage, error)

	// Type returns the job type this handler serves (e.g., "feed.refresh").
	Type() string
}

// ExecContext carries execution metadata into a handler.
type ExecContext struct {
	ExecutionID string
	JobID       string
	RetryCount  int
	StartedAt   time.Time
}

// Registry manages handlers by job type.
// Thread-safe for concurrent registration and lookup.
type Registry struct {
	handlers map[string]Handler
	mu       sync.RWMutex
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
	}
}

// Register adds a handler using its job type.
// Panics if a handler is already registered for that type.
func (r *Registry) Register(handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	jobType := handler.Type()
	if _, exists := r.handlers[jobType]; exists {
		panic(fmt.Sprintf("handler already registered for job type: %s", jobType))
	}
	r.handlers[jobType] = handler
}

// Get retrieves the handler for a job type.
// Returns nil if no handler is registered.
func (r *Registry) Get(jobType string) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[jobType]
}

// Has checks if a handler is registered for a job type.
func (r *Registry) Has(jobType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.handlers[jobType]
	return exists
}

// Types returns all registered job types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	return types
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc struct {
	JobType string
	Fn      func(ctx context.Context, job *schedule.Job, params json.RawMessage, ec ExecContext) (json.RawMessage, error)
}

func (h HandlerFunc) Execute(ctx context.Context, job *schedule.Job, params json.RawMessage, ec ExecContext) (json.RawMessage, error) {
	return h.Fn(ctx, job, params, ec)
}

func (h HandlerFunc) Type() string {
	return h.JobType
}
