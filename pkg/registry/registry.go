// Package registry implements the execution registry: a process-wide map
// from execution_id to status/PID/skip-flag/feedback payload. Grounded on
// the sync.RWMutex-guarded registry idiom of pkg/config/sub_agent_registry.go,
// collapsed from a launcher-plus-shared-manager-map split into one mutex
// since every worker here is a goroutine in the same address space.
package registry

import (
	"sync"
	"time"
)

// Status is the lifecycle state of one execution.
type Status string

const (
	StatusRunning    Status = "running"
	StatusTerminated Status = "terminated"
	StatusCompleted  Status = "completed"
)

// BeginResult is the outcome of an atomic pre-kill request.
type BeginResult string

const (
	BeginNotFound BeginResult = "not_found"
	BeginConflict BeginResult = "conflict"
	BeginOK       BeginResult = "ok"
)

// NodeRef is a minimal reference to the node under execution, kept generic
// (an opaque ID only) so this package has no dependency
// on pkg/tree and can be imported from both the worker and search packages without a cycle.
type NodeRef struct {
	ID string
}

// Entry is one execution's registry record.
type Entry struct {
	ExecutionID string
	Node        *NodeRef
	Status      Status
	PID         int
	SkipPending bool
	SkipReason  string
	Terminated  bool
	FeedbackPayload string
	RegisteredAt time.Time
}

func (e Entry) clone() *Entry {
	c := e
	return &c
}

// Registry is the process-wide execution registry.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

// RegisterExecution creates an entry with status=running.
func (r *Registry) RegisterExecution(executionID string, node *NodeRef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[executionID] = &Entry{
		ExecutionID:  executionID,
		Node:         node,
		Status:       StatusRunning,
		RegisteredAt: time.Now(),
	}
}

// UpdatePID writes the Codex child's PID for executionID.
func (r *Registry) UpdatePID(executionID string, pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[executionID]; ok {
		e.PID = pid
	}
}

// ClearPID removes the PID association (does not remove the entry).
func (r *Registry) ClearPID(executionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[executionID]; ok {
		e.PID = 0
	}
}

// MarkCompleted transitions an entry to completed and clears its PID.
func (r *Registry) MarkCompleted(executionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[executionID]; ok {
		e.Status = StatusCompleted
		e.PID = 0
	}
}

// MarkTerminated transitions an entry to terminated with the given payload.
func (r *Registry) MarkTerminated(executionID, payload string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[executionID]; ok {
		e.Status = StatusTerminated
		e.Terminated = true
		e.FeedbackPayload = payload
	}
}

// FlagSkipPending records a pending skip for executionID.
func (r *Registry) FlagSkipPending(executionID, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[executionID]; ok {
		e.SkipPending = true
		e.SkipReason = reason
	}
}

// IsSkipPending reports whether a skip has been flagged for executionID.
func (r *Registry) IsSkipPending(executionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[executionID]
	return ok && e.SkipPending
}

// IsTerminated reports whether executionID has been marked terminated;
// consulted by the Codex runner's termination checker.
func (r *Registry) IsTerminated(executionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[executionID]
	return ok && e.Terminated
}

// BeginTermination is the atomic pre-kill operation: it marks the entry
// terminated and returns the PID to signal, or a status explaining why it
// could not proceed.
func (r *Registry) BeginTermination(executionID, payload string) (BeginResult, int, *NodeRef) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[executionID]
	if !ok {
		return BeginNotFound, 0, nil
	}
	if e.Status != StatusRunning {
		return BeginConflict, 0, nil
	}

	e.Status = StatusTerminated
	e.Terminated = true
	e.FeedbackPayload = payload
	return BeginOK, e.PID, e.Node
}

// Get returns a defensive copy of the entry, or nil if not present.
func (r *Registry) Get(executionID string) *Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[executionID]
	if !ok {
		return nil
	}
	return e.clone()
}

// Clear removes the entry entirely, typically from a deferred cleanup once
// a result has been collected.
func (r *Registry) Clear(executionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, executionID)
}
