// Package registry tracks in-flight executions. The registry is the only
// cross-connection shared mutable state besides the tool-availability
// cache; every access holds the lock for a lookup, insert, or remove and
// nothing more.
package registry

import (
	"sync"
	"time"

	"github.com/aifo-coder/toolexec/internal/routing"
)

// State is the lifecycle of one execution. Running is the sole non-terminal
// state.
type State int

const (
	StateRunning State = iota
	StateFinished
	StateKilled
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateFinished:
		return "finished"
	case StateKilled:
		return "killed"
	case StateTimedOut:
		return "timed-out"
	default:
		return "unknown"
	}
}

// Handle is the registry's view of one execution. Values are copied out of
// the registry; raw process handles never leave the supervisor.
type Handle struct {
	ExecID    string
	Container string
	Kind      routing.Kind
	StartedAt time.Time
	State     State
}

// Registry is a mutex-guarded map from exec id to handle.
type Registry struct {
	mu sync.Mutex
	m  map[string]*Handle
}

func New() *Registry {
	return &Registry{m: make(map[string]*Handle)}
}

// Insert registers a new running execution. Insertion strictly precedes
// spawn, so a concurrent signal lookup for the id either finds the handle
// or no-ops; it never errors.
func (r *Registry) Insert(execID, container string, kind routing.Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[execID] = &Handle{
		ExecID:    execID,
		Container: container,
		Kind:      kind,
		StartedAt: time.Now(),
		State:     StateRunning,
	}
}

// Lookup returns a copy of the handle for the id.
func (r *Registry) Lookup(execID string) (Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.m[execID]
	if !ok {
		return Handle{}, false
	}
	return *h, true
}

// Complete transitions the execution to a terminal state and removes it.
// Exactly one caller wins: the first terminal transition removes the entry
// and returns true; later attempts (competing timeout/disconnect/natural
// exit paths) return false and change nothing.
func (r *Registry) Complete(execID string, terminal State) bool {
	if terminal == StateRunning {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.m[execID]; !ok {
		return false
	}
	delete(r.m, execID)
	return true
}

// Len reports the number of in-flight executions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.m)
}
