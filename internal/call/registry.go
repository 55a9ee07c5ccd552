package call

import (
	"errors"
	"sync"
	"time"
)

// ErrCapacity is returned by Insert when the concurrent-call cap is hit.
var ErrCapacity = errors.New("maximum concurrent calls reached")

// ignoreWindow is how long an external leg ID stays on the late-event
// ignore list after its call started tearing down.
const ignoreWindow = 10 * time.Second

// Registry is the process-wide call table. Besides the live calls it
// tracks the external-leg mapping, at-most-one-cleanup-per-call
// serialization, and the already-cleaned set that suppresses late events.
type Registry struct {
	maxCalls int

	mu       sync.Mutex
	calls    map[string]*Call
	external map[string]string        // external leg ID -> call ID
	cleanups map[string]chan struct{} // call ID -> cleanup completion
	cleaned  map[string]struct{}
	ignored  map[string]time.Time // external leg ID -> ignore deadline
}

// NewRegistry creates a registry. maxCalls caps concurrent live calls;
// zero means unlimited.
func NewRegistry(maxCalls int) *Registry {
	return &Registry{
		maxCalls: maxCalls,
		calls:    make(map[string]*Call),
		external: make(map[string]string),
		cleanups: make(map[string]chan struct{}),
		cleaned:  make(map[string]struct{}),
		ignored:  make(map[string]time.Time),
	}
}

// Insert adds a call, enforcing the concurrency cap.
func (r *Registry) Insert(c *Call) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.maxCalls > 0 && len(r.calls) >= r.maxCalls {
		return ErrCapacity
	}
	r.calls[c.ID] = c
	return nil
}

// Get returns the live call for id, or nil.
func (r *Registry) Get(id string) *Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[id]
}

// Registered reports whether id is a live call. The realtime session
// gates its reconnects on this.
func (r *Registry) Registered(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.calls[id]
	return ok
}

// Live returns a snapshot of all live calls, for shutdown and metrics.
func (r *Registry) Live() []*Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Call, 0, len(r.calls))
	for _, c := range r.calls {
		out = append(out, c)
	}
	return out
}

// ActiveCount returns the number of live calls.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// MapExternal records the external-leg to call mapping before the
// external media channel is originated, so its StasisStart can find the
// owning call.
func (r *Registry) MapExternal(externalID, callID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.external[externalID] = callID
}

// CallByExternal resolves an external leg ID to its live call.
func (r *Registry) CallByExternal(externalID string) *Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.external[externalID]
	if !ok {
		return nil
	}
	return r.calls[id]
}

// UnmapExternal drops the external-leg mapping.
func (r *Registry) UnmapExternal(externalID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.external, externalID)
}

// BeginCleanup serializes teardown. The first caller for a call ID gets
// first=true and owns the cleanup; later callers get the same channel
// and should wait on it. Already-cleaned IDs return a closed channel.
func (r *Registry) BeginCleanup(callID string) (done chan struct{}, first bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.cleaned[callID]; ok {
		ch := make(chan struct{})
		close(ch)
		return ch, false
	}
	if ch, ok := r.cleanups[callID]; ok {
		return ch, false
	}
	ch := make(chan struct{})
	r.cleanups[callID] = ch
	return ch, true
}

// FinishCleanup marks the call cleaned, removes it from the live table
// and releases everyone waiting in BeginCleanup.
func (r *Registry) FinishCleanup(callID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.calls, callID)
	r.cleaned[callID] = struct{}{}
	if ch, ok := r.cleanups[callID]; ok {
		delete(r.cleanups, callID)
		close(ch)
	}
}

// Cleaned reports whether callID already finished cleanup.
func (r *Registry) Cleaned(callID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.cleaned[callID]
	return ok
}

// IgnoreExternal puts an external leg ID on the late-event ignore list
// for the standard window.
func (r *Registry) IgnoreExternal(externalID string) {
	if externalID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ignored[externalID] = time.Now().Add(ignoreWindow)
}

// IgnoredExternal reports whether events for this external leg should be
// dropped. Expired entries are pruned as they are seen.
func (r *Registry) IgnoredExternal(externalID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	deadline, ok := r.ignored[externalID]
	if !ok {
		return false
	}
	if time.Now().After(deadline) {
		delete(r.ignored, externalID)
		return false
	}
	return true
}
