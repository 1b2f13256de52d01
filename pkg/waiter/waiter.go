// Package waiter bridges the asynchronous apply of committed commands to
// callers blocked on a result.
package waiter

import (
    "context"
    "sync"
    "sync/atomic"

    "github.com/cockroachdb/errors"
    "github.com/google/uuid"

    "github.com/amirimatin/go-rachis/pkg/observability/metrics"
)

// ErrCanceled resolves entries that were released before any result arrived.
var ErrCanceled = errors.New("waiter: canceled")

type entry struct {
    once  sync.Once
    done  chan struct{}
    value any
    err   error
}

func (e *entry) resolve(v any, err error) bool {
    ok := false
    e.once.Do(func() {
        e.value, e.err = v, err
        close(e.done)
        ok = true
    })
    return ok
}

// Registry maps request ids to one-shot result slots. A resolved entry keeps
// its value until its handle is released, so a late WaitForResult still sees
// it.
type Registry struct {
    m       sync.Map // id -> *entry
    pending atomic.Int64
}

// New returns an empty registry.
func New() *Registry { return &Registry{} }

// Handle is the creator's reference to a pending entry.
type Handle struct {
    id string
    r  *Registry
    e  *entry
}

// ID returns the request id the entry is registered under.
func (h *Handle) ID() string { return h.id }

// CreateTask registers an entry under a fresh id.
func (r *Registry) CreateTask() (string, *Handle) {
    for {
        id := uuid.NewString()
        if h, err := r.CreateTaskWithID(id); err == nil { return id, h }
    }
}

// CreateTaskWithID registers an entry under id, failing when id is taken.
func (r *Registry) CreateTaskWithID(id string) (*Handle, error) {
    e := &entry{done: make(chan struct{})}
    if _, loaded := r.m.LoadOrStore(id, e); loaded {
        return nil, errors.Newf("waiter: id %q already registered", id)
    }
    r.pending.Add(1)
    metrics.WaitersPending.Inc()
    return &Handle{id: id, r: r, e: e}, nil
}

// settle resolves e and keeps the pending count in step.
func (r *Registry) settle(e *entry, v any, err error) bool {
    if !e.resolve(v, err) { return false }
    r.pending.Add(-1)
    metrics.WaitersPending.Dec()
    return true
}

// TrySetResult resolves id with v. It reports false when id is unknown or
// already resolved.
func (r *Registry) TrySetResult(id string, v any) bool {
    return r.resolve(id, v, nil)
}

// TrySetException resolves id with err.
func (r *Registry) TrySetException(id string, err error) bool {
    return r.resolve(id, nil, err)
}

func (r *Registry) resolve(id string, v any, err error) bool {
    val, ok := r.m.Load(id)
    if !ok { return false }
    return r.settle(val.(*entry), v, err)
}

// WaitForResult blocks until id is resolved or ctx is done and returns the
// stored outcome when it already is. Unknown ids fail immediately.
func (r *Registry) WaitForResult(ctx context.Context, id string) (any, error) {
    val, ok := r.m.Load(id)
    if !ok { return nil, errors.Newf("waiter: unknown id %q", id) }
    return wait(ctx, val.(*entry))
}

// Pending returns the number of unresolved entries.
func (r *Registry) Pending() int { return int(r.pending.Load()) }

func wait(ctx context.Context, e *entry) (any, error) {
    select {
    case <-e.done:
        return e.value, e.err
    case <-ctx.Done():
        return nil, ctx.Err()
    }
}

// Wait blocks until the entry is resolved or ctx is done.
func (h *Handle) Wait(ctx context.Context) (any, error) { return wait(ctx, h.e) }

// Done is closed once the entry is resolved.
func (h *Handle) Done() <-chan struct{} { return h.e.done }

// Release removes the entry. An unresolved entry is resolved with
// ErrCanceled so that any other waiter unblocks.
func (h *Handle) Release() {
    h.r.settle(h.e, nil, ErrCanceled)
    h.r.m.CompareAndDelete(h.id, h.e)
}
