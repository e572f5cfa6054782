package memorycache

import (
	"log/slog"
	"sync/atomic"

	"github.com/panpf/sketch-sub018/internal/tag"
)

// Resource is a decoded payload shared by the cache and its consumers.
//
// The reference count includes one reference per cache residency plus one
// per checkout (Get or Retain). The payload is freed exactly once, when the
// count drops to zero, which can only happen after the resource has left
// every cache. The count is atomic and independent of the cache lock, so a
// checkout may be released from any goroutine at any time.
type Resource struct {
	payload any
	size    int64
	free    func(payload any)

	refs      atomic.Int64
	residency atomic.Int64
	freed     atomic.Bool
}

// NewResource wraps payload with a reference count of zero. free may be nil.
func NewResource(payload any, size int64, free func(payload any)) *Resource {
	return &Resource{
		payload: payload,
		size:    size,
		free:    free,
	}
}

func (r *Resource) Payload() any {
	return r.payload
}

// Size is the declared byte size used for cache accounting.
func (r *Resource) Size() int64 {
	return r.size
}

func (r *Resource) RefCount() int64 {
	return r.refs.Load()
}

// Freed reports whether the payload has been handed to the free function.
func (r *Resource) Freed() bool {
	return r.freed.Load()
}

// checkedOut reports references held outside of cache residency.
func (r *Resource) checkedOut() bool {
	return r.refs.Load()-r.residency.Load() > 0
}

// Retain adds a checkout. Every Retain must be paired with a Release.
func (r *Resource) Retain() {
	if r.freed.Load() {
		misuse("memorycache: retain of freed resource", r)
		return
	}
	r.refs.Add(1)
}

// Release drops a checkout or residency reference and frees the payload
// when none remain. Releasing more often than retained never drives the
// count below zero.
func (r *Resource) Release() {
	for {
		n := r.refs.Load()
		if n <= 0 {
			misuse("memorycache: release of unreferenced resource", r)
			return
		}
		if r.refs.CompareAndSwap(n, n-1) {
			if n == 1 {
				r.release()
			}
			return
		}
	}
}

func (r *Resource) release() {
	if !r.freed.CompareAndSwap(false, true) {
		return
	}
	if r.free != nil {
		r.free(r.payload)
	}
}

func (r *Resource) reside() {
	r.residency.Add(1)
	r.refs.Add(1)
}

// unreside must be paired with a later Release outside the cache lock.
func (r *Resource) unreside() {
	r.residency.Add(-1)
}

func misuse(msg string, r *Resource) {
	if tag.Debug {
		panic(msg)
	}
	slog.Error(msg, "size", r.size, "refs", r.refs.Load())
}
