package queue

import (
	"math"
	"sync/atomic"
	"time"
)

// DepthTracker holds the ready and unacked counts of a queue in a single
// atomic word: ready in the high 32 bits, unacked in the low 32 bits.
//
// One Load returns a consistent pair, so a message moving from ready to
// unacked is never observed in both. Counts saturate at zero and never go
// negative. The zero value is ready to use.
type DepthTracker struct {
	v atomic.Uint64
}

func pack(ready, unacked int64) uint64 {
	return uint64(clamp(ready))<<32 | uint64(clamp(unacked))
}

func unpack(v uint64) (ready, unacked int64) {
	return int64(v >> 32), int64(v & math.MaxUint32)
}

func clamp(n int64) uint32 {
	switch {
	case n < 0:
		return 0
	case n > math.MaxUint32:
		return math.MaxUint32
	}
	return uint32(n)
}

func (d *DepthTracker) update(dReady, dUnacked int64) {
	for {
		old := d.v.Load()
		r, u := unpack(old)
		if d.v.CompareAndSwap(old, pack(r+dReady, u+dUnacked)) {
			return
		}
	}
}

// Enqueued records a message added to the ready set.
func (d *DepthTracker) Enqueued() { d.update(1, 0) }

// Delivered records a message moving from ready to unacked.
func (d *DepthTracker) Delivered() { d.update(-1, 1) }

// Settled records a message leaving unacked for good (ack or dead letter).
func (d *DepthTracker) Settled() { d.update(0, -1) }

// Requeued records a message moving from unacked back to ready.
func (d *DepthTracker) Requeued() { d.update(1, -1) }

// Load returns both counts from one atomic read.
func (d *DepthTracker) Load() (ready, unacked int) {
	r, u := unpack(d.v.Load())
	return int(r), int(u)
}

// Ready returns the ready count.
func (d *DepthTracker) Ready() int {
	r, _ := d.Load()
	return r
}

// Unacked returns the unacked count.
func (d *DepthTracker) Unacked() int {
	_, u := d.Load()
	return u
}

// VersionedDepth holds ready and unacked counts learned from a backend. Each
// pair carries a version the backend bumps on every change, and a pair older
// than the one held is dropped, so replies applied out of order never move the
// counts back in time. The zero value is ready to use.
type VersionedDepth struct {
	p atomic.Pointer[versionedPair]
}

type versionedPair struct {
	version uint64
	depth   uint64
}

// Observe stores ready and unacked if version is newer than the held pair and
// reports whether it did.
func (d *VersionedDepth) Observe(version uint64, ready, unacked int64) bool {
	next := &versionedPair{version: version, depth: pack(ready, unacked)}
	for {
		cur := d.p.Load()
		if cur != nil && cur.version >= version {
			return false
		}
		if d.p.CompareAndSwap(cur, next) {
			return true
		}
	}
}

// Load returns both counts of the newest pair.
func (d *VersionedDepth) Load() (ready, unacked int) {
	cur := d.p.Load()
	if cur == nil {
		return 0, 0
	}
	r, u := unpack(cur.depth)
	return int(r), int(u)
}

// Version returns the version of the newest pair, or 0 before any.
func (d *VersionedDepth) Version() uint64 {
	if cur := d.p.Load(); cur != nil {
		return cur.version
	}
	return 0
}

// Ready returns the ready count.
func (d *VersionedDepth) Ready() int {
	r, _ := d.Load()
	return r
}

// Unacked returns the unacked count.
func (d *VersionedDepth) Unacked() int {
	_, u := d.Load()
	return u
}

// PollTracker records the time of the most recent cycle of some kind.
// The zero value means the cycle never ran.
type PollTracker struct {
	ns atomic.Int64
}

// Mark records t as the latest cycle time.
func (p *PollTracker) Mark(t time.Time) {
	n := t.UnixNano()
	if n == 0 {
		n = 1
	}
	p.ns.Store(n)
}

// Last returns the latest cycle time, or false if Mark was never called.
func (p *PollTracker) Last() (time.Time, bool) {
	n := p.ns.Load()
	if n == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, n), true
}
