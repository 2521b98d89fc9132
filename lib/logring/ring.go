// Package logring keeps a fixed-capacity, sequenced ring of every frame the
// broker relays, for diagnostics and incremental polling.
package logring

import (
	"encoding/json"
	"sync"
	"time"
)

// Direction labels which leg of the relay an entry was captured on.
type Direction string

const (
	FromClient         Direction = "fromClient"
	ToClient           Direction = "toClient"
	FromExtension      Direction = "fromExtension"
	ToExtension        Direction = "toExtension"
	ClientLifecycle    Direction = "clientLifecycle"
	ExtensionLifecycle Direction = "extensionLifecycle"
)

// Directions lists every direction in a stable order.
var Directions = []Direction{
	FromClient, ToClient, FromExtension, ToExtension, ClientLifecycle, ExtensionLifecycle,
}

const (
	// DefaultCapacity is the retained-entry window when none is configured.
	DefaultCapacity = 5000

	defaultPageLimit = 500
	maxPageLimit     = 2000
)

// Entry is one captured frame. Message holds the frame verbatim, or a small
// synthesized object for lifecycle entries.
type Entry struct {
	Seq       uint64          `json:"seq"`
	Time      time.Time       `json:"time"`
	Direction Direction       `json:"direction"`
	ClientID  string          `json:"clientId,omitempty"`
	Message   json.RawMessage `json:"message"`
}

// Page is the result of an incremental poll.
//
// ResetRequired reports that the entries following afterSeq have been
// evicted; the poller's view has a gap and Entries restarts from the oldest
// retained entry instead of afterSeq+1.
type Page struct {
	Entries       []Entry `json:"entries"`
	LatestSeq     uint64  `json:"latestSeq"`
	ResetRequired bool    `json:"resetRequired"`
}

// Ring is a thread-safe circular buffer of Entries with strictly monotonic,
// gap-free sequence numbers. Sequence numbers start at 1 and are never
// reused for the lifetime of the process.
type Ring struct {
	mu      sync.Mutex
	entries []Entry
	head    int
	nextSeq uint64
	counts  map[Direction]uint64
}

// New returns a Ring retaining at most capacity entries. A non-positive
// capacity selects DefaultCapacity.
func New(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{
		entries: make([]Entry, 0, capacity),
		nextSeq: 1,
		counts:  make(map[Direction]uint64, len(Directions)),
	}
}

// Append records a frame and returns its sequence number. When the ring is
// full the oldest entry is evicted. Append never blocks on consumers.
func (r *Ring) Append(dir Direction, clientID string, message json.RawMessage) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := Entry{
		Seq:       r.nextSeq,
		Time:      time.Now(),
		Direction: dir,
		ClientID:  clientID,
		Message:   message,
	}
	r.nextSeq++
	r.counts[dir]++

	if len(r.entries) < cap(r.entries) {
		r.entries = append(r.entries, e)
	} else {
		r.entries[r.head] = e
		r.head = (r.head + 1) % len(r.entries)
	}
	return e.Seq
}

// Since returns entries with sequence numbers greater than afterSeq, oldest
// first, up to limit. A non-positive or oversized limit is clamped to the
// default page size.
func (r *Ring) Since(afterSeq uint64, limit int) Page {
	if limit <= 0 || limit > maxPageLimit {
		limit = defaultPageLimit
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	latest := r.nextSeq - 1
	size := uint64(len(r.entries))
	if size == 0 || afterSeq >= latest {
		return Page{LatestSeq: latest}
	}

	first := latest - size + 1
	reset := afterSeq+1 < first
	start := afterSeq + 1
	if reset {
		start = first
	}

	n := latest - start + 1
	if n > uint64(limit) {
		n = uint64(limit)
	}
	out := make([]Entry, 0, n)
	for s := start; s < start+n; s++ {
		idx := (r.head + int(s-first)) % len(r.entries)
		out = append(out, r.entries[idx])
	}
	return Page{Entries: out, LatestSeq: latest, ResetRequired: reset}
}

// Counts returns per-direction totals over everything ever appended, not
// just the retained window. Directions with no entries map to zero.
func (r *Ring) Counts() map[Direction]uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[Direction]uint64, len(Directions))
	for _, d := range Directions {
		out[d] = r.counts[d]
	}
	return out
}

// LatestSeq returns the most recently assigned sequence number, or 0 when
// nothing has been appended.
func (r *Ring) LatestSeq() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nextSeq - 1
}

// Snapshot copies the retained window, oldest first.
func (r *Ring) Snapshot() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Entry, 0, len(r.entries))
	size := uint64(len(r.entries))
	if size == 0 {
		return out
	}
	first := r.nextSeq - size
	for s := first; s < r.nextSeq; s++ {
		idx := (r.head + int(s-first)) % len(r.entries)
		out = append(out, r.entries[idx])
	}
	return out
}
