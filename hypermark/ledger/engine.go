package ledger

import (
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	ErrMissingID  = errors.New("ledger: bookmark id required")
	ErrNotFound   = errors.New("ledger: bookmark not found")
	ErrStaleWrite = errors.New("ledger: write older than stored record")
)

// Engine is the local replica of the bookmark collection. All mutation goes
// through it: local UI actions via Put/Delete, remote events via
// ApplyRemoteSnapshot/ApplyRemoteDeletion/ApplyChange.
//
// Conflict resolution is last-writer-wins on UpdatedAt with the writer
// device id as deterministic tie-break, and deletions never override a
// strictly newer local record (so a local "undo" survives a stale delete
// arriving late). A snapshot and a deletion carrying the exact same
// timestamp resolve to the deletion, in both delivery orders. All rules
// are commutative and idempotent, which is what makes delivery order
// across relays irrelevant.
type Engine struct {
	deviceID string
	now      func() time.Time

	mu      sync.Mutex
	items   map[string]Bookmark // includes tombstones (Deleted: true)
	writers map[string]string   // device that produced the stored version
	log     []Change
	sv      StateVector

	obsMu     sync.RWMutex
	observers map[int]func(Change)
	nextObs   int
}

// NewEngine creates an engine for the given device id.
func NewEngine(deviceID string) *Engine {
	return &Engine{
		deviceID:  deviceID,
		now:       time.Now,
		items:     map[string]Bookmark{},
		writers:   map[string]string{},
		sv:        StateVector{},
		observers: map[int]func(Change){},
	}
}

// SetClock overrides the time source. Tests use it to build precise
// conflict scenarios.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// DeviceID returns the id this engine writes under.
func (e *Engine) DeviceID() string { return e.deviceID }

// Put stores a local write. If UpdatedAt is zero the engine stamps it,
// keeping it strictly greater than any previous timestamp for the id. A
// caller-supplied UpdatedAt that is not strictly newer than the stored
// record is rejected with ErrStaleWrite.
func (e *Engine) Put(b Bookmark) (Bookmark, error) {
	if b.ID == "" {
		return Bookmark{}, ErrMissingID
	}
	e.mu.Lock()
	existing, exists := e.items[b.ID]

	if b.UpdatedAt.IsZero() {
		ts := e.now()
		if exists && !ts.After(existing.UpdatedAt) {
			ts = existing.UpdatedAt.Add(time.Millisecond)
		}
		b.UpdatedAt = ts
	} else if exists && !b.UpdatedAt.After(existing.UpdatedAt) {
		e.mu.Unlock()
		return Bookmark{}, ErrStaleWrite
	}
	if b.CreatedAt.IsZero() {
		if exists && !existing.CreatedAt.IsZero() {
			b.CreatedAt = existing.CreatedAt
		} else {
			b.CreatedAt = b.UpdatedAt
		}
	}
	b.Deleted = false // a Put of a tombstoned id is a restore

	stored := b.Clone()
	e.items[b.ID] = stored
	e.writers[b.ID] = e.deviceID
	ch := e.record(stored, false, OriginLocal)
	e.mu.Unlock()

	e.notify(ch)
	return stored.Clone(), nil
}

// Delete tombstones a local record. The tombstone stays in the map so the
// deletion replicates; Get and GetAll skip it.
func (e *Engine) Delete(id string) error {
	e.mu.Lock()
	existing, exists := e.items[id]
	if !exists || existing.Deleted {
		e.mu.Unlock()
		return ErrNotFound
	}
	ts := e.now()
	if !ts.After(existing.UpdatedAt) {
		ts = existing.UpdatedAt.Add(time.Millisecond)
	}
	existing.Deleted = true
	existing.UpdatedAt = ts
	e.items[id] = existing
	e.writers[id] = e.deviceID
	ch := e.record(existing, true, OriginLocal)
	e.mu.Unlock()

	e.notify(ch)
	return nil
}

// ApplyRemoteSnapshot merges a whole-record snapshot received from another
// device. It is applied only if no local record exists or the local record
// is strictly older; equal timestamps between snapshots fall back to the
// writer device id so every replica picks the same winner. Against a
// tombstone the snapshot must be strictly newer, mirroring the rule in
// ApplyRemoteDeletion so both delivery orders of a snapshot/deletion tie
// converge. Returns whether the snapshot was applied. Losing snapshots are
// discarded silently.
func (e *Engine) ApplyRemoteSnapshot(b Bookmark, writerDevice string, origin Origin) bool {
	if b.ID == "" {
		return false
	}
	e.mu.Lock()
	existing, exists := e.items[b.ID]
	if exists && existing.Deleted && !b.UpdatedAt.After(existing.UpdatedAt) {
		e.mu.Unlock()
		return false
	}
	if exists && !existing.Deleted && !wins(b.UpdatedAt, writerDevice, existing.UpdatedAt, e.writers[b.ID]) {
		e.mu.Unlock()
		return false
	}
	b.Deleted = false
	stored := b.Clone()
	e.items[b.ID] = stored
	e.writers[b.ID] = writerDevice
	ch := e.record(stored, false, origin)
	e.mu.Unlock()

	e.notify(ch)
	return true
}

// ApplyRemoteDeletion merges a deletion observed at deletedAt. It is applied
// unless the local record's UpdatedAt is strictly newer than the deletion:
// a restore performed after a remote delete must survive a late (re)delivery
// of that delete, while an exact timestamp tie goes to the deletion (the
// same rank ApplyRemoteSnapshot assigns it). Applying the same deletion
// twice is a no-op.
func (e *Engine) ApplyRemoteDeletion(id string, deletedAt time.Time, origin Origin) bool {
	if id == "" {
		return false
	}
	e.mu.Lock()
	existing, exists := e.items[id]
	if exists && existing.UpdatedAt.After(deletedAt) {
		e.mu.Unlock()
		return false
	}
	if exists && existing.Deleted && !existing.UpdatedAt.Before(deletedAt) {
		e.mu.Unlock()
		return false // already tombstoned by this or a newer deletion
	}
	// Tombstones are canonical: id and timestamps only. Carrying the old
	// content would make replicas differ depending on what they held when
	// the deletion arrived.
	tomb := Bookmark{ID: id, CreatedAt: deletedAt, UpdatedAt: deletedAt, Deleted: true}
	e.items[id] = tomb
	e.writers[id] = "" // no writer attribution; tombstone conflicts never reach wins
	ch := e.record(tomb, true, origin)
	e.mu.Unlock()

	e.notify(ch)
	return true
}

// ApplyChange merges a change obtained from a peer's DiffSince. The change
// keeps its original writer attribution so state vectors stay accurate.
func (e *Engine) ApplyChange(c Change) bool {
	var applied bool
	if c.Deleted {
		applied = e.ApplyRemoteDeletion(c.Bookmark.ID, c.Bookmark.UpdatedAt, OriginTransport)
	} else {
		applied = e.ApplyRemoteSnapshot(c.Bookmark, c.Device, OriginTransport)
	}
	if c.Device != "" && c.Seq > 0 {
		e.mu.Lock()
		if e.sv[c.Device] < c.Seq {
			e.sv[c.Device] = c.Seq
		}
		e.mu.Unlock()
	}
	return applied
}

// Get returns a live (non-deleted) bookmark.
func (e *Engine) Get(id string) (Bookmark, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.items[id]
	if !ok || b.Deleted {
		return Bookmark{}, ErrNotFound
	}
	return b.Clone(), nil
}

// GetAll returns all live bookmarks, most recently updated first.
func (e *Engine) GetAll() []Bookmark {
	e.mu.Lock()
	out := make([]Bookmark, 0, len(e.items))
	for _, b := range e.items {
		if !b.Deleted {
			out = append(out, b.Clone())
		}
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Len returns the number of live bookmarks.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, b := range e.items {
		if !b.Deleted {
			n++
		}
	}
	return n
}

// FullSnapshot returns every record including tombstones, for initial sync
// to a newly paired device.
func (e *Engine) FullSnapshot() []Bookmark {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Bookmark, 0, len(e.items))
	for _, b := range e.items {
		out = append(out, b.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CurrentStateVector returns a copy of the engine's state vector.
func (e *Engine) CurrentStateVector() StateVector {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sv.Clone()
}

// DiffSince returns exactly the changes the peer has not observed, oldest
// first per writing device. The log grows with every mutation until
// CompactLog trims it.
func (e *Engine) DiffSince(peer StateVector) []Change {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Change
	for _, c := range e.log {
		if !peer.Includes(c.Device, c.Seq) {
			out = append(out, c)
		}
	}
	return out
}

// CompactLog drops change-log entries covered by observed, which the caller
// computes as the element-wise minimum of every known peer's state vector.
// DiffSince cannot return dropped entries, so compacting past a peer's
// vector forces that peer onto a FullSnapshot exchange instead of a log
// catch-up. Returns the number of entries dropped.
func (e *Engine) CompactLog(observed StateVector) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	kept := make([]Change, 0, len(e.log))
	for _, c := range e.log {
		if !observed.Includes(c.Device, c.Seq) {
			kept = append(kept, c)
		}
	}
	dropped := len(e.log) - len(kept)
	e.log = kept
	return dropped
}

// Observe registers a change observer. Observers are invoked after the
// mutation is committed; they must not synchronously mutate the engine.
// The returned Unsubscribe does not return until any in-flight delivery to
// the observer has finished.
func (e *Engine) Observe(fn func(Change)) func() {
	e.obsMu.Lock()
	id := e.nextObs
	e.nextObs++
	e.observers[id] = fn
	e.obsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.obsMu.Lock()
			delete(e.observers, id)
			e.obsMu.Unlock()
		})
	}
}

// record appends to the change log and advances this engine's own state
// vector entry. Caller holds e.mu.
func (e *Engine) record(b Bookmark, deleted bool, origin Origin) Change {
	e.sv[e.deviceID]++
	c := Change{
		Bookmark: b.Clone(),
		Deleted:  deleted,
		Origin:   origin,
		Device:   e.deviceID,
		Seq:      e.sv[e.deviceID],
	}
	e.log = append(e.log, c)
	return c
}

func (e *Engine) notify(c Change) {
	e.obsMu.RLock()
	defer e.obsMu.RUnlock()
	for _, fn := range e.observers {
		fn(c)
	}
}

// wins decides last-writer-wins between a candidate write and the stored
// record. Strictly newer always wins; an exact timestamp tie goes to the
// lexicographically greater writer device id so all replicas converge on
// the same record.
func wins(candidate time.Time, candidateDevice string, stored time.Time, storedDevice string) bool {
	if candidate.After(stored) {
		return true
	}
	if candidate.Before(stored) {
		return false
	}
	return candidateDevice > storedDevice
}
