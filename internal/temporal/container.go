// Package temporal holds the per-key record containers of dated entities and
// the staged edits transactions apply to them.
package temporal

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/btree"

	"chronostore/pkg/domain"
)

const defaultBTreeDegree = 32

// ErrStaleEdit is returned when an edit is applied to a container that has
// changed since the edit was opened.
var ErrStaleEdit = errors.New("temporal: container changed since edit was opened")

// slot points into the arena. Current-plane trees order by business start
// only; history trees also order by processing start.
type slot struct {
	businessFrom   time.Time
	processingFrom time.Time
	gen            int
}

func lessCurrent(a, b slot) bool { return a.businessFrom.Before(b.businessFrom) }

func lessHistory(a, b slot) bool {
	if !a.businessFrom.Equal(b.businessFrom) {
		return a.businessFrom.Before(b.businessFrom)
	}
	return a.processingFrom.Before(b.processingFrom)
}

func slotOf(rec domain.Record, gen int) slot {
	return slot{businessFrom: rec.Business.From, processingFrom: rec.Processing.From, gen: gen}
}

// processingPlane is the business-ordered set of records visible from at
// until the next plane starts. Its tree is never mutated once stored.
type processingPlane struct {
	at      time.Time
	records *btree.BTreeG[slot]
}

func lessPlane(a, b processingPlane) bool { return a.at.Before(b.at) }

// Container owns every record generation of one key. Records are appended to
// the arena and never rewritten; the trees index the live generations.
type Container struct {
	mu      sync.RWMutex
	entity  string
	key     string
	kind    domain.Kind
	arena   []domain.Record
	current *btree.BTreeG[slot]
	history *btree.BTreeG[slot]
	version uint64

	// planes index audited history by processing instant. A mutation that
	// lands before the newest plane marks them stale; the next historical
	// read rebuilds them.
	planes      *btree.BTreeG[processingPlane]
	planesStale bool
}

// NewContainer returns an empty container for key.
func NewContainer(entity, key string, kind domain.Kind) *Container {
	return &Container{
		entity:  entity,
		key:     key,
		kind:    kind,
		current: btree.NewG(defaultBTreeDegree, lessCurrent),
		history: btree.NewG(defaultBTreeDegree, lessHistory),
		planes:  btree.NewG(defaultBTreeDegree, lessPlane),
	}
}

// Key returns the primary key the container belongs to.
func (c *Container) Key() string { return c.key }

// Kind returns the entity kind of the container.
func (c *Container) Kind() domain.Kind { return c.kind }

// Version increases on every applied mutation.
func (c *Container) Version() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// Len returns the number of live records, history included.
func (c *Container) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.history.Len()
}

// Generations returns the number of record generations ever appended.
func (c *Container) Generations() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.arena)
}

// IsEmpty reports whether the container has no current record.
func (c *Container) IsEmpty() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current.Len() == 0
}

// AsOf returns the record whose rectangle contains (business, processing).
func (c *Container) AsOf(business, processing time.Time) (domain.Record, bool) {
	if domain.IsInfinity(processing) || !c.kind.Audited() {
		c.mu.RLock()
		defer c.mu.RUnlock()
		rec, ok := c.findCurrent(business)
		if !ok || !rec.Processing.Contains(processing) {
			return domain.Record{}, false
		}
		return rec, true
	}
	var (
		found domain.Record
		ok    bool
	)
	c.readPlanes(func() {
		pl, exists := c.planeAt(processing)
		if !exists {
			return
		}
		pl.records.DescendLessOrEqual(slot{businessFrom: business}, func(s slot) bool {
			if rec, live := c.resolve(s); live && rec.ContainsPoint(business, processing) {
				found, ok = rec.Clone(), true
			}
			return false
		})
	})
	return found, ok
}

// readPlanes runs fn under the read lock with fresh planes.
func (c *Container) readPlanes(fn func()) {
	c.mu.RLock()
	if !c.planesStale {
		defer c.mu.RUnlock()
		fn()
		return
	}
	c.mu.RUnlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.planesStale {
		c.rebuildPlanes()
	}
	fn()
}

func (c *Container) planeAt(processing time.Time) (processingPlane, bool) {
	var (
		found processingPlane
		ok    bool
	)
	c.planes.DescendLessOrEqual(processingPlane{at: processing}, func(pl processingPlane) bool {
		found, ok = pl, true
		return false
	})
	return found, ok
}

// resolve maps a plane entry to the live generation of that record.
func (c *Container) resolve(s slot) (domain.Record, bool) {
	live, ok := c.history.Get(s)
	if !ok {
		return domain.Record{}, false
	}
	return c.arena[live.gen], true
}

func (c *Container) findCurrent(business time.Time) (domain.Record, bool) {
	var (
		found domain.Record
		ok    bool
	)
	c.current.DescendLessOrEqual(slot{businessFrom: business}, func(s slot) bool {
		rec := c.arena[s.gen]
		if rec.Business.Contains(business) {
			found, ok = rec.Clone(), true
		}
		return false
	})
	return found, ok
}

// Current returns the current-plane records ordered by business start.
func (c *Container) Current() []domain.Record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]domain.Record, 0, c.current.Len())
	c.current.Ascend(func(s slot) bool {
		out = append(out, c.arena[s.gen].Clone())
		return true
	})
	return out
}

// History returns every live record ordered by business then processing start.
func (c *Container) History() []domain.Record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]domain.Record, 0, c.history.Len())
	c.history.Ascend(func(s slot) bool {
		out = append(out, c.arena[s.gen].Clone())
		return true
	})
	return out
}

// InRange returns the records visible at processing whose business range
// intersects business, ordered by business start.
func (c *Container) InRange(business domain.Range, processing time.Time) []domain.Record {
	var out []domain.Record
	scan := func(tree *btree.BTreeG[slot], lookup func(slot) (domain.Record, bool)) {
		start := slot{businessFrom: business.From}
		tree.DescendLessOrEqual(start, func(s slot) bool {
			start = s
			return false
		})
		tree.AscendGreaterOrEqual(start, func(s slot) bool {
			rec, ok := lookup(s)
			if !ok {
				return true
			}
			if !rec.Business.From.Before(business.To) && !business.IsOpen() {
				return false
			}
			if rec.Business.Overlaps(business) && rec.Processing.Contains(processing) {
				out = append(out, rec.Clone())
			}
			return true
		})
	}
	if domain.IsInfinity(processing) || !c.kind.Audited() {
		c.mu.RLock()
		defer c.mu.RUnlock()
		scan(c.current, func(s slot) (domain.Record, bool) { return c.arena[s.gen], true })
		return out
	}
	c.readPlanes(func() {
		if pl, ok := c.planeAt(processing); ok {
			scan(pl.records, c.resolve)
		}
	})
	return out
}

// InsertForRecovery adds a record with explicit ranges after checking its
// rectangle against every live record.
func (c *Container) InsertForRecovery(rec domain.Record) error {
	if rec.Key != c.key {
		return fmt.Errorf("temporal: record key %q does not belong to container %q", rec.Key, c.key)
	}
	if rec.Business.IsEmpty() || rec.Processing.IsEmpty() {
		return fmt.Errorf("temporal: record %s has an empty range", rec)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var clash *domain.Record
	c.history.Ascend(func(s slot) bool {
		existing := c.arena[s.gen]
		if !existing.Business.From.Before(rec.Business.To) && !rec.Business.IsOpen() {
			return false
		}
		if existing.Overlaps(rec) {
			clash = &existing
			return false
		}
		return true
	})
	if clash != nil {
		return domain.OverlapError{Entity: c.entity, Key: c.key, Existing: clash.Clone(), Attempted: rec}
	}
	c.add(rec.Clone())
	c.trackPlanes([]domain.Change{{Action: domain.ActionInsert, After: rec}})
	c.version++
	return nil
}

// Snapshot captures the container state for Restore.
type Snapshot struct {
	arenaLen    int
	current     *btree.BTreeG[slot]
	history     *btree.BTreeG[slot]
	planes      *btree.BTreeG[processingPlane]
	planesStale bool
	version     uint64
}

// Snapshot returns a copy-on-write snapshot of the indices.
func (c *Container) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		arenaLen:    len(c.arena),
		current:     c.current.Clone(),
		history:     c.history.Clone(),
		planes:      c.planes.Clone(),
		planesStale: c.planesStale,
		version:     c.version,
	}
}

// Restore rewinds the container to snap, discarding later generations.
func (c *Container) Restore(snap Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.arena = c.arena[:snap.arenaLen]
	c.current = snap.current.Clone()
	c.history = snap.history.Clone()
	c.planes = snap.planes.Clone()
	c.planesStale = snap.planesStale
	c.version = snap.version + 1
}

// Apply commits the changes planned by an edit opened at version.
func (c *Container) Apply(version uint64, changes []domain.Change) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.version != version {
		return ErrStaleEdit
	}
	for _, ch := range changes {
		switch ch.Action {
		case domain.ActionInsert:
			c.add(ch.After)
		case domain.ActionUpdate:
			c.remove(ch.Before)
			c.add(ch.After)
		case domain.ActionDelete:
			c.remove(ch.Before)
		default:
			return fmt.Errorf("temporal: unknown action %q", ch.Action)
		}
	}
	c.trackPlanes(changes)
	c.version++
	return nil
}

// Purge drops every record of the key.
func (c *Container) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current.Clear(false)
	c.history.Clear(false)
	c.planes.Clear(false)
	c.planesStale = false
	c.version++
}

func (c *Container) add(rec domain.Record) {
	gen := len(c.arena)
	c.arena = append(c.arena, rec)
	s := slotOf(rec, gen)
	c.history.ReplaceOrInsert(s)
	if rec.IsCurrent() {
		c.current.ReplaceOrInsert(s)
	}
}

func (c *Container) remove(rec domain.Record) {
	s := slotOf(rec, -1)
	if got, ok := c.current.Get(s); ok && c.arena[got.gen].Processing.From.Equal(rec.Processing.From) {
		c.current.Delete(s)
	}
	c.history.Delete(s)
}

// planeEvent adds or removes a record from every plane starting at at.
type planeEvent struct {
	at     time.Time
	s      slot
	remove bool
}

func visibility(rec domain.Record) []planeEvent {
	s := slotOf(rec, -1)
	events := []planeEvent{{at: rec.Processing.From, s: s}}
	if !rec.IsCurrent() {
		events = append(events, planeEvent{at: rec.Processing.To, s: s, remove: true})
	}
	return events
}

// trackPlanes extends the planes with applied changes. Changes reaching back
// before the newest plane leave the planes stale.
func (c *Container) trackPlanes(changes []domain.Change) {
	if !c.kind.Audited() || c.planesStale {
		return
	}
	var events []planeEvent
	for _, ch := range changes {
		switch ch.Action {
		case domain.ActionInsert:
			events = append(events, visibility(ch.After)...)
		case domain.ActionDelete:
			events = append(events, planeEvent{at: ch.Before.Processing.From, s: slotOf(ch.Before, -1), remove: true})
		case domain.ActionUpdate:
			before, after := ch.Before, ch.After
			if before.Business.From.Equal(after.Business.From) && before.Processing.From.Equal(after.Processing.From) {
				switch {
				case after.Processing.To.Equal(before.Processing.To):
				case after.Processing.To.Before(before.Processing.To):
					events = append(events, planeEvent{at: after.Processing.To, s: slotOf(after, -1), remove: true})
				default:
					c.planesStale = true
					return
				}
				continue
			}
			events = append(events, planeEvent{at: before.Processing.From, s: slotOf(before, -1), remove: true})
			events = append(events, visibility(after)...)
		}
	}
	if newest, ok := c.planes.Max(); ok {
		for _, ev := range events {
			if ev.at.Before(newest.at) {
				c.planesStale = true
				return
			}
		}
	}
	c.extendPlanes(events)
}

func (c *Container) rebuildPlanes() {
	c.planes.Clear(false)
	c.planesStale = false
	var events []planeEvent
	c.history.Ascend(func(s slot) bool {
		events = append(events, visibility(c.arena[s.gen])...)
		return true
	})
	c.extendPlanes(events)
}

// extendPlanes applies events no earlier than the newest plane, storing one
// plane per distinct instant.
func (c *Container) extendPlanes(events []planeEvent) {
	if len(events) == 0 {
		return
	}
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].at.Equal(events[j].at) {
			return events[i].at.Before(events[j].at)
		}
		return events[i].remove && !events[j].remove
	})
	var tree *btree.BTreeG[slot]
	if newest, ok := c.planes.Max(); ok {
		tree = newest.records.Clone()
	} else {
		tree = btree.NewG(defaultBTreeDegree, lessCurrent)
	}
	for i := 0; i < len(events); {
		at := events[i].at
		for ; i < len(events) && events[i].at.Equal(at); i++ {
			ev := events[i]
			if ev.remove {
				if got, ok := tree.Get(ev.s); ok && got.processingFrom.Equal(ev.s.processingFrom) {
					tree.Delete(ev.s)
				}
			} else {
				tree.ReplaceOrInsert(ev.s)
			}
		}
		c.planes.ReplaceOrInsert(processingPlane{at: at, records: tree.Clone()})
	}
}
