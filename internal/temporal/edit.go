package temporal

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/btree"

	"chronostore/pkg/domain"
)

// ErrInfiniteBusinessDate is returned when a modification is dated at infinity.
var ErrInfiniteBusinessDate = errors.New("temporal: business date must not be infinity")

type segment struct {
	rec     domain.Record
	pending bool
}

func lessSegment(a, b segment) bool { return a.rec.Business.From.Before(b.rec.Business.From) }

type inactivation struct {
	processingTo time.Time
	businessTo   time.Time
}

// Edit stages modifications to one container at a single processing instant.
// It works on a private copy of the current plane; nothing reaches the
// container until Apply. An Edit is owned by one transaction and is not safe
// for concurrent use.
type Edit struct {
	c       *Container
	at      time.Time
	version uint64
	base    []domain.Record
	plane   *btree.BTreeG[segment]
	purged  bool
	archive *inactivation
	dirty   bool
}

// Edit opens a staged edit at processing instant at.
func (c *Container) Edit(at time.Time) *Edit {
	c.mu.RLock()
	defer c.mu.RUnlock()
	base := make([]domain.Record, 0, c.current.Len())
	plane := btree.NewG(defaultBTreeDegree, lessSegment)
	c.current.Ascend(func(s slot) bool {
		rec := c.arena[s.gen].Clone()
		base = append(base, rec)
		plane.ReplaceOrInsert(segment{rec: rec})
		return true
	})
	return &Edit{c: c, at: at, version: c.version, base: base, plane: plane}
}

// Container returns the container the edit targets.
func (e *Edit) Container() *Container { return e.c }

// At returns the processing instant of the edit.
func (e *Edit) At() time.Time { return e.at }

// Dirty reports whether the edit staged anything.
func (e *Edit) Dirty() bool { return e.dirty }

// AsOf returns the staged current-plane record containing business.
func (e *Edit) AsOf(business time.Time) (domain.Record, bool) {
	seg, ok := e.find(business)
	if !ok {
		return domain.Record{}, false
	}
	return seg.rec.Clone(), true
}

// Current returns the staged current plane ordered by business start.
func (e *Edit) Current() []domain.Record {
	out := make([]domain.Record, 0, e.plane.Len())
	e.plane.Ascend(func(s segment) bool {
		out = append(out, s.rec.Clone())
		return true
	})
	return out
}

// Insert stages rec. Open-ended inserts must not precede an existing segment.
func (e *Edit) Insert(rec domain.Record) error {
	if err := e.checkRecord(rec); err != nil {
		return err
	}
	if rec.Business.IsOpen() {
		if seg, ok := e.find(rec.Business.From); ok {
			return domain.OverlapError{Entity: e.c.entity, Key: e.c.key, Existing: seg.rec.Clone(), Attempted: rec}
		}
		if next, ok := e.next(rec.Business.From); ok {
			return domain.InvalidInsertBeforeTerminationError{
				Entity: e.c.entity,
				Key:    e.c.key,
				At:     rec.Business.From.UTC().Format(time.RFC3339Nano),
				Next:   next.rec.Clone(),
			}
		}
	} else if overlaps := e.overlapping(rec.Business); len(overlaps) > 0 {
		return domain.OverlapError{Entity: e.c.entity, Key: e.c.key, Existing: overlaps[0].rec.Clone(), Attempted: rec}
	}
	e.put(rec.Business, rec.Attributes)
	return nil
}

// InsertUntil stages rec bounded at until.
func (e *Edit) InsertUntil(rec domain.Record, until time.Time) error {
	r, err := domain.NewRange(rec.Business.From, until)
	if err != nil {
		return err
	}
	rec.Business = r
	return e.Insert(rec)
}

// InsertWithIncrement stages rec ending where the next segment begins and
// adds rec's numeric attributes to every later segment.
func (e *Edit) InsertWithIncrement(rec domain.Record) error {
	if err := e.checkRecord(rec); err != nil {
		return err
	}
	from := rec.Business.From
	if seg, ok := e.find(from); ok {
		return domain.OverlapError{Entity: e.c.entity, Key: e.c.key, Existing: seg.rec.Clone(), Attempted: rec}
	}
	next, ok := e.next(from)
	if !ok {
		e.put(domain.OpenFrom(from), rec.Attributes)
		return nil
	}
	e.put(domain.Range{From: from, To: next.rec.Business.From}, rec.Attributes)
	later := domain.OpenFrom(next.rec.Business.From)
	return e.modify(later, func(attrs domain.Attributes) error {
		for name := range rec.Attributes {
			delta, numeric := rec.Attributes.Float(name)
			if !numeric {
				continue
			}
			if err := attrs.Increment(name, delta); err != nil {
				return err
			}
		}
		return nil
	}, false)
}

// Update applies changes from at onwards, splitting the segment that starts
// before at.
func (e *Edit) Update(at time.Time, changes domain.Attributes) error {
	return e.UpdateUntil(at, domain.Infinity, changes)
}

// UpdateUntil applies changes within [from, until).
func (e *Edit) UpdateUntil(from, until time.Time, changes domain.Attributes) error {
	r, err := e.window(from, until)
	if err != nil {
		return err
	}
	return e.modify(r, func(attrs domain.Attributes) error {
		for k, v := range changes {
			attrs.Set(k, v)
		}
		return nil
	}, false)
}

// Increment adds delta to attr from at onwards.
func (e *Edit) Increment(at time.Time, attr string, delta float64) error {
	return e.IncrementUntil(at, domain.Infinity, attr, delta)
}

// IncrementUntil adds delta to attr within [from, until).
func (e *Edit) IncrementUntil(from, until time.Time, attr string, delta float64) error {
	r, err := e.window(from, until)
	if err != nil {
		return err
	}
	return e.modify(r, func(attrs domain.Attributes) error {
		return attrs.Increment(attr, delta)
	}, false)
}

// Terminate ends the entity's validity at at.
func (e *Edit) Terminate(at time.Time) error {
	return e.TerminateUntil(at, domain.Infinity)
}

// TerminateUntil removes validity within [from, until), keeping both ends.
func (e *Edit) TerminateUntil(from, until time.Time) error {
	r, err := e.window(from, until)
	if err != nil {
		return err
	}
	return e.modify(r, nil, true)
}

// Purge drops every record of the key, processing history included.
func (e *Edit) Purge() {
	e.plane.Clear(false)
	e.purged = true
	e.dirty = true
}

// InactivateForArchiving closes every current record at processingTo and,
// when businessTo is set, closes open business ranges at businessTo.
func (e *Edit) InactivateForArchiving(processingTo, businessTo time.Time) error {
	if e.plane.Len() == 0 {
		return domain.NotFoundError{Entity: e.c.entity, Key: e.c.key}
	}
	e.plane.Clear(false)
	e.archive = &inactivation{processingTo: processingTo.UTC(), businessTo: businessTo}
	e.dirty = true
	return nil
}

// Plan returns the row changes the edit produces, in application order.
func (e *Edit) Plan() []domain.Change {
	var changes []domain.Change
	if e.purged {
		for _, rec := range e.c.History() {
			changes = append(changes, domain.Change{Action: domain.ActionDelete, Before: rec})
		}
	} else {
		for _, rec := range e.base {
			if seg, ok := e.plane.Get(segment{rec: rec}); ok && !seg.pending {
				continue
			}
			changes = append(changes, e.close(rec))
		}
	}
	e.plane.Ascend(func(s segment) bool {
		if s.pending {
			changes = append(changes, domain.Change{Action: domain.ActionInsert, After: e.stamp(s.rec)})
		}
		return true
	})
	return changes
}

// Apply commits the planned changes to the container.
func (e *Edit) Apply(changes []domain.Change) error {
	if e.purged {
		if err := e.c.checkVersion(e.version); err != nil {
			return err
		}
		e.c.Purge()
		e.version = e.c.Version()
		inserts := make([]domain.Change, 0, len(changes))
		for _, ch := range changes {
			if ch.Action == domain.ActionInsert {
				inserts = append(inserts, ch)
			}
		}
		changes = inserts
	}
	return e.c.Apply(e.version, changes)
}

func (e *Edit) close(rec domain.Record) domain.Change {
	if e.archive != nil {
		after := rec.Clone()
		after.Processing = after.Processing.WithTo(e.archive.processingTo)
		if !e.archive.businessTo.IsZero() && after.Business.IsOpen() {
			after.Business = after.Business.WithTo(e.archive.businessTo)
		}
		return domain.Change{Action: domain.ActionUpdate, Before: rec, After: after}
	}
	if !e.c.kind.Audited() {
		return domain.Change{Action: domain.ActionDelete, Before: rec}
	}
	after := rec.Clone()
	after.Processing = after.Processing.WithTo(e.at)
	return domain.Change{Action: domain.ActionUpdate, Before: rec, After: after}
}

func (e *Edit) stamp(rec domain.Record) domain.Record {
	rec = rec.Clone()
	rec.Key = e.c.key
	rec.Processing = e.processing()
	return rec
}

func (e *Edit) processing() domain.Range {
	if e.c.kind.Audited() {
		return domain.OpenFrom(e.at)
	}
	return domain.All
}

func (e *Edit) checkRecord(rec domain.Record) error {
	if rec.Key != e.c.key {
		return fmt.Errorf("temporal: record key %q does not belong to container %q", rec.Key, e.c.key)
	}
	if domain.IsInfinity(rec.Business.From) {
		return ErrInfiniteBusinessDate
	}
	if rec.Business.IsEmpty() {
		return fmt.Errorf("temporal: record %s has an empty business range", rec)
	}
	return nil
}

func (e *Edit) window(from, until time.Time) (domain.Range, error) {
	if domain.IsInfinity(from) {
		return domain.Range{}, ErrInfiniteBusinessDate
	}
	return domain.NewRange(from, until)
}

func (e *Edit) find(business time.Time) (segment, bool) {
	var (
		found segment
		ok    bool
	)
	e.plane.DescendLessOrEqual(segment{rec: domain.Record{Business: domain.Range{From: business}}}, func(s segment) bool {
		if s.rec.Business.Contains(business) {
			found, ok = s, true
		}
		return false
	})
	return found, ok
}

func (e *Edit) next(after time.Time) (segment, bool) {
	var (
		found segment
		ok    bool
	)
	e.plane.AscendGreaterOrEqual(segment{rec: domain.Record{Business: domain.Range{From: after}}}, func(s segment) bool {
		if s.rec.Business.From.After(after) {
			found, ok = s, true
			return false
		}
		return true
	})
	return found, ok
}

func (e *Edit) overlapping(r domain.Range) []segment {
	start := segment{rec: domain.Record{Business: domain.Range{From: r.From}}}
	if seg, ok := e.find(r.From); ok {
		start = seg
	}
	var out []segment
	e.plane.AscendGreaterOrEqual(start, func(s segment) bool {
		if !r.Overlaps(s.rec.Business) {
			return !s.rec.Business.From.After(r.From)
		}
		out = append(out, s)
		return true
	})
	return out
}

func (e *Edit) put(r domain.Range, attrs domain.Attributes) {
	rec := domain.Record{Key: e.c.key, Business: r, Processing: e.processing(), Attributes: domain.Attributes{}.Merge(attrs)}
	e.plane.ReplaceOrInsert(segment{rec: rec, pending: true})
	e.dirty = true
}

// modify rewrites the part of every segment that intersects r. Parts outside
// r keep their attributes; the inside is dropped when remove is set, else
// passed through fn. A staged segment starting exactly at r.From is rewritten
// in place, so repeated same-instant updates never leave a zero-width slice.
func (e *Edit) modify(r domain.Range, fn func(domain.Attributes) error, remove bool) error {
	targets := e.overlapping(r)
	if len(targets) == 0 {
		return domain.NotFoundError{Entity: e.c.entity, Key: e.c.key}
	}
	type piece struct {
		r     domain.Range
		attrs domain.Attributes
	}
	var pieces []piece
	for _, seg := range targets {
		cur := seg.rec.Business
		if cur.From.Before(r.From) {
			pieces = append(pieces, piece{r: domain.Range{From: cur.From, To: r.From}, attrs: seg.rec.Attributes})
		}
		if !remove {
			mid, _ := cur.Intersect(r)
			attrs := seg.rec.Attributes.Clone()
			if attrs == nil {
				attrs = domain.Attributes{}
			}
			if err := fn(attrs); err != nil {
				return err
			}
			pieces = append(pieces, piece{r: mid, attrs: attrs})
		}
		if !r.IsOpen() && (cur.IsOpen() || r.To.Before(cur.To)) {
			pieces = append(pieces, piece{r: domain.Range{From: r.To, To: cur.To}, attrs: seg.rec.Attributes})
		}
	}
	for _, seg := range targets {
		e.plane.Delete(seg)
	}
	for _, p := range pieces {
		e.put(p.r, p.attrs)
	}
	e.dirty = true
	return nil
}

func (c *Container) checkVersion(version uint64) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.version != version {
		return ErrStaleEdit
	}
	return nil
}
