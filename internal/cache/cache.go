// Package cache indexes the live entities of one entity type.
package cache

import (
	"context"
	"errors"
	"slices"
	"sync"

	"chronostore/internal/temporal"
	"chronostore/pkg/domain"
)

const degree = 16

// ErrUnknownReservation is returned when a reservation token is not held by
// the cache it is presented to.
var ErrUnknownReservation = errors.New("cache: reservation is not active")

// Entry is one cached entity. Record carries the attribute values the
// secondary indices were built from.
type Entry[H any] struct {
	Key       string
	Handle    H
	Record    domain.Record
	Container *temporal.Container
}

// Cache maps primary keys to entries for one entity type and keeps the
// type's secondary indices. Caches are owned by a portal; there is no
// process-wide instance.
type Cache[H any] struct {
	mu           sync.RWMutex
	typ          domain.EntityType
	entries      map[string]*Entry[H]
	containers   map[string]*temporal.Container
	indices      map[string]*index
	reservations map[string]*Reservation[H]
}

// New builds an empty cache for typ.
func New[H any](typ domain.EntityType) *Cache[H] {
	c := &Cache[H]{
		typ:          typ,
		entries:      make(map[string]*Entry[H]),
		containers:   make(map[string]*temporal.Container),
		indices:      make(map[string]*index),
		reservations: make(map[string]*Reservation[H]),
	}
	for _, attr := range typ.Unique {
		c.indices[attr] = newIndex(attr, true)
	}
	for _, attr := range typ.Indexed {
		if _, ok := c.indices[attr]; !ok {
			c.indices[attr] = newIndex(attr, false)
		}
	}
	return c
}

// Type returns the entity type the cache serves.
func (c *Cache[H]) Type() domain.EntityType { return c.typ }

// Get returns the committed entry for key.
func (c *Cache[H]) Get(key string) (Entry[H], bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok {
		return Entry[H]{}, false
	}
	return *e, true
}

// Reserved returns the handle staged on an outstanding reservation for key.
func (c *Cache[H]) Reserved(key string) (H, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.reservations[key]
	if !ok || !r.staged {
		var zero H
		return zero, false
	}
	return r.handle, true
}

// GetOrCreateContainer returns the container for rec's key, creating an empty
// one when absent.
func (c *Cache[H]) GetOrCreateContainer(rec domain.Record) *temporal.Container {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.containerLocked(rec.Key)
}

func (c *Cache[H]) containerLocked(key string) *temporal.Container {
	ct, ok := c.containers[key]
	if !ok {
		ct = temporal.NewContainer(c.typ.Name, key, c.typ.Kind)
		c.containers[key] = ct
	}
	return ct
}

// Container returns the existing container for key.
func (c *Cache[H]) Container(key string) (*temporal.Container, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ct, ok := c.containers[key]
	return ct, ok
}

// Put publishes an entry without a reservation. It is used when loading
// already persisted data.
func (c *Cache[H]) Put(handle H, rec domain.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.entries[rec.Key]; ok {
		c.unindex(old.Key, old.Record)
	}
	c.publish(handle, rec)
}

// PreparePut reserves rec's key and unique attribute values. It blocks while
// another reservation holds either, and fails with OverlapError when a
// committed entry already owns them.
func (c *Cache[H]) PreparePut(ctx context.Context, rec domain.Record) (*Reservation[H], error) {
	for {
		c.mu.Lock()
		wait, err := c.conflict(rec)
		if err != nil {
			c.mu.Unlock()
			return nil, err
		}
		if wait == nil {
			r := &Reservation[H]{cache: c, key: rec.Key, rec: rec.Clone(), done: make(chan struct{})}
			c.reservations[rec.Key] = r
			c.mu.Unlock()
			return r, nil
		}
		c.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wait:
		}
	}
}

// conflict reports a committed clash as an error or returns the done channel
// of the reservation to wait for.
func (c *Cache[H]) conflict(rec domain.Record) (<-chan struct{}, error) {
	if e, ok := c.entries[rec.Key]; ok {
		return nil, domain.OverlapError{Entity: c.typ.Name, Key: rec.Key, Existing: e.Record.Clone(), Attempted: rec}
	}
	if r, ok := c.reservations[rec.Key]; ok {
		return r.done, nil
	}
	for _, ix := range c.indices {
		if !ix.unique {
			continue
		}
		v, ok := ix.valueOf(rec)
		if !ok {
			continue
		}
		if owner, ok := ix.owner(v); ok && owner != rec.Key {
			return nil, domain.OverlapError{Entity: c.typ.Name, Key: rec.Key, Existing: c.entries[owner].Record.Clone(), Attempted: rec}
		}
		for _, r := range c.reservations {
			if rv, ok := ix.valueOf(r.rec); ok && rv == v {
				return r.done, nil
			}
		}
	}
	return nil, nil
}

// CommitPreparedForIndex publishes the reserved entry and releases waiters.
func (c *Cache[H]) CommitPreparedForIndex(r *Reservation[H], handle H, rec domain.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r == nil || r.cache != c || c.reservations[r.key] != r {
		return ErrUnknownReservation
	}
	if rec.Key != r.key {
		rec.Key = r.key
	}
	delete(c.reservations, r.key)
	c.publish(handle, rec)
	r.committed = true
	close(r.done)
	return nil
}

// Rollback releases r. A reservation that was already committed has its
// entry removed again, so a compensated insert leaves no trace.
func (c *Cache[H]) Rollback(r *Reservation[H]) {
	if r == nil || r.cache != c {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reservations[r.key] == r {
		delete(c.reservations, r.key)
		c.dropEmptyContainer(r.key)
		close(r.done)
		return
	}
	if r.committed {
		r.committed = false
		c.removeLocked(r.key)
	}
}

// FindUnique returns the entry owning value in a unique index.
func (c *Cache[H]) FindUnique(attr string, value any) (Entry[H], bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ix, ok := c.indices[attr]
	if !ok || !ix.unique {
		return Entry[H]{}, false
	}
	key, ok := ix.owner(indexValue(value))
	if !ok {
		return Entry[H]{}, false
	}
	return *c.entries[key], true
}

// FindNonUnique returns the entries holding value, ordered by key.
func (c *Cache[H]) FindNonUnique(attr string, value any) []Entry[H] {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ix, ok := c.indices[attr]
	if !ok {
		return nil
	}
	keys := ix.keys(indexValue(value))
	out := make([]Entry[H], 0, len(keys))
	for _, k := range keys {
		out = append(out, *c.entries[k])
	}
	return out
}

// Reindex replaces the indexed values of key.
func (c *Cache[H]) Reindex(key string, after domain.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return
	}
	c.unindex(key, e.Record)
	e.Record = after.Clone()
	c.index(key, e.Record)
}

// Remove drops key, its container and its index entries.
func (c *Cache[H]) Remove(key string) (Entry[H], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return Entry[H]{}, false
	}
	c.removeLocked(key)
	return *e, true
}

// Restore puts back an entry previously returned by Remove, container
// included.
func (c *Cache[H]) Restore(e Entry[H]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.entries[e.Key]; ok {
		c.unindex(old.Key, old.Record)
	}
	restored := e
	c.entries[e.Key] = &restored
	if e.Container != nil {
		c.containers[e.Key] = e.Container
	}
	c.index(e.Key, restored.Record)
}

// Keys returns the committed keys in order.
func (c *Cache[H]) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Len returns the number of committed entries.
func (c *Cache[H]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Snapshot describes the observable index state of a cache.
type Snapshot struct {
	Keys       []string
	Containers []string
	Indices    map[string][]string
	Reserved   []string
}

// Snapshot captures keys, index contents and outstanding reservations.
func (c *Cache[H]) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap := Snapshot{Indices: make(map[string][]string, len(c.indices))}
	for k := range c.entries {
		snap.Keys = append(snap.Keys, k)
	}
	for k := range c.containers {
		snap.Containers = append(snap.Containers, k)
	}
	for k := range c.reservations {
		snap.Reserved = append(snap.Reserved, k)
	}
	slices.Sort(snap.Keys)
	slices.Sort(snap.Containers)
	slices.Sort(snap.Reserved)
	for name, ix := range c.indices {
		snap.Indices[name] = ix.snapshot()
	}
	return snap
}

func (c *Cache[H]) publish(handle H, rec domain.Record) {
	e := &Entry[H]{Key: rec.Key, Handle: handle, Record: rec.Clone()}
	if c.typ.Kind.Dated() {
		e.Container = c.containerLocked(rec.Key)
	}
	c.entries[rec.Key] = e
	c.index(rec.Key, e.Record)
}

func (c *Cache[H]) removeLocked(key string) {
	if e, ok := c.entries[key]; ok {
		c.unindex(key, e.Record)
		delete(c.entries, key)
	}
	delete(c.containers, key)
}

func (c *Cache[H]) dropEmptyContainer(key string) {
	if _, ok := c.entries[key]; ok {
		return
	}
	if ct, ok := c.containers[key]; ok && ct.Len() == 0 {
		delete(c.containers, key)
	}
}

func (c *Cache[H]) index(key string, rec domain.Record) {
	for _, ix := range c.indices {
		ix.add(key, rec)
	}
}

func (c *Cache[H]) unindex(key string, rec domain.Record) {
	for _, ix := range c.indices {
		ix.remove(key, rec)
	}
}
