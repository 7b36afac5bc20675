package cache

import "chronostore/pkg/domain"

// Reservation is the latch a PreparePut holds on a key until it is committed
// or rolled back. Waiters block on done.
type Reservation[H any] struct {
	cache     *Cache[H]
	key       string
	rec       domain.Record
	handle    H
	staged    bool
	committed bool
	done      chan struct{}
}

// Key returns the reserved primary key.
func (r *Reservation[H]) Key() string { return r.key }

// Stage exposes handle to Reserved lookups while the reservation is
// outstanding, so the inserting transaction can find what it inserted.
func (r *Reservation[H]) Stage(handle H) {
	r.cache.mu.Lock()
	defer r.cache.mu.Unlock()
	r.handle = handle
	r.staged = true
}

// Done is closed once the reservation is committed or rolled back.
func (r *Reservation[H]) Done() <-chan struct{} { return r.done }
