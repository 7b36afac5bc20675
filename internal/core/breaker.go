package core

import (
	"context"
	"time"

	"github.com/sony/gobreaker"

	"chronostore/pkg/domain"
)

// BreakerSettings tunes the circuit breaker guarding the persistent store.
type BreakerSettings struct {
	Name string
	// MaxRequests is the number of probes allowed while half-open.
	MaxRequests uint32
	// Interval resets the closed-state counts; zero never resets.
	Interval time.Duration
	// Timeout is how long the breaker stays open.
	Timeout time.Duration
	// MinRequests and FailureRatio decide when the breaker trips.
	MinRequests  uint32
	FailureRatio float64
}

func (s BreakerSettings) withDefaults() BreakerSettings {
	if s.Name == "" {
		s.Name = "persistent-store"
	}
	if s.MaxRequests == 0 {
		s.MaxRequests = 1
	}
	if s.Timeout == 0 {
		s.Timeout = 30 * time.Second
	}
	if s.MinRequests == 0 {
		s.MinRequests = 3
	}
	if s.FailureRatio <= 0 {
		s.FailureRatio = 0.5
	}
	return s
}

// BreakerPersister wraps a PersistentStore with a circuit breaker. Domain
// outcomes such as missing rows do not count as failures.
type BreakerPersister struct {
	next domain.PersistentStore
	cb   *gobreaker.CircuitBreaker
}

var _ domain.PersistentStore = (*BreakerPersister)(nil)

// NewBreakerPersister guards next with a breaker configured by settings.
func NewBreakerPersister(next domain.PersistentStore, settings BreakerSettings, logger Logger) *BreakerPersister {
	if logger == nil {
		logger = noopLogger{}
	}
	settings = settings.withDefaults()
	st := gobreaker.Settings{
		Name:        settings.Name,
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < settings.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= settings.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				logger.Error("circuit breaker opened", "breaker", name, "from", from.String())
				return
			}
			logger.Info("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			return err == nil || domain.IsNotFound(err)
		},
	}
	return &BreakerPersister{next: next, cb: gobreaker.NewCircuitBreaker(st)}
}

// State reports the breaker state.
func (s *BreakerPersister) State() gobreaker.State { return s.cb.State() }

func (s *BreakerPersister) exec(fn func() error) error {
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	return err
}

// Insert implements domain.Persister.
func (s *BreakerPersister) Insert(ctx context.Context, entity string, rec domain.Record) error {
	return s.exec(func() error { return s.next.Insert(ctx, entity, rec) })
}

// Update implements domain.Persister.
func (s *BreakerPersister) Update(ctx context.Context, entity string, before, after domain.Record) error {
	return s.exec(func() error { return s.next.Update(ctx, entity, before, after) })
}

// Delete implements domain.Persister.
func (s *BreakerPersister) Delete(ctx context.Context, entity string, rec domain.Record) error {
	return s.exec(func() error { return s.next.Delete(ctx, entity, rec) })
}

// Load implements domain.RecordLoader.
func (s *BreakerPersister) Load(ctx context.Context, entity string) ([]domain.Record, error) {
	out, err := s.cb.Execute(func() (interface{}, error) {
		return s.next.Load(ctx, entity)
	})
	if err != nil {
		return nil, err
	}
	recs, _ := out.([]domain.Record)
	return recs, nil
}

// Close closes the wrapped store without consulting the breaker.
func (s *BreakerPersister) Close() error { return s.next.Close() }
