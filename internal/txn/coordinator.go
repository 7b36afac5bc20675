package txn

import (
	"context"
	"fmt"
	"sync"
	"time"

	"chronostore/pkg/domain"
)

// Logger is the structured logging surface used by the engine. *slog.Logger
// satisfies it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Observer receives the outcome of every commit and rollback.
type Observer func(ctx context.Context, op string, success bool, elapsed time.Duration)

// Completer is implemented by participants that release their ownership only
// after every participant flushed.
type Completer interface {
	Complete(tx *Tx)
}

// Coordinator creates transactions and drives their completion.
type Coordinator struct {
	clock    func() time.Time
	logger   Logger
	observer Observer

	mu   sync.Mutex
	last time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock overrides the processing-time source.
func WithClock(clock func() time.Time) Option {
	return func(c *Coordinator) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithObserver registers a commit and rollback observer.
func WithObserver(o Observer) Option {
	return func(c *Coordinator) { c.observer = o }
}

// NewCoordinator builds a coordinator.
func NewCoordinator(opts ...Option) *Coordinator {
	c := &Coordinator{clock: time.Now, logger: nopLogger{}}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Logger returns the coordinator's logger.
func (c *Coordinator) Logger() Logger { return c.logger }

// Now returns the next processing instant. Instants are truncated to
// microseconds and strictly increase across calls.
func (c *Coordinator) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.clock().UTC().Truncate(time.Microsecond)
	if !t.After(c.last) {
		t = c.last.Add(time.Microsecond)
	}
	c.last = t
	return t
}

// Begin starts a transaction and returns a context carrying it. Transactions
// are flat: beginning inside an active transaction fails.
func (c *Coordinator) Begin(ctx context.Context, opts Options) (context.Context, *Tx, error) {
	if active, ok := FromContext(ctx); ok {
		return ctx, nil, domain.StateViolationError{
			Op:     "begin",
			State:  active.Status().String(),
			Reason: fmt.Sprintf("transaction %s already active; nested transactions are not supported", active.ID()),
		}
	}
	tx := newTx(c.Now(), opts)
	c.logger.Debug("transaction begin", "tx", tx.ID().String(), "isolation", opts.Isolation.String())
	return WithTx(ctx, tx), tx, nil
}

// Commit flushes participants in enrollment order. When a flush fails, the
// participants already flushed are compensated in reverse order and the rest
// are rolled back, leaving every participant in its pre-transaction state.
func (c *Coordinator) Commit(ctx context.Context, tx *Tx) error {
	start := time.Now()
	if err := tx.transition(StatusActive, StatusCommitting); err != nil {
		return err
	}
	parts := tx.Participants()
	for i, p := range parts {
		err := p.Flush(ctx, tx)
		if err == nil {
			continue
		}
		c.logger.Warn("transaction flush failed", "tx", tx.ID().String(), "participant", i, "error", err)
		for j := i - 1; j >= 0; j-- {
			if cerr := parts[j].Compensate(ctx, tx); cerr != nil {
				c.logger.Error("transaction compensation failed", "tx", tx.ID().String(), "participant", j, "error", cerr)
			}
		}
		for _, q := range parts[i:] {
			q.Rollback(tx)
		}
		tx.finish(StatusRolledBack)
		c.observe(ctx, "commit", false, start)
		return fmt.Errorf("commit transaction %s: %w", tx.ID(), err)
	}
	for _, p := range parts {
		if cp, ok := p.(Completer); ok {
			cp.Complete(tx)
		}
	}
	tx.finish(StatusCommitted)
	c.logger.Debug("transaction committed", "tx", tx.ID().String(), "participants", len(parts))
	c.observe(ctx, "commit", true, start)
	return nil
}

// Rollback restores every participant, newest first.
func (c *Coordinator) Rollback(ctx context.Context, tx *Tx) error {
	start := time.Now()
	if err := tx.transition(StatusActive, StatusRolledBack); err != nil {
		return err
	}
	parts := tx.Participants()
	for i := len(parts) - 1; i >= 0; i-- {
		parts[i].Rollback(tx)
	}
	tx.finish(StatusRolledBack)
	c.logger.Debug("transaction rolled back", "tx", tx.ID().String(), "participants", len(parts))
	c.observe(ctx, "rollback", true, start)
	return nil
}

// RunInTransaction runs fn inside a new transaction, committing when fn
// succeeds and rolling back otherwise.
func (c *Coordinator) RunInTransaction(ctx context.Context, opts Options, fn func(ctx context.Context, tx *Tx) error) (err error) {
	txCtx, tx, err := c.Begin(ctx, opts)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			_ = c.Rollback(ctx, tx)
			panic(r)
		}
	}()
	if err := fn(txCtx, tx); err != nil {
		if rbErr := c.Rollback(ctx, tx); rbErr != nil {
			c.logger.Warn("transaction rollback failed", "tx", tx.ID().String(), "error", rbErr)
		}
		return err
	}
	return c.Commit(txCtx, tx)
}

// Within runs fn in the transaction carried by ctx, or in a new one when ctx
// carries none.
func (c *Coordinator) Within(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) error {
	if tx, ok := FromContext(ctx); ok {
		return fn(ctx, tx)
	}
	return c.RunInTransaction(ctx, Options{}, fn)
}

func (c *Coordinator) observe(ctx context.Context, op string, success bool, start time.Time) {
	if c.observer != nil {
		c.observer(ctx, op, success, time.Since(start))
	}
}
