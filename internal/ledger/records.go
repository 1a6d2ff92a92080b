package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/aminenidae/screentime-rewards/internal/domain"
)

// DefaultOpTimeout bounds every store call. The observer process has a hard
// wall-clock budget, so store I/O fails fast instead of retrying.
const DefaultOpTimeout = 2 * time.Second

// FaultReporter receives non-fatal read failures (corrupt or unreadable records).
type FaultReporter interface {
	ReportReadFault(ctx context.Context, key string, err error)
}

// Records wraps a LedgerStore with the record codec and per-call timeouts.
type Records struct {
	store   domain.LedgerStore
	faults  FaultReporter
	timeout time.Duration
	logger  *zap.Logger
}

// NewRecords creates typed record access over store.
// A non-positive timeout selects DefaultOpTimeout.
func NewRecords(store domain.LedgerStore, timeout time.Duration, logger *zap.Logger) *Records {
	if timeout <= 0 {
		timeout = DefaultOpTimeout
	}
	return &Records{
		store:   store,
		timeout: timeout,
		logger:  logger,
	}
}

// WithFaults returns a copy that reports read faults to f.
func (r *Records) WithFaults(f FaultReporter) *Records {
	c := *r
	c.faults = f
	return &c
}

// Store returns the underlying store.
func (r *Records) Store() domain.LedgerStore {
	return r.store
}

// Load reads and decodes the record under key. Missing, unreadable, or
// undecodable records yield def; the boolean reports whether a stored record
// was used. Load never fails.
func Load[T any](ctx context.Context, r *Records, key string, def T) (T, bool) {
	opCtx, cancel := r.opContext(ctx)
	defer cancel()

	data, err := r.store.Get(opCtx, key)
	if errors.Is(err, domain.ErrNotFound) {
		return def, false
	}
	if err != nil {
		r.fault(ctx, key, err)
		return def, false
	}

	var v T
	if err := Unmarshal(data, &v); err != nil {
		r.fault(ctx, key, fmt.Errorf("decode: %w", err))
		return def, false
	}
	return v, true
}

// Save encodes v and replaces the record under key.
func (r *Records) Save(ctx context.Context, key string, v any) error {
	data, err := Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}

	opCtx, cancel := r.opContext(ctx)
	defer cancel()

	if err := r.store.Put(opCtx, key, data); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

// Delete removes the record under key.
func (r *Records) Delete(ctx context.Context, key string) error {
	opCtx, cancel := r.opContext(ctx)
	defer cancel()

	if err := r.store.Delete(opCtx, key); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// Keys lists stored keys under prefix. Errors degrade to an empty list.
func (r *Records) Keys(ctx context.Context, prefix string) []string {
	opCtx, cancel := r.opContext(ctx)
	defer cancel()

	keys, err := r.store.Keys(opCtx, prefix)
	if err != nil {
		r.fault(ctx, prefix+"*", err)
		return nil
	}
	return keys
}

func (r *Records) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.timeout)
}

func (r *Records) fault(ctx context.Context, key string, err error) {
	r.logger.Warn("ledger record unreadable, using default",
		zap.String("key", key),
		zap.Error(err))
	if r.faults != nil {
		r.faults.ReportReadFault(ctx, key, err)
	}
}
