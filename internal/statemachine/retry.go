package statemachine

import (
	"context"
	"time"

	"github.com/photonx/coordinator/internal/cerrors"
	"github.com/photonx/coordinator/internal/store"
)

// storeRetryAttempts and storeRetryBaseDelay bound the exponential
// backoff applied to store errors before they are escalated.
const (
	storeRetryAttempts  = 5
	storeRetryBaseDelay = 20 * time.Millisecond
)

// putWithRetry writes rec to the backend, retrying transient store
// errors with bounded exponential backoff. On exhaustion it attempts to
// mark the channel disputed and returns a KindInvariantEscalation error.
func (m *Machine) putWithRetry(ctx context.Context, rec *store.Record) error {
	return m.withRetry(ctx, rec.ChannelID, func() error {
		return m.backend.Put(ctx, rec)
	}, rec)
}

// transactionalPutWithRetry is the same retry wrapper around
// TransactionalPutMany, used by every message-applying transition.
func (m *Machine) transactionalPutWithRetry(ctx context.Context, rec *store.Record, msg *store.MessageEntry) error {
	return m.withRetry(ctx, rec.ChannelID, func() error {
		return m.backend.TransactionalPutMany(ctx, rec, msg)
	}, rec)
}

func (m *Machine) withRetry(ctx context.Context, id interface{ String() string }, op func() error, rec *store.Record) error {
	var lastErr error
	delay := storeRetryBaseDelay
	for attempt := 0; attempt < storeRetryAttempts; attempt++ {
		if err := op(); err != nil {
			if err == store.ErrDuplicateMessage {
				return cerrors.New(cerrors.KindStaleNonce, "duplicate message").WithChannel(id.String())
			}
			lastErr = err
			select {
			case <-ctx.Done():
				return cerrors.Wrap(cerrors.KindTimeout, ctx.Err()).WithChannel(id.String())
			case <-time.After(delay):
			}
			delay *= 2
			continue
		}
		return nil
	}

	log.Errorf("store exhausted retries for channel %s, escalating to disputed: %v", id, lastErr)
	m.escalateToDisputed(context.Background(), rec)
	return cerrors.Wrap(cerrors.KindInvariantEscalation, lastErr).WithChannel(id.String())
}

// escalateToDisputed marks the channel disputed on a best-effort basis
// after store retries are exhausted. Failure to write even this marker is
// logged, not retried further, to avoid an unbounded retry loop.
func (m *Machine) escalateToDisputed(ctx context.Context, rec *store.Record) {
	cp := *rec
	cp.Status = store.StatusDisputed
	if err := m.backend.Put(ctx, &cp); err != nil {
		log.Errorf("failed to mark channel %s disputed after store exhaustion: %v", rec.ChannelID, err)
		return
	}
	log.Warnf("channel %s marked disputed after store exhaustion; operator alert required", rec.ChannelID)
}
