// Package pipeline implements the message pipeline: it
// accepts inbound messages, validates them in full before any state
// change, serializes application per channel via a distributed lock, and
// broadcasts results. It generalizes htlcswitch.Switch
// (htlcswitch/switch.go), which plays the same role for HTLC forwarding
// across a network of payment-channel links, into bilateral RFQ message
// dispatch against a single authoritative state machine per channel.
package pipeline

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/photonx/coordinator/internal/cerrors"
	"github.com/photonx/coordinator/internal/clog"
	"github.com/photonx/coordinator/internal/codec"
	"github.com/photonx/coordinator/internal/metrics"
	"github.com/photonx/coordinator/internal/statemachine"
	"github.com/photonx/coordinator/internal/store"
)

var log = clog.SubLogger(clog.SubsystemPipeline)

// Config bundles the pipeline's tunables.
type Config struct {
	Domain            codec.Domain
	LockTTL           time.Duration
	InboundQueueDepth int
	WorkerPoolSize    int
	MaxSlippageBps    uint32
	MaxFeeBps         uint32
}

// Pipeline is the coordinator's message-processing front door.
type Pipeline struct {
	sm          *statemachine.Machine
	lock        store.DistLock
	broadcaster Broadcaster

	domain         codec.Domain
	lockTTL        time.Duration
	maxSlippageBps uint32
	maxFeeBps      uint32

	queues *channelQueues
	// workerSem bounds CPU-bound work (signature recovery, hashing)
	// across all channels combined.
	workerSem *semaphore.Weighted

	metrics *metrics.Registry
}

// New constructs a Pipeline wired to a statemachine.Machine, a
// distributed lock, and a broadcaster. reg may be nil, in which case the
// pipeline runs uninstrumented.
func New(sm *statemachine.Machine, lock store.DistLock, broadcaster Broadcaster, cfg Config, reg *metrics.Registry) *Pipeline {
	if cfg.InboundQueueDepth <= 0 {
		cfg.InboundQueueDepth = 64
	}
	if cfg.WorkerPoolSize <= 0 {
		cfg.WorkerPoolSize = 32
	}
	return &Pipeline{
		sm:             sm,
		lock:           lock,
		broadcaster:    broadcaster,
		domain:         cfg.Domain,
		lockTTL:        cfg.LockTTL,
		maxSlippageBps: cfg.MaxSlippageBps,
		maxFeeBps:      cfg.MaxFeeBps,
		queues:         newChannelQueues(cfg.InboundQueueDepth),
		workerSem:      semaphore.NewWeighted(int64(cfg.WorkerPoolSize)),
		metrics:        reg,
	}
}

// Submit runs a message through the full six-stage validation pipeline,
// applies it under the channel's distributed lock, and broadcasts the
// result. ctx's deadline bounds both lock hold and the
// underlying state-machine call.
func (p *Pipeline) Submit(ctx context.Context, msg codec.Message) (rec *store.Record, err error) {
	id := msg.GetChannelID()
	kind := msg.Type().String()

	if p.metrics != nil {
		start := time.Now()
		defer func() {
			p.metrics.PipelineLatency.WithLabelValues(kind).Observe(time.Since(start).Seconds())
			if err != nil {
				p.metrics.MessagesRejected.WithLabelValues(kind, rejectionKind(err)).Inc()
			} else {
				p.metrics.MessagesSubmitted.WithLabelValues(kind).Inc()
			}
		}()
	}

	// Stage 1: shape.
	if err := p.validateShape(msg); err != nil {
		log.Tracef("rejected %s for channel %s: %v\n%s", kind, id, err, clog.Dump(msg))
		return nil, err
	}

	// Back-pressure: bounded per-channel inbound queue.
	if err := p.queues.admit(id); err != nil {
		return nil, err
	}
	defer p.queues.release(id)

	// Suspension point: CPU-bound signature recovery is gated behind the
	// bounded worker pool.
	if err := p.workerSem.Acquire(ctx, 1); err != nil {
		return nil, cerrors.Wrap(cerrors.KindTimeout, err).WithChannel(id.String())
	}
	defer p.workerSem.Release(1)

	// Stage 2: channel lookup.
	rec, err = p.sm.GetState(ctx, id)
	if err != nil {
		return nil, err
	}
	allowedStatus := rec.Status == store.StatusActive
	if _, isHeartbeat := msg.(*codec.Heartbeat); isHeartbeat {
		allowedStatus = allowedStatus || rec.Status == store.StatusCheckpointing
	}
	if !allowedStatus {
		return nil, cerrors.New(cerrors.KindWrongStatus, "channel not accepting this message in its current status").
			WithChannel(id.String())
	}

	// Stages 3 and 4: participant match, signature.
	if fill, ok := msg.(*codec.Fill); ok {
		if err := verifyFillSignatures(p.domain, fill, rec); err != nil {
			return nil, err
		}
	} else {
		want, err := requiredSigner(msg, rec)
		if err != nil {
			return nil, err
		}
		sig, ok := messageSignature(msg)
		if !ok {
			return nil, cerrors.New(cerrors.KindShape, "message carries no signature").WithChannel(id.String())
		}
		if err := verifySignature(p.domain, msg, want, sig); err != nil {
			return nil, err
		}
	}

	// Serialize application per channel via the distributed lock.
	owner, err := newLockOwner()
	if err != nil {
		return nil, cerrors.Wrap(cerrors.KindFatal, err).WithChannel(id.String())
	}

	lockCtx, cancel := deadlineFor(ctx, p.lockTTL)
	defer cancel()

	acquired, err := p.lock.Acquire(lockCtx, id, owner, p.lockTTL)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.KindLockUnavailable, err).WithChannel(id.String())
	}
	if !acquired {
		return nil, cerrors.New(cerrors.KindLockUnavailable, "channel is locked by another in-flight operation").
			WithChannel(id.String())
	}
	defer func() {
		// Cancellation is cooperative: release always runs
		// with a fresh, short-lived context so an already-cancelled ctx
		// does not prevent releasing a lock we successfully acquired.
		releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer releaseCancel()
		if err := p.lock.Release(releaseCtx, id, owner); err != nil {
			log.Warnf("failed to release lock for channel %s: %v", id, err)
		}
	}()

	// Stages 5-6 (ordering, semantic) plus commit happen inside
	// ApplyMessage, against the authoritative record read fresh from the
	// store under the lock.
	newRec, err := p.sm.ApplyMessage(lockCtx, msg)
	if err != nil {
		return nil, err
	}

	if p.broadcaster != nil {
		ev := Event{ChannelID: id, Nonce: newRec.Nonce, State: newRec, Message: msg}
		if err := p.broadcaster.Publish(ctx, ev); err != nil {
			log.Warnf("broadcast failed for channel %s nonce %d: %v", id, newRec.Nonce, err)
		}
	}

	return newRec, nil
}

func rejectionKind(err error) string {
	if kind, ok := cerrors.KindOf(err); ok {
		return kind.String()
	}
	return "unknown"
}

func deadlineFor(ctx context.Context, ttl time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, ttl)
}

func newLockOwner() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}
