// Package settlement implements the settlement driver: it
// packages channel terminal states for on-chain delivery and maintains
// submission lifecycle, generalizing contractcourt
// resolvers (contractcourt/htlc_timeout_resolver.go), which drive a
// single HTLC's on-chain resolution lifecycle, into whole-channel
// checkpoint/close/dispute handling against an external submitter.
package settlement

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/photonx/coordinator/internal/batch"
	"github.com/photonx/coordinator/internal/cerrors"
	"github.com/photonx/coordinator/internal/clog"
	"github.com/photonx/coordinator/internal/codec"
	"github.com/photonx/coordinator/internal/metrics"
	"github.com/photonx/coordinator/internal/settlement/submitter"
	"github.com/photonx/coordinator/internal/statemachine"
	"github.com/photonx/coordinator/internal/store"
)

var log = clog.SubLogger(clog.SubsystemSettlement)

// Config bundles the settlement driver's tunables.
type Config struct {
	Domain               codec.Domain
	CheckpointBatchCount int
	CheckpointBatchAge   time.Duration
	SubmissionRetryCap   int
}

// Driver is the settlement driver.
type Driver struct {
	sm       *statemachine.Machine
	backend  store.Backend
	client   submitter.Client
	domain   codec.Domain
	retryCap int
	metrics  *metrics.Registry

	checkpointBatch *batch.Batcher[submitter.CheckpointItem]

	mu       sync.Mutex
	attempts map[codec.ChannelID]int
	// staged holds a pending dispute state: a higher-nonce dual-signed
	// state received after a close was submitted but before confirmation
	//.
	staged map[codec.ChannelID]codec.SettlementRequest

	stopReceipts chan struct{}
}

// New constructs a Driver. The checkpoint batcher begins running
// immediately, flushing by count or age per cfg. reg may be nil, in
// which case the driver runs uninstrumented.
func New(sm *statemachine.Machine, backend store.Backend, client submitter.Client, cfg Config, reg *metrics.Registry) *Driver {
	if cfg.SubmissionRetryCap <= 0 {
		cfg.SubmissionRetryCap = 5
	}
	d := &Driver{
		sm:           sm,
		backend:      backend,
		client:       client,
		domain:       cfg.Domain,
		retryCap:     cfg.SubmissionRetryCap,
		metrics:      reg,
		attempts:     make(map[codec.ChannelID]int),
		staged:       make(map[codec.ChannelID]codec.SettlementRequest),
		stopReceipts: make(chan struct{}),
	}
	d.checkpointBatch = batch.New(cfg.CheckpointBatchCount, cfg.CheckpointBatchAge, d.flushCheckpointBatch)
	go d.consumeReceipts()
	return d
}

// Close stops the checkpoint batcher, flushing whatever remains queued,
// and stops the receipt-stream consumer goroutine.
func (d *Driver) Close() {
	close(d.stopReceipts)
	d.checkpointBatch.Close()
}

// consumeReceipts drains the submitter's asynchronous receipt stream for
// the driver's lifetime, applying each confirmation via HandleReceipt so
// a settling channel actually reaches closed once the submitter
// confirms it on-chain, per the receipt-callback requirement. Failure
// notifications arriving this way are logged rather than fed into
// handleSubmissionFailure's retry path, since that path is already
// driven by the synchronous error SubmitFinalState returns.
func (d *Driver) consumeReceipts() {
	for {
		select {
		case recv, ok := <-d.client.Receipts():
			if !ok {
				return
			}
			if !recv.Confirmed {
				log.Warnf("channel %s: submitter reported failed job %s: %s",
					recv.ChannelID, recv.JobID, recv.Message)
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			_, err := d.HandleReceipt(ctx, recv.ChannelID, true)
			cancel()
			if err != nil {
				log.Errorf("channel %s: failed to process confirmation receipt for job %s: %v",
					recv.ChannelID, recv.JobID, err)
			}
		case <-d.stopReceipts:
			return
		}
	}
}

// SubmitCheckpoint runs request_checkpoint against the state machine and
// enqueues the result into the batch submitter.
func (d *Driver) SubmitCheckpoint(ctx context.Context, req codec.CheckpointRequest) (*store.Record, error) {
	rec, err := d.sm.RequestCheckpoint(ctx, req)
	if err != nil {
		return nil, err
	}

	d.checkpointBatch.Add(submitter.CheckpointItem{
		ChannelID:       req.ChannelID,
		Nonce:           req.State.Nonce,
		StateHash:       req.State.Hash(d.domain),
		TraderSignature: req.TraderSignature,
		LPSignature:     req.LPSignature,
	})
	return rec, nil
}

func (d *Driver) flushCheckpointBatch(items []submitter.CheckpointItem) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	receipt, err := d.client.SubmitCheckpointBatch(ctx, submitter.CheckpointBatchRequest{Checkpoints: items})
	if err != nil {
		log.Errorf("checkpoint batch submission failed (%d items): %v", len(items), err)
		return
	}
	if d.metrics != nil {
		d.metrics.CheckpointsBatched.Add(float64(len(items)))
	}
	log.Infof("checkpoint batch of %d submitted, job=%s status=%s", len(items), receipt.JobID, receipt.Status)
}

// CloseChannel runs the channel-close transition and hands the final
// state to the submitter.
func (d *Driver) CloseChannel(ctx context.Context, req codec.SettlementRequest) (*store.Record, error) {
	id := req.ChannelID

	d.mu.Lock()
	_, alreadySubmitting := d.attempts[id]
	d.mu.Unlock()
	if alreadySubmitting {
		return d.stageOrReject(ctx, req)
	}

	rec, err := d.sm.Close(ctx, req)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.attempts[id] = 0
	d.mu.Unlock()

	go d.submitFinalState(id, req)
	return rec, nil
}

// stageOrReject defers submission of a second, higher-nonce close until
// the operator resolves the dispute.
func (d *Driver) stageOrReject(ctx context.Context, req codec.SettlementRequest) (*store.Record, error) {
	id := req.ChannelID
	if req.FinalState.Nonce == 0 {
		return nil, cerrors.New(cerrors.KindInvariantViolation, "final state missing nonce").WithChannel(id.String())
	}
	rec, err := d.sm.GetState(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.FinalState.Nonce <= rec.Nonce {
		return nil, cerrors.New(cerrors.KindStaleNonce, "competing close does not exceed the submitted final state's nonce").
			WithChannel(id.String())
	}

	d.mu.Lock()
	existing, hasStaged := d.staged[id]
	if !hasStaged || req.FinalState.Nonce > existing.FinalState.Nonce {
		d.staged[id] = req
	}
	d.mu.Unlock()

	log.Warnf("channel %s: staging competing close at nonce %d pending operator resolution",
		id, req.FinalState.Nonce)
	return rec, nil
}

// ResolveDispute is the explicit operator/API action that picks between a
// submitted close and a staged higher-nonce one.
func (d *Driver) ResolveDispute(ctx context.Context, id codec.ChannelID, acceptStaged bool) (*store.Record, error) {
	d.mu.Lock()
	staged, ok := d.staged[id]
	delete(d.staged, id)
	d.mu.Unlock()

	if !acceptStaged || !ok {
		return d.sm.GetState(ctx, id)
	}

	rec, err := d.sm.Close(ctx, staged)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.attempts[id] = 0
	d.mu.Unlock()
	go d.submitFinalState(id, staged)
	return rec, nil
}

func (d *Driver) submitFinalState(id codec.ChannelID, req codec.SettlementRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	fsReq := submitter.FinalStateRequest{
		ChannelID:       id,
		FinalState:      req.FinalState,
		TraderSignature: req.TraderSignature,
		LPSignature:     req.LPSignature,
	}

	receipt, err := d.client.SubmitFinalState(ctx, fsReq)
	if err != nil {
		d.handleSubmissionFailure(ctx, id, err)
		return
	}
	log.Infof("final state for channel %s submitted, job=%s status=%s", id, receipt.JobID, receipt.Status)
}

// handleSubmissionFailure implements the retry-then-escalate rule: on
// failed submission the driver retries with backoff up to a configured
// cap; after exhaustion it marks the channel disputed and emits an
// operator alert.
func (d *Driver) handleSubmissionFailure(ctx context.Context, id codec.ChannelID, submitErr error) {
	d.mu.Lock()
	d.attempts[id]++
	attempt := d.attempts[id]
	d.mu.Unlock()

	if attempt > d.retryCap {
		log.Errorf("channel %s: settlement submission exhausted %d retries, marking disputed: %v",
			id, d.retryCap, submitErr)
		if d.metrics != nil {
			d.metrics.SettlementFailures.Inc()
		}
		if _, err := d.sm.MarkDisputed(ctx, id); err != nil {
			log.Errorf("channel %s: failed to mark disputed after submission exhaustion: %v", id, err)
		}
		return
	}
	if d.metrics != nil {
		d.metrics.SettlementRetries.Inc()
	}

	backoff := time.Duration(attempt) * time.Second
	log.Warnf("channel %s: settlement submission attempt %d failed, retrying in %s: %v",
		id, attempt, backoff, submitErr)
	time.Sleep(backoff)

	// The original request is not retained here; a production driver
	// persists it via store.SettlementEntry and reloads it for retry. We
	// reload from the store directly.
	entry, err := d.backend.GetSettlement(ctx, id)
	if err != nil {
		log.Errorf("channel %s: cannot reload settlement entry for retry: %v", id, err)
		return
	}
	d.submitFinalState(id, codec.SettlementRequest{
		ChannelID:       id,
		FinalState:      entry.FinalState,
		TraderSignature: entry.TraderSignature,
		LPSignature:     entry.LPSignature,
	})
}

// HandleReceipt processes an asynchronous confirmation/failure callback
// from the submitter.
func (d *Driver) HandleReceipt(ctx context.Context, id codec.ChannelID, confirmed bool) (*store.Record, error) {
	if !confirmed {
		return nil, fmt.Errorf("settlement: HandleReceipt called with confirmed=false; use the retry path instead")
	}

	rec, err := d.sm.MarkClosed(ctx, id)
	if err != nil {
		return nil, err
	}

	entry, err := d.backend.GetSettlement(ctx, id)
	if err == nil {
		entry.Status = store.SettlementConfirmed
		entry.UpdatedAt = time.Now()
		if err := d.backend.PutSettlement(ctx, entry); err != nil {
			log.Warnf("channel %s: failed to persist confirmed settlement status: %v", id, err)
		}
	}

	d.mu.Lock()
	delete(d.attempts, id)
	delete(d.staged, id)
	d.mu.Unlock()

	return rec, nil
}
