package statemachine

import (
	"context"
	"time"

	"github.com/photonx/coordinator/internal/cerrors"
	"github.com/photonx/coordinator/internal/codec"
	"github.com/photonx/coordinator/internal/store"
)

// RequestCheckpoint transitions active -> checkpointing and records the
// checkpoint, then immediately commits back to active. Checkpoints are advisory: they witness a state without
// closing the channel.
func (m *Machine) RequestCheckpoint(ctx context.Context, req codec.CheckpointRequest) (*store.Record, error) {
	id := req.ChannelID
	rec, err := m.GetState(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status != store.StatusActive {
		return nil, cerrors.New(cerrors.KindWrongStatus, "checkpoint requires active status").WithChannel(id.String())
	}

	if err := m.verifyDualSignature(req.State, req.TraderSignature, req.LPSignature, rec); err != nil {
		return nil, err
	}
	if req.State.Nonce > rec.Nonce {
		return nil, cerrors.New(cerrors.KindInvariantViolation, "checkpoint nonce exceeds current channel nonce").
			WithChannel(id.String())
	}

	stateHash := req.State.Hash(m.domain)

	checkpointing := *rec
	checkpointing.Status = store.StatusCheckpointing
	if err := m.putWithRetry(ctx, &checkpointing); err != nil {
		return nil, err
	}

	cp := &store.CheckpointEntry{
		ChannelID:       id,
		Nonce:           req.State.Nonce,
		StateHash:       stateHash,
		TraderSignature: req.TraderSignature,
		LPSignature:     req.LPSignature,
		CreatedAt:       time.Now(),
	}
	if err := m.backend.PutCheckpoint(ctx, cp); err != nil {
		return nil, cerrors.Wrap(cerrors.KindStoreUnavailable, err).WithChannel(id.String())
	}

	return m.commitCheckpoint(ctx, &checkpointing, stateHash)
}

// commitCheckpoint is the internal active-return half of
// request_checkpoint.
func (m *Machine) commitCheckpoint(ctx context.Context, rec *store.Record, stateHash [32]byte) (*store.Record, error) {
	committed := *rec
	committed.Status = store.StatusActive
	committed.LastCheckpointAt = time.Now()
	committed.LastStateHash = stateHash
	if err := m.putWithRetry(ctx, &committed); err != nil {
		return nil, err
	}
	return &committed, nil
}

// Close transitions the channel to settling with a dual-signed final
// state. The settlement driver takes over submission
// from here.
func (m *Machine) Close(ctx context.Context, req codec.SettlementRequest) (*store.Record, error) {
	id := req.ChannelID
	rec, err := m.GetState(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status != store.StatusActive && rec.Status != store.StatusCheckpointing {
		return nil, cerrors.New(cerrors.KindWrongStatus, "close requires active or checkpointing status").
			WithChannel(id.String())
	}
	if err := m.verifyDualSignature(req.FinalState, req.TraderSignature, req.LPSignature, rec); err != nil {
		return nil, err
	}
	if req.FinalState.Nonce < rec.Nonce {
		return nil, cerrors.New(cerrors.KindInvariantViolation, "final state nonce below current channel nonce").
			WithChannel(id.String())
	}

	updated := *rec
	updated.Status = store.StatusSettling
	updated.Nonce = req.FinalState.Nonce
	updated.TraderBalances = req.FinalState.TraderBalances
	updated.LPBalances = req.FinalState.LPBalances
	updated.LastStateHash = req.FinalState.Hash(m.domain)
	if err := m.putWithRetry(ctx, &updated); err != nil {
		return nil, err
	}

	settlement := &store.SettlementEntry{
		ChannelID:       id,
		FinalState:      req.FinalState,
		TraderSignature: req.TraderSignature,
		LPSignature:     req.LPSignature,
		Status:          store.SettlementPending,
		UpdatedAt:       time.Now(),
	}
	if err := m.backend.PutSettlement(ctx, settlement); err != nil {
		return nil, cerrors.Wrap(cerrors.KindStoreUnavailable, err).WithChannel(id.String())
	}

	return &updated, nil
}

// MarkTimedOut transitions active/checkpointing -> timed_out when the
// timer wheel observes now >= timeout_at.
func (m *Machine) MarkTimedOut(ctx context.Context, id codec.ChannelID, now time.Time) (*store.Record, error) {
	rec, err := m.GetState(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status.Terminal() || rec.Status == store.StatusTimedOut {
		return rec, nil
	}
	if now.Before(rec.TimeoutAt) {
		return rec, nil
	}

	updated := *rec
	updated.Status = store.StatusTimedOut
	if err := m.putWithRetry(ctx, &updated); err != nil {
		return nil, err
	}
	return &updated, nil
}

// MarkExpired transitions timed_out -> expired once the dispute window
// has elapsed.
func (m *Machine) MarkExpired(ctx context.Context, id codec.ChannelID, now time.Time, disputeWindow time.Duration) (*store.Record, error) {
	rec, err := m.GetState(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status != store.StatusTimedOut {
		return rec, nil
	}
	if now.Before(rec.TimeoutAt.Add(disputeWindow)) {
		return rec, nil
	}

	updated := *rec
	updated.Status = store.StatusExpired
	if err := m.putWithRetry(ctx, &updated); err != nil {
		return nil, err
	}
	m.Evict(id)
	return &updated, nil
}

// MarkClosed transitions settling -> closed on a settlement confirmation
// receipt, driven by the settlement driver rather than by message
// traffic.
func (m *Machine) MarkClosed(ctx context.Context, id codec.ChannelID) (*store.Record, error) {
	rec, err := m.GetState(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status != store.StatusSettling {
		return nil, cerrors.New(cerrors.KindWrongStatus, "mark_closed requires settling status").WithChannel(id.String())
	}

	updated := *rec
	updated.Status = store.StatusClosed
	if err := m.putWithRetry(ctx, &updated); err != nil {
		return nil, err
	}
	m.Evict(id)
	return &updated, nil
}

// MarkDisputed force-transitions a channel to disputed, used by the
// settlement driver after exhausting submission retries. Store-retry
// exhaustion inside the Machine escalates through escalateToDisputed
// (retry.go) instead.
func (m *Machine) MarkDisputed(ctx context.Context, id codec.ChannelID) (*store.Record, error) {
	rec, err := m.GetState(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status.Terminal() {
		return nil, cerrors.New(cerrors.KindWrongStatus, "cannot dispute a terminal channel").WithChannel(id.String())
	}

	updated := *rec
	updated.Status = store.StatusDisputed
	if err := m.putWithRetry(ctx, &updated); err != nil {
		return nil, err
	}
	return &updated, nil
}

// verifyDualSignature checks that both the trader's and the LP's
// signatures recover over state's typed-data hash to their respective
// addresses.
func (m *Machine) verifyDualSignature(state codec.ChannelState, traderSig, lpSig codec.Signature, rec *store.Record) error {
	id := rec.ChannelID
	if state.ChannelID != rec.ChannelID || state.Trader != rec.Trader || state.LP != rec.LP {
		return cerrors.New(cerrors.KindInvariantViolation, "state channel id or participants mismatch").
			WithChannel(id.String())
	}

	hash := state.Hash(m.domain)
	if err := codec.VerifySignature(hash, traderSig, rec.Trader); err != nil {
		return cerrors.Wrap(cerrors.KindBadSignature, err).WithChannel(id.String())
	}
	if err := codec.VerifySignature(hash, lpSig, rec.LP); err != nil {
		return cerrors.Wrap(cerrors.KindBadSignature, err).WithChannel(id.String())
	}
	return nil
}
