package settlement

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/stretchr/testify/require"

	"github.com/photonx/coordinator/internal/codec"
	"github.com/photonx/coordinator/internal/settlement/submitter"
	"github.com/photonx/coordinator/internal/statemachine"
	"github.com/photonx/coordinator/internal/store"
	"github.com/photonx/coordinator/internal/store/boltstore"
	"github.com/photonx/coordinator/internal/u256"
)

func testDomain() codec.Domain {
	return codec.Domain{
		Name:              codec.DefaultDomainName,
		Version:           codec.DefaultDomainVersion,
		ChainID:           1,
		VerifyingContract: codec.Address{0xAA},
	}
}

type participant struct {
	priv *secp256k1.PrivateKey
	addr codec.Address
}

func newParticipant(t *testing.T) participant {
	t.Helper()
	priv, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)
	qr := &codec.QuoteRequest{Nonce: 1, Timestamp: 1}
	hash := qr.TypedDataHash(testDomain())
	sig, err := codec.SignHash(priv, hash)
	require.NoError(t, err)
	addr, err := codec.RecoverSigner(hash, sig)
	require.NoError(t, err)
	return participant{priv: priv, addr: addr}
}

func sign(t *testing.T, priv *secp256k1.PrivateKey, hash [32]byte) codec.Signature {
	t.Helper()
	sig, err := codec.SignHash(priv, hash)
	require.NoError(t, err)
	return sig
}

var (
	usdc = codec.Address{0x01}
	weth = codec.Address{0x02}
)

// fakeSubmitter lets tests control acceptance/failure of each call
// without a real gRPC server.
type fakeSubmitter struct {
	mu                  sync.Mutex
	failFinalStateUntil int
	finalStateCalls     int
	checkpointBatches   [][]submitter.CheckpointItem
	finalStates         []submitter.FinalStateRequest
	receiptsCh          chan submitter.SubmissionReceipt
}

func (f *fakeSubmitter) SubmitCheckpointBatch(ctx context.Context, req submitter.CheckpointBatchRequest) (*submitter.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkpointBatches = append(f.checkpointBatches, req.Checkpoints)
	return &submitter.Receipt{JobID: "job-cp", Status: "accepted"}, nil
}

func (f *fakeSubmitter) SubmitFinalState(ctx context.Context, req submitter.FinalStateRequest) (*submitter.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalStateCalls++
	f.finalStates = append(f.finalStates, req)
	if f.finalStateCalls <= f.failFinalStateUntil {
		return nil, &fakeErr{"submission temporarily unavailable"}
	}
	return &submitter.Receipt{JobID: "job-fs", Status: "accepted"}, nil
}

func (f *fakeSubmitter) Receipts() <-chan submitter.SubmissionReceipt { return f.receiptsCh }

func (f *fakeSubmitter) Close() error { return nil }

func (f *fakeSubmitter) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.finalStateCalls
}

type fakeErr struct{ msg string }

func (e *fakeErr) Error() string { return e.msg }

func newTestDriver(t *testing.T, client submitter.Client, cfg Config) (*Driver, *statemachine.Machine) {
	t.Helper()
	db, err := boltstore.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	sm := statemachine.New(db, testDomain(), time.Hour, 30*time.Second, 1_000_000_000_000_000_000)
	cfg.Domain = testDomain()
	if cfg.CheckpointBatchCount == 0 {
		cfg.CheckpointBatchCount = 10
	}
	if cfg.CheckpointBatchAge == 0 {
		cfg.CheckpointBatchAge = time.Hour
	}
	d := New(sm, db, client, cfg, nil)
	t.Cleanup(d.Close)
	return d, sm
}

func openTestChannel(t *testing.T, sm *statemachine.Machine, trader, lp participant) codec.ChannelID {
	t.Helper()
	id, _, err := sm.Open(context.Background(), statemachine.OpenParams{
		Trader:         trader.addr,
		LP:             lp.addr,
		Tokens:         []codec.Address{usdc, weth},
		TraderDeposits: []*u256.Int{u256.FromUint64(1000_000000), u256.Zero()},
		LPDeposits:     []*u256.Int{u256.Zero(), u256.FromUint64(1_000000000000000000)},
		TimeoutMs:      3600000,
		Now:            time.Now(),
	})
	require.NoError(t, err)
	return id
}

// TestCheckpointBatchFlushesOnCount verifies the batcher flushes once
// CheckpointBatchCount items have been enqueued, without waiting for age.
func TestCheckpointBatchFlushesOnCount(t *testing.T) {
	fake := &fakeSubmitter{}
	d, sm := newTestDriver(t, fake, Config{CheckpointBatchCount: 2, CheckpointBatchAge: time.Hour})
	ctx := context.Background()
	trader, lp := newParticipant(t), newParticipant(t)
	domain := testDomain()

	submitCheckpointFor := func(channelIdx byte) {
		id := openTestChannel(t, sm, trader, lp)
		_ = channelIdx
		state := codec.ChannelState{
			ChannelID: id, Nonce: 0, Trader: trader.addr, LP: lp.addr,
			Tokens:         []codec.Address{usdc, weth},
			TraderBalances: []*u256.Int{u256.FromUint64(1000_000000), u256.Zero()},
			LPBalances:     []*u256.Int{u256.Zero(), u256.FromUint64(1_000000000000000000)},
			Timestamp:      time.Now().UnixMilli(), ChainID: 1,
		}
		hash := state.Hash(domain)
		req := codec.CheckpointRequest{
			ChannelID: id, State: state,
			TraderSignature: sign(t, trader.priv, hash),
			LPSignature:     sign(t, lp.priv, hash),
		}
		_, err := d.SubmitCheckpoint(ctx, req)
		require.NoError(t, err)
	}

	submitCheckpointFor(0)
	require.Empty(t, fake.checkpointBatches, "batch should not flush before count threshold")
	submitCheckpointFor(1)

	require.Eventually(t, func() bool {
		fake.mu.Lock()
		defer fake.mu.Unlock()
		return len(fake.checkpointBatches) == 1 && len(fake.checkpointBatches[0]) == 2
	}, time.Second, 10*time.Millisecond, "batch should flush once 2 checkpoints are enqueued")
}

// TestCloseChannelSubmitsFinalState covers the straightforward close
// path: Close transitions to settling and the final state is handed to
// the submitter.
func TestCloseChannelSubmitsFinalState(t *testing.T) {
	fake := &fakeSubmitter{}
	d, sm := newTestDriver(t, fake, Config{})
	ctx := context.Background()
	trader, lp := newParticipant(t), newParticipant(t)
	id := openTestChannel(t, sm, trader, lp)
	domain := testDomain()

	finalState := codec.ChannelState{
		ChannelID: id, Nonce: 1, Trader: trader.addr, LP: lp.addr,
		Tokens:         []codec.Address{usdc, weth},
		TraderBalances: []*u256.Int{u256.FromUint64(1000_000000), u256.Zero()},
		LPBalances:     []*u256.Int{u256.Zero(), u256.FromUint64(1_000000000000000000)},
		Timestamp:      time.Now().UnixMilli(), ChainID: 1,
	}
	hash := finalState.Hash(domain)
	req := codec.SettlementRequest{
		ChannelID: id, FinalState: finalState,
		TraderSignature: sign(t, trader.priv, hash),
		LPSignature:     sign(t, lp.priv, hash),
	}

	rec, err := d.CloseChannel(ctx, req)
	require.NoError(t, err)
	require.Equal(t, store.StatusSettling, rec.Status)

	require.Eventually(t, func() bool { return fake.calls() == 1 }, time.Second, 10*time.Millisecond)

	closed, err := d.HandleReceipt(ctx, id, true)
	require.NoError(t, err)
	require.Equal(t, store.StatusClosed, closed.Status)
}

// TestReceiptStreamClosesChannel covers the asynchronous confirmation
// path end to end: a confirmation arriving over Client.Receipts(), not a
// direct HandleReceipt call, must drive settling to closed on its own.
func TestReceiptStreamClosesChannel(t *testing.T) {
	fake := &fakeSubmitter{receiptsCh: make(chan submitter.SubmissionReceipt, 1)}
	d, sm := newTestDriver(t, fake, Config{})
	ctx := context.Background()
	trader, lp := newParticipant(t), newParticipant(t)
	id := openTestChannel(t, sm, trader, lp)
	domain := testDomain()

	finalState := codec.ChannelState{
		ChannelID: id, Nonce: 1, Trader: trader.addr, LP: lp.addr,
		Tokens:         []codec.Address{usdc, weth},
		TraderBalances: []*u256.Int{u256.FromUint64(1000_000000), u256.Zero()},
		LPBalances:     []*u256.Int{u256.Zero(), u256.FromUint64(1_000000000000000000)},
		Timestamp:      time.Now().UnixMilli(), ChainID: 1,
	}
	hash := finalState.Hash(domain)
	req := codec.SettlementRequest{
		ChannelID: id, FinalState: finalState,
		TraderSignature: sign(t, trader.priv, hash),
		LPSignature:     sign(t, lp.priv, hash),
	}

	rec, err := d.CloseChannel(ctx, req)
	require.NoError(t, err)
	require.Equal(t, store.StatusSettling, rec.Status)

	require.Eventually(t, func() bool { return fake.calls() == 1 }, time.Second, 10*time.Millisecond)

	fake.receiptsCh <- submitter.SubmissionReceipt{ChannelID: id, JobID: "job-fs", Confirmed: true}

	require.Eventually(t, func() bool {
		got, err := sm.GetState(ctx, id)
		return err == nil && got.Status == store.StatusClosed
	}, time.Second, 10*time.Millisecond, "receipt stream confirmation should close the channel without a direct HandleReceipt call")
}

// TestSubmissionFailureEscalatesToDisputed covers the retry-then-escalate
// rule: submission failures exhaust the retry cap and the channel is
// marked disputed.
func TestSubmissionFailureEscalatesToDisputed(t *testing.T) {
	fake := &fakeSubmitter{failFinalStateUntil: 100}
	d, sm := newTestDriver(t, fake, Config{SubmissionRetryCap: 2})
	ctx := context.Background()
	trader, lp := newParticipant(t), newParticipant(t)
	id := openTestChannel(t, sm, trader, lp)
	domain := testDomain()

	finalState := codec.ChannelState{
		ChannelID: id, Nonce: 1, Trader: trader.addr, LP: lp.addr,
		Tokens:         []codec.Address{usdc, weth},
		TraderBalances: []*u256.Int{u256.FromUint64(1000_000000), u256.Zero()},
		LPBalances:     []*u256.Int{u256.Zero(), u256.FromUint64(1_000000000000000000)},
		Timestamp:      time.Now().UnixMilli(), ChainID: 1,
	}
	hash := finalState.Hash(domain)
	req := codec.SettlementRequest{
		ChannelID: id, FinalState: finalState,
		TraderSignature: sign(t, trader.priv, hash),
		LPSignature:     sign(t, lp.priv, hash),
	}

	_, err := d.CloseChannel(ctx, req)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		rec, err := sm.GetState(ctx, id)
		return err == nil && rec.Status == store.StatusDisputed
	}, 5*time.Second, 20*time.Millisecond, "channel should be marked disputed after retry exhaustion")
}
