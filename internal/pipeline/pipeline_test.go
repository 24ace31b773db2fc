package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/stretchr/testify/require"

	"github.com/photonx/coordinator/internal/cerrors"
	"github.com/photonx/coordinator/internal/codec"
	"github.com/photonx/coordinator/internal/statemachine"
	"github.com/photonx/coordinator/internal/store/boltstore"
	"github.com/photonx/coordinator/internal/store/distlock"
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

func newTestPipeline(t *testing.T) (*Pipeline, *statemachine.Machine) {
	t.Helper()
	db, err := boltstore.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	sm := statemachine.New(db, testDomain(), time.Hour, 30*time.Second, 1_000_000_000_000_000_000)
	p := New(sm, distlock.NewMemory(), NewFanOut(), Config{
		Domain:            testDomain(),
		LockTTL:           5 * time.Second,
		InboundQueueDepth: 64,
		WorkerPoolSize:    8,
		MaxSlippageBps:    1000,
		MaxFeeBps:         500,
	}, nil)
	return p, sm
}

func openChannel(t *testing.T, sm *statemachine.Machine, trader, lp participant) codec.ChannelID {
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

// TestConcurrentFillsSingleAcceptance mirrors seed scenario S4: two fills
// both claiming nonce 2 are submitted concurrently; exactly one commits.
func TestConcurrentFillsSingleAcceptance(t *testing.T) {
	p, sm := newTestPipeline(t)
	ctx := context.Background()
	trader := newParticipant(t)
	lp := newParticipant(t)
	id := openChannel(t, sm, trader, lp)
	domain := testDomain()

	qr := &codec.QuoteRequest{
		ChannelID: id, Nonce: 1, Side: codec.SideBuy, BaseToken: weth, QuoteToken: usdc,
		Quantity: u256.FromUint64(1), Timestamp: time.Now().UnixMilli(), Trader: trader.addr,
	}
	qr.Signature = sign(t, trader.priv, qr.TypedDataHash(domain))
	_, err := p.Submit(ctx, qr)
	require.NoError(t, err)

	quoteA := [32]byte{0x01}
	quoteB := [32]byte{0x02}
	for _, qid := range [][32]byte{quoteA, quoteB} {
		q := &codec.Quote{
			ChannelID: id, QuoteID: qid, RequestNonce: 1, Side: codec.SideBuy,
			Price: u256.FromUint64(1), Quantity: u256.FromUint64(1),
			ExpiryTimestamp: time.Now().Add(time.Minute).UnixMilli(),
			Timestamp:       time.Now().UnixMilli(), LP: lp.addr,
		}
		q.Signature = sign(t, lp.priv, q.TypedDataHash(domain))
		_, err := p.Submit(ctx, q)
		require.NoError(t, err)
	}

	mkFill := func(qid [32]byte, fillID byte) *codec.Fill {
		f := &codec.Fill{
			ChannelID: id, QuoteID: qid, FillID: [32]byte{fillID}, Nonce: 2,
			Quantity: u256.FromUint64(1), Price: u256.FromUint64(1),
			Timestamp: time.Now().UnixMilli(), Trader: trader.addr, LP: lp.addr,
		}
		h := f.TypedDataHash(domain)
		f.TraderSignature = sign(t, trader.priv, h)
		f.LPSignature = sign(t, lp.priv, h)
		return f
	}

	fillA := mkFill(quoteA, 0xA1)
	fillB := mkFill(quoteB, 0xB2)

	var wg sync.WaitGroup
	results := make([]error, 2)
	wg.Add(2)
	go func() { defer wg.Done(); _, results[0] = p.Submit(ctx, fillA) }()
	go func() { defer wg.Done(); _, results[1] = p.Submit(ctx, fillB) }()
	wg.Wait()

	successCount := 0
	for _, err := range results {
		if err == nil {
			successCount++
		}
	}
	require.Equal(t, 1, successCount, "exactly one concurrent fill at the same nonce must be accepted")

	rec, err := sm.GetState(ctx, id)
	require.NoError(t, err)
	require.EqualValues(t, 2, rec.Nonce)
}

// TestCrossChannelIndependence mirrors  6: work on one
// channel never blocks work on another.
func TestCrossChannelIndependence(t *testing.T) {
	p, sm := newTestPipeline(t)
	ctx := context.Background()
	traderA, lpA := newParticipant(t), newParticipant(t)
	traderB, lpB := newParticipant(t), newParticipant(t)
	idA := openChannel(t, sm, traderA, lpA)
	idB := openChannel(t, sm, traderB, lpB)
	domain := testDomain()

	mkHeartbeat := func(id codec.ChannelID, who participant) *codec.Heartbeat {
		hb := &codec.Heartbeat{ChannelID: id, Nonce: 1, Timestamp: time.Now().UnixMilli(), Sender: who.addr}
		hb.Signature = sign(t, who.priv, hb.TypedDataHash(domain))
		return hb
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() { defer wg.Done(); _, errs[0] = p.Submit(ctx, mkHeartbeat(idA, traderA)) }()
	go func() { defer wg.Done(); _, errs[1] = p.Submit(ctx, mkHeartbeat(idB, traderB)) }()
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
}

// TestOverloadedQueueRejected verifies the bounded inbound queue rejects
// rather than silently drops messages once full.
func TestOverloadedQueueRejected(t *testing.T) {
	db, err := boltstore.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	sm := statemachine.New(db, testDomain(), time.Hour, 30*time.Second, 1_000_000_000_000_000_000)
	p := New(sm, distlock.NewMemory(), NewFanOut(), Config{
		Domain: testDomain(), LockTTL: 5 * time.Second,
		InboundQueueDepth: 1, WorkerPoolSize: 1,
		MaxSlippageBps: 1000, MaxFeeBps: 500,
	}, nil)

	trader, lp := newParticipant(t), newParticipant(t)
	id := openChannel(t, sm, trader, lp)

	require.NoError(t, p.queues.admit(id))
	err = p.queues.admit(id)
	require.Error(t, err)
	kind, ok := cerrors.KindOf(err)
	require.True(t, ok)
	require.Equal(t, "overloaded", kind.String())
}
