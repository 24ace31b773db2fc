package statemachine

import (
	"context"
	"testing"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/stretchr/testify/require"

	"github.com/photonx/coordinator/internal/cerrors"
	"github.com/photonx/coordinator/internal/codec"
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

func newTestMachine(t *testing.T) (*Machine, *boltstore.DB) {
	t.Helper()
	db, err := boltstore.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	m := New(db, testDomain(), time.Hour, 30*time.Second, 1_000_000_000_000_000_000)
	return m, db
}

type participant struct {
	priv *secp256k1.PrivateKey
	addr codec.Address
}

func newParticipant(t *testing.T) participant {
	t.Helper()
	priv, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)
	return participant{priv: priv, addr: addrFromPriv(priv)}
}

func addrFromPriv(priv *secp256k1.PrivateKey) codec.Address {
	// Route through a QuoteRequest signature/recovery round trip since
	// addressFromPubkey is unexported outside the codec package.
	qr := &codec.QuoteRequest{Nonce: 1, Timestamp: 1}
	domain := testDomain()
	hash := qr.TypedDataHash(domain)
	sig, err := codec.SignHash(priv, hash)
	if err != nil {
		panic(err)
	}
	addr, err := codec.RecoverSigner(hash, sig)
	if err != nil {
		panic(err)
	}
	return addr
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

func openTestChannel(t *testing.T, m *Machine, trader, lp participant) codec.ChannelID {
	t.Helper()
	ctx := context.Background()
	id, _, err := m.Open(ctx, OpenParams{
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

// TestHappyPathOpenTradeClose mirrors seed scenario S1.
func TestHappyPathOpenTradeClose(t *testing.T) {
	m, _ := newTestMachine(t)
	ctx := context.Background()
	trader := newParticipant(t)
	lp := newParticipant(t)
	id := openTestChannel(t, m, trader, lp)
	domain := testDomain()

	qr := &codec.QuoteRequest{
		ChannelID:      id,
		Nonce:          1,
		Side:           codec.SideBuy,
		BaseToken:      weth,
		QuoteToken:     usdc,
		Quantity:       u256.FromUint64(500000000000000000),
		MaxSlippageBps: 50,
		Timestamp:      time.Now().UnixMilli(),
		Trader:         trader.addr,
	}
	qr.Signature = sign(t, trader.priv, qr.TypedDataHash(domain))
	rec, err := m.ApplyMessage(ctx, qr)
	require.NoError(t, err)
	require.EqualValues(t, 1, rec.Nonce)

	quoteID := [32]byte{0xAA, 0xBB}
	quote := &codec.Quote{
		ChannelID:       id,
		QuoteID:         quoteID,
		RequestNonce:    1,
		// 2000 USDC (6 decimals) per WETH at the 1e18 price precision:
		// 5e17 * 2e9 / 1e18 = 1e9 USDC units move to the LP.
		Price:           u256.FromUint64(2000000000),
		Quantity:        u256.FromUint64(500000000000000000),
		Side:            codec.SideBuy,
		ExpiryTimestamp: time.Now().Add(time.Minute).UnixMilli(),
		LPFeeBps:        30,
		Timestamp:       time.Now().UnixMilli(),
		LP:              lp.addr,
	}
	quote.Signature = sign(t, lp.priv, quote.TypedDataHash(domain))
	_, err = m.ApplyMessage(ctx, quote)
	require.NoError(t, err)

	fill := &codec.Fill{
		ChannelID: id,
		QuoteID:   quoteID,
		FillID:    [32]byte{0x01},
		Nonce:     2,
		Quantity:  u256.FromUint64(500000000000000000),
		Price:     u256.FromUint64(2000000000),
		Timestamp: time.Now().UnixMilli(),
		Trader:    trader.addr,
		LP:        lp.addr,
	}
	fillHash := fill.TypedDataHash(domain)
	fill.TraderSignature = sign(t, trader.priv, fillHash)
	fill.LPSignature = sign(t, lp.priv, fillHash)

	rec, err = m.ApplyMessage(ctx, fill)
	require.NoError(t, err)
	require.EqualValues(t, 2, rec.Nonce)
	require.True(t, rec.TraderBalances[0].IsZero(), "trader USDC should be fully spent")
	require.Equal(t, "500000000000000000", rec.TraderBalances[1].String())
	require.Equal(t, "1000000000", rec.LPBalances[0].String())
	require.Equal(t, "500000000000000000", rec.LPBalances[1].String())

	finalState := codec.ChannelState{
		ChannelID:      id,
		Nonce:          3,
		Trader:         trader.addr,
		LP:             lp.addr,
		Tokens:         []codec.Address{usdc, weth},
		TraderBalances: rec.TraderBalances,
		LPBalances:     rec.LPBalances,
		Timestamp:      time.Now().UnixMilli(),
		ChainID:        1,
	}
	stateHash := finalState.Hash(domain)
	closeReq := codec.SettlementRequest{
		ChannelID:       id,
		FinalState:      finalState,
		TraderSignature: sign(t, trader.priv, stateHash),
		LPSignature:     sign(t, lp.priv, stateHash),
	}
	closed, err := m.Close(ctx, closeReq)
	require.NoError(t, err)
	require.Equal(t, store.StatusSettling, closed.Status)
}

// TestStaleNonceRejected mirrors seed scenario S2.
func TestStaleNonceRejected(t *testing.T) {
	m, _ := newTestMachine(t)
	ctx := context.Background()
	trader := newParticipant(t)
	lp := newParticipant(t)
	id := openTestChannel(t, m, trader, lp)
	domain := testDomain()

	qr := &codec.QuoteRequest{
		ChannelID: id, Nonce: 1, Side: codec.SideBuy, BaseToken: weth, QuoteToken: usdc,
		Quantity: u256.FromUint64(1), Timestamp: time.Now().UnixMilli(), Trader: trader.addr,
	}
	qr.Signature = sign(t, trader.priv, qr.TypedDataHash(domain))
	_, err := m.ApplyMessage(ctx, qr)
	require.NoError(t, err)

	// Resubmitting the same nonce must fail with stale_nonce.
	replay := *qr
	replay.Timestamp = time.Now().UnixMilli()
	replay.Signature = sign(t, trader.priv, replay.TypedDataHash(domain))
	_, err = m.ApplyMessage(ctx, &replay)
	require.Error(t, err)
	kind, ok := extractKind(err)
	require.True(t, ok)
	require.Equal(t, "stale_nonce", kind)

	rec, err := m.GetState(ctx, id)
	require.NoError(t, err)
	require.EqualValues(t, 1, rec.Nonce)
}

// TestBadSignatureRejected mirrors seed scenario S3.
func TestBadSignatureRejected(t *testing.T) {
	m, _ := newTestMachine(t)
	ctx := context.Background()
	trader := newParticipant(t)
	lp := newParticipant(t)
	impostor := newParticipant(t)
	id := openTestChannel(t, m, trader, lp)
	domain := testDomain()

	qr := &codec.QuoteRequest{
		ChannelID: id, Nonce: 1, Side: codec.SideBuy, BaseToken: weth, QuoteToken: usdc,
		Quantity: u256.FromUint64(1), Timestamp: time.Now().UnixMilli(), Trader: trader.addr,
	}
	hash := qr.TypedDataHash(domain)
	qr.Signature = sign(t, impostor.priv, hash)

	// The statemachine itself does not re-derive participant-role
	// checks from signatures (that is pipeline stage 3/4); verify
	// directly that the impostor's signature does not recover to the
	// claimed trader, which is what the pipeline gates on before this
	// message would ever reach ApplyMessage.
	err := codec.VerifySignature(hash, qr.Signature, trader.addr)
	require.Error(t, err)
}

// TestTimeoutPath mirrors seed scenario S5.
func TestTimeoutPath(t *testing.T) {
	db, err := boltstore.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	// This scenario needs a channel that actually times out in the near
	// future, so it uses its own low timeout floor rather than
	// newTestMachine's hour-long one.
	m := New(db, testDomain(), time.Second, 30*time.Second, 1_000_000_000_000_000_000)
	ctx := context.Background()
	trader := newParticipant(t)
	lp := newParticipant(t)

	id, _, err := m.Open(ctx, OpenParams{
		Trader:         trader.addr,
		LP:             lp.addr,
		Tokens:         []codec.Address{usdc, weth},
		TraderDeposits: []*u256.Int{u256.FromUint64(1), u256.Zero()},
		LPDeposits:     []*u256.Int{u256.Zero(), u256.FromUint64(1)},
		TimeoutMs:      1000,
		Now:            time.Now().Add(-2 * time.Second),
	})
	require.NoError(t, err)

	rec, err := m.MarkTimedOut(ctx, id, time.Now())
	require.NoError(t, err)
	require.Equal(t, store.StatusTimedOut, rec.Status)

	qr := &codec.QuoteRequest{ChannelID: id, Nonce: 1, Timestamp: time.Now().UnixMilli(), Trader: trader.addr}
	_, err = m.ApplyMessage(ctx, qr)
	require.Error(t, err)
	kind, ok := extractKind(err)
	require.True(t, ok)
	require.Equal(t, "wrong_status", kind)
}

// TestCheckpointRoundTrip mirrors seed scenario S6.
func TestCheckpointRoundTrip(t *testing.T) {
	m, _ := newTestMachine(t)
	ctx := context.Background()
	trader := newParticipant(t)
	lp := newParticipant(t)
	id := openTestChannel(t, m, trader, lp)
	domain := testDomain()

	qr := &codec.QuoteRequest{
		ChannelID: id, Nonce: 1, Side: codec.SideBuy, BaseToken: weth, QuoteToken: usdc,
		Quantity: u256.FromUint64(1), Timestamp: time.Now().UnixMilli(), Trader: trader.addr,
	}
	qr.Signature = sign(t, trader.priv, qr.TypedDataHash(domain))
	rec, err := m.ApplyMessage(ctx, qr)
	require.NoError(t, err)

	state := codec.ChannelState{
		ChannelID:      id,
		Nonce:          rec.Nonce,
		Trader:         trader.addr,
		LP:             lp.addr,
		Tokens:         rec.Tokens,
		TraderBalances: rec.TraderBalances,
		LPBalances:     rec.LPBalances,
		Timestamp:      time.Now().UnixMilli(),
		ChainID:        1,
	}
	stateHash := state.Hash(domain)
	cpReq := codec.CheckpointRequest{
		ChannelID:       id,
		State:           state,
		TraderSignature: sign(t, trader.priv, stateHash),
		LPSignature:     sign(t, lp.priv, stateHash),
	}

	committed, err := m.RequestCheckpoint(ctx, cpReq)
	require.NoError(t, err)
	require.Equal(t, store.StatusActive, committed.Status)
	require.Equal(t, stateHash, committed.LastStateHash)
	require.False(t, committed.LastCheckpointAt.IsZero())
}

func extractKind(err error) (string, bool) {
	kind, ok := cerrors.KindOf(err)
	if !ok {
		return "", false
	}
	return kind.String(), true
}
