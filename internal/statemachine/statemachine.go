// Package statemachine implements the channel state machine:
// it holds exactly one authoritative state per live channel, applies
// validated transitions under exclusive access, and emits the resulting
// state. It generalizes lnwallet.LightningChannel
// (lnwallet/channel.go), which plays the same role for a single payment
// channel's commitment state, into a multi-party RFQ channel with a
// broader message vocabulary and status lifecycle.
package statemachine

import (
	"context"
	"time"

	"github.com/photonx/coordinator/internal/cerrors"
	"github.com/photonx/coordinator/internal/clog"
	"github.com/photonx/coordinator/internal/codec"
	"github.com/photonx/coordinator/internal/store"
	"github.com/photonx/coordinator/internal/u256"
)

var log = clog.SubLogger(clog.SubsystemStateMachine)

// OpenParams describes the inputs to Open.
type OpenParams struct {
	Trader         codec.Address
	LP             codec.Address
	Tokens         []codec.Address
	TraderDeposits []*u256.Int
	LPDeposits     []*u256.Int
	TimeoutMs      int64
	Now            time.Time
}

// LiveQuote is the in-memory index entry for an outstanding LP quote,
// keyed by QuoteID, tracked separately from the nonce-indexed message log
// because a Quote does not itself consume a nonce.
type LiveQuote struct {
	Quote     *codec.Quote
	Cancelled bool
	Filled    bool
}

// Machine is the authoritative channel state machine. One Machine
// instance serves every channel, keeping its in-memory indices keyed by
// channel id; the pipeline is responsible for holding the distributed
// lock around every call into it.
type Machine struct {
	backend store.Backend
	domain  codec.Domain

	ChannelTimeoutFloor time.Duration
	MessageSkewWindow   time.Duration
	PricePrecision      *u256.Int

	// quotes is the live-quote index, keyed by channel id then quote id.
	// It is rebuilt from the message log on process start in a full
	// implementation; here it is populated as Quotes are observed.
	quotes map[codec.ChannelID]map[[32]byte]*LiveQuote

	// pendingRequests indexes accepted QuoteRequests by channel and
	// nonce, so an incoming Quote (which carries only request_nonce, not
	// the base/quote token pair) can recover which tokens a resulting
	// Fill moves.
	pendingRequests map[codec.ChannelID]map[uint64]*codec.QuoteRequest
}

// New constructs a Machine bound to backend and domain, with the
// configured timing parameters.
func New(backend store.Backend, domain codec.Domain, timeoutFloor, skewWindow time.Duration, pricePrecision uint64) *Machine {
	return &Machine{
		backend:             backend,
		domain:              domain,
		ChannelTimeoutFloor: timeoutFloor,
		MessageSkewWindow:   skewWindow,
		PricePrecision:      u256.FromUint64(pricePrecision),
		quotes:              make(map[codec.ChannelID]map[[32]byte]*LiveQuote),
		pendingRequests:     make(map[codec.ChannelID]map[uint64]*codec.QuoteRequest),
	}
}

// Open creates a new channel.
func (m *Machine) Open(ctx context.Context, p OpenParams) (codec.ChannelID, *store.Record, error) {
	if p.Trader == p.LP {
		return codec.ChannelID{}, nil, cerrors.New(cerrors.KindInvalidParticipant,
			"trader and lp must not be the same address")
	}
	if len(p.Tokens) == 0 || len(p.Tokens) != len(p.TraderDeposits) || len(p.Tokens) != len(p.LPDeposits) {
		return codec.ChannelID{}, nil, cerrors.New(cerrors.KindShape,
			"tokens and deposit vectors must be equal, non-empty length")
	}
	for i := range p.Tokens {
		if p.TraderDeposits[i] == nil || p.LPDeposits[i] == nil {
			return codec.ChannelID{}, nil, cerrors.New(cerrors.KindInvalidDeposit,
				"deposit vectors must be fully populated")
		}
		// The aggregate deposit per token must be non-zero; either
		// participant may hold zero of a given token individually, as in
		// a two-sided channel where only one side funds each token.
		total := u256.Add(p.TraderDeposits[i], p.LPDeposits[i])
		if total.IsZero() {
			return codec.ChannelID{}, nil, cerrors.New(cerrors.KindInvalidDeposit,
				"every token's aggregate deposit must be non-zero")
		}
	}
	if time.Duration(p.TimeoutMs)*time.Millisecond < m.ChannelTimeoutFloor {
		return codec.ChannelID{}, nil, cerrors.New(cerrors.KindTimeoutTooShort,
			"requested timeout below configured floor")
	}

	id, err := codec.NewChannelID()
	if err != nil {
		return codec.ChannelID{}, nil, cerrors.Wrap(cerrors.KindFatal, err)
	}

	now := p.Now
	if now.IsZero() {
		now = time.Now()
	}

	rec := &store.Record{
		ChannelID:        id,
		Trader:           p.Trader,
		LP:               p.LP,
		Tokens:           p.Tokens,
		Nonce:            0,
		TraderBalances:   cloneBalances(p.TraderDeposits),
		LPBalances:       cloneBalances(p.LPDeposits),
		Status:           store.StatusActive,
		OpenedAt:         now,
		LastCheckpointAt: now,
		LastActivityAt:   now,
		TimeoutAt:        now.Add(time.Duration(p.TimeoutMs) * time.Millisecond),
	}
	rec.LastStateHash = m.stateHash(rec)

	if err := m.putWithRetry(ctx, rec); err != nil {
		return codec.ChannelID{}, nil, err
	}

	log.Infof("opened channel %s trader=%s lp=%s", id, p.Trader, p.LP)
	return id, rec, nil
}

func cloneBalances(in []*u256.Int) []*u256.Int {
	out := make([]*u256.Int, len(in))
	for i, v := range in {
		out[i] = v.Clone()
	}
	return out
}

func (m *Machine) stateHash(rec *store.Record) [32]byte {
	return codec.ChannelState{
		ChannelID:      rec.ChannelID,
		Nonce:          rec.Nonce,
		Trader:         rec.Trader,
		LP:             rec.LP,
		Tokens:         rec.Tokens,
		TraderBalances: rec.TraderBalances,
		LPBalances:     rec.LPBalances,
		Timestamp:      rec.LastActivityAt.UnixMilli(),
		ChainID:        m.domain.ChainID,
	}.Hash(m.domain)
}

// GetState fetches the current record for a channel.
func (m *Machine) GetState(ctx context.Context, id codec.ChannelID) (*store.Record, error) {
	rec, err := m.backend.Get(ctx, id)
	if err == store.ErrNotFound {
		return nil, cerrors.New(cerrors.KindNotFound, "channel not found").WithChannel(id.String())
	}
	if err != nil {
		return nil, cerrors.Wrap(cerrors.KindStoreUnavailable, err).WithChannel(id.String())
	}
	return rec, nil
}

// tokenIndex returns the index of token within rec.Tokens, or -1.
func tokenIndex(tokens []codec.Address, token codec.Address) int {
	for i, t := range tokens {
		if t == token {
			return i
		}
	}
	return -1
}

func (m *Machine) liveQuoteIndex(id codec.ChannelID) map[[32]byte]*LiveQuote {
	idx, ok := m.quotes[id]
	if !ok {
		idx = make(map[[32]byte]*LiveQuote)
		m.quotes[id] = idx
	}
	return idx
}

func (m *Machine) pendingRequestIndex(id codec.ChannelID) map[uint64]*codec.QuoteRequest {
	idx, ok := m.pendingRequests[id]
	if !ok {
		idx = make(map[uint64]*codec.QuoteRequest)
		m.pendingRequests[id] = idx
	}
	return idx
}

// Evict drops a channel's in-memory indices, called once the channel
// reaches a terminal status.
func (m *Machine) Evict(id codec.ChannelID) {
	delete(m.quotes, id)
	delete(m.pendingRequests, id)
}
