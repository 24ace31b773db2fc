package statemachine

import (
	"context"
	"time"

	"github.com/photonx/coordinator/internal/cerrors"
	"github.com/photonx/coordinator/internal/codec"
	"github.com/photonx/coordinator/internal/store"
	"github.com/photonx/coordinator/internal/u256"
)

// ApplyMessage is the authoritative transition function. The pipeline has already run validation stages 1-4
// (shape, channel lookup, participant match, signature) by the time a
// message reaches here; this call does not check signatures again. It
// performs the ordering and semantic checks (stages 5-6) that
// only the authoritative record can adjudicate, then commits the result.
func (m *Machine) ApplyMessage(ctx context.Context, msg codec.Message) (*store.Record, error) {
	id := msg.GetChannelID()
	rec, err := m.GetState(ctx, id)
	if err != nil {
		return nil, err
	}

	if rec.Status.Terminal() {
		return nil, cerrors.New(cerrors.KindWrongStatus, "channel is terminal").
			WithChannel(id.String())
	}

	if _, ok := msg.(*codec.Heartbeat); ok {
		if rec.Status != store.StatusActive && rec.Status != store.StatusCheckpointing {
			return nil, cerrors.New(cerrors.KindWrongStatus, "heartbeat requires active or checkpointing status").
				WithChannel(id.String())
		}
	} else if rec.Status != store.StatusActive {
		return nil, cerrors.New(cerrors.KindWrongStatus, "channel does not accept trading messages in this status").
			WithChannel(id.String())
	}

	if err := m.checkTimestamp(rec, msg.GetTimestamp(), id); err != nil {
		return nil, err
	}

	switch typed := msg.(type) {
	case *codec.Heartbeat:
		return m.applyHeartbeat(ctx, rec, typed)
	case *codec.QuoteRequest:
		return m.applyQuoteRequest(ctx, rec, typed)
	case *codec.Quote:
		return m.applyQuote(rec, typed)
	case *codec.Cancel:
		return m.applyCancel(ctx, rec, typed)
	case *codec.Fill:
		return m.applyFill(ctx, rec, typed)
	case *codec.Replace:
		return m.applyReplace(ctx, rec, typed)
	default:
		return nil, cerrors.New(cerrors.KindShape, "unrecognized message type").WithChannel(id.String())
	}
}

func (m *Machine) checkTimestamp(rec *store.Record, ts int64, id codec.ChannelID) error {
	msgTime := time.UnixMilli(ts)
	now := time.Now()
	skew := m.MessageSkewWindow
	if msgTime.Before(now.Add(-skew)) || msgTime.After(now.Add(skew)) {
		return cerrors.New(cerrors.KindStaleTimestamp, "message timestamp outside skew window").
			WithChannel(id.String())
	}
	return nil
}

// checkNonce enforces strict monotonicity.
func (m *Machine) checkNonce(rec *store.Record, nonce uint64, id codec.ChannelID) error {
	if nonce <= rec.Nonce {
		return cerrors.New(cerrors.KindStaleNonce, "nonce must strictly exceed current channel nonce").
			WithChannel(id.String()).WithNonce(nonce)
	}
	return nil
}

func (m *Machine) applyHeartbeat(ctx context.Context, rec *store.Record, hb *codec.Heartbeat) (*store.Record, error) {
	updated := *rec
	updated.LastActivityAt = time.UnixMilli(hb.Timestamp)
	if err := m.putWithRetry(ctx, &updated); err != nil {
		return nil, err
	}
	return &updated, nil
}

// applyQuoteRequest records the request in the pending-request index so a
// later Quote can recover its token pair, and advances the nonce.
func (m *Machine) applyQuoteRequest(ctx context.Context, rec *store.Record, qr *codec.QuoteRequest) (*store.Record, error) {
	id := rec.ChannelID
	if err := m.checkNonce(rec, qr.Nonce, id); err != nil {
		return nil, err
	}
	if tokenIndex(rec.Tokens, qr.BaseToken) < 0 || tokenIndex(rec.Tokens, qr.QuoteToken) < 0 {
		return nil, cerrors.New(cerrors.KindRange, "unknown token in quote request").WithChannel(id.String())
	}
	if qr.Quantity == nil || qr.Quantity.IsZero() {
		return nil, cerrors.New(cerrors.KindRange, "quantity must be positive").WithChannel(id.String())
	}

	updated := *rec
	updated.Nonce = qr.Nonce
	updated.LastActivityAt = time.UnixMilli(qr.Timestamp)
	updated.LastStateHash = m.stateHash(&updated)

	msg := &store.MessageEntry{ChannelID: id, Nonce: qr.Nonce, Kind: codec.MsgQuoteRequest, AppliedAt: time.Now()}
	if err := m.transactionalPutWithRetry(ctx, &updated, msg); err != nil {
		return nil, err
	}

	reqCopy := *qr
	m.pendingRequestIndex(id)[qr.Nonce] = &reqCopy
	return &updated, nil
}

func (m *Machine) applyQuote(rec *store.Record, q *codec.Quote) (*store.Record, error) {
	id := rec.ChannelID
	req, ok := m.pendingRequestIndex(id)[q.RequestNonce]
	if !ok {
		return nil, cerrors.New(cerrors.KindQuoteNotFound, "quote references unknown request nonce").WithChannel(id.String())
	}
	if req.Side != q.Side {
		return nil, cerrors.New(cerrors.KindInvariantViolation, "quote side does not match request side").WithChannel(id.String())
	}

	idx := m.liveQuoteIndex(id)
	idx[q.QuoteID] = &LiveQuote{Quote: q}

	// Quote does not advance nonce or mutate durable state; it
	// only updates the in-memory index, so the current record is
	// returned unchanged.
	return rec, nil
}

func (m *Machine) applyCancel(ctx context.Context, rec *store.Record, c *codec.Cancel) (*store.Record, error) {
	id := rec.ChannelID
	if err := m.checkNonce(rec, c.Nonce, id); err != nil {
		return nil, err
	}
	lq, ok := m.liveQuoteIndex(id)[c.QuoteID]
	if !ok {
		return nil, cerrors.New(cerrors.KindQuoteNotFound, "cancel references unknown quote").WithChannel(id.String())
	}
	if lq.Filled {
		return nil, cerrors.New(cerrors.KindAlreadyFilled, "quote already filled").WithChannel(id.String())
	}

	updated := *rec
	updated.Nonce = c.Nonce
	updated.LastActivityAt = time.UnixMilli(c.Timestamp)
	updated.LastStateHash = m.stateHash(&updated)

	msg := &store.MessageEntry{ChannelID: id, Nonce: c.Nonce, Kind: codec.MsgCancel, AppliedAt: time.Now()}
	if err := m.transactionalPutWithRetry(ctx, &updated, msg); err != nil {
		return nil, err
	}

	lq.Cancelled = true
	return &updated, nil
}

// applyFill implements the balance-transfer rule of : "A fill at
// quantity q and price p debits the buyer's quote-token balance by
// q*p/10^18 and credits the base-token balance by q; the seller sees the
// opposite transfer."
func (m *Machine) applyFill(ctx context.Context, rec *store.Record, f *codec.Fill) (*store.Record, error) {
	id := rec.ChannelID
	if err := m.checkNonce(rec, f.Nonce, id); err != nil {
		return nil, err
	}

	idx := m.liveQuoteIndex(id)
	lq, ok := idx[f.QuoteID]
	if !ok {
		return nil, cerrors.New(cerrors.KindQuoteNotFound, "fill references unknown quote").WithChannel(id.String())
	}
	if lq.Cancelled {
		return nil, cerrors.New(cerrors.KindQuoteNotFound, "fill references a cancelled quote").WithChannel(id.String())
	}
	if lq.Filled {
		return nil, cerrors.New(cerrors.KindAlreadyFilled, "quote already filled").WithChannel(id.String())
	}
	if time.UnixMilli(f.Timestamp).After(time.UnixMilli(lq.Quote.ExpiryTimestamp)) {
		return nil, cerrors.New(cerrors.KindQuoteExpired, "quote expired").WithChannel(id.String())
	}
	if f.Quantity.Cmp(lq.Quote.Quantity) != 0 || f.Price.Cmp(lq.Quote.Price) != 0 {
		return nil, cerrors.New(cerrors.KindInvariantViolation, "fill quantity/price does not match quoted terms").
			WithChannel(id.String())
	}

	req, ok := m.pendingRequestIndex(id)[lq.Quote.RequestNonce]
	if !ok {
		return nil, cerrors.New(cerrors.KindInvariantViolation, "quote's originating request no longer indexed").
			WithChannel(id.String())
	}

	baseIdx := tokenIndex(rec.Tokens, req.BaseToken)
	quoteIdx := tokenIndex(rec.Tokens, req.QuoteToken)
	if baseIdx < 0 || quoteIdx < 0 {
		return nil, cerrors.New(cerrors.KindInvariantViolation, "fill token pair no longer valid").WithChannel(id.String())
	}

	quoteAmount := u256.MulDiv(f.Quantity, f.Price, m.PricePrecision)

	traderBalances := cloneBalances(rec.TraderBalances)
	lpBalances := cloneBalances(rec.LPBalances)

	// side=buy: trader is the buyer (debits quote token, credits base
	// token) and the LP is the seller (the opposite transfer). side=sell
	// reverses the roles.
	var traderErr, lpErr error
	switch req.Side {
	case codec.SideBuy:
		traderBalances[quoteIdx], traderErr = subChecked(traderBalances[quoteIdx], quoteAmount)
		traderBalances[baseIdx] = u256.Add(traderBalances[baseIdx], f.Quantity)
		lpBalances[baseIdx], lpErr = subChecked(lpBalances[baseIdx], f.Quantity)
		lpBalances[quoteIdx] = u256.Add(lpBalances[quoteIdx], quoteAmount)
	case codec.SideSell:
		traderBalances[baseIdx], traderErr = subChecked(traderBalances[baseIdx], f.Quantity)
		traderBalances[quoteIdx] = u256.Add(traderBalances[quoteIdx], quoteAmount)
		lpBalances[quoteIdx], lpErr = subChecked(lpBalances[quoteIdx], quoteAmount)
		lpBalances[baseIdx] = u256.Add(lpBalances[baseIdx], f.Quantity)
	default:
		return nil, cerrors.New(cerrors.KindShape, "unknown side").WithChannel(id.String())
	}
	if traderErr != nil || lpErr != nil {
		return nil, cerrors.New(cerrors.KindInsufficientBalance, "fill would underflow a balance").WithChannel(id.String())
	}

	updated := *rec
	updated.Nonce = f.Nonce
	updated.TraderBalances = traderBalances
	updated.LPBalances = lpBalances
	updated.LastActivityAt = time.UnixMilli(f.Timestamp)
	updated.LastStateHash = m.stateHash(&updated)

	msg := &store.MessageEntry{ChannelID: id, Nonce: f.Nonce, Kind: codec.MsgFill, AppliedAt: time.Now()}
	if err := m.transactionalPutWithRetry(ctx, &updated, msg); err != nil {
		return nil, err
	}

	lq.Filled = true
	return &updated, nil
}

func subChecked(a, b *u256.Int) (*u256.Int, error) {
	result, ok := u256.Sub(a, b)
	if !ok {
		return nil, cerrors.New(cerrors.KindInsufficientBalance, "underflow")
	}
	return result, nil
}

// applyReplace implements Cancel(original) ∘ QuoteRequest(new) atomically
// at a single nonce.
func (m *Machine) applyReplace(ctx context.Context, rec *store.Record, r *codec.Replace) (*store.Record, error) {
	id := rec.ChannelID
	if err := m.checkNonce(rec, r.Nonce, id); err != nil {
		return nil, err
	}
	if r.NewQuoteRequest == nil {
		return nil, cerrors.New(cerrors.KindShape, "replace missing new quote request").WithChannel(id.String())
	}

	lq, ok := m.liveQuoteIndex(id)[r.OriginalQuoteID]
	if !ok {
		return nil, cerrors.New(cerrors.KindQuoteNotFound, "replace references unknown quote").WithChannel(id.String())
	}
	if lq.Filled {
		return nil, cerrors.New(cerrors.KindAlreadyFilled, "quote already filled").WithChannel(id.String())
	}

	// Validate the new request against the same rules applyQuoteRequest
	// enforces, without committing it yet, so a failure here leaves the
	// original quote live and consumes no nonce.
	newReq := r.NewQuoteRequest
	if tokenIndex(rec.Tokens, newReq.BaseToken) < 0 || tokenIndex(rec.Tokens, newReq.QuoteToken) < 0 {
		return nil, cerrors.New(cerrors.KindRange, "unknown token in replacement request").WithChannel(id.String())
	}
	if newReq.Quantity == nil || newReq.Quantity.IsZero() {
		return nil, cerrors.New(cerrors.KindRange, "replacement quantity must be positive").WithChannel(id.String())
	}

	updated := *rec
	updated.Nonce = r.Nonce
	updated.LastActivityAt = time.UnixMilli(r.Timestamp)
	updated.LastStateHash = m.stateHash(&updated)

	msg := &store.MessageEntry{ChannelID: id, Nonce: r.Nonce, Kind: codec.MsgReplace, AppliedAt: time.Now()}
	if err := m.transactionalPutWithRetry(ctx, &updated, msg); err != nil {
		return nil, err
	}

	lq.Cancelled = true
	reqCopy := *newReq
	reqCopy.Nonce = r.Nonce
	m.pendingRequestIndex(id)[r.Nonce] = &reqCopy

	return &updated, nil
}
