package pipeline

import (
	"github.com/photonx/coordinator/internal/cerrors"
	"github.com/photonx/coordinator/internal/codec"
	"github.com/photonx/coordinator/internal/store"
)

// validateShape is validation stage 1: required fields
// present, numerical ranges sane.
func (p *Pipeline) validateShape(msg codec.Message) error {
	id := msg.GetChannelID()
	fail := func(reason string) error {
		return cerrors.New(cerrors.KindShape, reason).WithChannel(id.String())
	}
	rangeFail := func(reason string) error {
		return cerrors.New(cerrors.KindRange, reason).WithChannel(id.String())
	}

	switch m := msg.(type) {
	case *codec.QuoteRequest:
		if m.Quantity == nil || m.Quantity.IsZero() {
			return rangeFail("quantity must be positive")
		}
		if m.MaxSlippageBps > p.maxSlippageBps {
			return rangeFail("max_slippage_bps exceeds configured ceiling")
		}
		if m.Trader.IsZero() {
			return fail("trader address required")
		}
	case *codec.Quote:
		if m.Quantity == nil || m.Quantity.IsZero() || m.Price == nil || m.Price.IsZero() {
			return rangeFail("quantity and price must be positive")
		}
		if m.LPFeeBps > p.maxFeeBps {
			return rangeFail("lp_fee_bps exceeds configured ceiling")
		}
		if m.LP.IsZero() {
			return fail("lp address required")
		}
	case *codec.Fill:
		if m.Quantity == nil || m.Quantity.IsZero() || m.Price == nil || m.Price.IsZero() {
			return rangeFail("quantity and price must be positive")
		}
		if m.Trader.IsZero() || m.LP.IsZero() {
			return fail("trader and lp addresses required")
		}
	case *codec.Cancel:
		if m.Trader.IsZero() {
			return fail("trader address required")
		}
	case *codec.Replace:
		if m.Trader.IsZero() {
			return fail("trader address required")
		}
		if m.NewQuoteRequest == nil {
			return fail("replace requires an embedded new quote request")
		}
		if m.NewQuoteRequest.MaxSlippageBps > p.maxSlippageBps {
			return rangeFail("replacement max_slippage_bps exceeds configured ceiling")
		}
	case *codec.Heartbeat:
		if m.Sender.IsZero() {
			return fail("sender address required")
		}
	default:
		return fail("unrecognized message type")
	}
	return nil
}

// requiredSigner is validation stage 3:
// it returns the address that must have produced the message's
// signature, given the channel's recorded trader/lp.
func requiredSigner(msg codec.Message, rec *store.Record) (codec.Address, error) {
	id := msg.GetChannelID()
	switch m := msg.(type) {
	case *codec.QuoteRequest:
		if m.Trader != rec.Trader {
			return codec.Address{}, notParticipant(id)
		}
		return rec.Trader, nil
	case *codec.Quote:
		if m.LP != rec.LP {
			return codec.Address{}, notParticipant(id)
		}
		return rec.LP, nil
	case *codec.Cancel:
		if m.Trader != rec.Trader {
			return codec.Address{}, notParticipant(id)
		}
		return rec.Trader, nil
	case *codec.Replace:
		if m.Trader != rec.Trader {
			return codec.Address{}, notParticipant(id)
		}
		return rec.Trader, nil
	case *codec.Heartbeat:
		if m.Sender != rec.Trader && m.Sender != rec.LP {
			return codec.Address{}, notParticipant(id)
		}
		return m.Sender, nil
	case *codec.Fill:
		// Fill carries both signatures; checked separately in
		// verifyFillSignatures.
		return codec.Address{}, nil
	default:
		return codec.Address{}, cerrors.New(cerrors.KindShape, "unrecognized message type").WithChannel(id.String())
	}
}

func notParticipant(id codec.ChannelID) error {
	return cerrors.New(cerrors.KindNotParticipant, "signer does not match claimed role").WithChannel(id.String())
}

// verifySignature is validation stage 4 for every single-signer message.
func verifySignature(domain codec.Domain, msg codec.Message, want codec.Address, sig codec.Signature) error {
	hash := msg.TypedDataHash(domain)
	if err := codec.VerifySignature(hash, sig, want); err != nil {
		return cerrors.Wrap(cerrors.KindBadSignature, err).WithChannel(msg.GetChannelID().String())
	}
	return nil
}

// verifyFillSignatures is stage 3+4 for Fill, which carries two
// signatures and so cannot use the single-signer requiredSigner path.
func verifyFillSignatures(domain codec.Domain, f *codec.Fill, rec *store.Record) error {
	id := f.ChannelID
	if f.Trader != rec.Trader || f.LP != rec.LP {
		return notParticipant(id)
	}
	hash := f.TypedDataHash(domain)
	if err := codec.VerifySignature(hash, f.TraderSignature, rec.Trader); err != nil {
		return cerrors.Wrap(cerrors.KindBadSignature, err).WithChannel(id.String())
	}
	if err := codec.VerifySignature(hash, f.LPSignature, rec.LP); err != nil {
		return cerrors.Wrap(cerrors.KindBadSignature, err).WithChannel(id.String())
	}
	return nil
}

func messageSignature(msg codec.Message) (codec.Signature, bool) {
	switch m := msg.(type) {
	case *codec.QuoteRequest:
		return m.Signature, true
	case *codec.Quote:
		return m.Signature, true
	case *codec.Cancel:
		return m.Signature, true
	case *codec.Replace:
		return m.Signature, true
	case *codec.Heartbeat:
		return m.Signature, true
	default:
		return codec.Signature{}, false
	}
}
