package codec

import "github.com/photonx/coordinator/internal/u256"

// MessageType tags the inbound message union, mirroring lnwire's
// lnwire.MessageType dispatch idiom (lnwire/message.go) generalized from a
// binary wire tag to the six RFQ message kinds.
type MessageType uint8

const (
	MsgQuoteRequest MessageType = iota
	MsgQuote
	MsgFill
	MsgCancel
	MsgReplace
	MsgHeartbeat
)

func (t MessageType) String() string {
	switch t {
	case MsgQuoteRequest:
		return "QuoteRequest"
	case MsgQuote:
		return "Quote"
	case MsgFill:
		return "Fill"
	case MsgCancel:
		return "Cancel"
	case MsgReplace:
		return "Replace"
	case MsgHeartbeat:
		return "Heartbeat"
	default:
		return "Unknown"
	}
}

// Message is the tagged-union interface every inbound wire message
// implements. AdvancesNonce reports whether a successful application of
// this message consumes a channel nonce.
type Message interface {
	Type() MessageType
	GetChannelID() ChannelID
	GetTimestamp() int64
	AdvancesNonce() bool
	TypedDataHash(domain Domain) [32]byte
}

var (
	quoteRequestTypeHash = Keccak256([]byte(
		"QuoteRequest(bytes16 channelId,uint64 nonce,uint8 side,address baseToken,address quoteToken,uint256 quantity,uint32 maxSlippageBps,int64 timestamp,address trader)",
	))
	quoteTypeHash = Keccak256([]byte(
		"Quote(bytes16 channelId,bytes32 quoteId,uint64 requestNonce,uint256 price,uint256 quantity,uint8 side,int64 expiryTimestamp,uint32 lpFeeBps,int64 timestamp,address lp)",
	))
	fillTypeHash = Keccak256([]byte(
		"Fill(bytes16 channelId,bytes32 quoteId,bytes32 fillId,uint64 nonce,uint256 quantity,uint256 price,int64 timestamp,address trader,address lp)",
	))
	cancelTypeHash = Keccak256([]byte(
		"Cancel(bytes16 channelId,bytes32 quoteId,uint64 nonce,int64 timestamp,address trader)",
	))
	replaceTypeHash = Keccak256([]byte(
		"Replace(bytes16 channelId,bytes32 originalQuoteId,uint64 nonce,int64 timestamp,address trader)",
	))
	heartbeatTypeHash = Keccak256([]byte(
		"Heartbeat(bytes16 channelId,uint64 nonce,int64 timestamp,address sender)",
	))
)

// QuoteRequest is the trader's request for a price.
type QuoteRequest struct {
	ChannelID      ChannelID
	Nonce          uint64
	Side           Side
	BaseToken      Address
	QuoteToken     Address
	Quantity       *u256.Int
	MaxSlippageBps uint32
	Timestamp      int64
	Trader         Address
	Signature      Signature
}

func (m *QuoteRequest) Type() MessageType        { return MsgQuoteRequest }
func (m *QuoteRequest) GetChannelID() ChannelID   { return m.ChannelID }
func (m *QuoteRequest) GetTimestamp() int64       { return m.Timestamp }
func (m *QuoteRequest) AdvancesNonce() bool       { return true }

func (m *QuoteRequest) TypedDataHash(domain Domain) [32]byte {
	structHash := Keccak256(
		quoteRequestTypeHash[:],
		channelIDTo32(m.ChannelID),
		uint64To32(m.Nonce),
		uint8To32(uint8(m.Side)),
		addressTo32(m.BaseToken),
		addressTo32(m.QuoteToken),
		u256To32(m.Quantity),
		uint32To32(m.MaxSlippageBps),
		int64To32(m.Timestamp),
		addressTo32(m.Trader),
	)
	return signingHash(domain, structHash)
}

// Quote is the LP's firm offer against a QuoteRequest. It does
// not itself carry a channel nonce: it is tracked by QuoteID in the
// state machine's live-quote index and referenced, not replayed, by a
// later Fill or Cancel.
type Quote struct {
	ChannelID       ChannelID
	QuoteID         [32]byte
	RequestNonce    uint64
	Price           *u256.Int
	Quantity        *u256.Int
	Side            Side
	ExpiryTimestamp int64
	LPFeeBps        uint32
	Timestamp       int64
	LP              Address
	Signature       Signature
}

func (m *Quote) Type() MessageType      { return MsgQuote }
func (m *Quote) GetChannelID() ChannelID { return m.ChannelID }
func (m *Quote) GetTimestamp() int64    { return m.Timestamp }
func (m *Quote) AdvancesNonce() bool    { return false }

func (m *Quote) TypedDataHash(domain Domain) [32]byte {
	structHash := Keccak256(
		quoteTypeHash[:],
		channelIDTo32(m.ChannelID),
		bytes32(m.QuoteID),
		uint64To32(m.RequestNonce),
		u256To32(m.Price),
		u256To32(m.Quantity),
		uint8To32(uint8(m.Side)),
		int64To32(m.ExpiryTimestamp),
		uint32To32(m.LPFeeBps),
		int64To32(m.Timestamp),
		addressTo32(m.LP),
	)
	return signingHash(domain, structHash)
}

// Fill is the trader's acceptance of a live quote. Both
// participants sign, since a fill moves balances on both sides.
type Fill struct {
	ChannelID      ChannelID
	QuoteID        [32]byte
	FillID         [32]byte
	Nonce          uint64
	Quantity       *u256.Int
	Price          *u256.Int
	Timestamp      int64
	Trader         Address
	LP             Address
	TraderSignature Signature
	LPSignature     Signature
}

func (m *Fill) Type() MessageType      { return MsgFill }
func (m *Fill) GetChannelID() ChannelID { return m.ChannelID }
func (m *Fill) GetTimestamp() int64    { return m.Timestamp }
func (m *Fill) AdvancesNonce() bool    { return true }

func (m *Fill) TypedDataHash(domain Domain) [32]byte {
	structHash := Keccak256(
		fillTypeHash[:],
		channelIDTo32(m.ChannelID),
		bytes32(m.QuoteID),
		bytes32(m.FillID),
		uint64To32(m.Nonce),
		u256To32(m.Quantity),
		u256To32(m.Price),
		int64To32(m.Timestamp),
		addressTo32(m.Trader),
		addressTo32(m.LP),
	)
	return signingHash(domain, structHash)
}

// Cancel withdraws a live quote.
type Cancel struct {
	ChannelID ChannelID
	QuoteID   [32]byte
	Nonce     uint64
	Timestamp int64
	Trader    Address
	Signature Signature
}

func (m *Cancel) Type() MessageType      { return MsgCancel }
func (m *Cancel) GetChannelID() ChannelID { return m.ChannelID }
func (m *Cancel) GetTimestamp() int64    { return m.Timestamp }
func (m *Cancel) AdvancesNonce() bool    { return true }

func (m *Cancel) TypedDataHash(domain Domain) [32]byte {
	structHash := Keccak256(
		cancelTypeHash[:],
		channelIDTo32(m.ChannelID),
		bytes32(m.QuoteID),
		uint64To32(m.Nonce),
		int64To32(m.Timestamp),
		addressTo32(m.Trader),
	)
	return signingHash(domain, structHash)
}

// Replace is an atomic Cancel(original) + QuoteRequest(new).
type Replace struct {
	ChannelID        ChannelID
	OriginalQuoteID  [32]byte
	NewQuoteRequest  *QuoteRequest
	Nonce            uint64
	Timestamp        int64
	Trader           Address
	Signature        Signature
}

func (m *Replace) Type() MessageType      { return MsgReplace }
func (m *Replace) GetChannelID() ChannelID { return m.ChannelID }
func (m *Replace) GetTimestamp() int64    { return m.Timestamp }
func (m *Replace) AdvancesNonce() bool    { return true }

func (m *Replace) TypedDataHash(domain Domain) [32]byte {
	structHash := Keccak256(
		replaceTypeHash[:],
		channelIDTo32(m.ChannelID),
		bytes32(m.OriginalQuoteID),
		uint64To32(m.Nonce),
		int64To32(m.Timestamp),
		addressTo32(m.Trader),
	)
	return signingHash(domain, structHash)
}

// Heartbeat is a liveness ping that refreshes last_activity without
// advancing the channel nonce.
type Heartbeat struct {
	ChannelID ChannelID
	Nonce     uint64
	Timestamp int64
	Sender    Address
	Signature Signature
}

func (m *Heartbeat) Type() MessageType      { return MsgHeartbeat }
func (m *Heartbeat) GetChannelID() ChannelID { return m.ChannelID }
func (m *Heartbeat) GetTimestamp() int64    { return m.Timestamp }
func (m *Heartbeat) AdvancesNonce() bool    { return false }

func (m *Heartbeat) TypedDataHash(domain Domain) [32]byte {
	structHash := Keccak256(
		heartbeatTypeHash[:],
		channelIDTo32(m.ChannelID),
		uint64To32(m.Nonce),
		int64To32(m.Timestamp),
		addressTo32(m.Sender),
	)
	return signingHash(domain, structHash)
}

// signingHash combines the domain separator and struct hash into the
// final value a signature is produced/recovered over, following the
// conventional "\x19\x01" typed-data prefix.
func signingHash(domain Domain, structHash [32]byte) [32]byte {
	domainHash := domain.Hash()
	return Keccak256([]byte{0x19, 0x01}, domainHash[:], structHash[:])
}
