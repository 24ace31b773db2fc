package codec

import "github.com/photonx/coordinator/internal/u256"

// ChannelState is the dual-signable snapshot of a channel's balances at a
// given nonce.
type ChannelState struct {
	ChannelID      ChannelID
	Nonce          uint64
	Trader         Address
	LP             Address
	Tokens         []Address
	TraderBalances []*u256.Int
	LPBalances     []*u256.Int
	Timestamp      int64
	ChainID        uint64
}

var channelStateTypeHash = Keccak256([]byte(
	"ChannelState(bytes16 channelId,uint64 nonce,address trader,address lp,uint256[] traderBalances,uint256[] lpBalances,int64 timestamp,uint64 chainId)",
))

// Hash computes the domain-separated typed-data hash of the state, the
// "last_state_hash" recorded on the channel.
func (s ChannelState) Hash(domain Domain) [32]byte {
	structHash := Keccak256(
		channelStateTypeHash[:],
		channelIDTo32(s.ChannelID),
		uint64To32(s.Nonce),
		addressTo32(s.Trader),
		addressTo32(s.LP),
		bytes32(hashU256Array(s.TraderBalances)),
		bytes32(hashU256Array(s.LPBalances)),
		int64To32(s.Timestamp),
		uint64To32(s.ChainID),
	)
	return signingHash(domain, structHash)
}

// CheckpointRequest carries a dual-signed intermediate state.
type CheckpointRequest struct {
	ChannelID      ChannelID
	State          ChannelState
	TraderSignature Signature
	LPSignature     Signature
}

// SettlementRequest carries a dual-signed final state for on-chain
// settlement.
type SettlementRequest struct {
	ChannelID       ChannelID
	FinalState      ChannelState
	TraderSignature Signature
	LPSignature     Signature
}
