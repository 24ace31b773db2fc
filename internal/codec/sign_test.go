package codec

import (
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/stretchr/testify/require"

	"github.com/photonx/coordinator/internal/u256"
)

func testDomain() Domain {
	return Domain{
		Name:              DefaultDomainName,
		Version:           DefaultDomainVersion,
		ChainID:           1,
		VerifyingContract: Address{0xAA},
	}
}

func TestSignRecoverRoundTrip(t *testing.T) {
	priv, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)
	pub := priv.PubKey()
	wantAddr := addressFromPubkey(pub)

	qr := &QuoteRequest{
		Nonce:          1,
		Side:           SideBuy,
		Quantity:       u256.FromUint64(5e17),
		MaxSlippageBps: 50,
		Timestamp:      1000,
		Trader:         wantAddr,
	}
	domain := testDomain()
	hash := qr.TypedDataHash(domain)

	sig, err := SignHash(priv, hash)
	require.NoError(t, err)

	got, err := RecoverSigner(hash, sig)
	require.NoError(t, err)
	require.Equal(t, wantAddr, got)

	require.NoError(t, VerifySignature(hash, sig, wantAddr))
}

func TestSignatureMismatchRejected(t *testing.T) {
	priv, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)

	other, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)
	otherAddr := addressFromPubkey(other.PubKey())

	qr := &QuoteRequest{Nonce: 1, Timestamp: 1}
	domain := testDomain()
	hash := qr.TypedDataHash(domain)

	sig, err := SignHash(priv, hash)
	require.NoError(t, err)

	err = VerifySignature(hash, sig, otherAddr)
	require.Error(t, err)
}

func TestChannelStateHashDeterministic(t *testing.T) {
	domain := testDomain()
	state := ChannelState{
		Nonce:          2,
		TraderBalances: []*u256.Int{u256.FromUint64(0), u256.FromUint64(5e17)},
		LPBalances:     []*u256.Int{u256.FromUint64(1000e6), u256.FromUint64(5e17)},
		Timestamp:      2000,
		ChainID:        1,
	}
	h1 := state.Hash(domain)
	h2 := state.Hash(domain)
	require.Equal(t, h1, h2)

	state.Nonce = 3
	h3 := state.Hash(domain)
	require.NotEqual(t, h1, h3)
}
