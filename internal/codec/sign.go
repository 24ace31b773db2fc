package codec

import (
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	dcecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"golang.org/x/crypto/sha3"
)

// RecoverSigner recovers the signer address from a 65-byte r||s||v
// signature over the given hash, following the secp256k1 ECDSA recovery
// rules used by the EIP-712 standard. v is accepted in either
// the {0,1} or {27,28} convention.
func RecoverSigner(hash [32]byte, sig Signature) (Address, error) {
	v := sig.V()
	var recID byte
	switch {
	case v == 0 || v == 1:
		recID = v
	case v == 27 || v == 28:
		recID = v - 27
	default:
		return Address{}, fmt.Errorf("codec: invalid recovery id %d", v)
	}

	// decred's compact-signature format is [27+recID (+4 if compressed),
	// R (32 bytes), S (32 bytes)] — the recovery byte leads, unlike our
	// wire r||s||v ordering, so we reassemble it here.
	compact := make([]byte, 65)
	compact[0] = 27 + recID
	r := sig.R()
	s := sig.S()
	copy(compact[1:33], r[:])
	copy(compact[33:65], s[:])

	pub, _, err := dcecdsa.RecoverCompact(compact, hash[:])
	if err != nil {
		return Address{}, fmt.Errorf("codec: signature recovery failed: %w", err)
	}

	return addressFromPubkey(pub), nil
}

// VerifySignature recovers the signer from sig over hash and checks it
// equals want.
func VerifySignature(hash [32]byte, sig Signature, want Address) error {
	got, err := RecoverSigner(hash, sig)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("codec: recovered signer %s does not match expected %s",
			got, want)
	}
	return nil
}

// SignHash produces a 65-byte r||s||v signature over hash using priv,
// used by tests and the operator CLI's local-signing helper. Production
// signing happens wallet-side, out of scope for this repository.
func SignHash(priv *secp256k1.PrivateKey, hash [32]byte) (Signature, error) {
	compact := dcecdsa.SignCompact(priv, hash[:], false)
	if len(compact) != 65 {
		return Signature{}, fmt.Errorf("codec: unexpected compact signature length %d", len(compact))
	}

	var sig Signature
	copy(sig[0:32], compact[1:33])
	copy(sig[32:64], compact[33:65])
	sig[64] = compact[0] - 27
	return sig, nil
}

// AddressFromPubkey derives a 20-byte address from an uncompressed public
// key by taking the low 20 bytes of keccak256(X||Y), the standard
// Ethereum-style address derivation implied by the wire schema's 20-byte
// addresses and EIP-712 domain separator. Exported for use by local
// key-generation tooling; signature recovery uses it internally.
func AddressFromPubkey(pub *secp256k1.PublicKey) Address {
	return addressFromPubkey(pub)
}

func addressFromPubkey(pub *secp256k1.PublicKey) Address {
	uncompressed := pub.SerializeUncompressed() // 0x04 || X(32) || Y(32)
	h := sha3.NewLegacyKeccak256()
	h.Write(uncompressed[1:]) // drop the 0x04 prefix byte
	digest := h.Sum(nil)

	var addr Address
	copy(addr[:], digest[len(digest)-20:])
	return addr
}
