package codec

import (
	"encoding/binary"
	"math/big"

	"golang.org/x/crypto/sha3"

	"github.com/photonx/coordinator/internal/u256"
)

// Keccak256 hashes the concatenation of its arguments, following the
// common typed-data hashing idiom of feeding pre-hashed/padded field
// chunks into one running hash.
func Keccak256(data ...[]byte) [32]byte {
	h := sha3.NewLegacyKeccak256()
	for _, d := range data {
		h.Write(d)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// uint64To32 left-pads a uint64 into a 32-byte big-endian word, the
// typed-data encoding for small integer fields.
func uint64To32(v uint64) []byte {
	var buf [32]byte
	binary.BigEndian.PutUint64(buf[24:], v)
	return buf[:]
}

// uint32To32 left-pads a uint32 into a 32-byte big-endian word.
func uint32To32(v uint32) []byte {
	var buf [32]byte
	binary.BigEndian.PutUint32(buf[28:], v)
	return buf[:]
}

// uint8To32 left-pads a uint8 into a 32-byte big-endian word.
func uint8To32(v uint8) []byte {
	var buf [32]byte
	buf[31] = v
	return buf[:]
}

// int64To32 writes the 64-bit two's complement bits of v into the low 8
// bytes of a 32-byte big-endian word and leaves the upper 24 bytes zero,
// so a negative value is not sign-extended (timestamps are always
// non-negative in practice, but the wire type is a signed millisecond
// epoch per common convention).
func int64To32(v int64) []byte {
	return uint64To32(uint64(v))
}

// addressTo32 left-pads a 20-byte address into a 32-byte word.
func addressTo32(a Address) []byte {
	var buf [32]byte
	copy(buf[12:], a[:])
	return buf[:]
}

// channelIDTo32 left-pads a 16-byte channel id into a 32-byte word.
func channelIDTo32(c ChannelID) []byte {
	var buf [32]byte
	copy(buf[16:], c[:])
	return buf[:]
}

// bytes32 returns a 32-byte value's bytes unchanged as a slice — used for
// pre-hashed 32-byte values such as quote ids.
func bytes32(b [32]byte) []byte {
	return b[:]
}

// u256To32 encodes a u256.Int as a 32-byte big-endian word.
func u256To32(v *u256.Int) []byte {
	var buf [32]byte
	if v == nil {
		return buf[:]
	}
	bi, ok := new(big.Int).SetString(v.String(), 10)
	if !ok {
		return buf[:]
	}
	b := bi.Bytes()
	copy(buf[32-len(b):], b)
	return buf[:]
}

// hashU256Array hashes a slice of balances as the concatenation of their
// individual 32-byte encodings, per  "nested token-amount arrays
// hashed as the concatenation of their element hashes."
func hashU256Array(vals []*u256.Int) [32]byte {
	chunks := make([][]byte, len(vals))
	for i, v := range vals {
		chunks[i] = u256To32(v)
	}
	return Keccak256(chunks...)
}
