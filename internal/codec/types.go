// Package codec implements the coordinator's crypto and codec layer:
// canonical, domain-separated typed-data hashing of channel states and
// wire messages, and secp256k1 signature recovery/verification.
//
// Hashing follows the EIP-712-style typed-structured-data scheme: each
// type has a fixed field order and a type hash, the overall hash is
// keccak256(typeHash || encode(fields)), and nested arrays are hashed as
// keccak(concat(element hashes)).
package codec

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/photonx/coordinator/internal/u256"
)

// Address is a 20-byte account/token identifier, encoded on the wire as a
// lower-case 0x-prefixed hex string.
type Address [20]byte

// ParseAddress parses a 0x-prefixed 40-hex-digit address.
func ParseAddress(s string) (Address, error) {
	var a Address
	if !strings.HasPrefix(s, "0x") || len(s) != 42 {
		return a, fmt.Errorf("codec: malformed address %q", s)
	}
	raw, err := hex.DecodeString(s[2:])
	if err != nil {
		return a, fmt.Errorf("codec: malformed address %q: %w", s, err)
	}
	copy(a[:], raw)
	return a, nil
}

// String renders the address as lower-case 0x-prefixed hex.
func (a Address) String() string {
	return "0x" + hex.EncodeToString(a[:])
}

// IsZero reports whether a is the zero address.
func (a Address) IsZero() bool {
	return a == Address{}
}

// ChannelID is an opaque 128-bit channel identifier, stringified
// as lower-case hex for external use.
type ChannelID [16]byte

// NewChannelID generates a fresh random channel id.
func NewChannelID() (ChannelID, error) {
	var id ChannelID
	if _, err := rand.Read(id[:]); err != nil {
		return id, err
	}
	return id, nil
}

// ParseChannelID parses a 32-hex-digit (optionally 0x-prefixed) channel id.
func ParseChannelID(s string) (ChannelID, error) {
	var id ChannelID
	s = strings.TrimPrefix(s, "0x")
	if len(s) != 32 {
		return id, fmt.Errorf("codec: malformed channel id %q", s)
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("codec: malformed channel id %q: %w", s, err)
	}
	copy(id[:], raw)
	return id, nil
}

// ParseChannelIDBytes wraps raw 16-byte storage keys back into a
// ChannelID, used by relational backends that store ids as BLOB/BYTEA.
func ParseChannelIDBytes(raw []byte) (ChannelID, error) {
	var id ChannelID
	if len(raw) != 16 {
		return id, fmt.Errorf("codec: malformed channel id bytes (len %d)", len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

func (c ChannelID) String() string {
	return hex.EncodeToString(c[:])
}

// MarshalJSON renders the channel id as a hex string.
func (c ChannelID) MarshalJSON() ([]byte, error) {
	return []byte(`"` + c.String() + `"`), nil
}

// UnmarshalJSON parses a hex-string channel id.
func (c *ChannelID) UnmarshalJSON(data []byte) error {
	if len(data) < 2 {
		return fmt.Errorf("codec: invalid channel id JSON %s", data)
	}
	parsed, err := ParseChannelID(string(data[1 : len(data)-1]))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// MarshalJSON renders the address as a 0x-prefixed hex string.
func (a Address) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.String() + `"`), nil
}

// UnmarshalJSON parses a 0x-prefixed hex-string address.
func (a *Address) UnmarshalJSON(data []byte) error {
	if len(data) < 2 {
		return fmt.Errorf("codec: invalid address JSON %s", data)
	}
	parsed, err := ParseAddress(string(data[1 : len(data)-1]))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Signature is a 65-byte recoverable ECDSA signature, encoded r||s||v
//.
type Signature [65]byte

func (s Signature) R() [32]byte {
	var r [32]byte
	copy(r[:], s[0:32])
	return r
}

func (s Signature) S() [32]byte {
	var ss [32]byte
	copy(ss[:], s[32:64])
	return ss
}

func (s Signature) V() byte {
	return s[64]
}

// Side is the direction of a requested trade.
type Side uint8

const (
	SideBuy Side = iota
	SideSell
)

func (s Side) String() string {
	if s == SideSell {
		return "sell"
	}
	return "buy"
}

// Domain is the EIP-712-style domain separator: it binds every
// signature to a specific protocol name, version, chain, and verifying
// contract so that a signature produced for one deployment can never be
// replayed against another.
type Domain struct {
	Name              string
	Version           string
	ChainID           uint64
	VerifyingContract Address
}

// DefaultDomainName and DefaultDomainVersion seed the domain separator
// every channel in this deployment signs against.
const (
	DefaultDomainName    = "PhotonX"
	DefaultDomainVersion = "1"
)

var domainTypeHash = Keccak256([]byte(
	"EIP712Domain(string name,string version,uint64 chainId,address verifyingContract)",
))

// Hash computes the domain separator hash.
func (d Domain) Hash() [32]byte {
	return Keccak256(
		domainTypeHash[:],
		Keccak256([]byte(d.Name))[:],
		Keccak256([]byte(d.Version))[:],
		uint64To32(d.ChainID),
		addressTo32(d.VerifyingContract),
	)
}

// u256Int is an alias to avoid importing u256 under a different name in
// every file that embeds balances.
type u256Int = u256.Int
