// Package u256 implements a fixed-width 256-bit unsigned integer, the
// monetary unit used throughout the coordinator for token balances and
// quantities. All arithmetic saturates on overflow and checks for underflow
// explicitly, per the balance-arithmetic rule in the channel state machine.
package u256

import (
	"fmt"
	"math/big"
)

// bitWidth is the width of every value produced by this package. Values
// above this width never occur because every constructor and arithmetic
// operation reduces back into range.
const bitWidth = 256

// max256 is 2^256 - 1, used to detect and clamp overflow.
var max256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), bitWidth), big.NewInt(1))

// Int is a 256-bit unsigned integer. The zero value is zero. Int is not
// safe for concurrent use by multiple goroutines without external
// synchronization, matching the conventions of math/big.Int that it wraps.
type Int struct {
	v big.Int
}

// Zero returns the additive identity.
func Zero() *Int {
	return &Int{}
}

// FromUint64 constructs an Int from a uint64.
func FromUint64(n uint64) *Int {
	i := &Int{}
	i.v.SetUint64(n)
	return i
}

// FromDecimalString parses an unsigned decimal string, the wire encoding
// used throughout the wire message schema: all integers travel as
// unsigned decimal strings.
func FromDecimalString(s string) (*Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("u256: invalid decimal string %q", s)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("u256: negative value %q not allowed", s)
	}
	if v.Cmp(max256) > 0 {
		return nil, fmt.Errorf("u256: value %q exceeds 256 bits", s)
	}
	return &Int{v: *v}, nil
}

// String renders the value as an unsigned decimal string.
func (i *Int) String() string {
	if i == nil {
		return "0"
	}
	return i.v.String()
}

// Clone returns an independent copy.
func (i *Int) Clone() *Int {
	out := &Int{}
	out.v.Set(&i.v)
	return out
}

// Cmp compares i to other, returning -1, 0, or 1.
func (i *Int) Cmp(other *Int) int {
	return i.v.Cmp(&other.v)
}

// IsZero reports whether the value is zero.
func (i *Int) IsZero() bool {
	return i.v.Sign() == 0
}

// Add returns a saturating sum: a value that would exceed 2^256-1 is
// clamped to 2^256-1 rather than wrapping.
func Add(a, b *Int) *Int {
	sum := new(big.Int).Add(&a.v, &b.v)
	if sum.Cmp(max256) > 0 {
		sum.Set(max256)
	}
	return &Int{v: *sum}
}

// Sub returns a - b and ok=false if the subtraction would underflow. On
// underflow the returned Int is nil.
func Sub(a, b *Int) (result *Int, ok bool) {
	if a.v.Cmp(&b.v) < 0 {
		return nil, false
	}
	diff := new(big.Int).Sub(&a.v, &b.v)
	return &Int{v: *diff}, true
}

// MulDiv computes (a * b) / divisor using full-width intermediate
// precision, truncating toward zero. This is the primitive behind fill
// pricing: debiting `quantity * price / 10^18`.
func MulDiv(a, b, divisor *Int) *Int {
	prod := new(big.Int).Mul(&a.v, &b.v)
	prod.Div(prod, &divisor.v)
	if prod.Cmp(max256) > 0 {
		prod.Set(max256)
	}
	return &Int{v: *prod}
}

// MarshalJSON encodes the value as a JSON string of its decimal
// representation, consistent with the wire schema's decimal-string
// integers.
func (i *Int) MarshalJSON() ([]byte, error) {
	return []byte(`"` + i.String() + `"`), nil
}

// UnmarshalJSON parses a JSON string of decimal digits.
func (i *Int) UnmarshalJSON(data []byte) error {
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return fmt.Errorf("u256: expected JSON string, got %s", data)
	}
	parsed, err := FromDecimalString(string(data[1 : len(data)-1]))
	if err != nil {
		return err
	}
	i.v = parsed.v
	return nil
}
