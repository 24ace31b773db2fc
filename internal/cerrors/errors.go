// Package cerrors implements the coordinator's structured error taxonomy.
// Every error that can cross a component boundary is a *Error carrying a
// Kind, the channel it concerns, and the nonce involved if any, so no
// internal exception escapes a component boundary untyped.
package cerrors

import (
	stderrors "errors"
	"fmt"

	goerrors "github.com/go-errors/errors"
)

// Kind enumerates the error taxonomy. It is a closed set: new
// failure modes get a new Kind rather than an ad-hoc wrapped error.
type Kind uint8

const (
	// Validation errors. Recovered locally, state unchanged.
	KindShape Kind = iota
	KindRange
	KindStaleNonce
	KindStaleTimestamp
	KindBadSignature
	KindNotParticipant
	KindWrongStatus

	// Semantic errors. State unchanged.
	KindQuoteNotFound
	KindQuoteExpired
	KindAlreadyFilled
	KindInsufficientBalance
	KindInvariantViolation

	// Channel/validation lookup errors.
	KindNotFound
	KindInvalidParticipant
	KindInvalidDeposit
	KindTimeoutTooShort

	// Resource errors. Transient, caller may retry.
	KindLockUnavailable
	KindOverloaded
	KindTimeout

	// Store errors, escalated internally; callers see KindInvariantEscalation
	// only once backoff is exhausted.
	KindStoreUnavailable
	KindInvariantEscalation

	// Fatal errors. Abort the affected channel; the coordinator continues
	// serving others.
	KindFatal
)

var kindNames = map[Kind]string{
	KindShape:               "shape",
	KindRange:                "range",
	KindStaleNonce:           "stale_nonce",
	KindStaleTimestamp:       "stale_timestamp",
	KindBadSignature:         "bad_signature",
	KindNotParticipant:       "not_participant",
	KindWrongStatus:          "wrong_status",
	KindQuoteNotFound:        "quote_not_found",
	KindQuoteExpired:         "quote_expired",
	KindAlreadyFilled:        "already_filled",
	KindInsufficientBalance:  "insufficient_balance",
	KindInvariantViolation:   "invariant_violation",
	KindNotFound:             "not_found",
	KindInvalidParticipant:   "invalid_participant",
	KindInvalidDeposit:       "invalid_deposit",
	KindTimeoutTooShort:      "timeout_too_short",
	KindLockUnavailable:      "lock_unavailable",
	KindOverloaded:           "overloaded",
	KindTimeout:              "timeout",
	KindStoreUnavailable:     "store_unavailable",
	KindInvariantEscalation:  "invariant_escalation",
	KindFatal:                "fatal",
}

// String implements fmt.Stringer.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Error is the single structured error type that crosses component
// boundaries. User-visible failures always include the channel id, the
// failing nonce when applicable, and the error kind.
type Error struct {
	Kind      Kind
	ChannelID string
	Nonce     *uint64
	Cause     error
}

// New constructs an Error with no channel/nonce context. Use WithChannel /
// WithNonce to attach them once known.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Cause: goerrors.New(msg)}
}

// Wrap constructs an Error wrapping an underlying cause, preserving a
// stack trace via go-errors for development-build diagnostics.
func Wrap(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Cause: goerrors.Wrap(cause, 1)}
}

// WithChannel returns a copy of e annotated with a channel id.
func (e *Error) WithChannel(channelID string) *Error {
	cp := *e
	cp.ChannelID = channelID
	return &cp
}

// WithNonce returns a copy of e annotated with the failing nonce.
func (e *Error) WithNonce(nonce uint64) *Error {
	cp := *e
	cp.Nonce = &nonce
	return &cp
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Nonce != nil {
		return fmt.Sprintf("%s: channel=%s nonce=%d: %v",
			e.Kind, e.ChannelID, *e.Nonce, e.Cause)
	}
	if e.ChannelID != "" {
		return fmt.Sprintf("%s: channel=%s: %v", e.Kind, e.ChannelID, e.Cause)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
}

// Unwrap allows errors.Is/errors.As to reach the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a *Error with the same Kind, so that
// sentinel-style comparisons such as
// errors.Is(err, cerrors.New(KindStaleNonce, "")) match on Kind alone.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}

// KindOf extracts the Kind from err if it is (or wraps) a *Error, and
// reports ok=false otherwise — used at the transport boundary to decide
// the structured response at a transport boundary.
func KindOf(err error) (Kind, bool) {
	var ce *Error
	if stderrors.As(err, &ce) {
		return ce.Kind, true
	}
	return 0, false
}

// Recoverable reports whether the given Kind leaves channel state
// unchanged and is safe to surface directly to the caller without any
// retry/escalation machinery (validation and semantic errors).
func Recoverable(k Kind) bool {
	switch k {
	case KindShape, KindRange, KindStaleNonce, KindStaleTimestamp,
		KindBadSignature, KindNotParticipant, KindWrongStatus,
		KindQuoteNotFound, KindQuoteExpired, KindAlreadyFilled,
		KindInsufficientBalance, KindInvariantViolation,
		KindNotFound, KindInvalidParticipant, KindInvalidDeposit,
		KindTimeoutTooShort:
		return true
	default:
		return false
	}
}

// Transient reports whether the given Kind is a resource error the caller
// may retry.
func Transient(k Kind) bool {
	switch k {
	case KindLockUnavailable, KindOverloaded, KindTimeout, KindStoreUnavailable:
		return true
	default:
		return false
	}
}
