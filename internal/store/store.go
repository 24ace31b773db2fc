// Package store defines the channel store contract the core consumes.
// Concrete backends (boltstore, sqlstore) and the distributed lock
// (distlock) are swappable external collaborators, generalizing
// channeldb.DB (channeldb/db.go) from a single bbolt-backed store into a
// pluggable Backend.
package store

import (
	"context"
	"time"

	"github.com/photonx/coordinator/internal/codec"
	"github.com/photonx/coordinator/internal/u256"
)

// Status mirrors the channel lifecycle states.
type Status uint8

const (
	StatusOpening Status = iota
	StatusActive
	StatusCheckpointing
	StatusSettling
	StatusClosed
	StatusDisputed
	StatusTimedOut
	StatusExpired
)

func (s Status) String() string {
	switch s {
	case StatusOpening:
		return "opening"
	case StatusActive:
		return "active"
	case StatusCheckpointing:
		return "checkpointing"
	case StatusSettling:
		return "settling"
	case StatusClosed:
		return "closed"
	case StatusDisputed:
		return "disputed"
	case StatusTimedOut:
		return "timed_out"
	case StatusExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Terminal reports whether a channel in this status is immutable
//.
func (s Status) Terminal() bool {
	return s == StatusClosed || s == StatusExpired
}

// Record is the durable representation of a Channel.
type Record struct {
	ChannelID        codec.ChannelID
	Trader           codec.Address
	LP               codec.Address
	Tokens           []codec.Address
	Nonce            uint64
	TraderBalances   []*u256.Int
	LPBalances       []*u256.Int
	Status           Status
	OpenedAt         time.Time
	LastCheckpointAt time.Time
	LastActivityAt   time.Time
	TimeoutAt        time.Time
	LastStateHash    [32]byte
}

// MessageEntry is one append-only message-log entry, indexed by
// (channel_id, nonce).
type MessageEntry struct {
	ChannelID codec.ChannelID
	Nonce     uint64
	Kind      codec.MessageType
	Payload   []byte
	AppliedAt time.Time
}

// CheckpointEntry records a witnessed intermediate state.
type CheckpointEntry struct {
	ChannelID       codec.ChannelID
	Nonce           uint64
	StateHash       [32]byte
	TraderSignature codec.Signature
	LPSignature     codec.Signature
	CreatedAt       time.Time
	Submitted       bool
}

// SettlementStatus tracks a final settlement's on-chain submission
// lifecycle.
type SettlementStatus uint8

const (
	SettlementPending SettlementStatus = iota
	SettlementSubmitted
	SettlementConfirmed
	SettlementFailed
)

func (s SettlementStatus) String() string {
	switch s {
	case SettlementPending:
		return "pending"
	case SettlementSubmitted:
		return "submitted"
	case SettlementConfirmed:
		return "confirmed"
	case SettlementFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// SettlementEntry is the durable settlement request record.
type SettlementEntry struct {
	ChannelID       codec.ChannelID
	FinalState      codec.ChannelState
	TraderSignature codec.Signature
	LPSignature     codec.Signature
	Status          SettlementStatus
	Attempts        int
	UpdatedAt       time.Time
}

// ErrNotFound is returned by Get when no record exists for a channel id.
var ErrNotFound = errNotFound{}

type errNotFound struct{}

func (errNotFound) Error() string { return "store: channel record not found" }

// ErrDuplicateMessage is returned by AppendMessage when an entry already
// exists at (channel_id, nonce).
var ErrDuplicateMessage = errDuplicateMessage{}

type errDuplicateMessage struct{}

func (errDuplicateMessage) Error() string { return "store: duplicate message at (channel_id, nonce)" }

// Backend is the durable channel store contract.
type Backend interface {
	// Get fetches the current record for a channel, or ErrNotFound.
	Get(ctx context.Context, id codec.ChannelID) (*Record, error)

	// Put writes a record with last-write-wins semantics.
	Put(ctx context.Context, rec *Record) error

	// TransactionalPutMany atomically commits a record update together
	// with an appended message-log entry: either both are durable or
	// neither is.
	TransactionalPutMany(ctx context.Context, rec *Record, msg *MessageEntry) error

	// AppendMessage appends a message-log entry, rejecting duplicates at
	// (channel_id, nonce).
	AppendMessage(ctx context.Context, entry *MessageEntry) error

	// GetMessage fetches a previously archived message, used to detect
	// replays and for audit.
	GetMessage(ctx context.Context, id codec.ChannelID, nonce uint64) (*MessageEntry, error)

	// PutCheckpoint records a checkpoint.
	PutCheckpoint(ctx context.Context, cp *CheckpointEntry) error

	// PutSettlement records/updates a settlement request.
	PutSettlement(ctx context.Context, s *SettlementEntry) error

	// GetSettlement fetches the settlement record for a channel, if any.
	GetSettlement(ctx context.Context, id codec.ChannelID) (*SettlementEntry, error)

	// ListByParticipant returns every channel id involving participant,
	// the secondary index keyed by trader/LP address.
	ListByParticipant(ctx context.Context, participant codec.Address) ([]codec.ChannelID, error)

	// ListNeedingTimeoutCheck returns channels whose timeout_at has
	// passed and whose status has not yet been updated, feeding the
	// timeout timer wheel.
	ListNeedingTimeoutCheck(ctx context.Context, now time.Time) ([]codec.ChannelID, error)

	Close() error
}

// DistLock is the distributed-lock abstraction the pipeline and
// settlement driver acquire before any read-modify-write. Implementations: distlock/etcd.go (real, horizontally scalable)
// and distlock/memory.go (single-node, same interface — ).
type DistLock interface {
	// Acquire attempts to take the lock for channelID with the given
	// owner token and TTL. It returns acquired=false (not an error) when
	// another owner currently holds it.
	Acquire(ctx context.Context, channelID codec.ChannelID, owner string, ttl time.Duration) (acquired bool, err error)

	// Release releases the lock if and only if owner currently holds it.
	Release(ctx context.Context, channelID codec.ChannelID, owner string) error
}
