// Package distlock implements the store.DistLock contract: a real etcd-backed distributed lock for horizontally-scaled
// deployments, and an in-memory keyed-mutex implementation with the same
// interface for single-node operation — "a single-node implementation
// may simulate the lock with an in-memory keyed mutex, but the interface
// must remain the same".
package distlock

import (
	"context"
	"sync"
	"time"

	"github.com/photonx/coordinator/internal/codec"
	"github.com/photonx/coordinator/internal/store"
)

type memoryEntry struct {
	owner     string
	expiresAt time.Time
}

// Memory is an in-process store.DistLock keyed by channel id, generalizing
// pattern of a per-link mutex map (htlcswitch indexes
// handlers per channel point) into an owner-token/TTL lock with the same
// acquire/release shape the etcd-backed implementation exposes.
type Memory struct {
	mu      sync.Mutex
	entries map[codec.ChannelID]memoryEntry
}

// NewMemory constructs an in-memory lock.
func NewMemory() *Memory {
	return &Memory{entries: make(map[codec.ChannelID]memoryEntry)}
}

func (m *Memory) Acquire(_ context.Context, channelID codec.ChannelID, owner string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	entry, held := m.entries[channelID]
	if held && entry.owner != owner && now.Before(entry.expiresAt) {
		return false, nil
	}

	m.entries[channelID] = memoryEntry{owner: owner, expiresAt: now.Add(ttl)}
	return true, nil
}

func (m *Memory) Release(_ context.Context, channelID codec.ChannelID, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, held := m.entries[channelID]
	if !held {
		return nil
	}
	if entry.owner != owner {
		// Owner-checked release: releasing with the wrong
		// token is a no-op, not an error, matching a lock that has
		// since expired and been re-acquired by someone else.
		return nil
	}
	delete(m.entries, channelID)
	return nil
}

var _ store.DistLock = (*Memory)(nil)
