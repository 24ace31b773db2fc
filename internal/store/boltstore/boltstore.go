// Package boltstore implements the channel store over an
// embedded go.etcd.io/bbolt database, generalizing channeldb.DB
// (channeldb/db.go), which opened a single bbolt file and
// laid out one top-level bucket per concern. This backend lays out the
// persisted state as channels, messages, checkpoints, and settlements,
// each keyed by its own bucket.
package boltstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/photonx/coordinator/internal/codec"
	"github.com/photonx/coordinator/internal/store"
)

const dbFileName = "coordinator.db"
const dbFilePermission = 0600

var (
	channelsBucket     = []byte("channels")
	messagesBucket     = []byte("messages") // nested bucket per channel id
	checkpointsBucket  = []byte("checkpoints")
	settlementsBucket  = []byte("settlements")
	participantsBucket = []byte("participants") // participant -> set of channel ids
)

// DB is a bbolt-backed store.Backend.
type DB struct {
	bolt *bolt.DB
}

// Open opens (creating if necessary) the bbolt database under dataDir.
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("boltstore: %w", err)
	}
	path := filepath.Join(dataDir, dbFileName)

	bdb, err := bolt.Open(path, dbFilePermission, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("boltstore: open %s: %w", path, err)
	}

	err = bdb.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{
			channelsBucket, messagesBucket, checkpointsBucket,
			settlementsBucket, participantsBucket,
		} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		bdb.Close()
		return nil, fmt.Errorf("boltstore: initialize buckets: %w", err)
	}

	return &DB{bolt: bdb}, nil
}

func (d *DB) Close() error {
	return d.bolt.Close()
}

func (d *DB) Get(_ context.Context, id codec.ChannelID) (*store.Record, error) {
	var rec store.Record
	err := d.bolt.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(channelsBucket).Get(id[:])
		if raw == nil {
			return store.ErrNotFound
		}
		return json.Unmarshal(raw, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (d *DB) Put(_ context.Context, rec *store.Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("boltstore: marshal record: %w", err)
	}
	return d.bolt.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(channelsBucket).Put(rec.ChannelID[:], raw); err != nil {
			return err
		}
		return indexParticipants(tx, rec)
	})
}

func indexParticipants(tx *bolt.Tx, rec *store.Record) error {
	idx := tx.Bucket(participantsBucket)
	for _, p := range []codec.Address{rec.Trader, rec.LP} {
		key := p[:]
		var ids [][16]byte
		if raw := idx.Get(key); raw != nil {
			if err := json.Unmarshal(raw, &ids); err != nil {
				return err
			}
		}
		found := false
		for _, existing := range ids {
			if existing == [16]byte(rec.ChannelID) {
				found = true
				break
			}
		}
		if !found {
			ids = append(ids, [16]byte(rec.ChannelID))
		}
		raw, err := json.Marshal(ids)
		if err != nil {
			return err
		}
		if err := idx.Put(key, raw); err != nil {
			return err
		}
	}
	return nil
}

func messageKey(nonce uint64) []byte {
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], nonce)
	return key[:]
}

// TransactionalPutMany commits the record and the message-log entry in a
// single bbolt transaction: either both land or neither does.
func (d *DB) TransactionalPutMany(_ context.Context, rec *store.Record, msg *store.MessageEntry) error {
	recRaw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("boltstore: marshal record: %w", err)
	}

	return d.bolt.Update(func(tx *bolt.Tx) error {
		if msg != nil {
			chanMsgs, err := tx.Bucket(messagesBucket).CreateBucketIfNotExists(msg.ChannelID[:])
			if err != nil {
				return err
			}
			key := messageKey(msg.Nonce)
			if chanMsgs.Get(key) != nil {
				return store.ErrDuplicateMessage
			}
			msgRaw, err := json.Marshal(msg)
			if err != nil {
				return err
			}
			if err := chanMsgs.Put(key, msgRaw); err != nil {
				return err
			}
		}

		if err := tx.Bucket(channelsBucket).Put(rec.ChannelID[:], recRaw); err != nil {
			return err
		}
		return indexParticipants(tx, rec)
	})
}

func (d *DB) AppendMessage(_ context.Context, entry *store.MessageEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("boltstore: marshal message: %w", err)
	}
	return d.bolt.Update(func(tx *bolt.Tx) error {
		chanMsgs, err := tx.Bucket(messagesBucket).CreateBucketIfNotExists(entry.ChannelID[:])
		if err != nil {
			return err
		}
		key := messageKey(entry.Nonce)
		if chanMsgs.Get(key) != nil {
			return store.ErrDuplicateMessage
		}
		return chanMsgs.Put(key, raw)
	})
}

func (d *DB) GetMessage(_ context.Context, id codec.ChannelID, nonce uint64) (*store.MessageEntry, error) {
	var entry store.MessageEntry
	err := d.bolt.View(func(tx *bolt.Tx) error {
		chanMsgs := tx.Bucket(messagesBucket).Bucket(id[:])
		if chanMsgs == nil {
			return store.ErrNotFound
		}
		raw := chanMsgs.Get(messageKey(nonce))
		if raw == nil {
			return store.ErrNotFound
		}
		return json.Unmarshal(raw, &entry)
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func checkpointKey(id codec.ChannelID, nonce uint64) []byte {
	key := make([]byte, 24)
	copy(key[:16], id[:])
	binary.BigEndian.PutUint64(key[16:], nonce)
	return key
}

func (d *DB) PutCheckpoint(_ context.Context, cp *store.CheckpointEntry) error {
	raw, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("boltstore: marshal checkpoint: %w", err)
	}
	return d.bolt.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(checkpointsBucket).Put(checkpointKey(cp.ChannelID, cp.Nonce), raw)
	})
}

func (d *DB) PutSettlement(_ context.Context, s *store.SettlementEntry) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("boltstore: marshal settlement: %w", err)
	}
	return d.bolt.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(settlementsBucket).Put(s.ChannelID[:], raw)
	})
}

func (d *DB) GetSettlement(_ context.Context, id codec.ChannelID) (*store.SettlementEntry, error) {
	var s store.SettlementEntry
	err := d.bolt.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(settlementsBucket).Get(id[:])
		if raw == nil {
			return store.ErrNotFound
		}
		return json.Unmarshal(raw, &s)
	})
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (d *DB) ListByParticipant(_ context.Context, participant codec.Address) ([]codec.ChannelID, error) {
	var out []codec.ChannelID
	err := d.bolt.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(participantsBucket).Get(participant[:])
		if raw == nil {
			return nil
		}
		var ids [][16]byte
		if err := json.Unmarshal(raw, &ids); err != nil {
			return err
		}
		for _, id := range ids {
			out = append(out, codec.ChannelID(id))
		}
		return nil
	})
	return out, err
}

func (d *DB) ListNeedingTimeoutCheck(_ context.Context, now time.Time) ([]codec.ChannelID, error) {
	var out []codec.ChannelID
	err := d.bolt.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(channelsBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec store.Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.Status.Terminal() || rec.Status == store.StatusTimedOut {
				continue
			}
			if !rec.TimeoutAt.IsZero() && !now.Before(rec.TimeoutAt) {
				out = append(out, rec.ChannelID)
			}
		}
		return nil
	})
	return out, err
}

var _ store.Backend = (*DB)(nil)
