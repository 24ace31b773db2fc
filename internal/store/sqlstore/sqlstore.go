// Package sqlstore implements the channel store over a
// relational backend, generalizing channeldb.DB
// (channeldb/db.go) the way its SQL-backed sibling (the kvdb sqlbase
// driver lnd also ships) does: the same Backend contract, a row-per-
// channel schema instead of bbolt buckets. Two concrete constructors are
// provided: NewPostgres (pgx/v4 stdlib driver, schema-migrated with
// golang-migrate) and NewSQLite (modernc.org/sqlite, a cgo-free driver,
// schema applied inline since no golang-migrate source driver targets
// modernc's driver name).
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	_ "github.com/jackc/pgx/v4/stdlib"
	"github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/photonx/coordinator/internal/codec"
	"github.com/photonx/coordinator/internal/store"
)

// DB is a database/sql-backed store.Backend usable with either the
// Postgres or SQLite driver registered by the two constructors below.
type DB struct {
	sql    *sql.DB
	dialect dialect
}

type dialect int

const (
	dialectPostgres dialect = iota
	dialectSQLite
)

// NewPostgres opens a Postgres connection via the pgx/v4 stdlib adapter
// and applies every pending migration under migrations/.
func NewPostgres(ctx context.Context, dsn string) (*DB, error) {
	sdb, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open postgres: %w", err)
	}
	if err := sdb.PingContext(ctx); err != nil {
		sdb.Close()
		return nil, fmt.Errorf("sqlstore: ping postgres: %w", err)
	}
	if err := runPostgresMigrations(sdb); err != nil {
		sdb.Close()
		return nil, err
	}
	return &DB{sql: sdb, dialect: dialectPostgres}, nil
}

const sqliteInlineSchema = `
CREATE TABLE IF NOT EXISTS channels (
	channel_id  BLOB PRIMARY KEY,
	trader      BLOB NOT NULL,
	lp          BLOB NOT NULL,
	record      TEXT NOT NULL,
	status      INTEGER NOT NULL,
	timeout_at  DATETIME,
	updated_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_channels_trader ON channels (trader);
CREATE INDEX IF NOT EXISTS idx_channels_lp ON channels (lp);
CREATE INDEX IF NOT EXISTS idx_channels_timeout ON channels (timeout_at);

CREATE TABLE IF NOT EXISTS messages (
	channel_id BLOB NOT NULL,
	nonce      INTEGER NOT NULL,
	kind       INTEGER NOT NULL,
	payload    BLOB NOT NULL,
	applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (channel_id, nonce)
);

CREATE TABLE IF NOT EXISTS checkpoints (
	channel_id       BLOB NOT NULL,
	nonce            INTEGER NOT NULL,
	state_hash       BLOB NOT NULL,
	trader_signature BLOB NOT NULL,
	lp_signature     BLOB NOT NULL,
	created_at       DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	submitted        INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (channel_id, nonce)
);

CREATE TABLE IF NOT EXISTS settlements (
	channel_id BLOB PRIMARY KEY,
	record     TEXT NOT NULL,
	status     INTEGER NOT NULL,
	attempts   INTEGER NOT NULL DEFAULT 0,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// NewSQLite opens (creating if necessary) a modernc.org/sqlite database
// at path and applies the inline schema above.
func NewSQLite(ctx context.Context, path string) (*DB, error) {
	sdb, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open sqlite: %w", err)
	}
	if err := sdb.PingContext(ctx); err != nil {
		sdb.Close()
		return nil, fmt.Errorf("sqlstore: ping sqlite: %w", err)
	}
	if _, err := sdb.ExecContext(ctx, sqliteInlineSchema); err != nil {
		sdb.Close()
		return nil, fmt.Errorf("sqlstore: apply sqlite schema: %w", err)
	}
	return &DB{sql: sdb, dialect: dialectSQLite}, nil
}

func (d *DB) Close() error {
	return d.sql.Close()
}

// placeholders renders n bind parameters in the active dialect's
// syntax ($1..$n for postgres, ? for sqlite).
func (d *DB) placeholders(n int) []string {
	out := make([]string, n)
	for i := 0; i < n; i++ {
		if d.dialect == dialectPostgres {
			out[i] = fmt.Sprintf("$%d", i+1)
		} else {
			out[i] = "?"
		}
	}
	return out
}

func (d *DB) Get(ctx context.Context, id codec.ChannelID) (*store.Record, error) {
	q := fmt.Sprintf(`SELECT record FROM channels WHERE channel_id = %s`, d.placeholders(1)[0])
	var raw []byte
	err := d.sql.QueryRowContext(ctx, q, id[:]).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: get channel: %w", err)
	}
	var rec store.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("sqlstore: unmarshal record: %w", err)
	}
	return &rec, nil
}

func (d *DB) Put(ctx context.Context, rec *store.Record) error {
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlstore: begin: %w", err)
	}
	defer tx.Rollback()

	if err := d.upsertChannel(ctx, tx, rec); err != nil {
		return err
	}
	return tx.Commit()
}

func (d *DB) upsertChannel(ctx context.Context, tx *sql.Tx, rec *store.Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("sqlstore: marshal record: %w", err)
	}

	var timeoutAt interface{}
	if !rec.TimeoutAt.IsZero() {
		timeoutAt = rec.TimeoutAt
	}

	var q string
	if d.dialect == dialectPostgres {
		q = `INSERT INTO channels (channel_id, trader, lp, record, status, timeout_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, now())
			ON CONFLICT (channel_id) DO UPDATE SET
				record = EXCLUDED.record, status = EXCLUDED.status,
				timeout_at = EXCLUDED.timeout_at, updated_at = now()`
	} else {
		q = `INSERT INTO channels (channel_id, trader, lp, record, status, timeout_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT (channel_id) DO UPDATE SET
				record = excluded.record, status = excluded.status,
				timeout_at = excluded.timeout_at, updated_at = CURRENT_TIMESTAMP`
	}

	_, err = tx.ExecContext(ctx, q, rec.ChannelID[:], rec.Trader[:], rec.LP[:], raw,
		uint8(rec.Status), timeoutAt)
	if err != nil {
		return fmt.Errorf("sqlstore: upsert channel: %w", err)
	}
	return nil
}

// TransactionalPutMany mirrors boltstore's single-transaction guarantee:
// the channel row and the message-log row land together or neither
// does.
func (d *DB) TransactionalPutMany(ctx context.Context, rec *store.Record, msg *store.MessageEntry) error {
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlstore: begin: %w", err)
	}
	defer tx.Rollback()

	if msg != nil {
		if err := d.insertMessage(ctx, tx, msg); err != nil {
			return err
		}
	}
	if err := d.upsertChannel(ctx, tx, rec); err != nil {
		return err
	}
	return tx.Commit()
}

func (d *DB) insertMessage(ctx context.Context, tx *sql.Tx, entry *store.MessageEntry) error {
	var q string
	if d.dialect == dialectPostgres {
		q = `INSERT INTO messages (channel_id, nonce, kind, payload) VALUES ($1, $2, $3, $4)`
	} else {
		q = `INSERT INTO messages (channel_id, nonce, kind, payload) VALUES (?, ?, ?, ?)`
	}

	_, err := tx.ExecContext(ctx, q, entry.ChannelID[:], entry.Nonce, uint8(entry.Kind), entry.Payload)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicateMessage
		}
		return fmt.Errorf("sqlstore: insert message: %w", err)
	}
	return nil
}

// isUniqueViolation detects the (channel_id, nonce) primary-key clash
// that signals a duplicate message. Postgres surfaces it as
// pgerrcode.UniqueViolation via pgconn.PgError; SQLite's modernc driver
// reports it as a plain "UNIQUE constraint failed" text error, so it is
// matched by substring there.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.UniqueViolation
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "constraint failed: UNIQUE")
}

func (d *DB) AppendMessage(ctx context.Context, entry *store.MessageEntry) error {
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlstore: begin: %w", err)
	}
	defer tx.Rollback()
	if err := d.insertMessage(ctx, tx, entry); err != nil {
		return err
	}
	return tx.Commit()
}

func (d *DB) GetMessage(ctx context.Context, id codec.ChannelID, nonce uint64) (*store.MessageEntry, error) {
	q := fmt.Sprintf(`SELECT kind, payload, applied_at FROM messages WHERE channel_id = %s AND nonce = %s`,
		d.placeholders(2)[0], d.placeholders(2)[1])

	var kind uint8
	var payload []byte
	var appliedAt time.Time
	err := d.sql.QueryRowContext(ctx, q, id[:], nonce).Scan(&kind, &payload, &appliedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: get message: %w", err)
	}
	return &store.MessageEntry{
		ChannelID: id,
		Nonce:     nonce,
		Kind:      codec.MessageType(kind),
		Payload:   payload,
		AppliedAt: appliedAt,
	}, nil
}

func (d *DB) PutCheckpoint(ctx context.Context, cp *store.CheckpointEntry) error {
	var q string
	if d.dialect == dialectPostgres {
		q = `INSERT INTO checkpoints (channel_id, nonce, state_hash, trader_signature, lp_signature, submitted)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (channel_id, nonce) DO UPDATE SET
				state_hash = EXCLUDED.state_hash, trader_signature = EXCLUDED.trader_signature,
				lp_signature = EXCLUDED.lp_signature, submitted = EXCLUDED.submitted`
	} else {
		q = `INSERT INTO checkpoints (channel_id, nonce, state_hash, trader_signature, lp_signature, submitted)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (channel_id, nonce) DO UPDATE SET
				state_hash = excluded.state_hash, trader_signature = excluded.trader_signature,
				lp_signature = excluded.lp_signature, submitted = excluded.submitted`
	}

	_, err := d.sql.ExecContext(ctx, q, cp.ChannelID[:], cp.Nonce, cp.StateHash[:],
		cp.TraderSignature[:], cp.LPSignature[:], cp.Submitted)
	if err != nil {
		return fmt.Errorf("sqlstore: put checkpoint: %w", err)
	}
	return nil
}

func (d *DB) PutSettlement(ctx context.Context, s *store.SettlementEntry) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("sqlstore: marshal settlement: %w", err)
	}

	var q string
	if d.dialect == dialectPostgres {
		q = `INSERT INTO settlements (channel_id, record, status, attempts, updated_at)
			VALUES ($1, $2, $3, $4, now())
			ON CONFLICT (channel_id) DO UPDATE SET
				record = EXCLUDED.record, status = EXCLUDED.status,
				attempts = EXCLUDED.attempts, updated_at = now()`
	} else {
		q = `INSERT INTO settlements (channel_id, record, status, attempts, updated_at)
			VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT (channel_id) DO UPDATE SET
				record = excluded.record, status = excluded.status,
				attempts = excluded.attempts, updated_at = CURRENT_TIMESTAMP`
	}

	_, err = d.sql.ExecContext(ctx, q, s.ChannelID[:], raw, uint8(s.Status), s.Attempts)
	if err != nil {
		return fmt.Errorf("sqlstore: put settlement: %w", err)
	}
	return nil
}

func (d *DB) GetSettlement(ctx context.Context, id codec.ChannelID) (*store.SettlementEntry, error) {
	q := fmt.Sprintf(`SELECT record FROM settlements WHERE channel_id = %s`, d.placeholders(1)[0])
	var raw []byte
	err := d.sql.QueryRowContext(ctx, q, id[:]).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: get settlement: %w", err)
	}
	var s store.SettlementEntry
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("sqlstore: unmarshal settlement: %w", err)
	}
	return &s, nil
}

func (d *DB) ListByParticipant(ctx context.Context, participant codec.Address) ([]codec.ChannelID, error) {
	var q string
	if d.dialect == dialectPostgres {
		q = `SELECT channel_id FROM channels WHERE trader = $1 OR lp = $1`
	} else {
		q = `SELECT channel_id FROM channels WHERE trader = ? OR lp = ?`
	}

	var rows *sql.Rows
	var err error
	if d.dialect == dialectPostgres {
		rows, err = d.sql.QueryContext(ctx, q, participant[:])
	} else {
		rows, err = d.sql.QueryContext(ctx, q, participant[:], participant[:])
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: list by participant: %w", err)
	}
	defer rows.Close()

	var out []codec.ChannelID
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		id, err := codec.ParseChannelIDBytes(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (d *DB) ListNeedingTimeoutCheck(ctx context.Context, now time.Time) ([]codec.ChannelID, error) {
	terminalStatuses := []int64{
		int64(store.StatusClosed), int64(store.StatusExpired), int64(store.StatusTimedOut),
	}

	var rows *sql.Rows
	var err error
	if d.dialect == dialectPostgres {
		// status = ANY($2) against a pq.Array lets the terminal-status
		// set grow without adding a placeholder per value, unlike the
		// SQLite branch's fixed NOT IN list below.
		q := `SELECT channel_id FROM channels WHERE timeout_at IS NOT NULL AND timeout_at <= $1
			AND NOT (status = ANY($2))`
		rows, err = d.sql.QueryContext(ctx, q, now, pq.Array(terminalStatuses))
	} else {
		q := `SELECT channel_id FROM channels WHERE timeout_at IS NOT NULL AND timeout_at <= ?
			AND status NOT IN (?, ?, ?)`
		rows, err = d.sql.QueryContext(ctx, q, now, terminalStatuses[0], terminalStatuses[1], terminalStatuses[2])
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: list needing timeout check: %w", err)
	}
	defer rows.Close()

	var out []codec.ChannelID
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		id, err := codec.ParseChannelIDBytes(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

var _ store.Backend = (*DB)(nil)
