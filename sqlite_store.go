package statechain

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Import SQLite driver for database/sql
)

type sqliteStore struct{ db *sql.DB }

// OpenSQLiteStore opens/creates a SQLite DB and ensures schema + PRAGMAs.
func OpenSQLiteStore(dsn string) (Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	st := &sqliteStore{db: db}
	for _, p := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA wal_autocheckpoint=1000;",
	} {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set %s: %w", p, err)
		}
	}
	schema := `
CREATE TABLE IF NOT EXISTS entries (
  idx        INTEGER PRIMARY KEY,
  ts         INTEGER NOT NULL,
  event_type TEXT    NOT NULL,
  payload    BLOB,
  prev_hash  BLOB    NOT NULL,
  event_hash BLOB    NOT NULL UNIQUE
);
CREATE TABLE IF NOT EXISTS tail (
  id    INTEGER PRIMARY KEY CHECK(id=1),
  idx   INTEGER NOT NULL,
  hash  BLOB    NOT NULL
);
CREATE TABLE IF NOT EXISTS checkpoints (
  idx   INTEGER PRIMARY KEY REFERENCES entries(idx),
  hash  BLOB    NOT NULL,
  ts    INTEGER NOT NULL,
  sig   BLOB    NOT NULL
);
`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

// Append checks e against the tail row, then writes the entry, the optional
// checkpoint and the new tail in one serializable transaction.
func (s *sqliteStore) Append(e AuditEntry, cp *Checkpoint) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		tailIdx  int64
		tailHash []byte
	)
	err = tx.QueryRowContext(ctx, `SELECT idx, hash FROM tail WHERE id=1`).Scan(&tailIdx, &tailHash)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		tailHash = GenesisHash[:]
	case err != nil:
		return err
	}
	if uint64(tailIdx) != e.Index-1 || !constantTimeEqual(tailHash, e.PrevHash[:]) {
		return fmt.Errorf("%w: have %d, got %d", ErrStaleTail, tailIdx, e.Index)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO entries(idx, ts, event_type, payload, prev_hash, event_hash) VALUES(?, ?, ?, ?, ?, ?)`,
		e.Index, e.Timestamp, e.EventType, e.Payload, e.PrevHash[:], e.EventHash[:]); err != nil {
		return err
	}

	if cp != nil {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO checkpoints(idx, hash, ts, sig) VALUES(?, ?, ?, ?)
			 ON CONFLICT(idx) DO UPDATE SET hash=excluded.hash, ts=excluded.ts, sig=excluded.sig`,
			cp.Index, cp.Hash[:], cp.Timestamp, cp.Signature); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO tail(id, idx, hash) VALUES(1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET idx=excluded.idx, hash=excluded.hash`,
		e.Index, e.EventHash[:]); err != nil {
		return err
	}

	return tx.Commit()
}

// Iter returns a channel that streams entries starting from startIdx in ascending order.
// A row that cannot be scanned ends the stream with an error.
func (s *sqliteStore) Iter(startIdx uint64) (<-chan AuditEntry, func() error, error) {
	ctx, cancel := context.WithCancel(context.Background())
	query := `SELECT idx, ts, event_type, payload, prev_hash, event_hash FROM entries WHERE idx >= ? ORDER BY idx ASC`
	rows, err := s.db.QueryContext(ctx, query, startIdx)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	out, done := streamEntries(func(send func(AuditEntry) bool) error {
		defer cancel()
		defer rows.Close()
		for rows.Next() {
			var e AuditEntry
			var prev, hash []byte
			if err := rows.Scan(&e.Index, &e.Timestamp, &e.EventType, &e.Payload, &prev, &hash); err != nil {
				return fmt.Errorf("scan entry: %w", err)
			}
			if len(prev) != HashSize || len(hash) != HashSize {
				return fmt.Errorf("entry %d: hash columns hold %d and %d bytes, want %d", e.Index, len(prev), len(hash), HashSize)
			}
			copy(e.PrevHash[:], prev)
			copy(e.EventHash[:], hash)
			if !send(e) {
				return nil
			}
		}
		return rows.Err()
	})
	return out, done, nil
}

// CheckpointAt retrieves the checkpoint at the specified index.
func (s *sqliteStore) CheckpointAt(i uint64) (Checkpoint, bool, error) {
	var cp Checkpoint
	var hash []byte
	err := s.db.QueryRow(`SELECT idx, hash, ts, sig FROM checkpoints WHERE idx=?`, i).
		Scan(&cp.Index, &hash, &cp.Timestamp, &cp.Signature)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, false, nil
	}
	if err != nil {
		return Checkpoint{}, false, err
	}
	if len(hash) != HashSize {
		return Checkpoint{}, false, fmt.Errorf("checkpoint %d: invalid hash size", i)
	}
	copy(cp.Hash[:], hash)
	return cp, true, nil
}

// Checkpoints returns all stored checkpoints in ascending order by index.
func (s *sqliteStore) Checkpoints() ([]Checkpoint, error) {
	rows, err := s.db.Query(`SELECT idx, hash, ts, sig FROM checkpoints ORDER BY idx ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Checkpoint
	for rows.Next() {
		var cp Checkpoint
		var hash []byte
		if err := rows.Scan(&cp.Index, &hash, &cp.Timestamp, &cp.Signature); err != nil {
			return nil, err
		}
		if len(hash) != HashSize {
			continue
		}
		copy(cp.Hash[:], hash)
		out = append(out, cp)
	}
	return out, rows.Err()
}

// Tail returns the index and hash of the last stored entry.
func (s *sqliteStore) Tail() (TailState, bool, error) {
	var tail TailState
	var hash []byte
	err := s.db.QueryRow(`SELECT idx, hash FROM tail WHERE id=1`).Scan(&tail.Index, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return TailState{}, false, nil
	}
	if err != nil {
		return TailState{}, false, err
	}
	if len(hash) != HashSize {
		return TailState{}, false, fmt.Errorf("invalid tail hash size")
	}
	copy(tail.Hash[:], hash)
	return tail, true, nil
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}
