package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// execQuerier is satisfied by both *sql.DB and *sql.Tx.
type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// #region get

// Get returns the value stored under key. Missing and expired entries both
// yield ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	return s.get(ctx, s.db, key)
}

// GetTx is Get inside a caller-owned transaction.
func (s *Store) GetTx(ctx context.Context, tx *sql.Tx, key string) ([]byte, error) {
	return s.get(ctx, tx, key)
}

func (s *Store) get(ctx context.Context, q execQuerier, key string) ([]byte, error) {
	var value []byte
	var expiresAt sql.NullString
	err := q.QueryRowContext(ctx,
		`SELECT value, expires_at FROM kv_entries WHERE key = ?`, key,
	).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	if expiresAt.Valid && expiresAt.String <= FormatTime(s.Now()) {
		return nil, ErrNotFound
	}
	return value, nil
}

// #endregion get

// #region put

// Put stores value under key. A zero ttl means the entry never expires.
func (s *Store) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.put(ctx, s.db, key, value, ttl)
}

// PutTx is Put inside a caller-owned transaction.
func (s *Store) PutTx(ctx context.Context, tx *sql.Tx, key string, value []byte, ttl time.Duration) error {
	return s.put(ctx, tx, key, value, ttl)
}

func (s *Store) put(ctx context.Context, q execQuerier, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return errors.New("put: empty key")
	}
	if ttl < 0 {
		return fmt.Errorf("put %s: negative ttl %s", key, ttl)
	}
	now := s.Now()
	var expires any
	if ttl > 0 {
		expires = FormatTime(now.Add(ttl))
	}
	if value == nil {
		value = []byte{}
	}
	_, err := q.ExecContext(ctx,
		`INSERT INTO kv_entries (key, value, expires_at, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
		   value = excluded.value,
		   expires_at = excluded.expires_at,
		   updated_at = excluded.updated_at`,
		key, value, expires, FormatTime(now),
	)
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// #endregion put

// #region delete

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_entries WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// SweepExpired removes every expired entry and reports how many were removed.
func (s *Store) SweepExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM kv_entries WHERE expires_at IS NOT NULL AND expires_at <= ?`,
		FormatTime(s.Now()),
	)
	if err != nil {
		return 0, fmt.Errorf("sweep expired: %w", err)
	}
	return res.RowsAffected()
}

// #endregion delete

// #region lease

// AcquireLease claims name for owner until ttl elapses. It succeeds when the
// lease is free, expired, or already held by owner (which renews it).
func (s *Store) AcquireLease(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, fmt.Errorf("acquire lease %s: ttl must be positive", name)
	}
	key := "lease/" + name
	acquired := false
	err := s.InTx(ctx, func(tx *sql.Tx) error {
		holder, err := s.GetTx(ctx, tx, key)
		switch {
		case errors.Is(err, ErrNotFound):
		case err != nil:
			return err
		case string(holder) != owner:
			return nil
		}
		if err := s.PutTx(ctx, tx, key, []byte(owner), ttl); err != nil {
			return err
		}
		acquired = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", name, err)
	}
	return acquired, nil
}

// ReleaseLease frees name if owner still holds it.
func (s *Store) ReleaseLease(ctx context.Context, name, owner string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM kv_entries WHERE key = ? AND value = ?`, "lease/"+name, []byte(owner),
	)
	if err != nil {
		return fmt.Errorf("release lease %s: %w", name, err)
	}
	return nil
}

// #endregion lease
