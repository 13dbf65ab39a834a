// Package kv is a persistent key-value store for scripts. Values are JSON
// encoded and grouped into named buckets; entries may expire.
package kv

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Store keeps script values in the kv_store table.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New creates a store on an open database with the bulbd schema.
func New(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Set saves value under bucket/key. A positive ttl makes the entry expire.
func (s *Store) Set(bucket, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}

	now := s.now().UTC()
	var expiresAt *int64
	if ttl > 0 {
		exp := now.Add(ttl).UnixMilli()
		expiresAt = &exp
	}

	_, err = s.db.Exec(`
		INSERT INTO kv_store (bucket, key, value, expires_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(bucket, key) DO UPDATE SET
			value = excluded.value,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at
	`, bucket, key, string(data), expiresAt, now.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to store value: %w", err)
	}
	return nil
}

// Get returns the value under bucket/key. Missing and expired entries
// report false.
func (s *Store) Get(bucket, key string) (any, bool, error) {
	var (
		raw       string
		expiresAt sql.NullInt64
	)
	err := s.db.QueryRow(`
		SELECT value, expires_at FROM kv_store WHERE bucket = ? AND key = ?
	`, bucket, key).Scan(&raw, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get value: %w", err)
	}

	if expiresAt.Valid && s.now().UTC().UnixMilli() >= expiresAt.Int64 {
		_, _ = s.db.Exec(`DELETE FROM kv_store WHERE bucket = ? AND key = ?`, bucket, key)
		return nil, false, nil
	}

	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal value: %w", err)
	}
	return value, true, nil
}

// Delete removes bucket/key and reports whether it existed.
func (s *Store) Delete(bucket, key string) (bool, error) {
	res, err := s.db.Exec(`DELETE FROM kv_store WHERE bucket = ? AND key = ?`, bucket, key)
	if err != nil {
		return false, fmt.Errorf("failed to delete key: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Keys lists the live keys of a bucket in order.
func (s *Store) Keys(bucket string) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT key FROM kv_store
		WHERE bucket = ? AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY key
	`, bucket, s.now().UTC().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Clear empties a bucket.
func (s *Store) Clear(bucket string) error {
	if _, err := s.db.Exec(`DELETE FROM kv_store WHERE bucket = ?`, bucket); err != nil {
		return fmt.Errorf("failed to clear bucket: %w", err)
	}
	return nil
}

// PurgeExpired deletes every expired entry.
func (s *Store) PurgeExpired() (int64, error) {
	res, err := s.db.Exec(`
		DELETE FROM kv_store WHERE expires_at IS NOT NULL AND expires_at <= ?
	`, s.now().UTC().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired entries: %w", err)
	}
	return res.RowsAffected()
}
