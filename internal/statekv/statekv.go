// Package statekv provides a small TTL key-value table used to carry detector
// state across batch jobs. Values are JSON blobs; expired keys read as absent
// and are swept by a periodic prune.
package statekv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// KV reads and writes the kv_state table. It shares the store's database
// handle rather than owning a connection.
type KV struct {
	db *sql.DB
}

// New wraps an existing database handle.
func New(db *sql.DB) *KV {
	return &KV{db: db}
}

// DetectorKey names the open-interval detector state slot for one session and
// event type.
func DetectorKey(sessionID, eventType string) string {
	return fmt.Sprintf("session:%s:detector:%s", sessionID, eventType)
}

// LastEventKey names the cooldown marker slot for one session and event type.
func LastEventKey(sessionID, eventType string) string {
	return fmt.Sprintf("session:%s:last_event:%s", sessionID, eventType)
}

// Get returns the value for key. An expired or missing key reports ok=false.
func (kv *KV) Get(ctx context.Context, key string) (string, bool, error) {
	var (
		value      string
		expiresRaw string
	)
	row := kv.db.QueryRowContext(ctx, `SELECT value, expires_at FROM kv_state WHERE key = ?`, key)
	if err := row.Scan(&value, &expiresRaw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("get kv %q: %w", key, err)
	}

	expires, err := time.Parse(time.RFC3339Nano, expiresRaw)
	if err != nil {
		return "", false, fmt.Errorf("parse kv expiry for %q: %w", key, err)
	}
	if !expires.After(time.Now().UTC()) {
		_, _ = kv.db.ExecContext(ctx, `DELETE FROM kv_state WHERE key = ?`, key)
		return "", false, nil
	}
	return value, true, nil
}

// Put upserts key with the given value and time to live. The TTL resets on
// every write.
func (kv *KV) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		return errors.New("ttl must be positive")
	}
	expires := time.Now().UTC().Add(ttl).Format(time.RFC3339Nano)
	_, err := kv.db.ExecContext(
		ctx,
		`INSERT INTO kv_state (key, value, expires_at) VALUES (?, ?, ?)
         ON CONFLICT (key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key,
		value,
		expires,
	)
	if err != nil {
		return fmt.Errorf("put kv %q: %w", key, err)
	}
	return nil
}

// Delete removes key. Deleting an absent key is not an error.
func (kv *KV) Delete(ctx context.Context, key string) error {
	if _, err := kv.db.ExecContext(ctx, `DELETE FROM kv_state WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete kv %q: %w", key, err)
	}
	return nil
}

// DeleteSessionKeys removes every key belonging to one session. Part of the
// finalize cleanup cascade.
func (kv *KV) DeleteSessionKeys(ctx context.Context, sessionID string) (int64, error) {
	prefix := "session:" + sessionID + ":"
	if strings.ContainsAny(sessionID, "%_") {
		// Session identifiers are UUIDs; LIKE wildcards in one would make the
		// prefix match over-broad.
		return 0, fmt.Errorf("session id %q contains LIKE wildcard characters", sessionID)
	}
	res, err := kv.db.ExecContext(ctx, `DELETE FROM kv_state WHERE key LIKE ? || '%'`, prefix)
	if err != nil {
		return 0, fmt.Errorf("delete session kv keys: %w", err)
	}
	return res.RowsAffected()
}

// Prune deletes every expired entry and returns the count removed.
func (kv *KV) Prune(ctx context.Context) (int64, error) {
	res, err := kv.db.ExecContext(
		ctx,
		`DELETE FROM kv_state WHERE expires_at <= ?`,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("prune kv state: %w", err)
	}
	return res.RowsAffected()
}
