// Package session persists encrypted per-user/domain browser-state blobs
// (cookies, origin storage) so a handler can resume a logged-in session on
// its next run. Storage follows the teacher's sqlx query shape
// (internal/worker/storage/storage.go); encryption is internal/cryptobox's
// AES-256-GCM envelope.
package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/valetsys/valetcore/internal/cryptobox"
	"github.com/valetsys/valetcore/internal/domain"
)

// Store saves and loads browser_sessions rows, transparently encrypting and
// decrypting the session_data envelope.
type Store struct {
	db  *sqlx.DB
	box *cryptobox.Box
	ttl time.Duration
}

// New builds a Store. ttl is the lifetime assigned to a session on Save;
// Sweep later reclaims rows past their expires_at.
func New(db *sqlx.DB, box *cryptobox.Box, ttl time.Duration) *Store {
	return &Store{db: db, box: box, ttl: ttl}
}

// Domain extracts the storage key from a target URL's host, lower-cased and
// stripped of a leading "www.".
func Domain(targetURL string) (string, error) {
	u, err := url.Parse(targetURL)
	if err != nil {
		return "", fmt.Errorf("session: parse url: %w", err)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", fmt.Errorf("session: url %q has no host", targetURL)
	}
	return strings.TrimPrefix(host, "www."), nil
}

// Save encrypts storageState and upserts it under (userID, domain extracted
// from targetURL).
func (s *Store) Save(ctx context.Context, userID, targetURL string, storageState []byte) error {
	dom, err := Domain(targetURL)
	if err != nil {
		return err
	}
	envelope, err := s.box.Encrypt(storageState)
	if err != nil {
		return fmt.Errorf("session: encrypt: %w", err)
	}

	query := `
		INSERT INTO browser_sessions (user_id, domain, session_data, encryption_key_id, expires_at, last_used_at, created_at)
		VALUES ($1, $2, $3, $4, NOW() + $5::interval, NOW(), NOW())
		ON CONFLICT (user_id, domain) DO UPDATE SET
			session_data = $3,
			encryption_key_id = $4,
			expires_at = NOW() + $5::interval,
			last_used_at = NOW()`
	_, err = s.db.ExecContext(ctx, query, userID, dom, envelope, s.box.KeyID(), intervalLiteral(s.ttl))
	if err != nil {
		return fmt.Errorf("session: save %s/%s: %w", userID, dom, err)
	}
	return nil
}

// Load fetches and decrypts the stored state for (userID, domain extracted
// from targetURL). A missing row, an expired row, or a decrypt failure
// (tampered/rotated-key envelope) all return domain.ErrSessionNotFound; the
// expired or tampered row is also deleted so no dangling ciphertext lingers.
func (s *Store) Load(ctx context.Context, userID, targetURL string) ([]byte, error) {
	dom, err := Domain(targetURL)
	if err != nil {
		return nil, err
	}

	var row domain.BrowserSession
	query := `SELECT user_id, domain, session_data, encryption_key_id, expires_at, last_used_at, created_at
		FROM browser_sessions WHERE user_id = $1 AND domain = $2`
	if err := s.db.GetContext(ctx, &row, query, userID, dom); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrSessionNotFound
		}
		return nil, fmt.Errorf("session: load %s/%s: %w", userID, dom, err)
	}

	if row.ExpiresAt.Before(timeNow()) {
		_ = s.deleteRow(ctx, userID, dom)
		return nil, domain.ErrSessionNotFound
	}

	plaintext, err := s.box.Decrypt(row.SessionData)
	if err != nil {
		_ = s.deleteRow(ctx, userID, dom)
		return nil, domain.ErrSessionNotFound
	}

	_, _ = s.db.ExecContext(ctx, `UPDATE browser_sessions SET last_used_at = NOW() WHERE user_id = $1 AND domain = $2`, userID, dom)
	return plaintext, nil
}

// Clear deletes the session for (userID, domain). If domain is empty, every
// session for userID is deleted.
func (s *Store) Clear(ctx context.Context, userID, dom string) error {
	if dom == "" {
		_, err := s.db.ExecContext(ctx, `DELETE FROM browser_sessions WHERE user_id = $1`, userID)
		if err != nil {
			return fmt.Errorf("session: clear all for %s: %w", userID, err)
		}
		return nil
	}
	return s.deleteRow(ctx, userID, dom)
}

func (s *Store) deleteRow(ctx context.Context, userID, dom string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM browser_sessions WHERE user_id = $1 AND domain = $2`, userID, dom)
	if err != nil {
		return fmt.Errorf("session: delete %s/%s: %w", userID, dom, err)
	}
	return nil
}

// Sweep deletes every row past its expiry and returns the count removed.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM browser_sessions WHERE expires_at < NOW()`)
	if err != nil {
		return 0, fmt.Errorf("session: sweep: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("session: sweep rows affected: %w", err)
	}
	return int(n), nil
}

func intervalLiteral(d time.Duration) string {
	return fmt.Sprintf("%d seconds", int(d.Seconds()))
}

// timeNow is a seam so tests could inject a clock; production always uses
// the wall clock.
var timeNow = time.Now
