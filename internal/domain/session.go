package domain

import (
	"errors"
	"time"
)

// ErrSessionNotFound is returned when no session row matches.
var ErrSessionNotFound = errors.New("session not found")

// BrowserSession is an opaque encrypted blob of cookies + origin storage,
// keyed by (user_id, domain).
type BrowserSession struct {
	UserID        string    `db:"user_id"`
	Domain        string    `db:"domain"`
	SessionData   []byte    `db:"session_data"` // envelope: key_id || iv || ciphertext || tag
	EncryptionKeyID string  `db:"encryption_key_id"`
	ExpiresAt     time.Time `db:"expires_at"`
	LastUsedAt    time.Time `db:"last_used_at"`
	CreatedAt     time.Time `db:"created_at"`
}
