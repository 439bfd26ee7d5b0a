// Package presence tracks which connection currently represents each online user.
package presence

import (
	"context"
	"errors"
	"time"
)

type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

var (
	ErrInvalidIdentity = errors.New("presence: empty user or connection id")
	// ErrConflict is returned when a shared backend keeps losing a concurrent update.
	ErrConflict = errors.New("presence: concurrent update")
)

// Entry is one user to connection mapping.
type Entry struct {
	UserID       string
	ConnectionID string
	LastSeen     time.Time
}

// Registry maps a user identity to the connection that last announced it.
// Implementations must be safe for concurrent use.
type Registry interface {
	// Set maps userID to connID, replacing any previous connection for the user.
	Set(ctx context.Context, userID, connID string) error
	// Get returns the connection registered for userID.
	Get(ctx context.Context, userID string) (connID string, ok bool, err error)
	// RemoveByConnection drops the entry that points at connID, if any.
	RemoveByConnection(ctx context.Context, connID string) (userID string, ok bool, err error)
	// UserByConnection is the reverse lookup of Get.
	UserByConnection(ctx context.Context, connID string) (userID string, ok bool, err error)
	// Touch marks the entry owned by connID as alive.
	Touch(ctx context.Context, connID string) error
	// Count returns the number of users currently online.
	Count(ctx context.Context) (int, error)
}

// StatusOf converts a lookup result into a presence status.
func StatusOf(online bool) Status {
	if online {
		return StatusOnline
	}
	return StatusOffline
}
