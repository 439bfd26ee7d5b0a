package presence

import (
	"context"
	"sync"
	"time"

	"github.com/YuarenArt/signalhub/internal/logging"
)

// MemoryRegistry is a process-local Registry. All operations run under one
// mutex so that overwrite on reconnect and cleanup on disconnect never interleave.
type MemoryRegistry struct {
	mu     sync.Mutex
	byUser map[string]*Entry
	byConn map[string]string // connection id -> user id
	ttl    time.Duration
	now    func() time.Time
}

func NewMemoryRegistry(ttl time.Duration) *MemoryRegistry {
	return &MemoryRegistry{
		byUser: make(map[string]*Entry),
		byConn: make(map[string]string),
		ttl:    ttl,
		now:    time.Now,
	}
}

func (r *MemoryRegistry) Set(_ context.Context, userID, connID string) error {
	if userID == "" || connID == "" {
		return ErrInvalidIdentity
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.byUser[userID]; ok && old.ConnectionID != connID {
		delete(r.byConn, old.ConnectionID)
	}
	// A connection speaks for a single user; re-announcing as someone else
	// releases the previous identity.
	if prevUser, ok := r.byConn[connID]; ok && prevUser != userID {
		if e := r.byUser[prevUser]; e != nil && e.ConnectionID == connID {
			delete(r.byUser, prevUser)
		}
	}

	r.byUser[userID] = &Entry{UserID: userID, ConnectionID: connID, LastSeen: r.now()}
	r.byConn[connID] = userID
	return nil
}

func (r *MemoryRegistry) Get(_ context.Context, userID string) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byUser[userID]
	if !ok {
		return "", false, nil
	}
	return e.ConnectionID, true, nil
}

func (r *MemoryRegistry) RemoveByConnection(_ context.Context, connID string) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok := r.byConn[connID]
	if !ok {
		return "", false, nil
	}
	delete(r.byConn, connID)
	if e := r.byUser[userID]; e != nil && e.ConnectionID == connID {
		delete(r.byUser, userID)
	}
	return userID, true, nil
}

func (r *MemoryRegistry) UserByConnection(_ context.Context, connID string) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok := r.byConn[connID]
	return userID, ok, nil
}

func (r *MemoryRegistry) Touch(_ context.Context, connID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if userID, ok := r.byConn[connID]; ok {
		if e := r.byUser[userID]; e != nil && e.ConnectionID == connID {
			e.LastSeen = r.now()
		}
	}
	return nil
}

func (r *MemoryRegistry) Count(context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byUser), nil
}

// Snapshot returns a copy of every entry.
func (r *MemoryRegistry) Snapshot() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Entry, 0, len(r.byUser))
	for _, e := range r.byUser {
		out = append(out, *e)
	}
	return out
}

// Sweep removes entries that have not been touched within the TTL and
// returns what it removed.
func (r *MemoryRegistry) Sweep() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ttl <= 0 {
		return nil
	}
	cutoff := r.now().Add(-r.ttl)

	var expired []Entry
	for userID, e := range r.byUser {
		if e.LastSeen.Before(cutoff) {
			expired = append(expired, *e)
			delete(r.byUser, userID)
			delete(r.byConn, e.ConnectionID)
		}
	}
	return expired
}

// RunSweeper calls Sweep every interval until ctx is cancelled.
func (r *MemoryRegistry) RunSweeper(ctx context.Context, interval time.Duration, logger logging.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, e := range r.Sweep() {
				logger.Info(ctx, "Presence entry expired",
					"user_id", e.UserID,
					"connection_id", e.ConnectionID,
					"last_seen", e.LastSeen)
			}
		}
	}
}
