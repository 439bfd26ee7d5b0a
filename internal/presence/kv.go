package presence

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// setAttempts bounds how often Set retries a user key that changed under it.
const setAttempts = 5

// KVRegistry keeps presence in two JetStream KV buckets so every instance of
// the service sees the same view. Bucket TTL expires entries whose owner stops
// touching them.
type KVRegistry struct {
	users nats.KeyValue // user id -> connection id
	conns nats.KeyValue // connection id -> user id
}

func NewKVRegistry(js nats.JetStreamContext, prefix string, ttl time.Duration) (*KVRegistry, error) {
	users, err := bindBucket(js, prefix+"_USERS", ttl)
	if err != nil {
		return nil, err
	}
	conns, err := bindBucket(js, prefix+"_CONNS", ttl)
	if err != nil {
		return nil, err
	}
	return &KVRegistry{users: users, conns: conns}, nil
}

func bindBucket(js nats.JetStreamContext, bucket string, ttl time.Duration) (nats.KeyValue, error) {
	kv, err := js.CreateKeyValue(&nats.KeyValueConfig{
		Bucket:  bucket,
		History: 1,
		TTL:     ttl,
		Storage: nats.MemoryStorage,
	})
	if err == nil {
		return kv, nil
	}
	// Another instance may have created it with a slightly different config.
	if kv, bindErr := js.KeyValue(bucket); bindErr == nil {
		return kv, nil
	}
	return nil, fmt.Errorf("create kv bucket %s: %w", bucket, err)
}

// kvKey encodes an opaque identity into the restricted KV key alphabet.
func kvKey(id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(id))
}

func lookup(kv nats.KeyValue, id string) (nats.KeyValueEntry, bool, error) {
	e, err := kv.Get(kvKey(id))
	if errors.Is(err, nats.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return e, true, nil
}

// Set writes the reverse entry first and then moves the user key with a
// revision check, retrying when another instance announced the same user in
// between.
func (r *KVRegistry) Set(ctx context.Context, userID, connID string) error {
	if userID == "" || connID == "" {
		return ErrInvalidIdentity
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// A connection speaks for a single user.
	ce, ok, err := lookup(r.conns, connID)
	if err != nil {
		return fmt.Errorf("get connection %s: %w", connID, err)
	}
	if ok && string(ce.Value()) != userID {
		if err := r.releaseUser(string(ce.Value()), connID); err != nil {
			return err
		}
	}
	if _, err := r.conns.Put(kvKey(connID), []byte(userID)); err != nil {
		return fmt.Errorf("put connection %s: %w", connID, err)
	}

	for attempt := 0; attempt < setAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		prev, ok, err := lookup(r.users, userID)
		if err != nil {
			return fmt.Errorf("get user %s: %w", userID, err)
		}
		if !ok {
			_, err = r.users.Create(kvKey(userID), []byte(connID))
		} else {
			if old := string(prev.Value()); old != connID {
				if err := r.releaseConn(old, userID); err != nil {
					return err
				}
			}
			_, err = r.users.Update(kvKey(userID), []byte(connID), prev.Revision())
		}
		if err == nil {
			return nil
		}
		if !isRevisionMismatch(err) {
			return fmt.Errorf("put user %s: %w", userID, err)
		}
	}
	return fmt.Errorf("put user %s: %w", userID, ErrConflict)
}

// releaseUser deletes the user key only while it still points at connID.
func (r *KVRegistry) releaseUser(userID, connID string) error {
	ue, ok, err := lookup(r.users, userID)
	if err != nil {
		return fmt.Errorf("get user %s: %w", userID, err)
	}
	if !ok || string(ue.Value()) != connID {
		return nil
	}
	err = r.users.Delete(kvKey(userID), nats.LastRevision(ue.Revision()))
	if err != nil && !errors.Is(err, nats.ErrKeyNotFound) && !isRevisionMismatch(err) {
		return fmt.Errorf("delete user %s: %w", userID, err)
	}
	return nil
}

// releaseConn deletes the connection key only while it still names userID.
func (r *KVRegistry) releaseConn(connID, userID string) error {
	ce, ok, err := lookup(r.conns, connID)
	if err != nil {
		return fmt.Errorf("get connection %s: %w", connID, err)
	}
	if !ok || string(ce.Value()) != userID {
		return nil
	}
	err = r.conns.Delete(kvKey(connID), nats.LastRevision(ce.Revision()))
	if err != nil && !errors.Is(err, nats.ErrKeyNotFound) && !isRevisionMismatch(err) {
		return fmt.Errorf("release connection %s: %w", connID, err)
	}
	return nil
}

func (r *KVRegistry) Get(ctx context.Context, userID string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	e, ok, err := lookup(r.users, userID)
	if err != nil || !ok {
		return "", false, err
	}
	return string(e.Value()), true, nil
}

func (r *KVRegistry) RemoveByConnection(ctx context.Context, connID string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	ce, ok, err := lookup(r.conns, connID)
	if err != nil || !ok {
		return "", false, err
	}
	userID := string(ce.Value())

	if err := r.conns.Delete(kvKey(connID)); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return "", false, fmt.Errorf("delete connection %s: %w", connID, err)
	}

	// Guarded by revision: a reconnect that landed meanwhile wins.
	if err := r.releaseUser(userID, connID); err != nil {
		return userID, true, err
	}
	return userID, true, nil
}

func (r *KVRegistry) UserByConnection(ctx context.Context, connID string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	e, ok, err := lookup(r.conns, connID)
	if err != nil || !ok {
		return "", false, err
	}
	return string(e.Value()), true, nil
}

// Touch rewrites both keys, restarting their TTL.
func (r *KVRegistry) Touch(ctx context.Context, connID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ce, ok, err := lookup(r.conns, connID)
	if err != nil || !ok {
		return err
	}
	userID := string(ce.Value())

	ue, ok, err := lookup(r.users, userID)
	if err != nil || !ok || string(ue.Value()) != connID {
		return err
	}
	if _, err := r.users.Update(kvKey(userID), []byte(connID), ue.Revision()); err != nil && !isRevisionMismatch(err) {
		return fmt.Errorf("refresh user %s: %w", userID, err)
	}
	if _, err := r.conns.Update(kvKey(connID), []byte(userID), ce.Revision()); err != nil && !isRevisionMismatch(err) {
		return fmt.Errorf("refresh connection %s: %w", connID, err)
	}
	return nil
}

func (r *KVRegistry) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	keys, err := r.users.Keys()
	if errors.Is(err, nats.ErrNoKeysFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

func isRevisionMismatch(err error) bool {
	if errors.Is(err, nats.ErrKeyExists) {
		return true
	}
	var apiErr *nats.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode == nats.JSErrCodeStreamWrongLastSequence
	}
	return false
}
