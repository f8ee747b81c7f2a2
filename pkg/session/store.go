package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/faros/cockpit-gateway/pkg/observability"
)

// UserTTL bounds the lifetime of a user record. Every write resets it.
const UserTTL = 43200 * time.Second

var (
	// ErrUserNotFound is returned when no record exists for the key
	ErrUserNotFound = errors.New("user not found in session store")

	// ErrSessionUnavailable is returned when the store cannot confirm a
	// write. Login flows must abort on it rather than continue with an
	// unpersisted user.
	ErrSessionUnavailable = errors.New("session store unavailable")
)

// Store persists User records in redis
type Store struct {
	client  *redis.Client
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewStore creates a Store on top of an established redis client
func NewStore(client *redis.Client, logger *observability.Logger, metrics *observability.Metrics) *Store {
	return &Store{client: client, logger: logger, metrics: metrics}
}

// GetUser loads the user record stored under the given id and hash
func (s *Store) GetUser(ctx context.Context, id, hash string) (*User, error) {
	key := UserKey(id, hash)

	data, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, ErrUserNotFound
	}
	if err != nil {
		s.countError("get")
		return nil, fmt.Errorf("%w: %v", ErrSessionUnavailable, err)
	}

	var user User
	if err := json.Unmarshal(data, &user); err != nil {
		s.countError("get")
		return nil, fmt.Errorf("corrupt user record %s: %w", key, err)
	}

	return &user, nil
}

// PutUser persists the user record and confirms the write by reading it
// back. A write that cannot be read back counts as a failed write.
func (s *Store) PutUser(ctx context.Context, user *User) error {
	key := user.Key()

	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("marshal user record: %w", err)
	}

	if err := s.client.Set(ctx, key, data, UserTTL).Err(); err != nil {
		s.countError("put")
		return fmt.Errorf("%w: %v", ErrSessionUnavailable, err)
	}

	if err := s.client.Get(ctx, key).Err(); err != nil {
		s.countError("put")
		s.logger.WithError(err).WithField("key", key).Error("session write readback failed")
		return fmt.Errorf("%w: readback: %v", ErrSessionUnavailable, err)
	}

	return nil
}

// DeleteUser removes the user record. Deleting a missing record is not an
// error.
func (s *Store) DeleteUser(ctx context.Context, id, hash string) error {
	if err := s.client.Del(ctx, UserKey(id, hash)).Err(); err != nil {
		s.countError("delete")
		return fmt.Errorf("%w: %v", ErrSessionUnavailable, err)
	}
	return nil
}

// Ready reports whether the store can serve requests
func (s *Store) Ready(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrSessionUnavailable, err)
	}
	return nil
}

func (s *Store) countError(operation string) {
	if s.metrics != nil {
		s.metrics.SessionStoreErrorsTotal.WithLabelValues(operation).Inc()
	}
}
