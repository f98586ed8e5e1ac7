package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sautiflow/sautiflow/internal/services"
)

const sessionPrefix = "smssession:"

// SessionStore keeps survey sessions in Redis, one JSON value per
// (tenant, phone) key with the key TTL mirroring the session expiry.
// Optimistic concurrency uses WATCH so a concurrent write aborts the
// transaction instead of clobbering it.
type SessionStore struct {
	rdb *redis.Client
	now func() time.Time
}

func NewSessionStore(rdb *redis.Client) *SessionStore {
	return &SessionStore{rdb: rdb, now: func() time.Time { return time.Now().UTC() }}
}

func sessionKey(tenantID, phone string) string {
	return fmt.Sprintf("%s%s:%s", sessionPrefix, tenantID, phone)
}

func (s *SessionStore) load(ctx context.Context, key string) (*services.Session, error) {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	var sess services.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &sess, nil
}

func (s *SessionStore) FindActiveSession(ctx context.Context, tenantID, phone string) (*services.Session, error) {
	sess, err := s.load(ctx, sessionKey(tenantID, phone))
	if err != nil || sess == nil {
		return nil, err
	}
	if sess.Status != services.SessionInProgress || !s.now().Before(sess.ExpiresAt) {
		return nil, nil
	}
	return sess, nil
}

func (s *SessionStore) CreateSession(ctx context.Context, sess *services.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	key := sessionKey(sess.TenantID, sess.PhoneNumber)
	ttl := sess.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return services.ErrVersionConflict
	}
	ok, err := s.rdb.SetNX(ctx, key, data, ttl).Result()
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	if ok {
		return nil
	}
	// A value already occupies the key. A live session is a conflict; a
	// completed or lapsed one may be replaced, but only under WATCH so a
	// concurrent creation (or an answer it already recorded) is never
	// clobbered by this stale write.
	txn := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("load session: %w", err)
		}
		if err == nil {
			var existing services.Session
			if err := json.Unmarshal(raw, &existing); err != nil {
				return fmt.Errorf("decode session: %w", err)
			}
			if existing.Status == services.SessionInProgress && s.now().Before(existing.ExpiresAt) {
				return services.ErrVersionConflict
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, ttl)
			return nil
		})
		return err
	}
	err = s.rdb.Watch(ctx, txn, key)
	if errors.Is(err, redis.TxFailedErr) {
		return services.ErrVersionConflict
	}
	return err
}

func (s *SessionStore) UpdateSession(ctx context.Context, sess *services.Session) error {
	key := sessionKey(sess.TenantID, sess.PhoneNumber)
	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return services.ErrVersionConflict
		}
		if err != nil {
			return fmt.Errorf("load session: %w", err)
		}
		var stored services.Session
		if err := json.Unmarshal(data, &stored); err != nil {
			return fmt.Errorf("decode session: %w", err)
		}
		if stored.ID != sess.ID || stored.Version != sess.Version {
			return services.ErrVersionConflict
		}
		next := *sess
		next.Version++
		out, err := json.Marshal(&next)
		if err != nil {
			return fmt.Errorf("encode session: %w", err)
		}
		ttl := next.ExpiresAt.Sub(s.now())
		if ttl <= 0 {
			ttl = time.Second
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, ttl)
			return nil
		})
		return err
	}
	err := s.rdb.Watch(ctx, txn, key)
	if errors.Is(err, redis.TxFailedErr) {
		return services.ErrVersionConflict
	}
	return err
}

var _ services.SessionStore = (*SessionStore)(nil)
