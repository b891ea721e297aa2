package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisStore adapts the collaborator interfaces onto redis. Documents are
// stored as JSON values; conversations keep an ordered list of message ids
// keyed by the lexically normalized identity pair.
type RedisStore struct {
	rdb *redis.Client
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func userKey(id string) string    { return "user:" + id }
func messageKey(id string) string { return "message:" + id }
func matchKey(id string) string   { return "match:" + id }

// conversationKey is direction-independent: both (a,b) and (b,a) address the
// same list.
func conversationKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return fmt.Sprintf("conversation:%s:%s", a, b)
}

func (s *RedisStore) getJSON(ctx context.Context, key string, out any) error {
	raw, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("redis get %s: %w", key, err)
	}
	return json.Unmarshal(raw, out)
}

func (s *RedisStore) setJSON(ctx context.Context, key string, val any) error {
	raw, err := json.Marshal(val)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, key, raw, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) FindUserByID(ctx context.Context, id string) (*User, error) {
	var user User
	if err := s.getJSON(ctx, userKey(id), &user); err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *RedisStore) UpdateUser(ctx context.Context, user *User) error {
	if _, err := s.FindUserByID(ctx, user.ID); err != nil {
		return err
	}
	user.UpdatedAt = time.Now()
	return s.setJSON(ctx, userKey(user.ID), user)
}

func (s *RedisStore) CreateMessage(ctx context.Context, msg *Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	if err := s.setJSON(ctx, messageKey(msg.ID), msg); err != nil {
		return err
	}
	convKey := conversationKey(msg.Sender, msg.Receiver)
	if err := s.rdb.RPush(ctx, convKey, msg.ID).Err(); err != nil {
		return fmt.Errorf("redis rpush %s: %w", convKey, err)
	}
	return nil
}

func (s *RedisStore) FindMessagesBetween(ctx context.Context, a, b string) ([]*Message, error) {
	convKey := conversationKey(a, b)
	ids, err := s.rdb.LRange(ctx, convKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange %s: %w", convKey, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = messageKey(id)
	}
	raws, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget: %w", err)
	}

	out := make([]*Message, 0, len(raws))
	for _, raw := range raws {
		str, ok := raw.(string)
		if !ok {
			// Message value expired or was removed out-of-band; skip it.
			continue
		}
		var msg Message
		if err := json.Unmarshal([]byte(str), &msg); err != nil {
			return nil, err
		}
		out = append(out, &msg)
	}
	return out, nil
}

func (s *RedisStore) UpdateMessage(ctx context.Context, msg *Message) error {
	var existing Message
	if err := s.getJSON(ctx, messageKey(msg.ID), &existing); err != nil {
		return err
	}
	msg.UpdatedAt = time.Now()
	return s.setJSON(ctx, messageKey(msg.ID), msg)
}

func (s *RedisStore) FindOrCreateMatch(ctx context.Context, userID string) (*Match, error) {
	var match Match
	err := s.getJSON(ctx, matchKey(userID), &match)
	if errors.Is(err, ErrNotFound) {
		match = Match{UserID: userID}
		if err := s.setJSON(ctx, matchKey(userID), &match); err != nil {
			return nil, err
		}
		return &match, nil
	}
	if err != nil {
		return nil, err
	}
	return &match, nil
}
