package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stemsi/kubelab-exams/internal/config"
	"github.com/stemsi/kubelab-exams/internal/model"
)

// KEYS: active pointer, session body, deadline index.
// ARGV: session id, session JSON, deadline unix seconds.
var insertSessionScript = redis.NewScript(`
if not redis.call('SET', KEYS[1], ARGV[1], 'NX') then
	return 0
end
redis.call('SET', KEYS[2], ARGV[2])
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
return 1
`)

// KEYS: active pointer, session body, deadline index.
// ARGV: session id.
var finishSessionScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) ~= ARGV[1] then
	return false
end
local body = redis.call('GET', KEYS[2])
redis.call('DEL', KEYS[1], KEYS[2])
redis.call('ZREM', KEYS[3], ARGV[1])
return body
`)

// RedisSessionStore keeps active sessions in Redis. Only active sessions live
// here; the attempt store keeps the permanent record.
type RedisSessionStore struct {
	rdb *redis.Client
}

// NewRedisSessionStore creates a new RedisSessionStore.
func NewRedisSessionStore(rdb *redis.Client) *RedisSessionStore {
	return &RedisSessionStore{rdb: rdb}
}

func (r *RedisSessionStore) InsertIfAbsent(ctx context.Context, s *model.ExamSession) error {
	if s.Answers == nil {
		s.Answers = map[string]model.Answer{}
	}
	body, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}

	keys := []string{
		config.CacheKey.ActiveSessionKey(s.UserID, s.ExamID),
		config.CacheKey.SessionKey(s.ID.String()),
		config.CacheKey.SessionDeadlinesKey(),
	}
	created, err := insertSessionScript.Run(ctx, r.rdb, keys,
		s.ID.String(), body, s.Deadline().Unix()).Int()
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	if created == 0 {
		return ErrActiveSessionExists
	}
	return nil
}

func (r *RedisSessionStore) GetActive(ctx context.Context, key model.SessionKey) (*model.ExamSession, error) {
	id, err := r.rdb.Get(ctx, config.CacheKey.ActiveSessionKey(key.UserID, key.ExamID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get active session id: %w", err)
	}

	body, err := r.rdb.Get(ctx, config.CacheKey.SessionKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return decodeSession(body)
}

func (r *RedisSessionStore) Finish(ctx context.Context, key model.SessionKey, sessionID uuid.UUID, answers map[string]model.Answer, at time.Time) (*model.ExamSession, error) {
	keys := []string{
		config.CacheKey.ActiveSessionKey(key.UserID, key.ExamID),
		config.CacheKey.SessionKey(sessionID.String()),
		config.CacheKey.SessionDeadlinesKey(),
	}
	body, err := finishSessionScript.Run(ctx, r.rdb, keys, sessionID.String()).Text()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("finish session: %w", err)
	}

	s, err := decodeSession([]byte(body))
	if err != nil {
		return nil, err
	}
	if answers == nil {
		answers = map[string]model.Answer{}
	}
	finished := at
	s.Answers = answers
	s.IsActive = false
	s.FinishedAt = &finished
	return s, nil
}

func (r *RedisSessionStore) ListExpired(ctx context.Context, cutoff time.Time, limit int) ([]model.ExamSession, error) {
	ids, err := r.rdb.ZRangeByScore(ctx, config.CacheKey.SessionDeadlinesKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   "(" + strconv.FormatInt(cutoff.Unix(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("range deadlines: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = config.CacheKey.SessionKey(id)
	}
	bodies, err := r.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load expired sessions: %w", err)
	}

	sessions := make([]model.ExamSession, 0, len(bodies))
	for _, b := range bodies {
		str, ok := b.(string)
		if !ok {
			continue
		}
		s, err := decodeSession([]byte(str))
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *s)
	}
	return sessions, nil
}

func decodeSession(body []byte) (*model.ExamSession, error) {
	var s model.ExamSession
	if err := json.Unmarshal(body, &s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	if s.Answers == nil {
		s.Answers = map[string]model.Answer{}
	}
	return &s, nil
}
