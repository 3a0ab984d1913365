package calls

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	sessionKeyPrefix = "voice:session:"
	sessionIndexKey  = "voice:sessions"
)

var saveSessionScript = redis.NewScript(`
-- KEYS[1] = session hash
-- KEYS[2] = index set
-- ARGV[1] = session json
-- ARGV[2] = status rank
-- ARGV[3] = ttl_ms
-- ARGV[4] = conference name
--
-- Returns 1 when written, 0 when a higher-ranked status is already stored.
local current = redis.call('HGET', KEYS[1], 'rank')
if current and tonumber(current) > tonumber(ARGV[2]) then
  return 0
end
redis.call('HSET', KEYS[1], 'data', ARGV[1], 'rank', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
redis.call('SADD', KEYS[2], ARGV[4])
return 1
`)

// RedisStore mirrors call sessions in Redis so another process (or a restart)
// can pick them up. Status regressions are refused atomically across writers.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	return &RedisStore{rdb: rdb, ttl: ttl}
}

func sessionKey(conferenceName string) string { return sessionKeyPrefix + conferenceName }

// Save writes s unless the stored copy already carries a higher-ranked status.
func (s *RedisStore) Save(ctx context.Context, cs CallSession) error {
	_, err := s.SaveIfNotRegressed(ctx, cs)
	return err
}

// SaveIfNotRegressed is Save reporting whether the write was applied.
func (s *RedisStore) SaveIfNotRegressed(ctx context.Context, cs CallSession) (bool, error) {
	if s.rdb == nil {
		return false, errors.New("calls: redis client is nil")
	}
	raw, err := json.Marshal(cs)
	if err != nil {
		return false, fmt.Errorf("calls: encode session: %w", err)
	}
	n, err := saveSessionScript.Run(ctx, s.rdb,
		[]string{sessionKey(cs.ConferenceName), sessionIndexKey},
		string(raw), cs.Status.Rank(), s.ttl.Milliseconds(), cs.ConferenceName,
	).Int()
	if err != nil {
		return false, fmt.Errorf("calls: save session: %w", err)
	}
	return n == 1, nil
}

func (s *RedisStore) Delete(ctx context.Context, conferenceName string) error {
	if s.rdb == nil {
		return errors.New("calls: redis client is nil")
	}
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, sessionKey(conferenceName))
		p.SRem(ctx, sessionIndexKey, conferenceName)
		return nil
	})
	return err
}

// LoadAll returns every mirrored session and drops index entries whose hash expired.
func (s *RedisStore) LoadAll(ctx context.Context) ([]CallSession, error) {
	if s.rdb == nil {
		return nil, errors.New("calls: redis client is nil")
	}
	names, err := s.rdb.SMembers(ctx, sessionIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("calls: list sessions: %w", err)
	}
	if len(names) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.StringCmd, len(names))
	_, err = s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, name := range names {
			cmds[i] = p.HGet(ctx, sessionKey(name), "data")
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("calls: load sessions: %w", err)
	}

	out := make([]CallSession, 0, len(names))
	var expired []any
	for i, cmd := range cmds {
		raw, err := cmd.Result()
		if errors.Is(err, redis.Nil) {
			expired = append(expired, names[i])
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("calls: load session %s: %w", names[i], err)
		}
		var cs CallSession
		if err := json.Unmarshal([]byte(raw), &cs); err != nil {
			return nil, fmt.Errorf("calls: decode session %s: %w", names[i], err)
		}
		out = append(out, cs)
	}
	if len(expired) > 0 {
		_ = s.rdb.SRem(ctx, sessionIndexKey, expired...).Err()
	}
	return out, nil
}

// MemoryStore is an in-process SnapshotStore for tests and single-node development.
type MemoryStore struct {
	mu sync.Mutex
	m  map[string]CallSession
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{m: make(map[string]CallSession)} }

func (s *MemoryStore) Save(_ context.Context, cs CallSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.m[cs.ConferenceName]; ok && cur.Status.Rank() > cs.Status.Rank() {
		return nil
	}
	s.m[cs.ConferenceName] = cs
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, conferenceName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, conferenceName)
	return nil
}

func (s *MemoryStore) LoadAll(_ context.Context) ([]CallSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]CallSession, 0, len(s.m))
	for _, cs := range s.m {
		out = append(out, cs)
	}
	return out, nil
}

// Get returns a mirrored session (tests).
func (s *MemoryStore) Get(conferenceName string) (CallSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.m[conferenceName]
	return cs, ok
}
