package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisStore keeps each user's messages in a list and weights in a sorted set
// scored by date. RPUSH and LTRIM run in one MULTI/EXEC, so the list can never
// be observed above the retention cap.
type redisStore struct {
	rdb       *redis.Client
	retention int
	prefix    string
}

// redisConfig is the redis section of config.
type redisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// newRedisClient creates a client from config.
func newRedisClient(cfg redisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
}

func newRedisStore(ctx context.Context, rdb *redis.Client, retention int) (*redisStore, error) {
	if retention <= 0 {
		retention = defaultMessageRetention
	}
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}
	return &redisStore{rdb: rdb, retention: retention, prefix: "coach"}, nil
}

func (s *redisStore) messagesKey(userID string) string { return s.prefix + ":messages:" + userID }
func (s *redisStore) weightsKey(userID string) string  { return s.prefix + ":weights:" + userID }
func (s *redisStore) seqKey() string                   { return s.prefix + ":seq" }

func (s *redisStore) AddMessage(ctx context.Context, userID, role, text string) (message, error) {
	id, err := s.rdb.Incr(ctx, s.seqKey()).Result()
	if err != nil {
		return message{}, &persistenceError{Op: "add message", Err: err}
	}
	m := message{ID: id, UserID: userID, Role: role, Text: text, TS: time.Now().UTC()}
	raw, err := json.Marshal(m)
	if err != nil {
		return message{}, &persistenceError{Op: "add message", Err: err}
	}

	key := s.messagesKey(userID)
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, raw)
		pipe.LTrim(ctx, key, int64(-s.retention), -1)
		return nil
	})
	if err != nil {
		return message{}, &persistenceError{Op: "add message", Err: err}
	}
	return m, nil
}

func (s *redisStore) LastMessages(ctx context.Context, userID string, limit int) ([]message, error) {
	if limit <= 0 || limit > s.retention {
		limit = s.retention
	}
	raws, err := s.rdb.LRange(ctx, s.messagesKey(userID), int64(-limit), -1).Result()
	if err != nil {
		return nil, &persistenceError{Op: "last messages", Err: err}
	}
	msgs := make([]message, 0, len(raws))
	for _, raw := range raws {
		var m message
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return nil, &persistenceError{Op: "last messages", Err: err}
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// weightMember encodes an entry as a sorted-set member. The zero-padded id
// prefix makes members unique and orders same-date entries by insertion
// (redis breaks score ties lexicographically).
func weightMember(e weightEntry) (string, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%020d|%s", e.ID, raw), nil
}

func parseWeightMember(member string) (weightEntry, error) {
	_, raw, ok := strings.Cut(member, "|")
	if !ok {
		return weightEntry{}, fmt.Errorf("malformed weight member %q", member)
	}
	var e weightEntry
	err := json.Unmarshal([]byte(raw), &e)
	return e, err
}

// dateScore is the sorted-set score of a date: days since the Unix epoch.
func dateScore(d time.Time) float64 {
	return float64(d.Unix() / 86400)
}

func (s *redisStore) LogWeight(ctx context.Context, userID string, date time.Time, weightKG float64) (weightEntry, *float64, error) {
	id, err := s.rdb.Incr(ctx, s.seqKey()).Result()
	if err != nil {
		return weightEntry{}, nil, &persistenceError{Op: "log weight", Err: err}
	}
	now := time.Now().UTC()
	e := weightEntry{ID: id, UserID: userID, Date: DateOnly{date}, WeightKG: weightKG, CreatedAt: &now}
	member, err := weightMember(e)
	if err != nil {
		return weightEntry{}, nil, &persistenceError{Op: "log weight", Err: err}
	}

	// WATCH makes read-previous-then-add atomic per user.
	key := s.weightsKey(userID)
	var prev *float64
	err = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		prev = nil
		last, err := s.latestWeight(ctx, tx, key)
		if err != nil {
			return err
		}
		if last != nil {
			w := last.WeightKG
			prev = &w
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZAdd(ctx, key, redis.Z{Score: dateScore(date), Member: member})
			return nil
		})
		return err
	}, key)
	if err != nil {
		return weightEntry{}, nil, &persistenceError{Op: "log weight", Err: err}
	}
	return e, prev, nil
}

// latestWeight reads the highest-scored member of key, or nil when empty.
func (s *redisStore) latestWeight(ctx context.Context, c redis.Cmdable, key string) (*weightEntry, error) {
	members, err := c.ZRevRange(ctx, key, 0, 0).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if len(members) == 0 {
		return nil, nil
	}
	e, err := parseWeightMember(members[0])
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *redisStore) LastWeight(ctx context.Context, userID string) (*weightEntry, error) {
	e, err := s.latestWeight(ctx, s.rdb, s.weightsKey(userID))
	if err != nil {
		return nil, &persistenceError{Op: "last weight", Err: err}
	}
	return e, nil
}

func (s *redisStore) WeightHistory(ctx context.Context, userID string, limit int) ([]weightEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	members, err := s.rdb.ZRange(ctx, s.weightsKey(userID), int64(-limit), -1).Result()
	if err != nil {
		return nil, &persistenceError{Op: "weight history", Err: err}
	}
	entries := make([]weightEntry, 0, len(members))
	for _, m := range members {
		e, err := parseWeightMember(m)
		if err != nil {
			return nil, &persistenceError{Op: "weight history", Err: err}
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (s *redisStore) Health(ctx context.Context) map[string]string {
	stats := map[string]string{"backend": "redis", "status": "up"}
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		stats["status"] = "down"
		stats["error"] = err.Error()
		return stats
	}
	ps := s.rdb.PoolStats()
	stats["total_conns"] = fmt.Sprint(ps.TotalConns)
	stats["idle_conns"] = fmt.Sprint(ps.IdleConns)
	return stats
}

func (s *redisStore) Close() error {
	if s.rdb != nil {
		return s.rdb.Close()
	}
	return nil
}
