package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/redis/go-redis/v9"

	"github.com/querymind/nlsql/internal/model"
)

// RedisStore is a Store backed by Redis, for deployments running more than
// one orchestrator process against shared state. Token counters use atomic
// HINCRBY so concurrent turns on the same thread (from different processes)
// never lose an update to a read-modify-write race.
type RedisStore struct {
	rdb  *redis.Client
	node *snowflake.Node
}

// NewRedisStore wraps an already-connected redis.Client.
func NewRedisStore(rdb *redis.Client, node *snowflake.Node) *RedisStore {
	return &RedisStore{rdb: rdb, node: node}
}

func threadKey(id string) string   { return "nlsql:thread:" + id }
func messagesKey(id string) string { return "nlsql:thread:" + id + ":messages" }
func usageKey(id string) string    { return "nlsql:thread:" + id + ":usage" }
func usedDBsKey(id string) string  { return "nlsql:thread:" + id + ":used_dbs" }
func threadIndexKey() string       { return "nlsql:threads" }

func (s *RedisStore) CreateThread(ctx context.Context, name string) (model.Thread, error) {
	t := model.Thread{
		ID:        s.node.Generate().String(),
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}

	data, err := json.Marshal(t)
	if err != nil {
		return model.Thread{}, fmt.Errorf("session: marshal thread: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, threadKey(t.ID), data, 0)
	pipe.ZAdd(ctx, threadIndexKey(), redis.Z{Score: float64(t.CreatedAt.UnixNano()), Member: t.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return model.Thread{}, fmt.Errorf("session: create thread: %w", err)
	}
	return t, nil
}

func (s *RedisStore) GetThread(ctx context.Context, threadID string) (model.Thread, error) {
	data, err := s.rdb.Get(ctx, threadKey(threadID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.Thread{}, ErrThreadNotFound
	}
	if err != nil {
		return model.Thread{}, fmt.Errorf("session: get thread: %w", err)
	}
	var t model.Thread
	if err := json.Unmarshal(data, &t); err != nil {
		return model.Thread{}, fmt.Errorf("session: unmarshal thread: %w", err)
	}
	return t, nil
}

func (s *RedisStore) ListThreads(ctx context.Context) ([]model.Thread, error) {
	ids, err := s.rdb.ZRange(ctx, threadIndexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("session: list threads: %w", err)
	}
	out := make([]model.Thread, 0, len(ids))
	for _, id := range ids {
		t, err := s.GetThread(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *RedisStore) AddMessage(ctx context.Context, msg model.Message) (model.Message, error) {
	if _, err := s.GetThread(ctx, msg.ThreadID); err != nil {
		return model.Message{}, err
	}
	msg.ID = s.node.Generate().String()
	msg.CreatedAt = time.Now().UTC()
	data, err := json.Marshal(msg)
	if err != nil {
		return model.Message{}, fmt.Errorf("session: marshal message: %w", err)
	}
	if err := s.rdb.RPush(ctx, messagesKey(msg.ThreadID), data).Err(); err != nil {
		return model.Message{}, fmt.Errorf("session: add message: %w", err)
	}
	return msg, nil
}

func (s *RedisStore) ListMessages(ctx context.Context, threadID string) ([]model.Message, error) {
	if _, err := s.GetThread(ctx, threadID); err != nil {
		return nil, err
	}
	raw, err := s.rdb.LRange(ctx, messagesKey(threadID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("session: list messages: %w", err)
	}
	out := make([]model.Message, 0, len(raw))
	for _, r := range raw {
		var m model.Message
		if err := json.Unmarshal([]byte(r), &m); err != nil {
			return nil, fmt.Errorf("session: unmarshal message: %w", err)
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *RedisStore) RecordUsage(ctx context.Context, threadID string, usage model.Usage) error {
	if _, err := s.GetThread(ctx, threadID); err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.HIncrBy(ctx, usageKey(threadID), "input_tokens", int64(usage.InputTokens))
	pipe.HIncrBy(ctx, usageKey(threadID), "output_tokens", int64(usage.OutputTokens))
	pipe.HIncrBy(ctx, usageKey(threadID), "total_tokens", int64(usage.InputTokens+usage.OutputTokens))
	pipe.HIncrBy(ctx, usageKey(threadID), "call_count", 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: record usage: %w", err)
	}
	return nil
}

func (s *RedisStore) GetUsage(ctx context.Context, threadID string) (model.TokenUsage, error) {
	if _, err := s.GetThread(ctx, threadID); err != nil {
		return model.TokenUsage{}, err
	}
	res, err := s.rdb.HGetAll(ctx, usageKey(threadID)).Result()
	if err != nil {
		return model.TokenUsage{}, fmt.Errorf("session: get usage: %w", err)
	}
	return model.TokenUsage{
		InputTokens:  parseInt64(res["input_tokens"]),
		OutputTokens: parseInt64(res["output_tokens"]),
		TotalTokens:  parseInt64(res["total_tokens"]),
		CallCount:    parseInt64(res["call_count"]),
	}, nil
}

func (s *RedisStore) AddUsedDatabases(ctx context.Context, threadID string, dbIDs []string) error {
	if len(dbIDs) == 0 {
		return nil
	}
	if _, err := s.GetThread(ctx, threadID); err != nil {
		return err
	}
	members := make([]any, len(dbIDs))
	for i, id := range dbIDs {
		members[i] = id
	}
	if err := s.rdb.SAdd(ctx, usedDBsKey(threadID), members...).Err(); err != nil {
		return fmt.Errorf("session: add used databases: %w", err)
	}
	return nil
}

func (s *RedisStore) GetUsedDatabases(ctx context.Context, threadID string) ([]string, error) {
	if _, err := s.GetThread(ctx, threadID); err != nil {
		return nil, err
	}
	members, err := s.rdb.SMembers(ctx, usedDBsKey(threadID)).Result()
	if err != nil {
		return nil, fmt.Errorf("session: get used databases: %w", err)
	}
	sort.Strings(members)
	return members, nil
}

func parseInt64(s string) int64 {
	v, _ := strconv.ParseInt(s, 10, 64)
	return v
}
