package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"

	"github.com/querymind/nlsql/internal/model"
)

type threadState struct {
	mu       sync.Mutex
	thread   model.Thread
	messages []model.Message
	usage    model.TokenUsage
	usedDBs  map[string]bool
}

// MemoryStore is an in-memory Store. Safe for concurrent use; mutations on
// distinct threads never contend since locking is per-thread.
type MemoryStore struct {
	node *snowflake.Node

	mu      sync.RWMutex
	threads map[string]*threadState
	order   []string
}

// NewMemoryStore constructs an empty MemoryStore. node generates thread and
// message ids.
func NewMemoryStore(node *snowflake.Node) *MemoryStore {
	return &MemoryStore{
		node:    node,
		threads: make(map[string]*threadState),
	}
}

func (s *MemoryStore) CreateThread(ctx context.Context, name string) (model.Thread, error) {
	t := model.Thread{
		ID:        s.node.Generate().String(),
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	s.threads[t.ID] = &threadState{thread: t, usedDBs: make(map[string]bool)}
	s.order = append(s.order, t.ID)
	s.mu.Unlock()

	return t, nil
}

func (s *MemoryStore) getState(threadID string) (*threadState, error) {
	s.mu.RLock()
	st, ok := s.threads[threadID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrThreadNotFound
	}
	return st, nil
}

func (s *MemoryStore) GetThread(ctx context.Context, threadID string) (model.Thread, error) {
	st, err := s.getState(threadID)
	if err != nil {
		return model.Thread{}, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.thread, nil
}

func (s *MemoryStore) ListThreads(ctx context.Context) ([]model.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Thread, 0, len(s.order))
	for _, id := range s.order {
		st := s.threads[id]
		st.mu.Lock()
		out = append(out, st.thread)
		st.mu.Unlock()
	}
	return out, nil
}

func (s *MemoryStore) AddMessage(ctx context.Context, msg model.Message) (model.Message, error) {
	st, err := s.getState(msg.ThreadID)
	if err != nil {
		return model.Message{}, err
	}
	msg.ID = s.node.Generate().String()
	msg.CreatedAt = time.Now().UTC()
	st.mu.Lock()
	defer st.mu.Unlock()
	st.messages = append(st.messages, msg)
	return msg, nil
}

func (s *MemoryStore) ListMessages(ctx context.Context, threadID string) ([]model.Message, error) {
	st, err := s.getState(threadID)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]model.Message, len(st.messages))
	copy(out, st.messages)
	return out, nil
}

func (s *MemoryStore) RecordUsage(ctx context.Context, threadID string, usage model.Usage) error {
	st, err := s.getState(threadID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	st.usage.InputTokens += int64(usage.InputTokens)
	st.usage.OutputTokens += int64(usage.OutputTokens)
	st.usage.TotalTokens += int64(usage.InputTokens + usage.OutputTokens)
	st.usage.CallCount++
	return nil
}

func (s *MemoryStore) GetUsage(ctx context.Context, threadID string) (model.TokenUsage, error) {
	st, err := s.getState(threadID)
	if err != nil {
		return model.TokenUsage{}, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.usage, nil
}

func (s *MemoryStore) AddUsedDatabases(ctx context.Context, threadID string, dbIDs []string) error {
	st, err := s.getState(threadID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, id := range dbIDs {
		st.usedDBs[id] = true
	}
	return nil
}

func (s *MemoryStore) GetUsedDatabases(ctx context.Context, threadID string) ([]string, error) {
	st, err := s.getState(threadID)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]string, 0, len(st.usedDBs))
	for id := range st.usedDBs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}
