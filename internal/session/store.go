// Package session tracks per-thread token usage and used-database sets
// across turns, and owns the thread/message transcript. Two backings
// implement the same Store interface: an in-memory map for single-process
// deployments and a Redis-backed one for multi-process deployments.
package session

import (
	"context"
	"errors"

	"github.com/querymind/nlsql/internal/model"
)

// ErrThreadNotFound is returned by any Store method addressing an unknown
// thread id.
var ErrThreadNotFound = errors.New("session: thread not found")

// Store is the persistence surface the orchestrator and HTTP API use for
// threads, their transcripts, token usage, and used-database sets. Token
// usage and the used-database set are both monotonic for the lifetime of a
// thread: callers only ever add to them.
type Store interface {
	CreateThread(ctx context.Context, name string) (model.Thread, error)
	GetThread(ctx context.Context, threadID string) (model.Thread, error)
	ListThreads(ctx context.Context) ([]model.Thread, error)

	// AddMessage assigns msg its ID and CreatedAt (the caller's values, if
	// any, are overwritten) and returns the stored message.
	AddMessage(ctx context.Context, msg model.Message) (model.Message, error)
	ListMessages(ctx context.Context, threadID string) ([]model.Message, error)

	RecordUsage(ctx context.Context, threadID string, usage model.Usage) error
	GetUsage(ctx context.Context, threadID string) (model.TokenUsage, error)

	AddUsedDatabases(ctx context.Context, threadID string, dbIDs []string) error
	GetUsedDatabases(ctx context.Context, threadID string) ([]string, error)
}
