// Package httpapi exposes the orchestration core over HTTP: a handler
// struct wraps the services it needs, binds the request body, and maps
// domain errors to status codes rather than leaking them to the caller.
package httpapi

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/querymind/nlsql/internal/model"
	"github.com/querymind/nlsql/internal/session"
)

// maxConcurrentHealthPings bounds how many datasource pings ListDataSources
// runs at once, so one slow unreachable database doesn't fan out into an
// unbounded goroutine burst on a catalog with many entries.
const maxConcurrentHealthPings = 8

// turnRunner is the narrow slice of *orchestrator.Orchestrator the handler
// needs, so tests can stub it without standing up the full pipeline.
type turnRunner interface {
	HandleTurn(ctx context.Context, threadID, question string) (model.TurnResult, []model.DebugTraceRow, error)
}

type dataSourceLister interface {
	ListDatabases() []model.DataSourceCatalogEntry
}

// dataSourcePinger checks that a catalog entry's database is reachable.
// Left nil in tests that don't care about health (e.g. the schema catalog
// alone satisfies dataSourceLister but not this).
type dataSourcePinger interface {
	Ping(ctx context.Context, dbID string) error
}

type Handler struct {
	orchestrator turnRunner
	sessions     session.Store
	catalog      dataSourceLister
	pinger       dataSourcePinger
}

func NewHandler(orch turnRunner, sessions session.Store, catalog dataSourceLister, pinger dataSourcePinger) *Handler {
	return &Handler{orchestrator: orch, sessions: sessions, catalog: catalog, pinger: pinger}
}

func (h *Handler) ListThreads(c *gin.Context) {
	ctx := c.Request.Context()

	threads, err := h.sessions.ListThreads(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "list threads failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list threads"})
		return
	}

	out := make([]threadResponse, 0, len(threads))
	for _, t := range threads {
		out = append(out, toThreadResponse(t))
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) CreateThread(c *gin.Context) {
	ctx := c.Request.Context()

	var req createThreadRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		slog.WarnContext(ctx, "invalid create thread request", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	thread, err := h.sessions.CreateThread(ctx, req.Name)
	if err != nil {
		slog.ErrorContext(ctx, "create thread failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create thread"})
		return
	}

	c.JSON(http.StatusCreated, toThreadResponse(thread))
}

func (h *Handler) GetThread(c *gin.Context) {
	ctx := c.Request.Context()
	threadID := c.Param("id")

	thread, err := h.sessions.GetThread(ctx, threadID)
	if err != nil {
		if errors.Is(err, session.ErrThreadNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "thread not found"})
			return
		}
		slog.ErrorContext(ctx, "get thread failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load thread"})
		return
	}

	c.JSON(http.StatusOK, toThreadResponse(thread))
}

func (h *Handler) ListMessages(c *gin.Context) {
	ctx := c.Request.Context()
	threadID := c.Param("id")

	msgs, err := h.sessions.ListMessages(ctx, threadID)
	if err != nil {
		if errors.Is(err, session.ErrThreadNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "thread not found"})
			return
		}
		slog.ErrorContext(ctx, "list messages failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list messages"})
		return
	}

	out := make([]messageResponse, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toMessageResponse(m))
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) PostMessage(c *gin.Context) {
	ctx := c.Request.Context()
	threadID := c.Param("id")

	if _, err := h.sessions.GetThread(ctx, threadID); err != nil {
		if errors.Is(err, session.ErrThreadNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "thread not found"})
			return
		}
		slog.ErrorContext(ctx, "get thread failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load thread"})
		return
	}

	var req postMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		slog.WarnContext(ctx, "invalid post message request", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	userMsg, err := h.sessions.AddMessage(ctx, model.Message{ThreadID: threadID, Sender: model.SenderUser, Content: req.Content})
	if err != nil {
		slog.ErrorContext(ctx, "persist user message failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record message"})
		return
	}

	result, trace, err := h.orchestrator.HandleTurn(ctx, threadID, req.Content)
	if err != nil {
		slog.ErrorContext(ctx, "turn handling failed", "thread", threadID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to process message"})
		return
	}

	serverMsg, err := h.sessions.AddMessage(ctx, model.Message{
		ThreadID: threadID,
		Sender:   model.SenderServer,
		Content:  serverMessageText(result),
		Metadata: &model.MessageMetadata{Result: &result, DebugTrace: trace},
	})
	if err != nil {
		slog.ErrorContext(ctx, "persist server message failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record response"})
		return
	}

	c.JSON(http.StatusOK, postMessageResponse{
		UserMessage:   toMessageResponse(userMsg),
		ServerMessage: toMessageResponse(serverMsg),
	})
}

// serverMessageText picks the human-facing text for a turn outcome. Every
// branch of the TurnOutcome union has exactly one field that carries
// user-facing prose; this is the single place that knows which one.
func serverMessageText(r model.TurnResult) string {
	switch r.Outcome {
	case model.TurnOutcomeRejected:
		return r.Reason
	case model.TurnOutcomeClarification:
		return r.Question
	case model.TurnOutcomeAnswerDirect, model.TurnOutcomeAnswer:
		return r.Text
	case model.TurnOutcomePlanError:
		return "I couldn't put together a plan to answer that: " + r.PlanErrorReason
	case model.TurnOutcomeExecutionError:
		return "I ran into an error while answering that: " + r.LastError
	default:
		return ""
	}
}

func (h *Handler) GetTokenUsage(c *gin.Context) {
	ctx := c.Request.Context()
	threadID := c.Param("id")

	usage, err := h.sessions.GetUsage(ctx, threadID)
	if err != nil {
		if errors.Is(err, session.ErrThreadNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "thread not found"})
			return
		}
		slog.ErrorContext(ctx, "get usage failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load token usage"})
		return
	}

	c.JSON(http.StatusOK, toTokenUsageResponse(usage))
}

func (h *Handler) GetUsedDatabases(c *gin.Context) {
	ctx := c.Request.Context()
	threadID := c.Param("id")

	dbIDs, err := h.sessions.GetUsedDatabases(ctx, threadID)
	if err != nil {
		if errors.Is(err, session.ErrThreadNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "thread not found"})
			return
		}
		slog.ErrorContext(ctx, "get used databases failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load used databases"})
		return
	}

	c.JSON(http.StatusOK, usedDatabasesResponse{Databases: dbIDs})
}

// ListDataSources reports every catalog entry alongside a live health
// check. Pings run concurrently, bounded by maxConcurrentHealthPings, so a
// single unreachable database doesn't serialize the whole listing.
func (h *Handler) ListDataSources(c *gin.Context) {
	ctx := c.Request.Context()
	entries := h.catalog.ListDatabases()
	out := make([]dataSourceResponse, len(entries))

	if h.pinger == nil {
		for i, e := range entries {
			out[i] = toDataSourceResponse(e)
		}
		c.JSON(http.StatusOK, out)
		return
	}

	sem := make(chan struct{}, maxConcurrentHealthPings)
	var wg sync.WaitGroup
	for i, e := range entries {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, e model.DataSourceCatalogEntry) {
			defer wg.Done()
			defer func() { <-sem }()
			resp := toDataSourceResponse(e)
			healthy := h.pinger.Ping(ctx, e.DBID) == nil
			resp.Healthy = &healthy
			out[i] = resp
		}(i, e)
	}
	wg.Wait()

	c.JSON(http.StatusOK, out)
}
