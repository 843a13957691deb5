package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/querymind/nlsql/internal/httpapi"
	"github.com/querymind/nlsql/internal/model"
	"github.com/querymind/nlsql/internal/session"
)

type stubRunner struct {
	resultFn func(threadID, question string) (model.TurnResult, []model.DebugTraceRow, error)
}

func (s *stubRunner) HandleTurn(ctx context.Context, threadID, question string) (model.TurnResult, []model.DebugTraceRow, error) {
	return s.resultFn(threadID, question)
}

type stubCatalog struct {
	entries []model.DataSourceCatalogEntry
}

func (s *stubCatalog) ListDatabases() []model.DataSourceCatalogEntry {
	return s.entries
}

type stubPinger struct {
	unreachable map[string]bool
}

func (s *stubPinger) Ping(ctx context.Context, dbID string) error {
	if s.unreachable[dbID] {
		return errors.New("connection refused")
	}
	return nil
}

var _ = Describe("Handler", func() {
	var (
		router   *gin.Engine
		sessions *session.MemoryStore
		runner   *stubRunner
		catalog  *stubCatalog
		threadID string
	)

	BeforeEach(func() {
		gin.SetMode(gin.TestMode)

		node, err := snowflake.NewNode(1)
		Expect(err).NotTo(HaveOccurred())
		sessions = session.NewMemoryStore(node)

		runner = &stubRunner{}
		catalog = &stubCatalog{entries: []model.DataSourceCatalogEntry{
			{DBID: "customer_db", Name: "Customers", Description: "customer records"},
		}}

		h := httpapi.NewHandler(runner, sessions, catalog, nil)
		router = gin.New()
		httpapi.SetupRoutes(router, h)

		thread, err := sessions.CreateThread(context.Background(), "test thread")
		Expect(err).NotTo(HaveOccurred())
		threadID = thread.ID
	})

	It("lists data sources", func() {
		req := httptest.NewRequest(http.MethodGet, "/api/data-sources", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		Expect(w.Code).To(Equal(http.StatusOK))
		var resp []map[string]any
		Expect(json.Unmarshal(w.Body.Bytes(), &resp)).To(Succeed())
		Expect(resp).To(HaveLen(1))
		Expect(resp[0]["id"]).To(Equal("customer_db"))
		Expect(resp[0]).NotTo(HaveKey("healthy"))
	})

	It("pings each data source concurrently when a pinger is configured", func() {
		catalog.entries = []model.DataSourceCatalogEntry{
			{DBID: "customer_db", Name: "Customers"},
			{DBID: "accounts_db", Name: "Accounts"},
		}
		pinger := &stubPinger{unreachable: map[string]bool{"accounts_db": true}}
		h := httpapi.NewHandler(runner, sessions, catalog, pinger)
		r := gin.New()
		httpapi.SetupRoutes(r, h)

		req := httptest.NewRequest(http.MethodGet, "/api/data-sources", nil)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		Expect(w.Code).To(Equal(http.StatusOK))
		var resp []map[string]any
		Expect(json.Unmarshal(w.Body.Bytes(), &resp)).To(Succeed())
		Expect(resp).To(HaveLen(2))
		byID := map[string]map[string]any{}
		for _, r := range resp {
			byID[r["id"].(string)] = r
		}
		Expect(byID["customer_db"]["healthy"]).To(Equal(true))
		Expect(byID["accounts_db"]["healthy"]).To(Equal(false))
	})

	It("creates and fetches a thread", func() {
		body, _ := json.Marshal(map[string]string{"name": "my thread"})
		req := httptest.NewRequest(http.MethodPost, "/api/threads", bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		Expect(w.Code).To(Equal(http.StatusCreated))
		var created map[string]any
		Expect(json.Unmarshal(w.Body.Bytes(), &created)).To(Succeed())
		id := created["id"].(string)

		req2 := httptest.NewRequest(http.MethodGet, "/api/threads/"+id, nil)
		w2 := httptest.NewRecorder()
		router.ServeHTTP(w2, req2)
		Expect(w2.Code).To(Equal(http.StatusOK))
	})

	It("returns 404 for an unknown thread", func() {
		req := httptest.NewRequest(http.MethodGet, "/api/threads/does-not-exist", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		Expect(w.Code).To(Equal(http.StatusNotFound))
	})

	It("posts a message and returns the pipeline outcome", func() {
		runner.resultFn = func(tid, question string) (model.TurnResult, []model.DebugTraceRow, error) {
			Expect(tid).To(Equal(threadID))
			Expect(question).To(Equal("how many customers signed up last week?"))
			return model.TurnResult{
				Outcome:         model.TurnOutcomeAnswer,
				Text:            "42 customers signed up.",
				Confidence:      model.ConfidenceHigh,
				DataSourcesUsed: []string{"customer_db"},
			}, nil, nil
		}

		body, _ := json.Marshal(map[string]string{"content": "how many customers signed up last week?"})
		req := httptest.NewRequest(http.MethodPost, "/api/threads/"+threadID+"/messages", bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		Expect(w.Code).To(Equal(http.StatusOK))
		var resp map[string]any
		Expect(json.Unmarshal(w.Body.Bytes(), &resp)).To(Succeed())
		serverMsg := resp["server_message"].(map[string]any)
		Expect(serverMsg["content"]).To(Equal("42 customers signed up."))
		metadata := serverMsg["metadata"].(map[string]any)
		result := metadata["result"].(map[string]any)
		Expect(result["outcome"]).To(Equal("answer"))
		Expect(metadata["debug_trace"]).To(BeNil())

		msgs, err := sessions.ListMessages(context.Background(), threadID)
		Expect(err).NotTo(HaveOccurred())
		Expect(msgs).To(HaveLen(2))
	})

	It("surfaces debug trace rows when the orchestrator records them", func() {
		runner.resultFn = func(tid, question string) (model.TurnResult, []model.DebugTraceRow, error) {
			return model.TurnResult{Outcome: model.TurnOutcomeAnswerDirect, Text: "hi"},
				[]model.DebugTraceRow{{ID: "row-1", Stage: "decide", Tier: model.ModelTierWeak}},
				nil
		}

		body, _ := json.Marshal(map[string]string{"content": "hello"})
		req := httptest.NewRequest(http.MethodPost, "/api/threads/"+threadID+"/messages", bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		Expect(w.Code).To(Equal(http.StatusOK))
		var resp map[string]any
		Expect(json.Unmarshal(w.Body.Bytes(), &resp)).To(Succeed())
		metadata := resp["server_message"].(map[string]any)["metadata"].(map[string]any)
		trace := metadata["debug_trace"].([]any)
		Expect(trace).To(HaveLen(1))
		Expect(trace[0].(map[string]any)["stage"]).To(Equal("decide"))
	})

	It("returns 400 for a missing message body", func() {
		req := httptest.NewRequest(http.MethodPost, "/api/threads/"+threadID+"/messages", bytes.NewBufferString(`{}`))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		Expect(w.Code).To(Equal(http.StatusBadRequest))
	})

	It("returns 500 when the orchestrator fails unexpectedly", func() {
		runner.resultFn = func(tid, question string) (model.TurnResult, []model.DebugTraceRow, error) {
			return model.TurnResult{}, nil, errors.New("boom")
		}

		body, _ := json.Marshal(map[string]string{"content": "anything"})
		req := httptest.NewRequest(http.MethodPost, "/api/threads/"+threadID+"/messages", bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		Expect(w.Code).To(Equal(http.StatusInternalServerError))
	})

	It("reports token usage and used databases", func() {
		req := httptest.NewRequest(http.MethodGet, "/api/threads/"+threadID+"/tokens", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		Expect(w.Code).To(Equal(http.StatusOK))

		req2 := httptest.NewRequest(http.MethodGet, "/api/threads/"+threadID+"/databases", nil)
		w2 := httptest.NewRecorder()
		router.ServeHTTP(w2, req2)
		Expect(w2.Code).To(Equal(http.StatusOK))
		var resp map[string]any
		Expect(json.Unmarshal(w2.Body.Bytes(), &resp)).To(Succeed())
		Expect(resp["databases"]).To(BeEmpty())
	})
})
