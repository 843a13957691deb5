package orchestrator_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/bwmarrin/snowflake"

	"github.com/querymind/nlsql/internal/executor"
	"github.com/querymind/nlsql/internal/llmclient"
	"github.com/querymind/nlsql/internal/model"
	"github.com/querymind/nlsql/internal/orchestrator"
	"github.com/querymind/nlsql/internal/prompt"
	"github.com/querymind/nlsql/internal/session"
)

type stubLLM struct {
	queues map[string][]func(result any) error
	calls  []string
}

func newStubLLM() *stubLLM {
	return &stubLLM{queues: map[string][]func(result any) error{}}
}

func (s *stubLLM) expect(schema string, fn func(result any) error) {
	s.queues[schema] = append(s.queues[schema], fn)
}

func (s *stubLLM) CompleteStructured(ctx context.Context, req llmclient.StructuredRequest, result any) (model.Usage, error) {
	s.calls = append(s.calls, req.SchemaName)
	q := s.queues[req.SchemaName]
	if len(q) == 0 {
		panic("stubLLM: no scripted response for " + req.SchemaName)
	}
	fn := q[0]
	s.queues[req.SchemaName] = q[1:]
	if err := fn(result); err != nil {
		return model.Usage{}, err
	}
	return model.Usage{InputTokens: 10, OutputTokens: 5}, nil
}

func jsonResponse(v any) func(result any) error {
	return func(result any) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return json.Unmarshal(data, result)
	}
}

type stubCatalog struct {
	databases []model.DataSourceCatalogEntry
	tables    map[string]map[string]bool
}

func newStubCatalog() *stubCatalog {
	return &stubCatalog{
		databases: []model.DataSourceCatalogEntry{
			{DBID: "customer_db", Name: "Customers", Description: "customer records"},
			{DBID: "accounts_db", Name: "Accounts", Description: "account records"},
		},
		tables: map[string]map[string]bool{
			"customer_db": {"customers": true},
			"accounts_db": {"accounts": true},
		},
	}
}

func (c *stubCatalog) ListDatabases() []model.DataSourceCatalogEntry { return c.databases }

func (c *stubCatalog) HasDatabase(dbID string) bool {
	_, ok := c.tables[dbID]
	return ok
}

func (c *stubCatalog) HasTable(dbID, table string) bool {
	return c.tables[dbID] != nil && c.tables[dbID][table]
}

func (c *stubCatalog) FormatForPrompt(dbIDs []string, mode model.PromptMode) (string, error) {
	return "schema excerpt", nil
}

type stubExecutor struct {
	results []model.StepResult
	calls   int
}

func (s *stubExecutor) ExecuteStep(ctx context.Context, question string, step model.PlanStep, prior []model.StepResult, recordUsage executor.UsageRecorder, recordDebug executor.DebugRecorder) (model.StepResult, error) {
	r := s.results[s.calls]
	s.calls++
	recordUsage(model.Usage{InputTokens: 1, OutputTokens: 1})
	return r, nil
}

func writeStageFixtures(dir string) *prompt.Registry {
	mustWrite := func(name, content string) {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			panic(err)
		}
	}
	mustWrite("validate.yaml", `
name: validate
model_tier: weak
temperature: 0.0
system_prompt: "validate against ${catalog}"
user_prompt: "question: ${question}\nhistory: ${history}"
response_schema: validateOutput
`)
	mustWrite("decide.yaml", `
name: decide
model_tier: weak
temperature: 0.0
system_prompt: "decide over ${databases}"
user_prompt: "question: ${question}\nschema: ${schema}\nhistory: ${history}"
response_schema: decideOutput
`)
	mustWrite("plan.yaml", `
name: plan
model_tier: planning
temperature: 0.0
system_prompt: "plan over ${databases}"
user_prompt: "question: ${question}\nschema: ${schema}\nfeedback: ${validation_feedback}"
response_schema: planOutput
`)
	mustWrite("summarize.yaml", `
name: summarize
model_tier: weak
temperature: 0.0
system_prompt: "summarize"
user_prompt: "question: ${question}\nplan: ${plan}\nresults: ${results}"
response_schema: summarizeOutput
`)
	reg, err := prompt.Load(dir)
	if err != nil {
		panic(err)
	}
	return reg
}

var _ = Describe("Orchestrator", func() {
	var (
		ctx      context.Context
		prompts  *prompt.Registry
		catalog  *stubCatalog
		sessions *session.MemoryStore
		threadID string
		question string
	)

	BeforeEach(func() {
		ctx = context.Background()
		prompts = writeStageFixtures(GinkgoT().TempDir())
		catalog = newStubCatalog()

		node, err := snowflake.NewNode(1)
		Expect(err).NotTo(HaveOccurred())
		sessions = session.NewMemoryStore(node)

		thread, err := sessions.CreateThread(ctx, "t")
		Expect(err).NotTo(HaveOccurred())
		threadID = thread.ID
		question = "How many customers do we have?"
	})

	It("rejects a question the validator deems irrelevant", func() {
		llm := newStubLLM()
		llm.expect("validate", jsonResponse(map[string]any{
			"is_relevant": false, "relevant_databases": []string{}, "reason": "not about our data", "language": "en",
		}))

		orch := orchestrator.New(llm, prompts, catalog, sessions, &stubExecutor{})
		result, _, err := orch.HandleTurn(ctx, threadID, question)

		Expect(err).NotTo(HaveOccurred())
		Expect(result.Outcome).To(Equal(model.TurnOutcomeRejected))
		Expect(result.Reason).To(Equal("not about our data"))
		Expect(llm.calls).To(Equal([]string{"validate"}))
	})

	It("rejects when the decider says no", func() {
		llm := newStubLLM()
		llm.expect("validate", jsonResponse(map[string]any{
			"is_relevant": true, "relevant_databases": []string{"customer_db"}, "reason": "ok", "language": "en",
		}))
		llm.expect("decide", jsonResponse(map[string]any{
			"action": "reject", "reasoning": "out of scope", "message": "I can't help with that.",
		}))

		orch := orchestrator.New(llm, prompts, catalog, sessions, &stubExecutor{})
		result, _, err := orch.HandleTurn(ctx, threadID, question)

		Expect(err).NotTo(HaveOccurred())
		Expect(result.Outcome).To(Equal(model.TurnOutcomeRejected))
		Expect(result.Reason).To(Equal("I can't help with that."))

		dbs, err := sessions.GetUsedDatabases(ctx, threadID)
		Expect(err).NotTo(HaveOccurred())
		Expect(dbs).To(Equal([]string{"customer_db"}))
	})

	It("asks for clarification when the decider is unsure", func() {
		llm := newStubLLM()
		llm.expect("validate", jsonResponse(map[string]any{
			"is_relevant": true, "relevant_databases": []string{"customer_db"}, "reason": "ok", "language": "en",
		}))
		llm.expect("decide", jsonResponse(map[string]any{
			"action": "ask_clarification", "reasoning": "ambiguous", "message": "Which time period do you mean?",
		}))

		orch := orchestrator.New(llm, prompts, catalog, sessions, &stubExecutor{})
		result, _, err := orch.HandleTurn(ctx, threadID, question)

		Expect(err).NotTo(HaveOccurred())
		Expect(result.Outcome).To(Equal(model.TurnOutcomeClarification))
		Expect(result.Question).To(Equal("Which time period do you mean?"))
	})

	It("answers directly when the decider can answer without a plan", func() {
		llm := newStubLLM()
		llm.expect("validate", jsonResponse(map[string]any{
			"is_relevant": true, "relevant_databases": []string{"customer_db"}, "reason": "ok", "language": "en",
		}))
		llm.expect("decide", jsonResponse(map[string]any{
			"action": "answer_directly", "reasoning": "small talk", "message": "Hello! How can I help?",
		}))

		orch := orchestrator.New(llm, prompts, catalog, sessions, &stubExecutor{})
		result, _, err := orch.HandleTurn(ctx, threadID, question)

		Expect(err).NotTo(HaveOccurred())
		Expect(result.Outcome).To(Equal(model.TurnOutcomeAnswerDirect))
		Expect(result.Text).To(Equal("Hello! How can I help?"))
	})

	It("runs a plan end to end and filters data_sources_used to the relevant set", func() {
		llm := newStubLLM()
		llm.expect("validate", jsonResponse(map[string]any{
			"is_relevant": true, "relevant_databases": []string{"customer_db"}, "reason": "ok", "language": "en",
		}))
		llm.expect("decide", jsonResponse(map[string]any{
			"action": "create_plan", "reasoning": "needs a query",
		}))
		llm.expect("plan", jsonResponse(map[string]any{
			"steps": []map[string]any{
				{
					"step_number": 1, "description": "count customers",
					"databases": []string{"customer_db"}, "tables": []string{"customers"},
					"operation": "aggregation", "depends_on_steps": []int{},
				},
			},
		}))
		llm.expect("summarize", jsonResponse(map[string]any{
			"text": "You have 42 customers.", "confidence": "high",
			"data_sources_used": []string{"customer_db", "accounts_db"},
		}))

		exec := &stubExecutor{results: []model.StepResult{
			{StepNumber: 1, Success: true, ResultValue: "42", Attempts: 1},
		}}

		orch := orchestrator.New(llm, prompts, catalog, sessions, exec)
		result, _, err := orch.HandleTurn(ctx, threadID, question)

		Expect(err).NotTo(HaveOccurred())
		Expect(result.Outcome).To(Equal(model.TurnOutcomeAnswer))
		Expect(result.Text).To(Equal("You have 42 customers."))
		Expect(result.Confidence).To(Equal(model.ConfidenceHigh))
		Expect(result.DataSourcesUsed).To(Equal([]string{"customer_db"}))
		Expect(result.Results).To(HaveLen(1))
	})

	It("retries the plan stage once after a structural validation failure then succeeds", func() {
		llm := newStubLLM()
		llm.expect("validate", jsonResponse(map[string]any{
			"is_relevant": true, "relevant_databases": []string{"customer_db"}, "reason": "ok", "language": "en",
		}))
		llm.expect("decide", jsonResponse(map[string]any{
			"action": "create_plan", "reasoning": "needs a query",
		}))
		llm.expect("plan", jsonResponse(map[string]any{"steps": []map[string]any{}}))
		llm.expect("plan", jsonResponse(map[string]any{
			"steps": []map[string]any{
				{
					"step_number": 1, "description": "count customers",
					"databases": []string{"customer_db"}, "tables": []string{"customers"},
					"operation": "aggregation", "depends_on_steps": []int{},
				},
			},
		}))
		llm.expect("summarize", jsonResponse(map[string]any{
			"text": "You have 42 customers.", "confidence": "high",
			"data_sources_used": []string{"customer_db"},
		}))

		exec := &stubExecutor{results: []model.StepResult{
			{StepNumber: 1, Success: true, ResultValue: "42", Attempts: 1},
		}}

		orch := orchestrator.New(llm, prompts, catalog, sessions, exec)
		result, _, err := orch.HandleTurn(ctx, threadID, question)

		Expect(err).NotTo(HaveOccurred())
		Expect(result.Outcome).To(Equal(model.TurnOutcomeAnswer))

		planCalls := 0
		for _, c := range llm.calls {
			if c == "plan" {
				planCalls++
			}
		}
		Expect(planCalls).To(Equal(2))
	})

	It("returns plan_error after exhausting validation retries", func() {
		llm := newStubLLM()
		llm.expect("validate", jsonResponse(map[string]any{
			"is_relevant": true, "relevant_databases": []string{"customer_db"}, "reason": "ok", "language": "en",
		}))
		llm.expect("decide", jsonResponse(map[string]any{
			"action": "create_plan", "reasoning": "needs a query",
		}))
		for i := 0; i < 3; i++ {
			llm.expect("plan", jsonResponse(map[string]any{"steps": []map[string]any{}}))
		}

		orch := orchestrator.New(llm, prompts, catalog, sessions, &stubExecutor{})
		result, _, err := orch.HandleTurn(ctx, threadID, question)

		Expect(err).NotTo(HaveOccurred())
		Expect(result.Outcome).To(Equal(model.TurnOutcomePlanError))
		Expect(result.PlanErrorReason).NotTo(BeEmpty())
	})

	It("stops at the failing step and returns execution_error", func() {
		llm := newStubLLM()
		llm.expect("validate", jsonResponse(map[string]any{
			"is_relevant": true, "relevant_databases": []string{"customer_db"}, "reason": "ok", "language": "en",
		}))
		llm.expect("decide", jsonResponse(map[string]any{
			"action": "create_plan", "reasoning": "needs a query",
		}))
		llm.expect("plan", jsonResponse(map[string]any{
			"steps": []map[string]any{
				{
					"step_number": 1, "description": "count customers",
					"databases": []string{"customer_db"}, "tables": []string{"customers"},
					"operation": "aggregation", "depends_on_steps": []int{},
				},
			},
		}))

		exec := &stubExecutor{results: []model.StepResult{
			{StepNumber: 1, Success: false, Error: "non-recoverable (connection): database unreachable", Category: model.ErrorCategoryConnection, Attempts: 1},
		}}

		orch := orchestrator.New(llm, prompts, catalog, sessions, exec)
		result, _, err := orch.HandleTurn(ctx, threadID, question)

		Expect(err).NotTo(HaveOccurred())
		Expect(result.Outcome).To(Equal(model.TurnOutcomeExecutionError))
		Expect(result.FailingStep).To(Equal(1))
		Expect(result.LastError).To(ContainSubstring("non-recoverable"))
	})
})
