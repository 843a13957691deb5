package executor_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/querymind/nlsql/internal/datasource"
	"github.com/querymind/nlsql/internal/executor"
	"github.com/querymind/nlsql/internal/llmclient"
	"github.com/querymind/nlsql/internal/model"
	"github.com/querymind/nlsql/internal/prompt"
)

type stubLLM struct {
	responses []func() (string, error)
	calls     int
}

func (s *stubLLM) ChatWithTools(ctx context.Context, req llmclient.AgentRequest) (*llmclient.AgentResponse, error) {
	if s.calls >= len(s.responses) {
		panic("stubLLM: no more scripted responses")
	}
	fn := s.responses[s.calls]
	s.calls++
	args, err := fn()
	if err != nil {
		return nil, err
	}
	toolName := ""
	if len(req.Tools) > 0 {
		toolName = req.Tools[0].Name
	}
	return &llmclient.AgentResponse{
		ToolCalls: []llmclient.ToolCall{{ID: "call_1", Name: toolName, Arguments: args}},
		Usage:     model.Usage{InputTokens: 10, OutputTokens: 5},
	}, nil
}

func jsonResponse(v any) func() (string, error) {
	return func() (string, error) {
		data, err := json.Marshal(v)
		return string(data), err
	}
}

type stubDS struct {
	validateErr error
	results     []datasource.QueryResult
	calls       int
}

func (s *stubDS) ValidateScope(dbIDs []string) error { return s.validateErr }

func (s *stubDS) Execute(ctx context.Context, dbID, sql string) datasource.QueryResult {
	r := s.results[s.calls]
	s.calls++
	return r
}

type stubCatalog struct{}

func (stubCatalog) FormatForPrompt(dbIDs []string, mode model.PromptMode) (string, error) {
	return "schema excerpt", nil
}

func writePromptFixtures(dir string) *prompt.Registry {
	mustWrite := func(name, content string) {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			panic(err)
		}
	}
	mustWrite("generate_sql.yaml", `
name: generate_sql
model_tier: developer
temperature: 0.0
system_prompt: "generate sql for ${step}"
user_prompt: "question: ${question}\nschema: ${schema}\nprior: ${prior_result}"
response_schema: generateSQLOutput
`)
	mustWrite("analyze_error.yaml", `
name: analyze_error
model_tier: developer
temperature: 0.0
system_prompt: "analyze error for attempt ${attempt}"
user_prompt: "sql: ${sql}\nerror: ${error}\nlast_sql: ${last_sql}\nlast_error: ${last_error}"
response_schema: analyzeErrorOutput
`)
	reg, err := prompt.Load(dir)
	if err != nil {
		panic(err)
	}
	return reg
}

var _ = Describe("Executor", func() {
	var (
		ctx      context.Context
		prompts  *prompt.Registry
		catalog  stubCatalog
		question string
		step     model.PlanStep
	)

	BeforeEach(func() {
		ctx = context.Background()
		prompts = writePromptFixtures(GinkgoT().TempDir())
		catalog = stubCatalog{}
		question = "How many customers do we have?"
		step = model.PlanStep{
			StepNumber: 1,
			Databases:  []string{"customer_db"},
			Tables:     []string{"customers"},
			Operation:  model.OperationAggregation,
		}
	})

	It("succeeds on the first attempt and records usage", func() {
		llm := &stubLLM{responses: []func() (string, error){
			jsonResponse(map[string]string{"sql": "SELECT COUNT(*) FROM customers", "target_db": "customer_db"}),
		}}
		ds := &stubDS{results: []datasource.QueryResult{
			{OK: true, Columns: []string{"count"}, Rows: []map[string]any{{"count": "42"}}, RowCount: 1},
		}}

		var usages []model.Usage
		exec := executor.New(llm, prompts, ds, catalog)
		result, err := exec.ExecuteStep(ctx, question, step, nil, func(u model.Usage) { usages = append(usages, u) }, nil)

		Expect(err).NotTo(HaveOccurred())
		Expect(result.Success).To(BeTrue())
		Expect(result.Attempts).To(Equal(1))
		Expect(result.ResultValue).To(Equal("42"))
		Expect(usages).To(HaveLen(1))
	})

	It("retries after a recoverable schema error and succeeds", func() {
		llm := &stubLLM{responses: []func() (string, error){
			jsonResponse(map[string]string{"sql": "SELECT COUNT(*) FROM policys", "target_db": "customer_db"}),
			jsonResponse(map[string]any{
				"category": "schema", "recoverable": true, "reason": "typo in table name",
				"suggested_sql": "SELECT COUNT(*) FROM policies", "target_db": "customer_db",
			}),
		}}
		ds := &stubDS{results: []datasource.QueryResult{
			{OK: false, Error: "relation \"policys\" does not exist", Category: model.ErrorCategorySchema},
			{OK: true, Columns: []string{"count"}, Rows: []map[string]any{{"count": "7"}}, RowCount: 1},
		}}

		exec := executor.New(llm, prompts, ds, catalog)
		result, err := exec.ExecuteStep(ctx, question, step, nil, func(model.Usage) {}, nil)

		Expect(err).NotTo(HaveOccurred())
		Expect(result.Success).To(BeTrue())
		Expect(result.Attempts).To(Equal(2))
		Expect(result.ResultValue).To(Equal("7"))
	})

	It("stops immediately on a non-recoverable error", func() {
		llm := &stubLLM{responses: []func() (string, error){
			jsonResponse(map[string]string{"sql": "SELECT 1", "target_db": "customer_db"}),
			jsonResponse(map[string]any{
				"category": "connection", "recoverable": false, "reason": "database unreachable",
			}),
		}}
		ds := &stubDS{results: []datasource.QueryResult{
			{OK: false, Error: "dial tcp: connection refused", Category: model.ErrorCategoryConnection},
		}}

		exec := executor.New(llm, prompts, ds, catalog)
		result, err := exec.ExecuteStep(ctx, question, step, nil, func(model.Usage) {}, nil)

		Expect(err).NotTo(HaveOccurred())
		Expect(result.Success).To(BeFalse())
		Expect(result.Attempts).To(Equal(1))
		Expect(result.Category).To(Equal(model.ErrorCategoryConnection))
		Expect(result.Error).To(ContainSubstring("non-recoverable"))
	})

	It("exhausts retries when the analyzer keeps saying recoverable", func() {
		responses := []func() (string, error){
			jsonResponse(map[string]string{"sql": "SELECT 1", "target_db": "customer_db"}),
		}
		for i := 0; i < executor.MaxRetry; i++ {
			responses = append(responses, jsonResponse(map[string]any{
				"category": "syntax", "recoverable": true, "reason": "still broken",
				"suggested_sql": "SELECT 1", "target_db": "customer_db",
			}))
		}
		llm := &stubLLM{responses: responses}

		results := make([]datasource.QueryResult, executor.MaxRetry)
		for i := range results {
			results[i] = datasource.QueryResult{OK: false, Error: "syntax error", Category: model.ErrorCategorySyntax}
		}
		ds := &stubDS{results: results}

		exec := executor.New(llm, prompts, ds, catalog)
		result, err := exec.ExecuteStep(ctx, question, step, nil, func(model.Usage) {}, nil)

		Expect(err).NotTo(HaveOccurred())
		Expect(result.Success).To(BeFalse())
		Expect(result.Attempts).To(Equal(executor.MaxRetry))
		Expect(result.Error).To(Equal("exhausted retries"))
	})

	It("rejects a step spanning more than one database before any attempt", func() {
		crossStep := step
		crossStep.Databases = []string{"customer_db", "accounts_db"}
		ds := &stubDS{validateErr: datasource.ErrCrossDatabaseStep}
		llm := &stubLLM{}

		exec := executor.New(llm, prompts, ds, catalog)
		result, err := exec.ExecuteStep(ctx, question, crossStep, nil, func(model.Usage) {}, nil)

		Expect(err).NotTo(HaveOccurred())
		Expect(result.Success).To(BeFalse())
		Expect(result.Attempts).To(Equal(0))
		Expect(llm.calls).To(Equal(0))
	})
})
