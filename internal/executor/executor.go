// Package executor runs one PlanStep at a time through the agentic
// generate→run→(analyze→retry)* loop: a developer-tier model writes SQL,
// the DatasourceManager runs it, and on failure an analyzer LLM call
// decides whether the error is recoverable and suggests a correction. Only
// the immediately preceding failed attempt is forwarded to the analyzer,
// without carrying the full conversation history.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/querymind/nlsql/common/logger"
	"github.com/querymind/nlsql/internal/datasource"
	"github.com/querymind/nlsql/internal/llmclient"
	"github.com/querymind/nlsql/internal/model"
	"github.com/querymind/nlsql/internal/prompt"
)

// MaxRetry bounds the number of SQL generation attempts per step, per the
// fixed (not per-category) retry budget decision recorded in DESIGN.md.
const MaxRetry = 5

// generateSQLOutput is the structured response for the generate_sql stage.
type generateSQLOutput struct {
	SQL      string `json:"sql" jsonschema:"required"`
	TargetDB string `json:"target_db" jsonschema:"required"`
}

// analyzeErrorOutput is the structured response for the analyze_error stage.
type analyzeErrorOutput struct {
	Category     string `json:"category" jsonschema:"required,enum=syntax,enum=schema,enum=permission,enum=connection,enum=data,enum=other"`
	Recoverable  bool   `json:"recoverable" jsonschema:"required"`
	Reason       string `json:"reason" jsonschema:"required"`
	SuggestedSQL string `json:"suggested_sql"`
	TargetDB     string `json:"target_db"`
}

// priorAttempt is the {sql, error} pair forwarded to the analyzer; only the
// most recent failed attempt is ever carried, never the full history.
type priorAttempt struct {
	SQL   string
	Error string
}

// toolCompleter is the subset of llmclient.Client the executor needs: the
// tool-calling turn generate_sql and analyze_error both drive, narrowed to
// an interface so tests can supply a stub LLM.
type toolCompleter interface {
	ChatWithTools(ctx context.Context, req llmclient.AgentRequest) (*llmclient.AgentResponse, error)
}

// sqlRunner is the subset of datasource.Manager the executor needs.
type sqlRunner interface {
	ValidateScope(dbIDs []string) error
	Execute(ctx context.Context, dbID, sql string) datasource.QueryResult
}

// schemaFormatter is the subset of schemacatalog.Catalog the executor needs;
// narrowed to an interface so tests can supply a stub without a real
// catalog.
type schemaFormatter interface {
	FormatForPrompt(dbIDs []string, mode model.PromptMode) (string, error)
}

// Executor runs individual plan steps.
type Executor struct {
	llm     toolCompleter
	prompts *prompt.Registry
	ds      sqlRunner
	catalog schemaFormatter
}

// New constructs an Executor.
func New(llm toolCompleter, prompts *prompt.Registry, ds sqlRunner, catalog schemaFormatter) *Executor {
	return &Executor{llm: llm, prompts: prompts, ds: ds, catalog: catalog}
}

// UsageRecorder receives each LLM call's token usage as the executor makes
// it, so the caller can forward it to the SessionStore without the executor
// depending on session directly.
type UsageRecorder func(model.Usage)

// DebugRecorder receives one DebugTraceRow per LLM call the executor makes,
// nil whenever the debug flag is off.
type DebugRecorder func(model.DebugTraceRow)

// ExecuteStep runs the generate→run→(analyze→retry)* loop for one step.
func (e *Executor) ExecuteStep(ctx context.Context, question string, step model.PlanStep, priorResults []model.StepResult, recordUsage UsageRecorder, recordDebug DebugRecorder) (model.StepResult, error) {
	if err := e.ds.ValidateScope(step.Databases); err != nil {
		return model.StepResult{
			StepNumber: step.StepNumber,
			Success:    false,
			Error:      err.Error(),
			Category:   model.ErrorCategoryPermission,
			Attempts:   0,
		}, nil
	}

	schemaText, err := e.catalog.FormatForPrompt(step.Databases, model.PromptModeGeneration)
	if err != nil {
		return model.StepResult{}, fmt.Errorf("executor: format schema: %w", err)
	}

	targetDB := step.Databases[0]
	priorText := formatPriorResults(priorResults)

	var sql string
	var last *priorAttempt

	for attempt := 1; attempt <= MaxRetry; attempt++ {
		attemptCtx := logger.WithLogFields(ctx, logger.LogFields{
			StepIndex: logger.Ptr(step.StepNumber),
			Component: "nlsql.executor",
		})
		sc := logger.StartSpan(attemptCtx, "executor.step_attempt")
		attemptCtx = sc.Context()

		if attempt == 1 {
			out, usage, err := e.generateSQL(attemptCtx, step, question, schemaText, priorText, recordDebug)
			if err != nil {
				sc.RecordError(err)
				sc.End()
				return model.StepResult{}, fmt.Errorf("executor: generate sql: %w", err)
			}
			recordUsage(usage)
			sql = out.SQL
			if out.TargetDB != "" {
				targetDB = out.TargetDB
			}
		}

		start := time.Now()
		result := e.ds.Execute(attemptCtx, targetDB, sql)
		slog.DebugContext(attemptCtx, "step attempt executed",
			"step", step.StepNumber, "attempt", attempt, "duration_ms", time.Since(start).Milliseconds(), "ok", result.OK)

		if result.OK {
			sc.End()
			return buildSuccess(step, sql, attempt, result), nil
		}

		correction, usage, err := e.analyzeError(attemptCtx, step, question, sql, result.Error, string(result.Category), attempt, last, recordDebug)
		if err != nil {
			sc.RecordError(err)
			sc.End()
			return model.StepResult{}, fmt.Errorf("executor: analyze error: %w", err)
		}
		recordUsage(usage)

		if !correction.Recoverable {
			sc.RecordError(fmt.Errorf("non-recoverable (%s): %s", correction.Category, correction.Reason))
			sc.End()
			return model.StepResult{
				StepNumber: step.StepNumber,
				Success:    false,
				FinalSQL:   sql,
				Error:      fmt.Sprintf("non-recoverable (%s): %s", correction.Category, correction.Reason),
				Category:   model.ErrorCategory(correction.Category),
				Attempts:   attempt,
			}, nil
		}

		last = &priorAttempt{SQL: sql, Error: result.Error}
		sql = correction.SuggestedSQL
		if correction.TargetDB != "" {
			targetDB = correction.TargetDB
		}
		sc.End()
	}

	return model.StepResult{
		StepNumber: step.StepNumber,
		Success:    false,
		FinalSQL:   sql,
		Error:      "exhausted retries",
		Category:   model.ErrorCategoryOther,
		Attempts:   MaxRetry,
	}, nil
}

func buildSuccess(step model.PlanStep, sql string, attempt int, result datasource.QueryResult) model.StepResult {
	sr := model.StepResult{
		StepNumber: step.StepNumber,
		Success:    true,
		FinalSQL:   sql,
		Attempts:   attempt,
	}

	if isScalarShape(step, result) {
		sr.ResultValue = stringifyScalar(result)
	} else {
		sr.ResultData = result.Rows
	}
	return sr
}

func isScalarShape(step model.PlanStep, result datasource.QueryResult) bool {
	if result.RowCount == 1 && len(result.Columns) == 1 {
		return true
	}
	return step.Operation == model.OperationAggregation && result.RowCount == 1
}

func stringifyScalar(result datasource.QueryResult) string {
	if len(result.Rows) != 1 || len(result.Columns) == 0 {
		return ""
	}
	v := result.Rows[0][result.Columns[0]]
	return fmt.Sprintf("%v", v)
}

func formatPriorResults(results []model.StepResult) string {
	if len(results) == 0 {
		return "(no prior steps)"
	}
	out := ""
	for _, r := range results {
		if !r.Success {
			out += fmt.Sprintf("step %d: failed (%s)\n", r.StepNumber, r.Error)
			continue
		}
		if r.ResultValue != "" {
			out += fmt.Sprintf("step %d: %s\n", r.StepNumber, r.ResultValue)
			continue
		}
		const maxRows = 10
		rows := r.ResultData
		truncated := len(rows) > maxRows
		if truncated {
			rows = rows[:maxRows]
		}
		out += fmt.Sprintf("step %d: %d row(s)", r.StepNumber, len(r.ResultData))
		if truncated {
			out += fmt.Sprintf(" (showing first %d)", maxRows)
		}
		out += "\n"
		for _, row := range rows {
			out += fmt.Sprintf("  %v\n", row)
		}
	}
	return out
}

// maxToolRounds bounds how many turns generate_sql/analyze_error will spend
// nudging the model to call its tool before giving up, when it replies with
// plain text instead.
const maxToolRounds = 2

func (e *Executor) generateSQL(ctx context.Context, step model.PlanStep, question, schemaText, priorText string, recordDebug DebugRecorder) (generateSQLOutput, model.Usage, error) {
	tmpl, err := e.prompts.Get("generate_sql")
	if err != nil {
		return generateSQLOutput{}, model.Usage{}, err
	}

	vars := map[string]string{
		"question":     question,
		"step":         step.Description,
		"operation":    string(step.Operation),
		"schema":       schemaText,
		"prior_result": priorText,
	}

	args, usage, err := e.callTool(ctx, tmpl.ModelTier, tmpl.Temperature, "generate_sql",
		tmpl.RenderSystem(vars), tmpl.RenderUser(vars),
		llmclient.Tool{
			Name:        "emit_sql",
			Description: "Reports the SQL statement to run for this step.",
			Parameters:  llmclient.GenerateSchema[generateSQLOutput](),
		}, recordDebug)
	if err != nil {
		return generateSQLOutput{}, usage, err
	}

	out, err := llmclient.ParseToolArguments[generateSQLOutput](args)
	return out, usage, err
}

func (e *Executor) analyzeError(ctx context.Context, step model.PlanStep, question, sql, errorText, category string, attempt int, last *priorAttempt, recordDebug DebugRecorder) (analyzeErrorOutput, model.Usage, error) {
	tmpl, err := e.prompts.Get("analyze_error")
	if err != nil {
		return analyzeErrorOutput{}, model.Usage{}, err
	}

	lastSQL, lastErr := "(none)", "(none)"
	if last != nil {
		lastSQL, lastErr = last.SQL, last.Error
	}

	vars := map[string]string{
		"question":    question,
		"step":        step.Description,
		"sql":         sql,
		"error":       errorText,
		"error_class": category,
		"attempt":     strconv.Itoa(attempt),
		"last_sql":    lastSQL,
		"last_error":  lastErr,
	}

	args, usage, err := e.callTool(ctx, tmpl.ModelTier, tmpl.Temperature, "analyze_error",
		tmpl.RenderSystem(vars), tmpl.RenderUser(vars),
		llmclient.Tool{
			Name:        "report_analysis",
			Description: "Reports whether the failed SQL attempt is recoverable, and a corrected statement if so.",
			Parameters:  llmclient.GenerateSchema[analyzeErrorOutput](),
		}, recordDebug)
	if err != nil {
		return analyzeErrorOutput{}, usage, err
	}

	out, err := llmclient.ParseToolArguments[analyzeErrorOutput](args)
	return out, usage, err
}

// callTool drives one tool-calling exchange to completion: it issues the
// system/user turn with a single tool on offer and returns that tool's raw
// JSON arguments. A model that replies without calling the tool is nudged
// and given one more chance, mirroring how the step executor is meant to
// insist on structured answers rather than free text.
func (e *Executor) callTool(ctx context.Context, tier model.ModelTier, temperature float64, stage, systemPrompt, userPrompt string, tool llmclient.Tool, recordDebug DebugRecorder) (string, model.Usage, error) {
	messages := []llmclient.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: userPrompt},
	}

	var total model.Usage
	for round := 1; round <= maxToolRounds; round++ {
		resp, err := e.llm.ChatWithTools(ctx, llmclient.AgentRequest{
			Tier:          tier,
			Messages:      messages,
			Tools:         []llmclient.Tool{tool},
			Temperature:   &temperature,
			Stage:         stage,
			DebugRecorder: recordDebug,
		})
		if err != nil {
			return "", total, err
		}
		total.InputTokens += resp.Usage.InputTokens
		total.OutputTokens += resp.Usage.OutputTokens
		total.ElapsedMS += resp.Usage.ElapsedMS

		for _, tc := range resp.ToolCalls {
			if tc.Name == tool.Name {
				return tc.Arguments, total, nil
			}
		}

		messages = append(messages,
			llmclient.Message{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls},
			llmclient.Message{Role: "user", Content: fmt.Sprintf("Call the %s tool with your answer; do not reply in plain text.", tool.Name)},
		)
	}

	return "", total, fmt.Errorf("model did not call %s after %d attempts", tool.Name, maxToolRounds)
}
