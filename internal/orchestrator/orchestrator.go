// Package orchestrator runs one turn of the validate→decide→plan→execute→
// summarize pipeline for a single user question, producing exactly one
// model.TurnResult: a top-level entry point (HandleTurn) that calls into
// per-stage helpers and always returns a tagged outcome rather than a bare
// error for anything the pipeline itself decided.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/querymind/nlsql/common/logger"
	"github.com/querymind/nlsql/internal/executor"
	"github.com/querymind/nlsql/internal/llmclient"
	"github.com/querymind/nlsql/internal/model"
	"github.com/querymind/nlsql/internal/prompt"
	"github.com/querymind/nlsql/internal/session"
)

// historyWindow bounds how many prior user/server message pairs are loaded
// as lightweight context for validate/decide/plan; execution and SQL
// generation never see conversation history, only the current plan and
// prior step results, to keep those prompts bounded.
const historyWindow = 10

// maxPlanValidationRetries bounds how many times the plan stage is re-run
// with the structural validator's error fed back as context.
const maxPlanValidationRetries = 2

type structuredCompleter interface {
	CompleteStructured(ctx context.Context, req llmclient.StructuredRequest, result any) (model.Usage, error)
}

type schemaFormatter interface {
	FormatForPrompt(dbIDs []string, mode model.PromptMode) (string, error)
}

type catalogLister interface {
	ListDatabases() []model.DataSourceCatalogEntry
	HasDatabase(dbID string) bool
	HasTable(dbID, table string) bool
}

type stepExecutor interface {
	ExecuteStep(ctx context.Context, question string, step model.PlanStep, priorResults []model.StepResult, recordUsage executor.UsageRecorder, recordDebug executor.DebugRecorder) (model.StepResult, error)
}

// catalog is the subset of schemacatalog.Catalog the orchestrator needs,
// satisfied by both schemaFormatter and catalogLister.
type catalog interface {
	schemaFormatter
	catalogLister
}

// Orchestrator wires together every pipeline dependency in the order
// spec'd as leaves-first: SchemaCatalog, PromptRegistry, LLMClient,
// DatasourceManager (via Executor), SessionStore, and finally the Executor
// itself.
type Orchestrator struct {
	llm      structuredCompleter
	prompts  *prompt.Registry
	catalog  catalog
	sessions session.Store
	executor stepExecutor

	// TurnTimeout bounds one HandleTurn call. Zero means no deadline.
	TurnTimeout time.Duration

	// Debug enables per-LLM-call debug trace recording, returned alongside
	// the TurnResult for callers to attach to a server Message's metadata.
	Debug bool
}

// New constructs an Orchestrator from its fully-built dependencies.
func New(llm structuredCompleter, prompts *prompt.Registry, cat catalog, sessions session.Store, exec stepExecutor) *Orchestrator {
	return &Orchestrator{llm: llm, prompts: prompts, catalog: cat, sessions: sessions, executor: exec}
}

// HandleTurn runs the full pipeline for one question against an existing
// thread and always returns exactly one tagged TurnResult, plus the
// per-LLM-call debug trace rows recorded for the turn (empty unless Debug
// is set). A non-nil error is returned when loading history fails, when the
// validate, decide or summarize LLM call fails, when decide returns an
// unknown action, and when the executor itself returns an error. Plan-stage
// failures become a plan_error TurnResult and failed SQL steps an
// execution_error TurnResult.
func (o *Orchestrator) HandleTurn(ctx context.Context, threadID, question string) (model.TurnResult, []model.DebugTraceRow, error) {
	if o.TurnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.TurnTimeout)
		defer cancel()
	}

	turnID := uuid.NewString()
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		ThreadID:  logger.Ptr(threadID),
		TurnID:    logger.Ptr(turnID),
		Component: "nlsql.orchestrator",
	})
	sc := logger.StartSpan(ctx, "orchestrator.handle_turn")
	ctx = sc.Context()
	defer sc.End()

	history, err := o.recentHistory(ctx, threadID)
	if err != nil {
		sc.RecordError(err)
		return model.TurnResult{}, nil, fmt.Errorf("orchestrator: load history: %w", err)
	}

	recordUsage := func(u model.Usage) {
		if err := o.sessions.RecordUsage(ctx, threadID, u); err != nil {
			slog.ErrorContext(ctx, "record usage failed", "thread", threadID, "error", err)
		}
	}

	var traces []model.DebugTraceRow
	var recordDebug func(model.DebugTraceRow)
	if o.Debug {
		recordDebug = func(row model.DebugTraceRow) { traces = append(traces, row) }
	}

	validation, vUsage, err := o.runValidate(ctx, question, history, recordDebug)
	if err != nil {
		sc.RecordError(err)
		return model.TurnResult{}, traces, fmt.Errorf("orchestrator: validate stage: %w", err)
	}
	recordUsage(vUsage)

	if !validation.IsRelevant || len(validation.RelevantDatabases) == 0 {
		return model.TurnResult{Outcome: model.TurnOutcomeRejected, Reason: validation.Reason}, traces, nil
	}

	relevant := make([]string, 0, len(validation.RelevantDatabases))
	for _, dbID := range validation.RelevantDatabases {
		if !o.catalog.HasDatabase(dbID) {
			return model.TurnResult{Outcome: model.TurnOutcomeRejected, Reason: "validator referenced an unknown database"}, traces, nil
		}
		relevant = append(relevant, dbID)
	}

	if err := o.sessions.AddUsedDatabases(ctx, threadID, relevant); err != nil {
		slog.ErrorContext(ctx, "record used databases failed", "thread", threadID, "error", err)
	}

	decision, dUsage, err := o.runDecide(ctx, question, history, relevant, recordDebug)
	if err != nil {
		sc.RecordError(err)
		return model.TurnResult{}, traces, fmt.Errorf("orchestrator: decide stage: %w", err)
	}
	recordUsage(dUsage)

	switch decision.Action {
	case decideActionReject:
		return model.TurnResult{Outcome: model.TurnOutcomeRejected, Reason: decision.Message}, traces, nil
	case decideActionAskClarification:
		return model.TurnResult{Outcome: model.TurnOutcomeClarification, Question: decision.Message}, traces, nil
	case decideActionAnswerDirectly:
		return model.TurnResult{Outcome: model.TurnOutcomeAnswerDirect, Text: decision.Message}, traces, nil
	case decideActionCreatePlan:
		// fall through to planning
	default:
		return model.TurnResult{}, traces, fmt.Errorf("orchestrator: decide stage returned unknown action %q", decision.Action)
	}

	plan, pUsages, planErr := o.runPlanWithValidation(ctx, question, history, relevant, recordDebug)
	for _, u := range pUsages {
		recordUsage(u)
	}
	if planErr != "" {
		return model.TurnResult{Outcome: model.TurnOutcomePlanError, PlanErrorReason: planErr}, traces, nil
	}

	var executorDebug executor.DebugRecorder
	if recordDebug != nil {
		executorDebug = executor.DebugRecorder(recordDebug)
	}

	results := make([]model.StepResult, 0, len(plan.Steps))
	for _, step := range plan.Steps {
		stepResult, err := o.executor.ExecuteStep(ctx, question, step, results, recordUsage, executorDebug)
		if err != nil {
			sc.RecordError(err)
			return model.TurnResult{}, traces, fmt.Errorf("orchestrator: execute step %d: %w", step.StepNumber, err)
		}
		results = append(results, stepResult)
		if !stepResult.Success {
			return model.TurnResult{
				Outcome:     model.TurnOutcomeExecutionError,
				FailingStep: step.StepNumber,
				LastError:   stepResult.Error,
				Plan:        &plan,
				Results:     results,
			}, traces, nil
		}
	}

	summary, sUsage, err := o.runSummarize(ctx, question, plan, results, recordDebug)
	if err != nil {
		sc.RecordError(err)
		return model.TurnResult{}, traces, fmt.Errorf("orchestrator: summarize stage: %w", err)
	}
	recordUsage(sUsage)

	dataSourcesUsed := intersectWithUsed(summary.DataSourcesUsed, relevant)

	return model.TurnResult{
		Outcome:         model.TurnOutcomeAnswer,
		Text:            summary.Text,
		Confidence:      model.Confidence(summary.Confidence),
		DataSourcesUsed: dataSourcesUsed,
		Plan:            &plan,
		Results:         results,
	}, traces, nil
}

// intersectWithUsed keeps only db ids the turn actually validated as
// relevant, enforcing the invariant that data_sources_used is always a
// subset of the thread's used-db set even if the summarizer hallucinates an
// id outside that set.
func intersectWithUsed(claimed, relevant []string) []string {
	allowed := make(map[string]bool, len(relevant))
	for _, r := range relevant {
		allowed[r] = true
	}
	out := make([]string, 0, len(claimed))
	for _, c := range claimed {
		if allowed[c] {
			out = append(out, c)
		}
	}
	return out
}

// recentHistory loads up to 2*historyWindow trailing messages (historyWindow
// user/server pairs) as lightweight context for validate/decide/plan.
func (o *Orchestrator) recentHistory(ctx context.Context, threadID string) ([]model.Message, error) {
	msgs, err := o.sessions.ListMessages(ctx, threadID)
	if err != nil {
		return nil, err
	}
	limit := 2 * historyWindow
	if len(msgs) <= limit {
		return msgs, nil
	}
	return msgs[len(msgs)-limit:], nil
}

// withStage opens a span for one pipeline stage and tags the context so
// every log line emitted underneath it carries the stage name, without the
// stage function itself touching log statements.
func withStage(ctx context.Context, stage string) (context.Context, *logger.SpanContext) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{Stage: logger.Ptr(stage)})
	sc := logger.StartSpan(ctx, "orchestrator."+stage)
	return sc.Context(), sc
}

func formatHistory(history []model.Message) string {
	if len(history) == 0 {
		return "(no prior messages)"
	}
	out := ""
	for _, m := range history {
		out += fmt.Sprintf("%s: %s\n", m.Sender, m.Content)
	}
	return out
}
