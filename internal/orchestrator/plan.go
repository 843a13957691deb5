package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/querymind/nlsql/internal/llmclient"
	"github.com/querymind/nlsql/internal/model"
)

// planStepOutput and planOutput mirror model.PlanStep/model.QueryPlan as
// structured-output shapes; kept separate from the model types so the JSON
// schema reflected for the LLM call doesn't leak internal field naming.
type planStepOutput struct {
	StepNumber     int      `json:"step_number" jsonschema:"required"`
	Description    string   `json:"description" jsonschema:"required"`
	Databases      []string `json:"databases" jsonschema:"required"`
	Tables         []string `json:"tables" jsonschema:"required"`
	Operation      string   `json:"operation" jsonschema:"required,enum=lookup,enum=aggregation,enum=join,enum=filter,enum=sort,enum=other"`
	DependsOnSteps []int    `json:"depends_on_steps"`
}

type planOutput struct {
	Steps []planStepOutput `json:"steps" jsonschema:"required"`
}

// runPlanWithValidation calls the plan stage, runs the structural validator
// against its output, and on failure re-calls the plan stage with the
// validation error injected as feedback, bounded by
// maxPlanValidationRetries. Each attempt re-renders the plan prompt with the
// previous error as a template variable, since the plan stage has no
// conversation state of its own.
func (o *Orchestrator) runPlanWithValidation(ctx context.Context, question string, history []model.Message, relevantDBs []string, debugRecorder func(model.DebugTraceRow)) (model.QueryPlan, []model.Usage, string) {
	var usages []model.Usage
	var lastValidationErr string

	for attempt := 0; attempt <= maxPlanValidationRetries; attempt++ {
		out, usage, err := o.runPlan(ctx, question, history, relevantDBs, lastValidationErr, debugRecorder)
		if err != nil {
			return model.QueryPlan{}, usages, fmt.Sprintf("plan generation failed: %v", err)
		}
		usages = append(usages, usage)

		plan := toQueryPlan(out)
		if verr := o.validatePlan(plan, relevantDBs); verr != "" {
			lastValidationErr = verr
			continue
		}
		return plan, usages, ""
	}

	return model.QueryPlan{}, usages, fmt.Sprintf("plan failed structural validation after %d attempts: %s", maxPlanValidationRetries+1, lastValidationErr)
}

func toQueryPlan(out planOutput) model.QueryPlan {
	steps := make([]model.PlanStep, 0, len(out.Steps))
	for _, s := range out.Steps {
		steps = append(steps, model.PlanStep{
			StepNumber:     s.StepNumber,
			Description:    s.Description,
			Databases:      s.Databases,
			Tables:         s.Tables,
			Operation:      model.Operation(s.Operation),
			DependsOnSteps: s.DependsOnSteps,
		})
	}
	return model.QueryPlan{Steps: steps}
}

// validatePlan enforces the plan-structural invariants from the data model:
// step numbers 1..N contiguous, every step scoped to exactly one known
// database, every referenced table present in that database's schema, and
// every dependency referencing a strictly lower step number. Returns a
// human-readable reason, or "" if the plan is structurally sound.
func (o *Orchestrator) validatePlan(plan model.QueryPlan, relevantDBs []string) string {
	if len(plan.Steps) == 0 {
		return "plan has zero steps"
	}

	allowed := make(map[string]bool, len(relevantDBs))
	for _, db := range relevantDBs {
		allowed[db] = true
	}

	for i, step := range plan.Steps {
		if step.StepNumber != i+1 {
			return fmt.Sprintf("step numbers are not contiguous starting at 1 (step %d appears at position %d)", step.StepNumber, i+1)
		}

		if len(step.Databases) != 1 {
			return fmt.Sprintf("step %d must reference exactly one database, got %d", step.StepNumber, len(step.Databases))
		}

		dbID := step.Databases[0]
		if !allowed[dbID] {
			return fmt.Sprintf("step %d references database %q outside the relevant set", step.StepNumber, dbID)
		}
		if !o.catalog.HasDatabase(dbID) {
			return fmt.Sprintf("step %d references unknown database %q", step.StepNumber, dbID)
		}

		for _, table := range step.Tables {
			if !o.catalog.HasTable(dbID, table) {
				return fmt.Sprintf("step %d references table %q not present in database %q", step.StepNumber, table, dbID)
			}
		}

		for _, dep := range step.DependsOnSteps {
			if dep >= step.StepNumber {
				return fmt.Sprintf("step %d depends on step %d, which is not strictly earlier", step.StepNumber, dep)
			}
			if dep < 1 {
				return fmt.Sprintf("step %d has an invalid dependency %d", step.StepNumber, dep)
			}
		}
	}

	return ""
}

func (o *Orchestrator) runPlan(ctx context.Context, question string, history []model.Message, relevantDBs []string, validationFeedback string, debugRecorder func(model.DebugTraceRow)) (planOutput, model.Usage, error) {
	ctx, sc := withStage(ctx, "plan")
	defer sc.End()

	tmpl, err := o.prompts.Get("plan")
	if err != nil {
		sc.RecordError(err)
		return planOutput{}, model.Usage{}, err
	}

	schemaText, err := o.catalog.FormatForPrompt(relevantDBs, model.PromptModePlanning)
	if err != nil {
		sc.RecordError(err)
		return planOutput{}, model.Usage{}, err
	}

	feedback := "(none)"
	if validationFeedback != "" {
		feedback = validationFeedback
	}

	vars := map[string]string{
		"question":            question,
		"history":             formatHistory(history),
		"schema":              schemaText,
		"databases":           strings.Join(relevantDBs, ", "),
		"validation_feedback": feedback,
	}

	var out planOutput
	usage, err := o.llm.CompleteStructured(ctx, llmclient.StructuredRequest{
		Tier:          tmpl.ModelTier,
		SystemPrompt:  tmpl.RenderSystem(vars),
		UserPrompt:    tmpl.RenderUser(vars),
		SchemaName:    "plan",
		Schema:        llmclient.GenerateSchema[planOutput](),
		Temperature:   tmpl.Temperature,
		Stage:         "plan",
		DebugRecorder: debugRecorder,
	}, &out)
	if err != nil {
		sc.RecordError(err)
	}
	return out, usage, err
}
