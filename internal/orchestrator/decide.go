package orchestrator

import (
	"context"
	"strings"

	"github.com/querymind/nlsql/internal/llmclient"
	"github.com/querymind/nlsql/internal/model"
)

type decideAction string

const (
	decideActionAnswerDirectly   decideAction = "answer_directly"
	decideActionAskClarification decideAction = "ask_clarification"
	decideActionCreatePlan       decideAction = "create_plan"
	decideActionReject           decideAction = "reject"
)

// decideOutput is the structured response for the decide stage: given a
// question already deemed relevant to one or more databases, choose how the
// turn proceeds.
type decideOutput struct {
	Action    decideAction `json:"action" jsonschema:"required,enum=answer_directly,enum=ask_clarification,enum=create_plan,enum=reject"`
	Reasoning string       `json:"reasoning" jsonschema:"required"`
	// Message is the user-facing text for answer_directly, ask_clarification,
	// and reject; unused for create_plan.
	Message string `json:"message"`
}

func (o *Orchestrator) runDecide(ctx context.Context, question string, history []model.Message, relevantDBs []string, debugRecorder func(model.DebugTraceRow)) (decideOutput, model.Usage, error) {
	ctx, sc := withStage(ctx, "decide")
	defer sc.End()

	tmpl, err := o.prompts.Get("decide")
	if err != nil {
		sc.RecordError(err)
		return decideOutput{}, model.Usage{}, err
	}

	schemaText, err := o.catalog.FormatForPrompt(relevantDBs, model.PromptModePlanning)
	if err != nil {
		sc.RecordError(err)
		return decideOutput{}, model.Usage{}, err
	}

	vars := map[string]string{
		"question":  question,
		"history":   formatHistory(history),
		"schema":    schemaText,
		"databases": strings.Join(relevantDBs, ", "),
	}

	var out decideOutput
	usage, err := o.llm.CompleteStructured(ctx, llmclient.StructuredRequest{
		Tier:          tmpl.ModelTier,
		SystemPrompt:  tmpl.RenderSystem(vars),
		UserPrompt:    tmpl.RenderUser(vars),
		SchemaName:    "decide",
		Schema:        llmclient.GenerateSchema[decideOutput](),
		Temperature:   tmpl.Temperature,
		Stage:         "decide",
		DebugRecorder: debugRecorder,
	}, &out)
	if err != nil {
		sc.RecordError(err)
	}
	return out, usage, err
}
