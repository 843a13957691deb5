package orchestrator

import (
	"context"
	"strings"

	"github.com/querymind/nlsql/internal/llmclient"
	"github.com/querymind/nlsql/internal/model"
)

// validateOutput is the structured response for the validate stage: is the
// question answerable against the catalog at all, and if so which databases
// does it touch.
type validateOutput struct {
	IsRelevant        bool     `json:"is_relevant" jsonschema:"required"`
	RelevantDatabases []string `json:"relevant_databases"`
	Reason            string   `json:"reason" jsonschema:"required"`
	Language          string   `json:"language" jsonschema:"required"`
}

func (o *Orchestrator) runValidate(ctx context.Context, question string, history []model.Message, debugRecorder func(model.DebugTraceRow)) (validateOutput, model.Usage, error) {
	ctx, sc := withStage(ctx, "validate")
	defer sc.End()

	tmpl, err := o.prompts.Get("validate")
	if err != nil {
		sc.RecordError(err)
		return validateOutput{}, model.Usage{}, err
	}

	databases := o.catalog.ListDatabases()
	names := make([]string, 0, len(databases))
	for _, d := range databases {
		names = append(names, d.DBID+": "+d.Description)
	}

	vars := map[string]string{
		"question": question,
		"history":  formatHistory(history),
		"catalog":  strings.Join(names, "\n"),
	}

	var out validateOutput
	usage, err := o.llm.CompleteStructured(ctx, llmclient.StructuredRequest{
		Tier:          tmpl.ModelTier,
		SystemPrompt:  tmpl.RenderSystem(vars),
		UserPrompt:    tmpl.RenderUser(vars),
		SchemaName:    "validate",
		Schema:        llmclient.GenerateSchema[validateOutput](),
		Temperature:   tmpl.Temperature,
		Stage:         "validate",
		DebugRecorder: debugRecorder,
	}, &out)
	if err != nil {
		sc.RecordError(err)
	}
	return out, usage, err
}
