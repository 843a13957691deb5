package orchestrator

import (
	"context"
	"fmt"

	"github.com/querymind/nlsql/internal/llmclient"
	"github.com/querymind/nlsql/internal/model"
)

// summarizeOutput is the structured response for the summarize stage: the
// final user-facing answer plus the summarizer's self-reported confidence
// and the set of databases it actually drew from.
type summarizeOutput struct {
	Text            string   `json:"text" jsonschema:"required"`
	Confidence      string   `json:"confidence" jsonschema:"required,enum=high,enum=medium,enum=low"`
	DataSourcesUsed []string `json:"data_sources_used"`
}

func (o *Orchestrator) runSummarize(ctx context.Context, question string, plan model.QueryPlan, results []model.StepResult, debugRecorder func(model.DebugTraceRow)) (summarizeOutput, model.Usage, error) {
	ctx, sc := withStage(ctx, "summarize")
	defer sc.End()

	tmpl, err := o.prompts.Get("summarize")
	if err != nil {
		sc.RecordError(err)
		return summarizeOutput{}, model.Usage{}, err
	}

	vars := map[string]string{
		"question": question,
		"plan":     formatPlan(plan),
		"results":  formatResults(results),
	}

	var out summarizeOutput
	usage, err := o.llm.CompleteStructured(ctx, llmclient.StructuredRequest{
		Tier:          tmpl.ModelTier,
		SystemPrompt:  tmpl.RenderSystem(vars),
		UserPrompt:    tmpl.RenderUser(vars),
		SchemaName:    "summarize",
		Schema:        llmclient.GenerateSchema[summarizeOutput](),
		Temperature:   tmpl.Temperature,
		Stage:         "summarize",
		DebugRecorder: debugRecorder,
	}, &out)
	if err != nil {
		sc.RecordError(err)
	}
	return out, usage, err
}

func formatPlan(plan model.QueryPlan) string {
	out := ""
	for _, s := range plan.Steps {
		out += fmt.Sprintf("step %d (%s, db=%v): %s\n", s.StepNumber, s.Operation, s.Databases, s.Description)
	}
	return out
}

func formatResults(results []model.StepResult) string {
	out := ""
	for _, r := range results {
		if r.ResultValue != "" {
			out += fmt.Sprintf("step %d: %s\n", r.StepNumber, r.ResultValue)
			continue
		}
		out += fmt.Sprintf("step %d: %d row(s)\n", r.StepNumber, len(r.ResultData))
	}
	return out
}
