package httpapi

import (
	"time"

	"github.com/querymind/nlsql/internal/model"
)

type threadResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

func toThreadResponse(t model.Thread) threadResponse {
	return threadResponse{ID: t.ID, Name: t.Name, CreatedAt: t.CreatedAt}
}

type createThreadRequest struct {
	Name string `json:"name"`
}

type messageResponse struct {
	ID        string        `json:"id"`
	ThreadID  string        `json:"thread_id"`
	Sender    model.Sender  `json:"sender"`
	Content   string        `json:"content"`
	Metadata  *metadataView `json:"metadata,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// metadataView is the wire shape of a model.MessageMetadata: the tagged
// turn result every server message carries, plus the debug trace rows
// (only present when the debug flag was set for that turn).
type metadataView struct {
	Result     *turnResultView     `json:"result,omitempty"`
	DebugTrace []debugTraceRowView `json:"debug_trace,omitempty"`
}

func toMessageResponse(m model.Message) messageResponse {
	resp := messageResponse{
		ID:        m.ID,
		ThreadID:  m.ThreadID,
		Sender:    m.Sender,
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
	}
	if m.Metadata == nil {
		return resp
	}

	view := metadataView{}
	if m.Metadata.Result != nil {
		r := toTurnResultView(*m.Metadata.Result)
		view.Result = &r
	}
	for _, row := range m.Metadata.DebugTrace {
		view.DebugTrace = append(view.DebugTrace, toDebugTraceRowView(row))
	}
	resp.Metadata = &view
	return resp
}

// debugTraceRowView is the wire shape of one model.DebugTraceRow.
type debugTraceRowView struct {
	ID               string    `json:"id"`
	Stage            string    `json:"stage"`
	Tier             string    `json:"tier"`
	ModelID          string    `json:"model_id"`
	SystemPrompt     string    `json:"system_prompt"`
	UserPrompt       string    `json:"user_prompt"`
	StructuredOutput string    `json:"structured_output,omitempty"`
	InputTokens      int       `json:"input_tokens"`
	OutputTokens     int       `json:"output_tokens"`
	ElapsedMS        int64     `json:"elapsed_ms"`
	RecordedAt       time.Time `json:"recorded_at"`
}

func toDebugTraceRowView(r model.DebugTraceRow) debugTraceRowView {
	return debugTraceRowView{
		ID:               r.ID,
		Stage:            r.Stage,
		Tier:             string(r.Tier),
		ModelID:          r.ModelID,
		SystemPrompt:     r.SystemPrompt,
		UserPrompt:       r.UserPrompt,
		StructuredOutput: r.StructuredOutput,
		InputTokens:      r.InputTokens,
		OutputTokens:     r.OutputTokens,
		ElapsedMS:        r.Elapsed.Milliseconds(),
		RecordedAt:       r.RecordedAt,
	}
}

// turnResultView is the wire shape of a model.TurnResult, surfaced as a
// server message's metadata. Only the fields relevant to the outcome are
// populated, matching TurnResult's own tagged-union discipline.
type turnResultView struct {
	Outcome model.TurnOutcome `json:"outcome"`

	Reason          string   `json:"reason,omitempty"`
	Question        string   `json:"question,omitempty"`
	Text            string   `json:"text,omitempty"`
	Confidence      string   `json:"confidence,omitempty"`
	DataSourcesUsed []string `json:"data_sources_used,omitempty"`
	PlanErrorReason string   `json:"plan_error_reason,omitempty"`
	FailingStep     int      `json:"failing_step,omitempty"`
	LastError       string   `json:"last_error,omitempty"`
}

func toTurnResultView(r model.TurnResult) turnResultView {
	return turnResultView{
		Outcome:         r.Outcome,
		Reason:          r.Reason,
		Question:        r.Question,
		Text:            r.Text,
		Confidence:      string(r.Confidence),
		DataSourcesUsed: r.DataSourcesUsed,
		PlanErrorReason: r.PlanErrorReason,
		FailingStep:     r.FailingStep,
		LastError:       r.LastError,
	}
}

type postMessageRequest struct {
	Content string `json:"content" binding:"required"`
}

type postMessageResponse struct {
	UserMessage   messageResponse `json:"user_message"`
	ServerMessage messageResponse `json:"server_message"`
}

type tokenUsageResponse struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	TotalTokens  int64 `json:"total_tokens"`
	Calls        int64 `json:"calls"`
}

func toTokenUsageResponse(u model.TokenUsage) tokenUsageResponse {
	return tokenUsageResponse{
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
		TotalTokens:  u.TotalTokens,
		Calls:        u.CallCount,
	}
}

type usedDatabasesResponse struct {
	Databases []string `json:"databases"`
}

type dataSourceResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	// Healthy is nil when no health pinger is configured, true/false once
	// a ping has actually been attempted.
	Healthy *bool `json:"healthy,omitempty"`
}

func toDataSourceResponse(e model.DataSourceCatalogEntry) dataSourceResponse {
	return dataSourceResponse{ID: e.DBID, Name: e.Name, Description: e.Description}
}
