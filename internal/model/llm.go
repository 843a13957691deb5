package model

// ModelTier is the abstract model capability class requested by a prompt.
// Concrete model identifiers are resolved from configuration (see
// internal/llmclient), never hardcoded against a tier.
type ModelTier string

const (
	ModelTierWeak      ModelTier = "weak"
	ModelTierPlanning  ModelTier = "planning"
	ModelTierDeveloper ModelTier = "developer"
)

// Usage reports token consumption and latency for one LLM call.
type Usage struct {
	InputTokens  int
	OutputTokens int
	ElapsedMS    int64
}
