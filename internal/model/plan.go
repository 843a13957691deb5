package model

// Operation categorizes what a PlanStep does against its target database.
type Operation string

const (
	OperationLookup      Operation = "lookup"
	OperationAggregation Operation = "aggregation"
	OperationJoin        Operation = "join"
	OperationFilter      Operation = "filter"
	OperationSort        Operation = "sort"
	OperationOther       Operation = "other"
)

// QueryPlan is the planner's output for one turn: an ordered sequence of
// steps scoped to the databases the validator deemed relevant.
type QueryPlan struct {
	Steps []PlanStep
}

// PlanStep is one unit of work in a QueryPlan. Databases must all belong to
// the same datasource (enforced by DatasourceManager.ValidateScope, not
// here) so a single step can never require a cross-database join.
type PlanStep struct {
	StepNumber     int
	Description    string
	Databases      []string
	Tables         []string
	Operation      Operation
	DependsOnSteps []int
}

// ErrorCategory classifies why a SQL attempt failed. Recoverability is a
// function of category, decided by the agentic error analyzer, not stored
// here as a static table: the analyzer may still declare any category
// non-recoverable for a given error.
type ErrorCategory string

const (
	ErrorCategorySyntax     ErrorCategory = "syntax"
	ErrorCategorySchema     ErrorCategory = "schema"
	ErrorCategoryPermission ErrorCategory = "permission"
	ErrorCategoryConnection ErrorCategory = "connection"
	ErrorCategoryData       ErrorCategory = "data"
	ErrorCategoryOther      ErrorCategory = "other"
)

// StepResult is the outcome of executing one PlanStep, after however many
// attempts the agentic retry loop spent on it.
type StepResult struct {
	StepNumber int
	Success    bool
	FinalSQL   string
	// At most one of ResultValue/ResultData is set on success, per the
	// result-shape decision: single scalar vs row list. A zero-row result
	// leaves both empty.
	ResultValue string
	ResultData  []map[string]any
	Error       string
	Category    ErrorCategory
	Attempts    int
}
