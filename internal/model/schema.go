package model

// SchemaDefinition is the declarative schema of one logical database.
type SchemaDefinition struct {
	DBID   string
	Tables []TableSchema
}

// TableSchema describes one table available for querying.
type TableSchema struct {
	Name        string
	Description string
	Columns     []ColumnSchema
}

// ColumnSchema describes one column. ForeignKey, when non-empty, is a
// symbolic reference "db.table.column" (same-db references may omit the
// db segment); no object graph is built from it, it is carried as a
// string so schemas can reference each other without runtime cycles.
type ColumnSchema struct {
	Name        string
	SQLType     string
	Nullable    bool
	Description string
	ForeignKey  string
}

// PromptMode selects how FormatForPrompt renders a schema excerpt.
type PromptMode string

const (
	PromptModePlanning   PromptMode = "planning"
	PromptModeGeneration PromptMode = "generation"
)
