// Package schemacatalog loads the declarative per-database schema files and
// serves read-only excerpts to prompt builders. A catalog is immutable
// after Load returns: SchemaCatalog is safe for concurrent readers with no
// locking.
package schemacatalog

import "fmt"

// columnFile and tableFile mirror the on-disk YAML shape of
// configs/schemas/<db_id>.yaml. Unmarshal targets are kept separate from
// model.SchemaDefinition so the wire format can evolve independently of the
// in-memory model.
type columnFile struct {
	Name        string `yaml:"name"`
	Type        string `yaml:"type"`
	Nullable    bool   `yaml:"nullable"`
	Description string `yaml:"description"`
	ForeignKey  string `yaml:"foreign_key"`
}

type tableFile struct {
	Name        string       `yaml:"name"`
	Description string       `yaml:"description"`
	Columns     []columnFile `yaml:"columns"`
}

type schemaFile struct {
	DBID   string      `yaml:"db_id"`
	Tables []tableFile `yaml:"tables"`
}

// catalogFile mirrors configs/catalog.yaml: the list of db ids surfaced to
// the validator stage, independent of their connection parameters (those
// live in the datasource catalog, loaded by internal/datasource).
type catalogFile struct {
	Databases []catalogEntryFile `yaml:"databases"`
}

type catalogEntryFile struct {
	DBID        string `yaml:"db_id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// ErrUnknownDatabase is returned by SchemaFor and FormatForPrompt when asked
// about a db id absent from the loaded catalog.
type ErrUnknownDatabase struct {
	DBID string
}

func (e *ErrUnknownDatabase) Error() string {
	return fmt.Sprintf("schemacatalog: unknown database %q", e.DBID)
}
