package schemacatalog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/querymind/nlsql/internal/model"
)

// planningColumnLimit bounds how many columns FormatForPrompt renders per
// table in planning mode; generation mode renders all of them since the
// developer-tier model needs exact column names to emit correct SQL.
const planningColumnLimit = 8

// Catalog is the loaded, immutable view of the database catalog plus every
// schema it references. Construct with Load; there is no mutator.
type Catalog struct {
	entries []model.DataSourceCatalogEntry
	byID    map[string]model.DataSourceCatalogEntry
	schemas map[string]model.SchemaDefinition
}

// Load reads configs/catalog.yaml from catalogPath and one
// configs/schemas/<db_id>.yaml per catalog entry from schemasDir.
func Load(catalogPath, schemasDir string) (*Catalog, error) {
	cf, err := loadCatalogFile(catalogPath)
	if err != nil {
		return nil, fmt.Errorf("schemacatalog: load catalog: %w", err)
	}

	c := &Catalog{
		byID:    make(map[string]model.DataSourceCatalogEntry, len(cf.Databases)),
		schemas: make(map[string]model.SchemaDefinition, len(cf.Databases)),
	}

	for _, e := range cf.Databases {
		if _, dup := c.byID[e.DBID]; dup {
			return nil, fmt.Errorf("schemacatalog: duplicate db_id %q in catalog", e.DBID)
		}
		entry := model.DataSourceCatalogEntry{DBID: e.DBID, Name: e.Name, Description: e.Description}
		c.entries = append(c.entries, entry)
		c.byID[e.DBID] = entry

		sf, err := loadSchemaFile(filepath.Join(schemasDir, e.DBID+".yaml"))
		if err != nil {
			return nil, fmt.Errorf("schemacatalog: load schema for %q: %w", e.DBID, err)
		}
		if sf.DBID != "" && sf.DBID != e.DBID {
			return nil, fmt.Errorf("schemacatalog: schema file for %q declares db_id %q", e.DBID, sf.DBID)
		}
		c.schemas[e.DBID] = toSchemaDefinition(e.DBID, sf)
	}

	sort.Slice(c.entries, func(i, j int) bool { return c.entries[i].DBID < c.entries[j].DBID })

	return c, nil
}

func loadCatalogFile(path string) (*catalogFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return decodeStrict[catalogFile](f)
}

func loadSchemaFile(path string) (*schemaFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return decodeStrict[schemaFile](f)
}

func decodeStrict[T any](r io.Reader) (*T, error) {
	var v T
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("structural decode: %w", err)
	}
	return &v, nil
}

func toSchemaDefinition(dbID string, sf *schemaFile) model.SchemaDefinition {
	def := model.SchemaDefinition{DBID: dbID}
	for _, t := range sf.Tables {
		table := model.TableSchema{Name: t.Name, Description: t.Description}
		for _, col := range t.Columns {
			table.Columns = append(table.Columns, model.ColumnSchema{
				Name:        col.Name,
				SQLType:     col.Type,
				Nullable:    col.Nullable,
				Description: col.Description,
				ForeignKey:  col.ForeignKey,
			})
		}
		def.Tables = append(def.Tables, table)
	}
	return def
}

// ListDatabases returns every catalog entry, sorted by db id.
func (c *Catalog) ListDatabases() []model.DataSourceCatalogEntry {
	out := make([]model.DataSourceCatalogEntry, len(c.entries))
	copy(out, c.entries)
	return out
}

// HasDatabase reports whether dbID is a known catalog entry.
func (c *Catalog) HasDatabase(dbID string) bool {
	_, ok := c.byID[dbID]
	return ok
}

// SchemaFor returns the full schema definition for one db id.
func (c *Catalog) SchemaFor(dbID string) (model.SchemaDefinition, error) {
	s, ok := c.schemas[dbID]
	if !ok {
		return model.SchemaDefinition{}, &ErrUnknownDatabase{DBID: dbID}
	}
	return s, nil
}

// HasTable reports whether table exists in db id's schema.
func (c *Catalog) HasTable(dbID, table string) bool {
	s, ok := c.schemas[dbID]
	if !ok {
		return false
	}
	for _, t := range s.Tables {
		if t.Name == table {
			return true
		}
	}
	return false
}

// FormatForPrompt renders the schemas of dbIDs as prompt-ready text. In
// planning mode it renders at most planningColumnLimit columns per table,
// each as name and SQL type only (no nullability, foreign key or
// description); in generation mode it renders every column with its SQL
// type, nullability, foreign key and description so the developer model can
// write exact SQL.
func (c *Catalog) FormatForPrompt(dbIDs []string, mode model.PromptMode) (string, error) {
	var b strings.Builder
	for _, dbID := range dbIDs {
		s, ok := c.schemas[dbID]
		if !ok {
			return "", &ErrUnknownDatabase{DBID: dbID}
		}
		fmt.Fprintf(&b, "database %s:\n", dbID)
		for _, t := range s.Tables {
			fmt.Fprintf(&b, "  table %s", t.Name)
			if t.Description != "" {
				fmt.Fprintf(&b, " -- %s", t.Description)
			}
			b.WriteString("\n")

			cols := t.Columns
			if mode == model.PromptModePlanning && len(cols) > planningColumnLimit {
				cols = cols[:planningColumnLimit]
			}
			for _, col := range cols {
				switch mode {
				case model.PromptModeGeneration:
					fmt.Fprintf(&b, "    - %s %s", col.Name, col.SQLType)
					if col.Nullable {
						b.WriteString(" null")
					}
					if col.ForeignKey != "" {
						fmt.Fprintf(&b, " references %s", col.ForeignKey)
					}
					if col.Description != "" {
						fmt.Fprintf(&b, " -- %s", col.Description)
					}
				default:
					fmt.Fprintf(&b, "    - %s %s", col.Name, col.SQLType)
				}
				b.WriteString("\n")
			}
		}
	}
	return b.String(), nil
}
