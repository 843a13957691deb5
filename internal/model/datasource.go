package model

// DataSourceType enumerates the physical engines a datasource can wrap.
// Only postgres is implemented; the type is kept open for future drivers
// without touching callers of the DatasourceManager interface.
type DataSourceType string

const (
	DataSourceTypePostgres DataSourceType = "postgres"
)

// DataSourceCatalogEntry is one row of the datasource catalog surfaced via
// GET /api/data-sources. DBID uniqueness is checked at load time, within
// catalog.yaml by schemacatalog.Load and within datasources.yaml by
// datasource.LoadConfigFile; the two files are not cross-checked against
// each other. The datasource Manager opens one pool per configured db id.
type DataSourceCatalogEntry struct {
	DBID        string
	Name        string
	Description string
}

// DataSourceConnConfig is the connection configuration for one logical db
// id, loaded from the datasource catalog declarative file with env-var
// interpolation.
type DataSourceConnConfig struct {
	DBID           string
	Type           DataSourceType
	DSN            string
	MinConns       int32
	MaxConns       int32
	ConnectTimeout int // seconds
}
