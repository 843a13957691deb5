package datasource

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/querymind/nlsql/internal/model"
)

// catalogFile mirrors configs/datasources.yaml: one entry per logical db id
// declaring its connection parameters. Per-field env vars follow the
// pattern DATASOURCE_<DBID>_{HOST,PORT,USER,PASSWORD,NAME}, uppercased and
// with non-alphanumeric characters in the db id replaced by underscores.
type catalogFile struct {
	Databases []datasourceEntryFile `yaml:"databases"`
}

type datasourceEntryFile struct {
	DBID           string `yaml:"db_id"`
	Type           string `yaml:"type"`
	Host           string `yaml:"host"`
	Port           string `yaml:"port"`
	User           string `yaml:"user"`
	Password       string `yaml:"password"`
	Name           string `yaml:"name"`
	SSLMode        string `yaml:"sslmode"`
	MinConns       int32  `yaml:"min_conns"`
	MaxConns       int32  `yaml:"max_conns"`
	ConnectTimeout int    `yaml:"connect_timeout"`
}

// LoadConfigFile reads configs/datasources.yaml from path and resolves
// per-db connection parameters, applying env-var overrides and defaults.
func LoadConfigFile(path string) ([]model.DataSourceConnConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("datasource: open %s: %w", path, err)
	}
	defer f.Close()

	var cf catalogFile
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cf); err != nil {
		return nil, fmt.Errorf("datasource: structural decode: %w", err)
	}

	out := make([]model.DataSourceConnConfig, 0, len(cf.Databases))
	seen := make(map[string]bool, len(cf.Databases))
	for _, e := range cf.Databases {
		if seen[e.DBID] {
			return nil, fmt.Errorf("datasource: duplicate db_id %q", e.DBID)
		}
		seen[e.DBID] = true

		dsType := model.DataSourceType(e.Type)
		if dsType == "" {
			dsType = model.DataSourceTypePostgres
		}
		if dsType != model.DataSourceTypePostgres {
			return nil, fmt.Errorf("datasource: unsupported type %q for %q", e.Type, e.DBID)
		}

		prefix := envPrefix(e.DBID)
		host := getEnv(prefix+"_HOST", e.Host, "localhost")
		port := getEnv(prefix+"_PORT", e.Port, "5432")
		user := getEnv(prefix+"_USER", e.User, "postgres")
		password := getEnv(prefix+"_PASSWORD", e.Password, "postgres")
		name := getEnv(prefix+"_NAME", e.Name, e.DBID)
		sslMode := e.SSLMode
		if sslMode == "" {
			sslMode = "disable"
		}

		out = append(out, model.DataSourceConnConfig{
			DBID:           e.DBID,
			Type:           dsType,
			DSN:            fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, password, host, port, name, sslMode),
			MinConns:       defaultInt32(e.MinConns, 2),
			MaxConns:       defaultInt32(e.MaxConns, 10),
			ConnectTimeout: defaultInt(e.ConnectTimeout, 5),
		})
	}
	return out, nil
}

func envPrefix(dbID string) string {
	cleaned := strings.Map(func(r rune) rune {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' {
			return r
		}
		return '_'
	}, dbID)
	return "DATASOURCE_" + strings.ToUpper(cleaned)
}

func getEnv(key, fileValue, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	if fileValue != "" {
		return fileValue
	}
	return fallback
}

func defaultInt32(v, fallback int32) int32 {
	if v > 0 {
		return v
	}
	return fallback
}

func defaultInt(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}
