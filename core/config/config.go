// Package config loads application configuration from environment
// variables, with sensible development defaults.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"

	"github.com/querymind/nlsql/internal/llmclient"
)

// Config holds all application configuration.
type Config struct {
	Env  string
	Port string

	LLM   llmclient.Config
	OTel  OTelConfig
	Debug bool

	// SessionBackend selects the SessionStore implementation: "memory" or
	// "redis".
	SessionBackend string
	RedisURL       string

	CatalogPath     string
	SchemasDir      string
	PromptsDir      string
	DataSourcesPath string

	TurnTimeoutSeconds int
}

// OTelConfig configures the optional OTLP exporters. Enabled reports false
// when Endpoint is empty.
type OTelConfig struct {
	ServiceName    string
	ServiceVersion string
	Endpoint       string
	Headers        string
}

// Enabled reports whether OTel exporting is configured.
func (c OTelConfig) Enabled() bool {
	return c.Endpoint != ""
}

// IsProduction returns true if running in production environment.
func (c Config) IsProduction() bool {
	return c.Env == "production"
}

// IsDevelopment returns true if running in development environment.
func (c Config) IsDevelopment() bool {
	return c.Env == "development"
}

// Load loads configuration from environment variables. A .env file in the
// working directory is loaded first if present; its absence is not an
// error.
func Load() (Config, error) {
	_ = godotenv.Load()

	apiKey := getEnv("LLM_API_KEY", "")
	if apiKey == "" {
		return Config{}, fmt.Errorf("config: LLM_API_KEY is required")
	}

	return Config{
		Env:  getEnv("APP_ENV", "development"),
		Port: getEnv("PORT", "8080"),
		LLM: llmclient.Config{
			APIKey:         apiKey,
			BaseURL:        getEnv("LLM_BASE_URL", ""),
			ModelWeak:      getEnv("LLM_MODEL_WEAK", ""),
			ModelPlanning:  getEnv("LLM_MODEL_PLANNING", ""),
			ModelDeveloper: getEnv("LLM_MODEL_DEVELOPER", ""),
		},
		OTel: OTelConfig{
			ServiceName:    getEnv("OTEL_SERVICE_NAME", "nlsql"),
			ServiceVersion: getEnv("OTEL_SERVICE_VERSION", "dev"),
			Endpoint:       getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			Headers:        getEnv("OTEL_EXPORTER_OTLP_HEADERS", ""),
		},
		Debug:              getEnvBool("DEBUG", false),
		SessionBackend:     getEnv("SESSION_BACKEND", "memory"),
		RedisURL:           getEnv("REDIS_URL", "redis://localhost:6379/0"),
		CatalogPath:        getEnv("CATALOG_PATH", "configs/catalog.yaml"),
		SchemasDir:         getEnv("SCHEMAS_DIR", "configs/schemas"),
		PromptsDir:         getEnv("PROMPTS_DIR", "configs/prompts"),
		DataSourcesPath:    getEnv("DATASOURCES_PATH", "configs/datasources.yaml"),
		TurnTimeoutSeconds: getEnvInt("TURN_TIMEOUT_SECONDS", 60),
	}, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}
