// Package config loads the gateway's configuration from a JSON5 file and
// overlays environment variables, mirroring the teacher's config_load.go
// pattern but scoped to Automagik Omni's own settings tree.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// ExpandHome expands a leading "~" in path to the current user's home
// directory, so DatabaseConfig.SQLitePath can be authored portably.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if len(path) > 1 && (path[1] == '/' || path[1] == filepath.Separator) {
		return filepath.Join(home, path[2:])
	}
	return path
}

// FlexibleStringSlice accepts both ["str"] and [123] in JSON, so allow/block
// phone-number lists can be authored either way.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// GatewayConfig is the HTTP admin surface's listen and auth settings.
type GatewayConfig struct {
	Host   string `json:"host"`
	Port   int    `json:"port"`
	APIKey string `json:"api_key"`
}

// DatabaseConfig selects and configures the Config Store backend.
type DatabaseConfig struct {
	// Mode is "postgres" or "sqlite". Postgres is used whenever
	// PostgresDSN is set; sqlite is the single-tenant/desktop fallback.
	Mode        string `json:"mode"`
	PostgresDSN string `json:"-"` // secret: env only, never persisted to config.json
	SQLitePath  string `json:"sqlite_path"`
}

// CORSConfig configures the admin API's cross-origin policy.
type CORSConfig struct {
	Origins     FlexibleStringSlice `json:"origins"`
	Credentials bool                `json:"credentials"`
	Methods     FlexibleStringSlice `json:"methods"`
	Headers     FlexibleStringSlice `json:"headers"`
}

// TelemetryConfig configures the optional OTEL span mirror for the Trace
// Recorder (C9).
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled"`
	Endpoint    string `json:"endpoint"`
	ServiceName string `json:"service_name"`
	Insecure    bool   `json:"insecure"`
}

// Config is the root settings tree for the gateway process.
type Config struct {
	Gateway   GatewayConfig   `json:"gateway"`
	Database  DatabaseConfig  `json:"database"`
	CORS      CORSConfig      `json:"cors"`
	Telemetry TelemetryConfig `json:"telemetry"`
	LogLevel  string          `json:"log_level"`
}

// Default returns the baseline config before any file or env overlay.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host: "0.0.0.0",
			Port: 8882,
		},
		Database: DatabaseConfig{
			Mode:       "postgres",
			SQLitePath: "~/.automagik-omni/omni.db",
		},
		CORS: CORSConfig{
			Origins:     FlexibleStringSlice{"*"},
			Credentials: false,
			Methods:     FlexibleStringSlice{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			Headers:     FlexibleStringSlice{"Content-Type", "x-api-key"},
		},
		Telemetry: TelemetryConfig{
			ServiceName: "automagik-omni",
		},
		LogLevel: "info",
	}
}

// Load reads config from a JSON5 file, then overlays env vars. A missing
// file is not an error: defaults plus env overrides still apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays environment variables onto the config.
// Env vars take precedence over file values. The Postgres DSN has no JSON
// field and is accepted only from the environment.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	envStr("AUTOMAGIK_OMNI_API_HOST", &c.Gateway.Host)
	if v := os.Getenv("AUTOMAGIK_OMNI_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}
	envStr("AUTOMAGIK_OMNI_API_KEY", &c.Gateway.APIKey)

	envStr("AUTOMAGIK_OMNI_DATABASE_URL", &c.Database.PostgresDSN)
	if c.Database.PostgresDSN != "" {
		c.Database.Mode = "postgres"
	}

	if v := os.Getenv("AUTOMAGIK_OMNI_CORS_ORIGINS"); v != "" {
		c.CORS.Origins = splitCSV(v)
	}
	if v := os.Getenv("AUTOMAGIK_OMNI_CORS_CREDENTIALS"); v != "" {
		c.CORS.Credentials = v == "true" || v == "1"
	}
	if v := os.Getenv("AUTOMAGIK_OMNI_CORS_METHODS"); v != "" {
		c.CORS.Methods = splitCSV(v)
	}
	if v := os.Getenv("AUTOMAGIK_OMNI_CORS_HEADERS"); v != "" {
		c.CORS.Headers = splitCSV(v)
	}

	envStr("AUTOMAGIK_OMNI_OTEL_ENDPOINT", &c.Telemetry.Endpoint)
	if c.Telemetry.Endpoint != "" {
		c.Telemetry.Enabled = true
	}
	envStr("AUTOMAGIK_OMNI_OTEL_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("AUTOMAGIK_OMNI_OTEL_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}

	envStr("LOG_LEVEL", &c.LogLevel)
}

func splitCSV(v string) FlexibleStringSlice {
	parts := strings.Split(v, ",")
	out := make(FlexibleStringSlice, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
