package config

import "testing"

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Gateway.Port == 0 {
		t.Fatal("expected a default gateway port")
	}
	if cfg.Database.Mode != "postgres" {
		t.Fatalf("expected default mode postgres, got %s", cfg.Database.Mode)
	}
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load("/nonexistent/config.json5")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Host != "0.0.0.0" {
		t.Fatalf("expected default host, got %s", cfg.Gateway.Host)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("AUTOMAGIK_OMNI_API_PORT", "9001")
	t.Setenv("AUTOMAGIK_OMNI_DATABASE_URL", "postgres://x/y")
	t.Setenv("AUTOMAGIK_OMNI_CORS_ORIGINS", "https://a.example, https://b.example")

	cfg := Default()
	cfg.applyEnvOverrides()

	if cfg.Gateway.Port != 9001 {
		t.Fatalf("expected overridden port 9001, got %d", cfg.Gateway.Port)
	}
	if cfg.Database.PostgresDSN != "postgres://x/y" {
		t.Fatalf("expected overridden DSN, got %s", cfg.Database.PostgresDSN)
	}
	if len(cfg.CORS.Origins) != 2 || cfg.CORS.Origins[0] != "https://a.example" {
		t.Fatalf("expected split CORS origins, got %v", cfg.CORS.Origins)
	}
}

func TestFlexibleStringSliceUnmarshal(t *testing.T) {
	var f FlexibleStringSlice
	if err := f.UnmarshalJSON([]byte(`["a", "b"]`)); err != nil {
		t.Fatalf("string slice: %v", err)
	}
	if len(f) != 2 {
		t.Fatalf("expected 2 elements, got %d", len(f))
	}

	var f2 FlexibleStringSlice
	if err := f2.UnmarshalJSON([]byte(`[5511990000101, 5511990000102]`)); err != nil {
		t.Fatalf("numeric slice: %v", err)
	}
	if len(f2) != 2 || f2[0] != "5511990000101" {
		t.Fatalf("expected numeric elements coerced to strings, got %v", f2)
	}
}
