package config

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

var envVars = []string{
	"POLYGON_API_KEY", "MARKETDATA_TOKEN",
	"ALPACA_API_KEY", "ALPACA_SECRET_KEY", "APCA_API_KEY_ID", "APCA_API_SECRET_KEY",
	"WHALES_CACHE_PATH", "WHALES_ARCHIVE_DIR", "WHALES_DEBOUNCE",
	"WHALES_WORKERS", "WHALES_VIEW_CAP", "WHALES_WATCHLIST",
	"LOG_LEVEL", "LOG_FORMAT", "PORT",
}

// clearEnv unsets every recognised variable for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envVars {
		if old, ok := os.LookupEnv(k); ok {
			t.Cleanup(func() { os.Setenv(k, old) })
		}
		os.Unsetenv(k)
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "whales.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadFile(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
server:
  host: "127.0.0.1"
  port: 9000
  grpc_port: 0
polygon:
  api_key: "poly-key"
marketdata:
  api_key: "md-token"
  min_interval: 500ms
alpaca:
  api_key: "ak"
  api_secret: "as"
logging:
  level: "debug"
  format: "text"
scanner:
  watchlist: ["spy", " qqq ", "SPY"]
  workers: 4
  view_cap: 100
filter:
  min_volume: 250
  max_dte: 45
storage:
  cache_path: "/var/lib/whales/cache.json"
  archive_dir: "/var/lib/whales"
  debounce: 10s
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if got := cfg.Server.Addr(); got != "127.0.0.1:9000" {
		t.Errorf("Server.Addr() = %q, want %q", got, "127.0.0.1:9000")
	}
	if got := cfg.Server.GRPCAddr(); got != "" {
		t.Errorf("Server.GRPCAddr() = %q, want empty (disabled)", got)
	}
	if cfg.Polygon.APIKey != "poly-key" {
		t.Errorf("Polygon.APIKey = %q, want %q", cfg.Polygon.APIKey, "poly-key")
	}
	if cfg.MarketData.MinInterval != 500*time.Millisecond {
		t.Errorf("MarketData.MinInterval = %v, want 500ms", cfg.MarketData.MinInterval)
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("Logging.Format = %q, want %q", cfg.Logging.Format, "text")
	}
	if want := []string{"SPY", "QQQ"}; !reflect.DeepEqual(cfg.Scanner.Watchlist, want) {
		t.Errorf("Scanner.Watchlist = %v, want %v", cfg.Scanner.Watchlist, want)
	}
	if cfg.Scanner.Workers != 4 || cfg.Scanner.ViewCap != 100 {
		t.Errorf("Scanner = %+v, want workers 4 and view_cap 100", cfg.Scanner)
	}

	// Fields absent from the file keep their defaults.
	if cfg.Filter.MinVolume != 250 {
		t.Errorf("Filter.MinVolume = %d, want 250", cfg.Filter.MinVolume)
	}
	if cfg.Filter.MaxDTE != 45 {
		t.Errorf("Filter.MaxDTE = %d, want 45", cfg.Filter.MaxDTE)
	}
	if cfg.Filter.VolOIRatio != 1.2 {
		t.Errorf("Filter.VolOIRatio = %v, want 1.2 (default)", cfg.Filter.VolOIRatio)
	}
	if cfg.Filter.MinPremium != 25000 {
		t.Errorf("Filter.MinPremium = %v, want 25000 (default)", cfg.Filter.MinPremium)
	}
	if cfg.Storage.Debounce != 10*time.Second {
		t.Errorf("Storage.Debounce = %v, want 10s", cfg.Storage.Debounce)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("POLYGON_API_KEY", "k")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.Server.Port != 8080 || cfg.Server.GRPCPort != 9090 {
		t.Errorf("Server = %+v, want ports 8080/9090", cfg.Server)
	}
	if cfg.Scanner.Workers != 8 || cfg.Scanner.ViewCap != 5000 {
		t.Errorf("Scanner = %+v, want workers 8 and view_cap 5000", cfg.Scanner)
	}
	if !reflect.DeepEqual(cfg.Scanner.Watchlist, DefaultWatchlist) {
		t.Errorf("Scanner.Watchlist = %v, want default", cfg.Scanner.Watchlist)
	}
	if cfg.Storage.CachePath != "/tmp/whales_cache.json" {
		t.Errorf("Storage.CachePath = %q, want /tmp/whales_cache.json", cfg.Storage.CachePath)
	}
	if cfg.Storage.Debounce != 30*time.Second {
		t.Errorf("Storage.Debounce = %v, want 30s", cfg.Storage.Debounce)
	}
	if cfg.Filter.MaxDTE != -1 {
		t.Errorf("Filter.MaxDTE = %d, want -1", cfg.Filter.MaxDTE)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
alpaca:
  api_key: "yaml-key"
  api_secret: "yaml-secret"
storage:
  cache_path: "/original/cache.json"
`)

	t.Setenv("ALPACA_API_KEY", "env-key")
	t.Setenv("MARKETDATA_TOKEN", "md")
	t.Setenv("WHALES_CACHE_PATH", "/env/cache.json")
	t.Setenv("WHALES_WORKERS", "3")
	t.Setenv("WHALES_WATCHLIST", "spy,qqq")
	t.Setenv("PORT", "8181")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Alpaca.APIKey != "env-key" {
		t.Errorf("Alpaca.APIKey = %q, want %q (env override)", cfg.Alpaca.APIKey, "env-key")
	}
	// api_secret should remain from YAML since no env override was set.
	if cfg.Alpaca.APISecret != "yaml-secret" {
		t.Errorf("Alpaca.APISecret = %q, want %q (from YAML)", cfg.Alpaca.APISecret, "yaml-secret")
	}
	if cfg.MarketData.APIKey != "md" {
		t.Errorf("MarketData.APIKey = %q, want %q", cfg.MarketData.APIKey, "md")
	}
	if cfg.Storage.CachePath != "/env/cache.json" {
		t.Errorf("Storage.CachePath = %q, want %q (env override)", cfg.Storage.CachePath, "/env/cache.json")
	}
	if cfg.Scanner.Workers != 3 {
		t.Errorf("Scanner.Workers = %d, want 3", cfg.Scanner.Workers)
	}
	if want := []string{"SPY", "QQQ"}; !reflect.DeepEqual(cfg.Scanner.Watchlist, want) {
		t.Errorf("Scanner.Watchlist = %v, want %v", cfg.Scanner.Watchlist, want)
	}
	if cfg.Server.Port != 8181 {
		t.Errorf("Server.Port = %d, want 8181", cfg.Server.Port)
	}
}

func TestLoadCanonicalAlpacaVarsWin(t *testing.T) {
	clearEnv(t)
	t.Setenv("ALPACA_API_KEY", "plain")
	t.Setenv("APCA_API_KEY_ID", "canonical")
	t.Setenv("APCA_API_SECRET_KEY", "secret")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.Alpaca.APIKey != "canonical" || cfg.Alpaca.APISecret != "secret" {
		t.Errorf("Alpaca = %+v, want canonical/secret", cfg.Alpaca)
	}
}

func TestLoadBadEnvValue(t *testing.T) {
	clearEnv(t)
	t.Setenv("WHALES_WORKERS", "many")

	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("Load() = nil error, want parse failure for WHALES_WORKERS")
	}
}

func TestLoadBadYAML(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "server: [unclosed")
	if _, err := Load(path); err == nil {
		t.Fatal("Load() = nil error, want YAML parse failure")
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	err := cfg.Validate()
	if !errors.Is(err, ErrNoProviderKey) {
		t.Fatalf("Validate() = %v, want ErrNoProviderKey", err)
	}

	cfg.MarketData.APIKey = "md"
	cfg.Scanner.Workers = 0
	cfg.Scanner.ViewCap = 0
	cfg.Scanner.Watchlist = nil
	err = cfg.Validate()
	if err == nil {
		t.Fatal("Validate() = nil, want errors")
	}
	if errors.Is(err, ErrNoProviderKey) {
		t.Error("Validate() reported missing key although marketdata is set")
	}
	for _, want := range []string{"scanner.workers", "scanner.view_cap", "scanner.watchlist"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Validate() = %q, missing %q", err, want)
		}
	}
}

func TestLogValueRedactsKeys(t *testing.T) {
	cfg := Default()
	cfg.Polygon.APIKey = "super-secret"
	if s := cfg.LogValue().String(); strings.Contains(s, "super-secret") {
		t.Errorf("LogValue() leaks key: %s", s)
	}
}
