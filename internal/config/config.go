package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// DefaultPath is used when WHALES_CONFIG is unset.
const DefaultPath = "config/whales.yaml"

// DefaultWatchlist is the set of underlyings scanned out of the box.
var DefaultWatchlist = []string{
	"NVDA", "TSLA", "AAPL", "AMD", "MSFT", "AMZN", "META", "GOOG",
	"GOOGL", "PLTR", "MU", "ORCL", "TSM", "WDC", "STX", "SNDK",
}

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the whale service.
type Config struct {
	Server     Server     `yaml:"server"`
	Polygon    Polygon    `yaml:"polygon"`
	MarketData MarketData `yaml:"marketdata"`
	Alpaca     Alpaca     `yaml:"alpaca"`
	Logging    Logging    `yaml:"logging"`
	Scanner    Scanner    `yaml:"scanner"`
	Filter     Filter     `yaml:"filter"`
	Storage    Storage    `yaml:"storage"`
}

// Server holds network listener configuration.
type Server struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	GRPCPort int    `yaml:"grpc_port"`
}

// Addr returns the HTTP listen address.
func (s Server) Addr() string { return net.JoinHostPort(s.Host, strconv.Itoa(s.Port)) }

// GRPCAddr returns the gRPC health listen address. Empty when disabled.
func (s Server) GRPCAddr() string {
	if s.GRPCPort <= 0 {
		return ""
	}
	return net.JoinHostPort(s.Host, strconv.Itoa(s.GRPCPort))
}

// Polygon configures the first options-chain provider.
type Polygon struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// MarketData configures the second options-chain provider.
type MarketData struct {
	APIKey      string        `yaml:"api_key"`
	BaseURL     string        `yaml:"base_url"`
	MinInterval time.Duration `yaml:"min_interval"`
}

// Alpaca holds credentials for the spot price primary.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	DataURL   string `yaml:"data_url"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Scanner controls the scan loop.
type Scanner struct {
	Watchlist []string `yaml:"watchlist"`
	Workers   int      `yaml:"workers"`
	ViewCap   int      `yaml:"view_cap"`
}

// Filter holds the whale thresholds. MaxDTE < 0 leaves the all view
// unbounded.
type Filter struct {
	MinVolume   int64   `yaml:"min_volume"`
	VolOIRatio  float64 `yaml:"vol_oi_ratio"`
	MinPremium  float64 `yaml:"min_premium"`
	MaxDTE      int     `yaml:"max_dte"`
	MegaPremium float64 `yaml:"mega_premium"`
	LottoDelta  float64 `yaml:"lotto_delta"`
}

// Storage holds paths for data persistence.
type Storage struct {
	CachePath  string        `yaml:"cache_path"`
	ArchiveDir string        `yaml:"archive_dir"`
	Debounce   time.Duration `yaml:"debounce"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server:     Server{Host: "0.0.0.0", Port: 8080, GRPCPort: 9090},
		MarketData: MarketData{MinInterval: 250 * time.Millisecond},
		Logging:    Logging{Level: "info", Format: "json"},
		Scanner: Scanner{
			Watchlist: append([]string(nil), DefaultWatchlist...),
			Workers:   8,
			ViewCap:   5000,
		},
		Filter: Filter{
			MinVolume:   100,
			VolOIRatio:  1.2,
			MinPremium:  25_000,
			MaxDTE:      -1,
			MegaPremium: 1_000_000,
			LottoDelta:  0.20,
		},
		Storage: Storage{
			CachePath: "/tmp/whales_cache.json",
			Debounce:  30 * time.Second,
		},
	}
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load starts from Default, overlays the YAML file at path if it exists, and
// then applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	cfg.Scanner.Watchlist = cleanWatchlist(cfg.Scanner.Watchlist)
	return cfg, nil
}

// env lists the recognised environment variables. Unset or empty values
// leave the file value alone.
type env struct {
	PolygonKey      string        `envconfig:"POLYGON_API_KEY"`
	MarketDataToken string        `envconfig:"MARKETDATA_TOKEN"`
	AlpacaKey       string        `envconfig:"ALPACA_API_KEY"`
	AlpacaSecret    string        `envconfig:"ALPACA_SECRET_KEY"`
	APCAKeyID       string        `envconfig:"APCA_API_KEY_ID"`
	APCASecretKey   string        `envconfig:"APCA_API_SECRET_KEY"`
	CachePath       string        `envconfig:"WHALES_CACHE_PATH"`
	ArchiveDir      string        `envconfig:"WHALES_ARCHIVE_DIR"`
	Debounce        time.Duration `envconfig:"WHALES_DEBOUNCE"`
	Workers         int           `envconfig:"WHALES_WORKERS"`
	ViewCap         int           `envconfig:"WHALES_VIEW_CAP"`
	Watchlist       []string      `envconfig:"WHALES_WATCHLIST"`
	LogLevel        string        `envconfig:"LOG_LEVEL"`
	LogFormat       string        `envconfig:"LOG_FORMAT"`
	Port            int           `envconfig:"PORT"`
}

func applyEnvOverrides(cfg *Config) error {
	var e env
	if err := envconfig.Process("", &e); err != nil {
		return fmt.Errorf("environment overrides: %w", err)
	}

	setString(&cfg.Polygon.APIKey, e.PolygonKey)
	setString(&cfg.MarketData.APIKey, e.MarketDataToken)
	setString(&cfg.Alpaca.APIKey, e.AlpacaKey)
	setString(&cfg.Alpaca.APISecret, e.AlpacaSecret)
	// Standard Alpaca env vars (canonical names used by the SDK) win.
	setString(&cfg.Alpaca.APIKey, e.APCAKeyID)
	setString(&cfg.Alpaca.APISecret, e.APCASecretKey)
	setString(&cfg.Storage.CachePath, e.CachePath)
	setString(&cfg.Storage.ArchiveDir, e.ArchiveDir)
	setString(&cfg.Logging.Level, e.LogLevel)
	setString(&cfg.Logging.Format, e.LogFormat)

	if e.Debounce > 0 {
		cfg.Storage.Debounce = e.Debounce
	}
	if e.Workers != 0 {
		cfg.Scanner.Workers = e.Workers
	}
	if e.ViewCap != 0 {
		cfg.Scanner.ViewCap = e.ViewCap
	}
	if len(e.Watchlist) > 0 {
		cfg.Scanner.Watchlist = e.Watchlist
	}
	if e.Port != 0 {
		cfg.Server.Port = e.Port
	}
	return nil
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

func cleanWatchlist(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, sym := range in {
		sym = strings.ToUpper(strings.TrimSpace(sym))
		if sym == "" || seen[sym] {
			continue
		}
		seen[sym] = true
		out = append(out, sym)
	}
	return out
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

// ErrNoProviderKey means neither options provider is configured.
var ErrNoProviderKey = errors.New("at least one of polygon.api_key (POLYGON_API_KEY) or marketdata.api_key (MARKETDATA_TOKEN) is required")

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	if c.Polygon.APIKey == "" && c.MarketData.APIKey == "" {
		errs = append(errs, ErrNoProviderKey)
	}
	if c.Scanner.Workers < 1 {
		errs = append(errs, fmt.Errorf("scanner.workers must be >= 1, got %d", c.Scanner.Workers))
	}
	if c.Scanner.ViewCap < 1 {
		errs = append(errs, fmt.Errorf("scanner.view_cap must be >= 1, got %d", c.Scanner.ViewCap))
	}
	if len(c.Scanner.Watchlist) == 0 {
		errs = append(errs, errors.New("scanner.watchlist must not be empty"))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	if c.Storage.CachePath == "" {
		errs = append(errs, errors.New("storage.cache_path must not be empty"))
	}
	return errors.Join(errs...)
}

// LogValue renders the configuration for the startup log with credentials
// reduced to whether they are set.
func (c *Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("http", c.Server.Addr()),
		slog.String("grpc", c.Server.GRPCAddr()),
		slog.Bool("polygon", c.Polygon.APIKey != ""),
		slog.Bool("marketdata", c.MarketData.APIKey != ""),
		slog.Bool("alpaca", c.Alpaca.APIKey != "" && c.Alpaca.APISecret != ""),
		slog.Int("symbols", len(c.Scanner.Watchlist)),
		slog.Int("workers", c.Scanner.Workers),
		slog.Int("view_cap", c.Scanner.ViewCap),
		slog.String("cache_path", c.Storage.CachePath),
		slog.String("archive_dir", c.Storage.ArchiveDir),
	)
}
