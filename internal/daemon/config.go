// Package daemon loads configuration and wires the long-running process:
// model registry, inference backend, description service, job executor and
// the attempt store behind them.
package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/gennino/gennino/internal/domain"
)

// Config holds all daemon configuration.
type Config struct {
	API       APIConfig       `toml:"api"`
	Models    ModelsConfig    `toml:"models"`
	Feature   FeatureConfig   `toml:"feature"`
	Inference InferenceConfig `toml:"inference"`
	Media     MediaConfig     `toml:"media"`
	Gemini    GeminiConfig    `toml:"gemini"`
	Telegram  TelegramConfig  `toml:"telegram"`
	Storage   StorageConfig   `toml:"storage"`
	Metrics   MetricsConfig   `toml:"metrics"`
}

// APIConfig configures the HTTP listener.
type APIConfig struct {
	Host        string `toml:"host"`
	Port        int    `toml:"port"`
	SessionIdle string `toml:"session_idle"` // "30m", "0" = keep until deleted
}

// ModelsConfig configures local model storage.
type ModelsConfig struct {
	Dir        string `toml:"dir"`
	MaxStorage string `toml:"max_storage"` // "50GB"
}

// FeatureConfig declares the installable image-description feature.
type FeatureConfig struct {
	Name   string              `toml:"name"`
	Layers []domain.BlobSource `toml:"layers"`
}

// InferenceConfig configures the description pipeline.
type InferenceConfig struct {
	Backend          string   `toml:"backend"` // "llava" | "gemini"
	Binary           string   `toml:"binary"`
	Threads          int      `toml:"threads"`
	ExtraArgs        []string `toml:"extra_args"`
	Prompt           string   `toml:"prompt"`
	Temperature      float32  `toml:"temperature"`
	MaxEdge          int      `toml:"max_edge"`
	DownloadTimeout  string   `toml:"download_timeout"`  // "" or "0" = none
	InferenceTimeout string   `toml:"inference_timeout"` // "" or "0" = none
	MaxConcurrent    int      `toml:"max_concurrent"`
	Warmup           bool     `toml:"warmup"`
}

// MediaConfig bounds image acquisition.
type MediaConfig struct {
	MaxBytes     string `toml:"max_bytes"`  // "20MB"
	MaxPixels    int64  `toml:"max_pixels"` // declared width×height limit
	FetchTimeout string `toml:"fetch_timeout"`
}

// GeminiConfig configures the remote backend.
type GeminiConfig struct {
	APIKey string `toml:"api_key"`
	Model  string `toml:"model"`
}

// TelegramConfig configures the bot surface.
type TelegramConfig struct {
	Token        string  `toml:"token"`
	PollTimeout  int     `toml:"poll_timeout"` // seconds
	AllowedChats []int64 `toml:"allowed_chats"`
	Debug        bool    `toml:"debug"`
}

// StorageConfig selects where attempt history lives.
type StorageConfig struct {
	Driver    string `toml:"driver"` // "sqlite" | "postgres"
	DSN       string `toml:"dsn"`
	Retention string `toml:"retention"` // "720h", "" = keep forever
}

// MetricsConfig toggles observability endpoints.
type MetricsConfig struct {
	Enabled  bool `toml:"enabled"`
	Tracing  bool `toml:"tracing"`
	MaxSpans int  `toml:"max_spans"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	home := Home()
	return Config{
		API: APIConfig{
			Host:        "127.0.0.1",
			Port:        11480,
			SessionIdle: "30m",
		},
		Models: ModelsConfig{
			Dir:        filepath.Join(home, "models"),
			MaxStorage: "50GB",
		},
		Feature: FeatureConfig{
			Name: "image-describer",
			Layers: []domain.BlobSource{
				{
					URL:       "https://huggingface.co/mys/ggml_llava-v1.5-7b/resolve/main/ggml-model-q4_k.gguf",
					MediaType: domain.MediaTypeWeights,
				},
				{
					URL:       "https://huggingface.co/mys/ggml_llava-v1.5-7b/resolve/main/mmproj-model-f16.gguf",
					MediaType: domain.MediaTypeProjector,
				},
			},
		},
		Inference: InferenceConfig{
			Backend:       "llava",
			Binary:        "llava-cli",
			Prompt:        "Describe this image in a few sentences.",
			Temperature:   0.1,
			MaxEdge:       1024,
			MaxConcurrent: 4,
			Warmup:        true,
		},
		Media: MediaConfig{
			MaxBytes:     "20MB",
			MaxPixels:    40_000_000,
			FetchTimeout: "30s",
		},
		Gemini: GeminiConfig{
			Model: "gemini-1.5-flash",
		},
		Telegram: TelegramConfig{
			PollTimeout: 60,
		},
		Storage: StorageConfig{
			Driver: "sqlite",
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Tracing:  true,
			MaxSpans: 1000,
		},
	}
}

// Home returns the gennino data directory ($GENNINO_HOME or ~/.gennino).
func Home() string {
	if h := os.Getenv("GENNINO_HOME"); h != "" {
		return h
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".gennino"
	}
	return filepath.Join(home, ".gennino")
}

// ConfigPath returns the default config file location.
func ConfigPath() string { return filepath.Join(Home(), "config.toml") }

// Load reads path over the defaults and applies environment overrides. A
// missing file is not an error; an empty path means ConfigPath().
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		path = ConfigPath()
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("GENNINO_API_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = p
		}
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		cfg.Gemini.APIKey = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Storage.DSN = v
		cfg.Storage.Driver = "postgres"
	}
}

// Validate rejects configurations the daemon cannot start with.
func (c Config) Validate() error {
	switch c.Inference.Backend {
	case "llava":
		if len(c.Feature.Layers) == 0 {
			return fmt.Errorf("feature %q: %w", c.Feature.Name, domain.ErrNoLayers)
		}
	case "gemini":
		if c.Gemini.APIKey == "" {
			return domain.ErrMissingAPIKey
		}
	default:
		return fmt.Errorf("%w: %q", domain.ErrUnknownBackend, c.Inference.Backend)
	}
	switch c.Storage.Driver {
	case "sqlite":
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage driver postgres needs a dsn")
		}
	default:
		return fmt.Errorf("%w: %q", domain.ErrUnknownDriver, c.Storage.Driver)
	}
	for _, d := range []string{c.Inference.DownloadTimeout, c.Inference.InferenceTimeout, c.Media.FetchTimeout, c.Storage.Retention, c.API.SessionIdle} {
		if _, err := parseDuration(d); err != nil {
			return err
		}
	}
	return nil
}

// Addr returns host:port for the HTTP listener.
func (c Config) Addr() string { return fmt.Sprintf("%s:%d", c.API.Host, c.API.Port) }

// FeatureSpec returns the configured feature declaration.
func (c Config) FeatureSpec() domain.FeatureSpec {
	return domain.FeatureSpec{Name: c.Feature.Name, Layers: c.Feature.Layers}
}

// DownloadTimeout returns the parsed download bound, 0 = none.
func (c Config) DownloadTimeout() time.Duration {
	d, _ := parseDuration(c.Inference.DownloadTimeout)
	return d
}

// InferenceTimeout returns the parsed inference bound, 0 = none.
func (c Config) InferenceTimeout() time.Duration {
	d, _ := parseDuration(c.Inference.InferenceTimeout)
	return d
}

// FetchTimeout returns the image fetch bound.
func (c Config) FetchTimeout() time.Duration {
	d, _ := parseDuration(c.Media.FetchTimeout)
	return d
}

// SessionIdle returns how long an unused API session is kept, 0 = forever.
func (c Config) SessionIdle() time.Duration {
	d, _ := parseDuration(c.API.SessionIdle)
	return d
}

// Retention returns how long attempts are kept, 0 = forever.
func (c Config) Retention() time.Duration {
	d, _ := parseDuration(c.Storage.Retention)
	return d
}

// MaxStorageBytes returns the model storage quota.
func (c Config) MaxStorageBytes() int64 { return int64(parseStorageSize(c.Models.MaxStorage)) }

// MaxImageBytes returns the image size limit, 20MB when unset.
func (c Config) MaxImageBytes() int64 {
	if c.Media.MaxBytes == "" {
		return 20 << 20
	}
	return int64(parseStorageSize(c.Media.MaxBytes))
}

// ─── Parsing helpers ────────────────────────────────────────────────────────

func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return d, nil
}

// parseStorageSize parses "50GB", "1TB", "100MB", "512KB" into bytes.
// Empty or unparsable input means 50GB.
func parseStorageSize(s string) uint64 {
	const def = 50 << 30
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return def
	}
	units := []struct {
		suffix string
		mult   uint64
	}{
		{"TB", 1 << 40},
		{"GB", 1 << 30},
		{"MB", 1 << 20},
		{"KB", 1 << 10},
		{"B", 1},
	}
	for _, u := range units {
		if strings.HasSuffix(s, u.suffix) {
			n, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(s, u.suffix)), 64)
			if err != nil || n < 0 {
				return def
			}
			return uint64(n * float64(u.mult))
		}
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return def
	}
	return n
}
