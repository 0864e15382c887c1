package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// DefaultSoils is the fixed soil-class catalog seeded for offline use.
var DefaultSoils = []string{
	"Clay", "Loam", "Loamy Sand", "Sand", "Sandy Clay Loam",
	"Sandy Loam", "Silt", "Silty Clay", "Silty Loam",
}

// DefaultShellAssets is the app shell stored on install.
var DefaultShellAssets = []string{
	"/", "/index.html", "/manifest.json", "/offline.html",
	"/favicon.png", "/favicon.ico", "/fallback-crop.png",
}

// Config is the root configuration structure.
// It is read-only after Load() returns and safe for concurrent reads.
type Config struct {
	Server   ServerConfig   `yaml:"server" toml:"server"`
	Upstream UpstreamConfig `yaml:"upstream" toml:"upstream"`
	Store    StoreConfig    `yaml:"store" toml:"store"`
	Cache    CacheConfig    `yaml:"cache" toml:"cache"`
	Shell    ShellConfig    `yaml:"shell" toml:"shell"`
	Seed     SeedConfig     `yaml:"seed" toml:"seed"`
	Sync     SyncConfig     `yaml:"sync" toml:"sync"`
	Bridge   BridgeConfig   `yaml:"bridge" toml:"bridge"`
	Log      LogConfig      `yaml:"log" toml:"log"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int      `yaml:"port" toml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout" toml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout" toml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
	APIKey          string   `yaml:"-" toml:"-"` // env-only; empty disables auth on control routes
}

// UpstreamConfig points at the SoilSnap origin (REST API and SPA files).
type UpstreamConfig struct {
	Origin     string   `yaml:"origin" toml:"origin"`
	Timeout    Duration `yaml:"timeout" toml:"timeout"`
	HealthPath string   `yaml:"health_path" toml:"health_path"`
}

// StoreConfig contains durable local store settings.
type StoreConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// CacheConfig names the response caches. Names carry their version string;
// changing a name supersedes the old cache on the next activation.
type CacheConfig struct {
	Path    string `yaml:"path" toml:"path"`
	Static  string `yaml:"static" toml:"static"`
	Runtime string `yaml:"runtime" toml:"runtime"`
	Images  string `yaml:"images" toml:"images"`
}

// Names returns the current cache names.
func (c CacheConfig) Names() []string {
	return []string{c.Static, c.Runtime, c.Images}
}

// ShellConfig describes the app shell.
type ShellConfig struct {
	Assets       []string `yaml:"assets" toml:"assets"`
	IndexPage    string   `yaml:"index_page" toml:"index_page"`
	OfflinePage  string   `yaml:"offline_page" toml:"offline_page"`
	ManifestPath string   `yaml:"manifest_path" toml:"manifest_path"`
	// Discover also precaches same-origin assets referenced by the index page.
	Discover bool `yaml:"discover" toml:"discover"`
}

// SeedConfig is shared by the worker-side and foreground seed passes.
type SeedConfig struct {
	Enabled bool     `yaml:"enabled" toml:"enabled"`
	Soils   []string `yaml:"soils" toml:"soils"`
	// WorkerOrigin is the base used by the worker-side pass. Empty means the
	// upstream origin.
	WorkerOrigin string `yaml:"worker_origin" toml:"worker_origin"`
	// APIBase is the base used by the foreground pass. Empty means the edge
	// (bridge.worker_url).
	APIBase            string `yaml:"api_base" toml:"api_base"`
	UploadsPath        string `yaml:"uploads_path" toml:"uploads_path"`
	RecommendationPath string `yaml:"recommendation_path" toml:"recommendation_path"`
}

// SyncConfig contains background-sync settings.
type SyncConfig struct {
	Tag           string   `yaml:"tag" toml:"tag"`
	ProbeInterval Duration `yaml:"probe_interval" toml:"probe_interval"`
}

// BridgeConfig contains foreground client settings.
type BridgeConfig struct {
	WorkerURL    string   `yaml:"worker_url" toml:"worker_url"`
	ReconnectMin Duration `yaml:"reconnect_min" toml:"reconnect_min"`
	ReconnectMax Duration `yaml:"reconnect_max" toml:"reconnect_max"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Duration is a time.Duration that parses from YAML strings and TOML text.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalText implements encoding.TextUnmarshaler (used by TOML).
func (d *Duration) UnmarshalText(b []byte) error {
	parsed, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(b), err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Load loads configuration with precedence: defaults → config file → env vars.
// The file path comes from SOILSNAP_CONFIG_PATH; a missing file is not an
// error.
func Load() (*Config, error) {
	cfg := newDefaults()

	configPath := getEnv("SOILSNAP_CONFIG_PATH", "config/soilsnap.yaml")
	if err := loadFile(cfg, configPath, true); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a specific path, which must exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	if err := loadFile(cfg, path, false); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Upstream: UpstreamConfig{
			Origin:     "http://localhost:3000",
			Timeout:    Duration(30 * time.Second),
			HealthPath: "/",
		},
		Store: StoreConfig{
			Path: "data/soilsnap.db",
		},
		Cache: CacheConfig{
			Path:    "data/cache",
			Static:  "soil-snap-static-v3",
			Runtime: "soil-snap-runtime-v3",
			Images:  "soil-snap-images-v1",
		},
		Shell: ShellConfig{
			Assets:       append([]string(nil), DefaultShellAssets...),
			IndexPage:    "/index.html",
			OfflinePage:  "/offline.html",
			ManifestPath: "/manifest.json",
		},
		Seed: SeedConfig{
			Enabled:            true,
			Soils:              append([]string(nil), DefaultSoils...),
			UploadsPath:        "/uploads/crops",
			RecommendationPath: "/api/crop/recommendation",
		},
		Sync: SyncConfig{
			Tag:           "soil-snap-sync",
			ProbeInterval: Duration(30 * time.Second),
		},
		Bridge: BridgeConfig{
			WorkerURL:    "http://localhost:8080",
			ReconnectMin: Duration(500 * time.Millisecond),
			ReconnectMax: Duration(30 * time.Second),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// loadFile decodes path into cfg. Files ending in .toml are TOML; anything
// else is YAML.
func loadFile(cfg *Config, path string, optional bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if optional && os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if err := toml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parsing config file: %w", err)
		}
		return nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty env vars override config values; unparsable values are
// ignored.
func applyEnvOverrides(cfg *Config) {
	// Server
	envInt("SOILSNAP_PORT", &cfg.Server.Port)
	envDuration("SOILSNAP_READ_TIMEOUT", &cfg.Server.ReadTimeout)
	envDuration("SOILSNAP_WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	envDuration("SOILSNAP_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)
	envString("SOILSNAP_API_KEY", &cfg.Server.APIKey)

	// Upstream
	envString("SOILSNAP_ORIGIN", &cfg.Upstream.Origin)
	envDuration("SOILSNAP_UPSTREAM_TIMEOUT", &cfg.Upstream.Timeout)
	envString("SOILSNAP_HEALTH_PATH", &cfg.Upstream.HealthPath)

	// Storage
	envString("SOILSNAP_DB_PATH", &cfg.Store.Path)
	envString("SOILSNAP_CACHE_PATH", &cfg.Cache.Path)
	envString("SOILSNAP_CACHE_STATIC", &cfg.Cache.Static)
	envString("SOILSNAP_CACHE_RUNTIME", &cfg.Cache.Runtime)
	envString("SOILSNAP_CACHE_IMAGES", &cfg.Cache.Images)

	// Shell
	envBool("SOILSNAP_SHELL_DISCOVER", &cfg.Shell.Discover)

	// Seed
	envBool("SOILSNAP_SEED_ENABLED", &cfg.Seed.Enabled)
	if v := os.Getenv("SOILSNAP_SEED_SOILS"); v != "" {
		var soils []string
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				soils = append(soils, s)
			}
		}
		cfg.Seed.Soils = soils
	}
	envString("SOILSNAP_WORKER_ORIGIN", &cfg.Seed.WorkerOrigin)
	envString("SOILSNAP_API_BASE", &cfg.Seed.APIBase)

	// Sync
	envString("SOILSNAP_SYNC_TAG", &cfg.Sync.Tag)
	envDuration("SOILSNAP_PROBE_INTERVAL", &cfg.Sync.ProbeInterval)

	// Bridge
	envString("SOILSNAP_WORKER_URL", &cfg.Bridge.WorkerURL)

	// Log
	envString("SOILSNAP_LOG_LEVEL", &cfg.Log.Level)
	envString("SOILSNAP_LOG_FORMAT", &cfg.Log.Format)
}

// validate checks that required configuration values are set and sane.
func (c *Config) validate() error {
	u, err := url.Parse(c.Upstream.Origin)
	if c.Upstream.Origin == "" || err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("upstream.origin must be an absolute http(s) URL, got %q", c.Upstream.Origin)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}

	seen := make(map[string]bool, 3)
	for _, name := range c.Cache.Names() {
		if name == "" {
			return errors.New("cache names must not be empty")
		}
		if seen[name] {
			return fmt.Errorf("cache name %q used twice", name)
		}
		seen[name] = true
	}

	if c.Seed.Enabled && len(c.Seed.Soils) == 0 {
		return errors.New("seed.soils must not be empty when seeding is enabled")
	}
	if c.Sync.Tag == "" {
		return errors.New("sync.tag is required")
	}
	if c.Sync.ProbeInterval <= 0 {
		return errors.New("sync.probe_interval must be positive")
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("log.format must be json or text, got %q", c.Log.Format)
	}
	return nil
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "true" || v == "1"
	}
}

func envDuration(key string, dst *Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}
