package config

import (
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// Config holds all the configuration for our application
// The structure tags (mapstructure) tell Viper which YAML field maps to which Go struct field.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Proxy     ProxyConfig     `mapstructure:"proxy"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Sink      SinkConfig      `mapstructure:"sink"`
	DataDir   string          `mapstructure:"data_dir"`
	Nodes     []NodeConfig    `mapstructure:"nodes"`
}

type ServerConfig struct {
	Port         string `mapstructure:"port"`
	AdminPrefix  string `mapstructure:"admin_prefix"`
	PublicPrefix string `mapstructure:"public_prefix"`
}

// ProxyConfig points at the flow runtime flowlog fronts.
type ProxyConfig struct {
	Target string `mapstructure:"target"`
}

// RateLimitConfig applies to the public download endpoint.
type RateLimitConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	RPS     float64 `mapstructure:"requests_per_second"`
	Burst   int     `mapstructure:"burst"`
}

type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Enabled  bool   `mapstructure:"enabled"`
}

type AuthConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	AdminKey string `mapstructure:"admin_key"`
}

// SinkConfig describes the Redis stream nodes emit to.
type SinkConfig struct {
	Stream        string `mapstructure:"stream"`
	MaxLen        int64  `mapstructure:"max_len"`
	RetentionDays int    `mapstructure:"retention_days"`
}

// NodeConfig is the configuration of one logger node. It is read once when
// the node starts.
type NodeConfig struct {
	ID                string        `mapstructure:"id"`
	Name              string        `mapstructure:"name"`
	FilterPaths       []string      `mapstructure:"filter_paths"`
	Format            string        `mapstructure:"format"`
	IncludeHeaders    bool          `mapstructure:"include_headers"`
	IncludeBody       bool          `mapstructure:"include_body"`
	MaxBodyBytes      int           `mapstructure:"max_body_bytes"`
	MaskSensitive     bool          `mapstructure:"mask_sensitive"`
	Console           bool          `mapstructure:"console"`
	Emit              bool          `mapstructure:"emit"`
	SystemEvents      bool          `mapstructure:"system_events"`
	EditorPrefixes    []string      `mapstructure:"editor_prefixes"`
	DashboardPrefixes []string      `mapstructure:"dashboard_prefixes"`
	MonitorInterval   time.Duration `mapstructure:"monitor_interval"`
	MemoryThresholdMB int           `mapstructure:"memory_threshold_mb"`
	Text              TextLogConfig `mapstructure:"text_log"`
	CSV               CSVConfig     `mapstructure:"csv"`
}

type TextLogConfig struct {
	Enabled   bool    `mapstructure:"enabled"`
	Path      string  `mapstructure:"path"`
	MaxSizeMB float64 `mapstructure:"max_size_mb"`
}

type CSVConfig struct {
	Enabled   bool    `mapstructure:"enabled"`
	Path      string  `mapstructure:"path"`
	ExportDir string  `mapstructure:"export_dir"`
	MaxSizeMB float64 `mapstructure:"max_size_mb"`
	// Rotation is "rename" (archive with a timestamp suffix) or "truncate".
	Rotation string `mapstructure:"rotation"`
	// Columns is "extended" or "reduced" (without hasRefreshIndicators).
	Columns string `mapstructure:"columns"`
	// Mode is "direct" (append every record) or "buffered".
	Mode         string `mapstructure:"mode"`
	BufferSize   int    `mapstructure:"buffer_size"`
	SnapshotPath string `mapstructure:"snapshot_path"`
}

// Node defaults.
const (
	DefaultFormat            = "custom"
	DefaultMaxBodyBytes      = 1024
	DefaultCSVMaxSizeMB      = 50
	DefaultTextMaxSizeMB     = 10
	DefaultBufferSize        = 1000
	DefaultMonitorInterval   = 30 * time.Second
	DefaultMemoryThresholdMB = 512
)

// WithDefaults fills every unset field. Paths are derived from dataDir and
// the node id so two nodes never share a file by default.
func (n NodeConfig) WithDefaults(dataDir string) NodeConfig {
	if dataDir == "" {
		dataDir = "."
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.Name == "" {
		n.Name = n.ID
	}
	if n.Format == "" {
		n.Format = DefaultFormat
	}
	if n.IncludeBody && n.MaxBodyBytes <= 0 {
		n.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if n.MonitorInterval <= 0 {
		n.MonitorInterval = DefaultMonitorInterval
	}
	if n.MemoryThresholdMB <= 0 {
		n.MemoryThresholdMB = DefaultMemoryThresholdMB
	}
	n.FilterPaths = trimAll(n.FilterPaths)

	logsDir := filepath.Join(dataDir, "logs")
	if n.CSV.ExportDir == "" {
		n.CSV.ExportDir = filepath.Join(logsDir, "exports")
	}
	if n.CSV.Path == "" {
		n.CSV.Path = filepath.Join(n.CSV.ExportDir, fmt.Sprintf("flowlog-%s.csv", n.ID))
	}
	if n.CSV.MaxSizeMB <= 0 {
		n.CSV.MaxSizeMB = DefaultCSVMaxSizeMB
	}
	if n.CSV.Rotation == "" {
		n.CSV.Rotation = "rename"
	}
	if n.CSV.Columns == "" {
		n.CSV.Columns = "extended"
	}
	if n.CSV.Mode == "" {
		n.CSV.Mode = "direct"
	}
	if n.CSV.BufferSize <= 0 {
		n.CSV.BufferSize = DefaultBufferSize
	}
	if n.CSV.SnapshotPath == "" {
		n.CSV.SnapshotPath = filepath.Join(logsDir, fmt.Sprintf("flowlog-%s-buffer.json", n.ID))
	}
	if n.Text.Path == "" {
		n.Text.Path = filepath.Join(logsDir, fmt.Sprintf("flowlog-%s.log", n.ID))
	}
	if n.Text.MaxSizeMB <= 0 {
		n.Text.MaxSizeMB = DefaultTextMaxSizeMB
	}
	return n
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Store wraps configuration with thread-safe access and hot-reload updates.
type Store struct {
	mu        sync.RWMutex
	cfg       *Config
	listeners []func(*Config)
}

func (s *Store) Get() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cfg == nil {
		return nil
	}
	cpy := *s.cfg
	return &cpy
}

// OnChange registers fn to run after every successful reload.
func (s *Store) OnChange(fn func(*Config)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

func (s *Store) set(cfg *Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

func (s *Store) notify() {
	s.mu.RLock()
	listeners := append([]func(*Config){}, s.listeners...)
	s.mu.RUnlock()
	for _, fn := range listeners {
		fn(s.Get())
	}
}

func newViper() *viper.Viper {
	v := viper.NewWithOptions(viper.KeyDelimiter("::"))
	v.SetConfigType("yaml")
	v.SetEnvPrefix("FLOWLOG")
	v.SetDefault("server::port", ":8080")
	v.SetDefault("server::admin_prefix", "/admin")
	v.SetDefault("data_dir", "./data")
	v.BindEnv("auth::admin_key", "ADMIN_KEY")
	v.BindEnv("redis::address", "FLOWLOG_REDIS_ADDRESS")
	v.BindEnv("proxy::target", "FLOWLOG_PROXY_TARGET")
	return v
}

// LoadAndWatch loads the config and watches for on-disk changes.
func LoadAndWatch() (*Store, error) {
	v := newViper()
	v.AddConfigPath("./configs")
	v.SetConfigName("config")

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	store := &Store{}
	if err := refresh(v, store); err != nil {
		return nil, err
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		if err := refresh(v, store); err != nil {
			log.Printf("[CONFIG] reload failed: %v", err)
			return
		}
		log.Printf("[CONFIG] reloaded from %s", e.Name)
		store.notify()
	})

	return store, nil
}

// Load preserves the old API: it loads once and does not watch.
func Load() (*Config, error) {
	v := newViper()
	v.AddConfigPath("./configs")
	v.SetConfigName("config")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	store := &Store{}
	if err := refresh(v, store); err != nil {
		return nil, err
	}
	return store.Get(), nil
}

// LoadFrom reads one explicit file without watching it.
func LoadFrom(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	store := &Store{}
	if err := refresh(v, store); err != nil {
		return nil, err
	}
	return store.Get(), nil
}

func refresh(v *viper.Viper, store *Store) error {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return err
	}
	if err := cfg.validate(); err != nil {
		return err
	}
	store.set(&cfg)
	return nil
}

func (c *Config) validate() error {
	seen := make(map[string]bool, len(c.Nodes))
	for _, n := range c.Nodes {
		if n.ID == "" {
			continue
		}
		if seen[n.ID] {
			return fmt.Errorf("duplicate node id %q", n.ID)
		}
		seen[n.ID] = true
	}
	return nil
}
