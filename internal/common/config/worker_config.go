package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/edgecomet/scrape-worker/internal/common/configtypes"
	"github.com/edgecomet/scrape-worker/internal/common/yamlutil"
	"github.com/edgecomet/scrape-worker/pkg/types"
)

// Environment variables that override the file configuration
const (
	EnvRedisURL  = "REDIS_URL"
	EnvWaitQueue = "WAIT_QUEUE"
	EnvDoneQueue = "DONE_QUEUE"
)

const (
	DefaultRedisURL   = "redis://localhost:6379"
	DefaultWaitQueue  = "scrape-jobs:wait"
	DefaultDoneQueue  = "scrape-jobs:done"
	DefaultLanguage   = "en-US"
	DefaultRetryDelay = 500 * time.Millisecond
)

const (
	defaultReadyTimeout   = 60 * time.Second
	defaultCleanupTimeout = 10 * time.Second
	defaultCleanupWait    = 5 * time.Second
	defaultMinFreeMemory  = 1024
	defaultMetricsPath    = "/metrics"
	defaultMetricsNS      = "scrape_worker"
)

var metricsNamespaceRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// WorkerConfig is the scrape worker configuration
type WorkerConfig struct {
	Worker   WorkerIdentity            `yaml:"worker"`
	Redis    configtypes.RedisConfig   `yaml:"redis"`
	Queue    QueueConfig               `yaml:"queue"`
	Browser  BrowserConfig             `yaml:"browser"`
	Shutdown ShutdownConfig            `yaml:"shutdown"`
	Log      configtypes.LogConfig     `yaml:"log"`
	Metrics  configtypes.MetricsConfig `yaml:"metrics"`
}

type WorkerIdentity struct {
	ID string `yaml:"id"`
}

// QueueConfig names the two lists the worker moves jobs between
type QueueConfig struct {
	Wait       string         `yaml:"wait"`
	Done       string         `yaml:"done"`
	PopTimeout types.Duration `yaml:"pop_timeout"` // 0 blocks forever
	RetryDelay types.Duration `yaml:"retry_delay"` // pause after a failed pop
}

type BrowserConfig struct {
	DefaultLang       string         `yaml:"default_lang"`
	Headless          *bool          `yaml:"headless,omitempty"`
	ExecPath          string         `yaml:"exec_path"`
	NoSandbox         bool           `yaml:"no_sandbox"`
	NavigationTimeout types.Duration `yaml:"navigation_timeout"` // 0 disables the bound
	CleanupTimeout    types.Duration `yaml:"cleanup_timeout"`
	MinFreeMemoryMB   int            `yaml:"min_free_memory_mb"`
}

// IsHeadless defaults to true when unset
func (b BrowserConfig) IsHeadless() bool {
	return b.Headless == nil || *b.Headless
}

type ShutdownConfig struct {
	CleanupWait types.Duration `yaml:"cleanup_wait"`
}

// LoadWorkerConfig reads the YAML file at path (optional, empty path means defaults only),
// applies defaults and environment overrides, then validates.
func LoadWorkerConfig(path string) (*WorkerConfig, error) {
	var cfg WorkerConfig

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yamlutil.UnmarshalStrict(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnv(os.LookupEnv)
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// applyEnv lets the deployment environment override the queue endpoint and names
func (cfg *WorkerConfig) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvRedisURL); ok && v != "" {
		cfg.Redis.URL = v
	}
	if v, ok := lookup(EnvWaitQueue); ok && v != "" {
		cfg.Queue.Wait = v
	}
	if v, ok := lookup(EnvDoneQueue); ok && v != "" {
		cfg.Queue.Done = v
	}
}

func (cfg *WorkerConfig) applyDefaults() {
	if cfg.Worker.ID == "" {
		hostname, _ := os.Hostname()
		if hostname == "" {
			hostname = "scrape-worker-" + uuid.NewString()
		}
		cfg.Worker.ID = hostname
	}

	if cfg.Redis.URL == "" {
		cfg.Redis.URL = DefaultRedisURL
	}
	if cfg.Redis.TLS == "" {
		cfg.Redis.TLS = configtypes.RedisTLSAuto
	}
	if cfg.Redis.ReadyTimeout == 0 {
		cfg.Redis.ReadyTimeout = types.Duration(defaultReadyTimeout)
	}

	if cfg.Queue.Wait == "" {
		cfg.Queue.Wait = DefaultWaitQueue
	}
	if cfg.Queue.Done == "" {
		cfg.Queue.Done = DefaultDoneQueue
	}
	if cfg.Queue.RetryDelay == 0 {
		cfg.Queue.RetryDelay = types.Duration(DefaultRetryDelay)
	}

	if cfg.Browser.DefaultLang == "" {
		cfg.Browser.DefaultLang = DefaultLanguage
	}
	if cfg.Browser.CleanupTimeout == 0 {
		cfg.Browser.CleanupTimeout = types.Duration(defaultCleanupTimeout)
	}
	if cfg.Browser.MinFreeMemoryMB == 0 {
		cfg.Browser.MinFreeMemoryMB = defaultMinFreeMemory
	}

	if cfg.Shutdown.CleanupWait == 0 {
		cfg.Shutdown.CleanupWait = types.Duration(defaultCleanupWait)
	}

	// If both outputs are disabled (zero values), enable console by default
	if !cfg.Log.Console.Enabled && !cfg.Log.File.Enabled {
		cfg.Log.Console.Enabled = true
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = configtypes.LogLevelInfo
	}
	if cfg.Log.Console.Format == "" {
		cfg.Log.Console.Format = configtypes.LogFormatConsole
	}
	if cfg.Log.File.Format == "" {
		cfg.Log.File.Format = configtypes.LogFormatText
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = defaultMetricsPath
	}
	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = defaultMetricsNS
	}
}

// Validate checks configuration validity
func (cfg *WorkerConfig) Validate() error {
	u, err := url.Parse(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("invalid redis.url: %w", err)
	}
	if u.Scheme != "redis" && u.Scheme != "rediss" {
		return fmt.Errorf("invalid redis.url: scheme must be redis or rediss, got %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("invalid redis.url: host is required")
	}

	switch cfg.Redis.TLS {
	case configtypes.RedisTLSAuto, configtypes.RedisTLSOn, configtypes.RedisTLSOff:
	default:
		return fmt.Errorf("invalid redis.tls: %s (must be auto, on or off)", cfg.Redis.TLS)
	}

	if cfg.Redis.ReadyTimeout < 0 {
		return fmt.Errorf("redis.ready_timeout must not be negative")
	}

	if cfg.Queue.Wait == cfg.Queue.Done {
		return fmt.Errorf("queue.wait and queue.done must differ, both are %q", cfg.Queue.Wait)
	}
	if cfg.Queue.PopTimeout < 0 {
		return fmt.Errorf("queue.pop_timeout must not be negative")
	}
	if cfg.Queue.RetryDelay < 0 {
		return fmt.Errorf("queue.retry_delay must not be negative")
	}

	if cfg.Browser.NavigationTimeout < 0 {
		return fmt.Errorf("browser.navigation_timeout must not be negative")
	}
	if cfg.Browser.CleanupTimeout < 0 {
		return fmt.Errorf("browser.cleanup_timeout must not be negative")
	}
	if cfg.Browser.MinFreeMemoryMB < 0 {
		return fmt.Errorf("browser.min_free_memory_mb must not be negative")
	}
	if cfg.Browser.ExecPath != "" {
		if _, err := os.Stat(cfg.Browser.ExecPath); err != nil {
			return fmt.Errorf("browser.exec_path: %w", err)
		}
	}

	if cfg.Shutdown.CleanupWait < 0 {
		return fmt.Errorf("shutdown.cleanup_wait must not be negative")
	}

	if err := validateLog(cfg.Log); err != nil {
		return err
	}

	if cfg.Metrics.Enabled {
		if err := configtypes.ValidateListenAddress(cfg.Metrics.Listen); err != nil {
			return fmt.Errorf("invalid metrics.listen: %w", err)
		}
	}
	if !strings.HasPrefix(cfg.Metrics.Path, "/") {
		return fmt.Errorf("invalid metrics.path: %s (must start with /)", cfg.Metrics.Path)
	}
	if !metricsNamespaceRe.MatchString(cfg.Metrics.Namespace) {
		return fmt.Errorf("invalid metrics.namespace: %s (must match [a-zA-Z_][a-zA-Z0-9_]*)", cfg.Metrics.Namespace)
	}

	return nil
}

func validateLog(log configtypes.LogConfig) error {
	switch log.Level {
	case configtypes.LogLevelDebug, configtypes.LogLevelInfo, configtypes.LogLevelWarn, configtypes.LogLevelError:
	default:
		return fmt.Errorf("invalid log.level: %s (must be debug, info, warn or error)", log.Level)
	}

	if log.Console.Enabled && log.Console.Format != configtypes.LogFormatJSON && log.Console.Format != configtypes.LogFormatConsole {
		return fmt.Errorf("invalid log.console.format: %s (must be json or console)", log.Console.Format)
	}

	if log.File.Enabled {
		if log.File.Path == "" {
			return fmt.Errorf("log.file.path must be specified when file logging is enabled")
		}
		if log.File.Format != configtypes.LogFormatJSON && log.File.Format != configtypes.LogFormatText {
			return fmt.Errorf("invalid log.file.format: %s (must be json or text)", log.File.Format)
		}
		r := log.File.Rotation
		if r.MaxSize < 0 || r.MaxAge < 0 || r.MaxBackups < 0 {
			return fmt.Errorf("log.file.rotation values must be >= 0")
		}
	}

	return nil
}

// GetConfigPath resolves the config file path. An empty path is allowed and means
// "no file": the worker then runs on defaults plus environment overrides.
func GetConfigPath(path string) (string, error) {
	if path == "" {
		return "", nil
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path: %w", err)
	}

	if _, err := os.Stat(absPath); os.IsNotExist(err) {
		return "", fmt.Errorf("config file does not exist: %s", absPath)
	}

	return absPath, nil
}
