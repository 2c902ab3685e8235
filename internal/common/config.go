package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment   string              `toml:"environment"` // "development" or "production"
	Server        ServerConfig        `toml:"server"`
	Storage       StorageConfig       `toml:"storage"`
	Queue         QueueConfig         `toml:"queue"`
	Orchestration OrchestrationConfig `toml:"orchestration"`
	Reaper        ReaperConfig        `toml:"reaper"`
	Chains        ChainsConfig        `toml:"chains"`
	Logging       LoggingConfig       `toml:"logging"`
	WebSocket     WebSocketConfig     `toml:"websocket"`
}

type ServerConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

type StorageConfig struct {
	Badger    BadgerConfig    `toml:"badger"`
	Artifacts ArtifactsConfig `toml:"artifacts"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path"`             // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
	GCSchedule     string `toml:"gc_schedule"`      // Cron schedule for value-log GC
}

// ArtifactsConfig locates the artifact bucket that holds catalogs, outputs,
// and callback bodies.
type ArtifactsConfig struct {
	Bucket string `toml:"bucket"` // Bucket directory path
}

// QueueConfig tunes the update and wake-up queues and their processors.
type QueueConfig struct {
	PollInterval      string `toml:"poll_interval"`      // e.g., "250ms" - how often processors poll for messages
	VisibilityTimeout string `toml:"visibility_timeout"` // e.g., "90s" - message visibility timeout for redelivery
	MaxReceive        int    `toml:"max_receive"`        // Max times a message can be received before being dropped
	SmallBatchSize    int    `toml:"small_batch_size"`   // Messages drained per poll from the small update queue
	LargeBatchSize    int    `toml:"large_batch_size"`   // Messages drained per poll from the large update queue
	SmallProcessors   int    `toml:"small_processors"`   // Concurrent pollers on the small update queue
	LargeProcessors   int    `toml:"large_processors"`   // Concurrent pollers on the large update queue
	DelayAfterError   string `toml:"delay_after_error"`  // Backoff after a processor error, e.g., "5s"
}

// OrchestrationConfig carries the workflow tuning knobs.
type OrchestrationConfig struct {
	CmrMaxPageSize           int    `toml:"cmr_max_page_size"`           // Granules fetched per query-cmr invocation
	MaxErrorsForJob          int    `toml:"max_errors_for_job"`          // Absolute error tolerance per job
	MaxPercentErrorsForJob   int    `toml:"max_percent_errors_for_job"`  // Percentage error tolerance per job
	WorkItemRetryLimit       int    `toml:"work_item_retry_limit"`       // Retries before a failure is final
	AggregateCatalogPageSize int    `toml:"aggregate_catalog_page_size"` // Item links per aggregation catalog page
	UseServiceQueues         bool   `toml:"use_service_queues"`          // Assigned items pass through queued before running
	SchedulerBatchSize       int    `toml:"scheduler_batch_size"`        // Candidate jobs probed per claim pass
	QueryCmrServicePattern   string `toml:"query_cmr_service_pattern"`   // Substring identifying the query-cmr service
	PreviewThreshold         int    `toml:"preview_threshold"`           // Granule count above which jobs start previewing
}

// ReaperConfig controls the stuck-item failer and the user-work janitor.
type ReaperConfig struct {
	Schedule        string `toml:"schedule"`         // Cron schedule for the timeout scan
	ItemTimeout     string `toml:"item_timeout"`     // Default per-item timeout, e.g., "30m"
	ItemTimeoutMax  string `toml:"item_timeout_max"` // Hard ceiling for the adaptive timeout
	ItemTimeoutMin  string `toml:"item_timeout_min"` // Floor for the adaptive timeout
	JanitorSchedule string `toml:"janitor_schedule"` // Cron schedule for terminal-job user_work cleanup
}

// ChainsConfig locates the service chain definitions.
type ChainsConfig struct {
	Path string `toml:"path"` // Path to services.yml
}

type LoggingConfig struct {
	Level      string   `toml:"level"`       // "debug", "info", "warn", "error"
	Format     string   `toml:"format"`      // "json" or "text"
	Output     []string `toml:"output"`      // "stdout", "file"
	TimeFormat string   `toml:"time_format"` // Time format for logs (default: "15:04:05.000")
}

// WebSocketConfig contains configuration for WebSocket status streaming
type WebSocketConfig struct {
	MinLevel        string   `toml:"min_level"`        // Minimum log level to broadcast ("debug", "info", "warn", "error")
	ExcludePatterns []string `toml:"exclude_patterns"` // Log message patterns to exclude from broadcasting
	// Whitelist of event types to broadcast via WebSocket. Empty list allows all events.
	AllowedEvents []string `toml:"allowed_events"`
	// Throttle intervals for high-frequency events. Map of event type to duration string.
	// Example: {"job_progress": "1s"}
	ThrottleIntervals map[string]string `toml:"throttle_intervals"`
}

// NewDefaultConfig creates a configuration with default values.
// Technical parameters are hardcoded here for production stability; only
// user-facing settings should be exposed in harmony.toml.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8080,
			Host: "localhost",
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path:       "./data/db",
				GCSchedule: "@every 10m",
			},
			Artifacts: ArtifactsConfig{
				Bucket: "./data/artifacts",
			},
		},
		Queue: QueueConfig{
			PollInterval:      "250ms",
			VisibilityTimeout: "90s",
			MaxReceive:        10,
			SmallBatchSize:    10, // small updates drain in batches
			LargeBatchSize:    1,  // fat payloads one at a time
			SmallProcessors:   2,
			LargeProcessors:   1,
			DelayAfterError:   "5s",
		},
		Orchestration: OrchestrationConfig{
			CmrMaxPageSize:           2000,
			MaxErrorsForJob:          100,
			MaxPercentErrorsForJob:   10,
			WorkItemRetryLimit:       3,
			AggregateCatalogPageSize: 10000,
			UseServiceQueues:         true,
			SchedulerBatchSize:       10,
			QueryCmrServicePattern:   "query-cmr",
			PreviewThreshold:         0, // 0 disables previewing by size
		},
		Reaper: ReaperConfig{
			Schedule:        "@every 1m",
			ItemTimeout:     "30m",
			ItemTimeoutMax:  "3h",
			ItemTimeoutMin:  "5m",
			JanitorSchedule: "@every 5m",
		},
		Chains: ChainsConfig{
			Path: "./services.yml",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: []string{"stdout", "file"},
		},
		WebSocket: WebSocketConfig{
			MinLevel: "info",
			ExcludePatterns: []string{
				"WebSocket client connected",
				"WebSocket client disconnected",
				"HTTP request",
				"HTTP response",
			},
			AllowedEvents: []string{},
			ThrottleIntervals: map[string]string{
				"job_progress": "1s",
			},
		},
	}
}

// LoadFromFile loads configuration with priority: default -> file -> env -> CLI
func LoadFromFile(path string) (*Config, error) {
	if path == "" {
		return LoadFromFiles()
	}
	return LoadFromFiles(path)
}

// LoadFromFiles loads configuration from multiple files; later files override
// earlier files. Priority: CLI flags > environment > last file > ... > defaults.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("HARMONY_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	if port := os.Getenv("HARMONY_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("HARMONY_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	if badgerPath := os.Getenv("HARMONY_BADGER_PATH"); badgerPath != "" {
		config.Storage.Badger.Path = badgerPath
	}
	if bucket := os.Getenv("HARMONY_ARTIFACT_BUCKET"); bucket != "" {
		config.Storage.Artifacts.Bucket = bucket
	}
	if chains := os.Getenv("HARMONY_CHAINS_PATH"); chains != "" {
		config.Chains.Path = chains
	}

	if pollInterval := os.Getenv("HARMONY_QUEUE_POLL_INTERVAL"); pollInterval != "" {
		config.Queue.PollInterval = pollInterval
	}
	if visibilityTimeout := os.Getenv("HARMONY_QUEUE_VISIBILITY_TIMEOUT"); visibilityTimeout != "" {
		config.Queue.VisibilityTimeout = visibilityTimeout
	}
	if batch := os.Getenv("HARMONY_QUEUE_LARGE_BATCH_SIZE"); batch != "" {
		if b, err := strconv.Atoi(batch); err == nil {
			config.Queue.LargeBatchSize = b
		}
	}
	if delay := os.Getenv("HARMONY_QUEUE_DELAY_AFTER_ERROR"); delay != "" {
		config.Queue.DelayAfterError = delay
	}

	if v := os.Getenv("HARMONY_CMR_MAX_PAGE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Orchestration.CmrMaxPageSize = n
		}
	}
	if v := os.Getenv("HARMONY_MAX_ERRORS_FOR_JOB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Orchestration.MaxErrorsForJob = n
		}
	}
	if v := os.Getenv("HARMONY_MAX_PERCENT_ERRORS_FOR_JOB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Orchestration.MaxPercentErrorsForJob = n
		}
	}
	if v := os.Getenv("HARMONY_WORK_ITEM_RETRY_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Orchestration.WorkItemRetryLimit = n
		}
	}
	if v := os.Getenv("HARMONY_AGGREGATE_CATALOG_PAGE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Orchestration.AggregateCatalogPageSize = n
		}
	}
	if v := os.Getenv("HARMONY_USE_SERVICE_QUEUES"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			config.Orchestration.UseServiceQueues = b
		}
	}
	if v := os.Getenv("HARMONY_SCHEDULER_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Orchestration.SchedulerBatchSize = n
		}
	}

	if level := os.Getenv("HARMONY_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if format := os.Getenv("HARMONY_LOG_FORMAT"); format != "" {
		config.Logging.Format = format
	}
	if output := os.Getenv("HARMONY_LOG_OUTPUT"); output != "" {
		outputs := []string{}
		for _, o := range strings.Split(output, ",") {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				outputs = append(outputs, trimmed)
			}
		}
		if len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}

	if minLevel := os.Getenv("HARMONY_WEBSOCKET_MIN_LEVEL"); minLevel != "" {
		config.WebSocket.MinLevel = minLevel
	}
	if allowedEvents := os.Getenv("HARMONY_WEBSOCKET_ALLOWED_EVENTS"); allowedEvents != "" {
		events := []string{}
		for _, e := range strings.Split(allowedEvents, ",") {
			if trimmed := strings.TrimSpace(e); trimmed != "" {
				events = append(events, trimmed)
			}
		}
		if len(events) > 0 {
			config.WebSocket.AllowedEvents = events
		}
	}
	if throttle := os.Getenv("HARMONY_WEBSOCKET_THROTTLE_JOB_PROGRESS"); throttle != "" {
		if _, err := time.ParseDuration(throttle); err == nil {
			if config.WebSocket.ThrottleIntervals == nil {
				config.WebSocket.ThrottleIntervals = make(map[string]string)
			}
			config.WebSocket.ThrottleIntervals["job_progress"] = throttle
		}
	}
}

// ApplyFlagOverrides applies command-line flag overrides to config
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// Validate rejects configurations the orchestrator cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}
	if c.Orchestration.CmrMaxPageSize <= 0 {
		return fmt.Errorf("cmr_max_page_size must be positive")
	}
	if c.Orchestration.WorkItemRetryLimit < 0 {
		return fmt.Errorf("work_item_retry_limit cannot be negative")
	}
	if c.Orchestration.AggregateCatalogPageSize <= 0 {
		return fmt.Errorf("aggregate_catalog_page_size must be positive")
	}
	if c.Orchestration.SchedulerBatchSize < 0 {
		return fmt.Errorf("scheduler_batch_size cannot be negative")
	}
	if c.Orchestration.MaxPercentErrorsForJob < 0 || c.Orchestration.MaxPercentErrorsForJob > 100 {
		return fmt.Errorf("max_percent_errors_for_job must be within 0-100")
	}
	if c.Queue.SmallBatchSize <= 0 || c.Queue.SmallBatchSize > 10 {
		return fmt.Errorf("small_batch_size must be within 1-10")
	}
	if c.Queue.LargeBatchSize <= 0 {
		return fmt.Errorf("large_batch_size must be positive")
	}
	for name, raw := range map[string]string{
		"queue.poll_interval":      c.Queue.PollInterval,
		"queue.visibility_timeout": c.Queue.VisibilityTimeout,
		"queue.delay_after_error":  c.Queue.DelayAfterError,
		"reaper.item_timeout":      c.Reaper.ItemTimeout,
		"reaper.item_timeout_max":  c.Reaper.ItemTimeoutMax,
		"reaper.item_timeout_min":  c.Reaper.ItemTimeoutMin,
	} {
		if _, err := time.ParseDuration(raw); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// Duration parses a duration field that Validate has already checked.
func Duration(raw string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// IsProduction returns true if the environment is set to production
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}
