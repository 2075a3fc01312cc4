// Package appconfig loads the daemon's TOML configuration and applies
// environment-variable overrides on top of it.
package appconfig

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
)

// Config is the root configuration object, decoded from TOML then
// overridden by AGENTJOBS_* environment variables.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Store     StoreConfig     `toml:"store"`
	Queue     QueueConfig     `toml:"queue"`
	Agent     AgentConfig     `toml:"agent"`
	Workspace WorkspaceConfig `toml:"workspace"`
	Skills    SkillsConfig    `toml:"skills"`
	Timeouts  TimeoutsConfig  `toml:"timeouts"`
	Logging   LoggingConfig   `toml:"logging"`
	Retention RetentionConfig `toml:"retention"`
}

type ServerConfig struct {
	Host             string `toml:"host"`
	Port             int    `toml:"port"`
	DefaultTenantID  string `toml:"default_tenant_id"`
	DefaultActor     string `toml:"default_actor"`
}

type StoreConfig struct {
	Path           string `toml:"path"`
	ResetOnStartup bool   `toml:"reset_on_startup"`
	Environment    string `toml:"environment"`
	WALMode        bool   `toml:"wal_mode"`
	CacheSizeMB    int    `toml:"cache_size_mb"`
	BusyTimeoutMS  int    `toml:"busy_timeout_ms"`
}

type QueueConfig struct {
	Name              string `toml:"queue_name"`
	PollInterval      string `toml:"poll_interval"`      // e.g. "2s"
	Concurrency       int    `toml:"concurrency"`        // worker goroutines
	VisibilityTimeout string `toml:"visibility_timeout"` // e.g. "20m", matches T_hard
	MaxReceive        int    `toml:"max_receive"`
}

type AgentConfig struct {
	BaseURL        string `toml:"base_url"`
	Username       string `toml:"username"`
	Password       string `toml:"password"`
	RequestTimeout string `toml:"request_timeout"` // T_request
}

type WorkspaceConfig struct {
	DataRoot       string `toml:"data_root"`
	MaxUploadBytes int64  `toml:"max_upload_bytes"`
}

type SkillsConfig struct {
	FallbackThreshold float64 `toml:"fallback_threshold"`
	DefaultSkillCode  string  `toml:"default_skill_code"`
}

type TimeoutsConfig struct {
	Soft     string `toml:"soft"`      // T_soft
	Hard     string `toml:"hard"`      // T_hard
	PermWait string `toml:"perm_wait"` // T_perm_wait
	Poll     string `toml:"poll"`      // T_poll
}

type LoggingConfig struct {
	Level      string   `toml:"level"`
	Format     string   `toml:"format"`
	Output     []string `toml:"output"`
	TimeFormat string   `toml:"time_format"`
}

type RetentionConfig struct {
	Enabled          bool   `toml:"enabled"`
	Schedule         string `toml:"schedule"` // cron expression, validated against robfig/cron
	TerminalMaxAge   string `toml:"terminal_max_age"`
	StaleJobMinutes  int    `toml:"stale_job_minutes"`
}

// NewDefault returns the documented defaults; invalid or missing
// environment/TOML values fall back to these per spec §6.4.
func NewDefault() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8080, DefaultTenantID: "default", DefaultActor: "system"},
		Store: StoreConfig{
			Path:          "./data/agentjobs.db",
			Environment:   "production",
			WALMode:       true,
			CacheSizeMB:   32,
			BusyTimeoutMS: 5000,
		},
		Queue: QueueConfig{
			Name:              "agentjobs",
			PollInterval:      "2s",
			Concurrency:       4,
			VisibilityTimeout: "20m",
			MaxReceive:        3,
		},
		Agent: AgentConfig{
			BaseURL:        "http://127.0.0.1:4096",
			RequestTimeout: "30s",
		},
		Workspace: WorkspaceConfig{
			DataRoot:       "./data/jobs",
			MaxUploadBytes: 50 * 1024 * 1024,
		},
		Skills: SkillsConfig{
			FallbackThreshold: 0.45,
			DefaultSkillCode:  "general-default",
		},
		Timeouts: TimeoutsConfig{
			Soft:     "900s",
			Hard:     "1200s",
			PermWait: "120s",
			Poll:     "2s",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     []string{"stdout"},
			TimeFormat: "15:04:05.000",
		},
		Retention: RetentionConfig{
			Enabled:         true,
			Schedule:        "@every 1h",
			TerminalMaxAge:  "168h",
			StaleJobMinutes: 30,
		},
	}
}

// LoadFromFile decodes path over the defaults, then applies environment
// overrides. path == "" loads defaults plus environment only.
func LoadFromFile(path string) (*Config, error) {
	cfg := NewDefault()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := ValidateSchedule(cfg.Retention.Schedule); err != nil {
		return nil, fmt.Errorf("invalid retention schedule: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides lets AGENTJOBS_* environment variables win over file
// configuration; malformed numeric values are ignored (default retained).
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AGENTJOBS_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("AGENTJOBS_SERVER_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("AGENTJOBS_DEFAULT_TENANT_ID"); v != "" {
		cfg.Server.DefaultTenantID = v
	}
	if v := os.Getenv("AGENTJOBS_DEFAULT_ACTOR"); v != "" {
		cfg.Server.DefaultActor = v
	}
	if v := os.Getenv("AGENTJOBS_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("AGENTJOBS_QUEUE_CONCURRENCY"); v != "" {
		if c, err := strconv.Atoi(v); err == nil {
			cfg.Queue.Concurrency = c
		}
	}
	if v := os.Getenv("AGENTJOBS_QUEUE_POLL_INTERVAL"); v != "" {
		cfg.Queue.PollInterval = v
	}
	if v := os.Getenv("AGENTJOBS_AGENT_BASE_URL"); v != "" {
		cfg.Agent.BaseURL = v
	}
	if v := os.Getenv("AGENTJOBS_AGENT_USERNAME"); v != "" {
		cfg.Agent.Username = v
	}
	if v := os.Getenv("AGENTJOBS_AGENT_PASSWORD"); v != "" {
		cfg.Agent.Password = v
	}
	if v := os.Getenv("AGENTJOBS_WORKSPACE_DATA_ROOT"); v != "" {
		cfg.Workspace.DataRoot = v
	}
	if v := os.Getenv("AGENTJOBS_WORKSPACE_MAX_UPLOAD_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Workspace.MaxUploadBytes = n
		}
	}
	if v := os.Getenv("AGENTJOBS_SKILLS_FALLBACK_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Skills.FallbackThreshold = f
		}
	}
	if v := os.Getenv("AGENTJOBS_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("AGENTJOBS_LOG_OUTPUT"); v != "" {
		var outputs []string
		for _, o := range strings.Split(v, ",") {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				outputs = append(outputs, trimmed)
			}
		}
		if len(outputs) > 0 {
			cfg.Logging.Output = outputs
		}
	}
}

// ValidateSchedule confirms a cron expression parses, used for the
// retention sweep schedule at load time so bad config fails fast.
func ValidateSchedule(schedule string) error {
	_, err := cron.ParseStandard(schedule)
	return err
}

// Duration parses a Go duration string, falling back to def on error -
// used for the T_* timeout fields which are stored as strings in TOML.
func Duration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
