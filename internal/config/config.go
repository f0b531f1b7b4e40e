package config

import (
	"os"
	"strconv"
	"time"

	"github.com/agentdeck/agentdeck/pkg/models"
)

// Config holds all configuration for the AgentDeck server.
type Config struct {
	Port      int
	Version   string
	BaseURL   string
	Telemetry TelemetryConfig
	Discovery DiscoveryConfig
	Tasks     TasksConfig
	HITL      HITLConfig
	State     StateConfig
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

type DiscoveryConfig struct {
	// AgentURLs is the comma-separated list of remote agent base URLs to
	// scan at startup and on every rescan.
	AgentURLs []string

	ScanInterval       time.Duration
	HealthCheckTimeout time.Duration
	HealthInterval     time.Duration
	AutoRegister       bool
}

type TasksConfig struct {
	MaxConcurrent  int
	DefaultTimeout time.Duration
}

type HITLConfig struct {
	ResultTTL    time.Duration
	PollInterval time.Duration
}

type StateConfig struct {
	Debounce       time.Duration
	MaxActiveTasks int
	MaxActivities  int
	MaxAlerts      int
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:    envInt("AGENTDECK_PORT", 8080),
		Version: envStr("AGENTDECK_VERSION", "0.3.0"),
		BaseURL: envStr("AGENTDECK_BASE_URL", "http://localhost:8080"),
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "agentdeck"),
		},
		Discovery: DiscoveryConfig{
			AgentURLs:          splitList(envStr("AGENTDECK_AGENT_URLS", "")),
			ScanInterval:       envDur("AGENTDECK_SCAN_INTERVAL", models.DefaultDiscoveryScanInterval),
			HealthCheckTimeout: envDur("AGENTDECK_HEALTH_TIMEOUT", models.DefaultHealthCheckTimeout),
			HealthInterval:     envDur("AGENTDECK_HEALTH_INTERVAL", models.DefaultHealthCheckInterval),
			AutoRegister:       envBool("AGENTDECK_AUTO_REGISTER", true),
		},
		Tasks: TasksConfig{
			MaxConcurrent:  envInt("AGENTDECK_MAX_CONCURRENT_TASKS", models.DefaultMaxConcurrentTasks),
			DefaultTimeout: envDur("AGENTDECK_STEP_TIMEOUT", models.DefaultStepTimeout),
		},
		HITL: HITLConfig{
			ResultTTL:    envDur("AGENTDECK_APPROVAL_RESULT_TTL", models.DefaultApprovalResultTTL),
			PollInterval: envDur("AGENTDECK_APPROVAL_POLL_INTERVAL", 2*time.Second),
		},
		State: StateConfig{
			Debounce:       envDur("AGENTDECK_UPDATE_DEBOUNCE", models.DefaultUpdateDebounce),
			MaxActiveTasks: envInt("AGENTDECK_MAX_ACTIVE_TASKS", models.DefaultMaxActiveTasks),
			MaxActivities:  envInt("AGENTDECK_MAX_ACTIVITIES", models.DefaultMaxActivities),
			MaxAlerts:      envInt("AGENTDECK_MAX_ALERTS", models.DefaultMaxAlerts),
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDur(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if item := s[start:i]; item != "" {
				out = append(out, item)
			}
			start = i + 1
		}
	}
	return out
}
