package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the Krawall connector runtime.
type Config struct {
	Port      int
	Version   string
	Namespace string // prefix for every KV key and pub/sub channel

	Database  DatabaseConfig
	KV        KVConfig
	Browser   BrowserConfig
	Timeouts  TimeoutConfig
	Telemetry TelemetryConfig
}

type DatabaseConfig struct {
	URL            string
	MaxConnections int
}

type KVConfig struct {
	// Etcd endpoints; empty means the in-memory store (tests, zero-config).
	Endpoints   []string
	DialTimeout time.Duration
}

type BrowserConfig struct {
	// ExecutablePath locates the chromium-class binary; empty tries
	// well-known names on PATH.
	ExecutablePath string
	ProxyURL       string
	Headless       bool
	KeepAlive      bool
}

type TimeoutConfig struct {
	Connect         time.Duration // overall connect budget
	WSOpen          time.Duration // WebSocket upgrade
	Send            time.Duration
	HealthCheck     time.Duration
	Discovery       time.Duration // total browser pipeline
	DiscoveryWidget time.Duration // widget detection stage
	DiscoveryWS     time.Duration // WS capture stage
	SessionMaxAge   time.Duration // default discovery result lifetime
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:      envInt("KRAWALL_PORT", 8080),
		Version:   envStr("KRAWALL_VERSION", "0.4.0"),
		Namespace: envStr("KRAWALL_NAMESPACE", "krawall"),
		Database: DatabaseConfig{
			URL:            envStr("DATABASE_URL", ""),
			MaxConnections: envInt("DATABASE_MAX_CONNECTIONS", 10),
		},
		KV: KVConfig{
			Endpoints:   envList("KRAWALL_ETCD_ENDPOINTS"),
			DialTimeout: envDur("KRAWALL_ETCD_DIAL_TIMEOUT", 5*time.Second),
		},
		Browser: BrowserConfig{
			ExecutablePath: envStr("KRAWALL_BROWSER_PATH", ""),
			ProxyURL:       envStr("KRAWALL_BROWSER_PROXY", ""),
			Headless:       envBool("KRAWALL_BROWSER_HEADLESS", true),
			KeepAlive:      envBool("KRAWALL_BROWSER_KEEP_ALIVE", false),
		},
		Timeouts: TimeoutConfig{
			Connect:         envDur("KRAWALL_TIMEOUT_CONNECT", 30*time.Second),
			WSOpen:          envDur("KRAWALL_TIMEOUT_WS_OPEN", 10*time.Second),
			Send:            envDur("KRAWALL_TIMEOUT_SEND", 30*time.Second),
			HealthCheck:     envDur("KRAWALL_TIMEOUT_HEALTH", 5*time.Second),
			Discovery:       envDur("KRAWALL_TIMEOUT_DISCOVERY", 30*time.Second),
			DiscoveryWidget: envDur("KRAWALL_TIMEOUT_WIDGET", 15*time.Second),
			DiscoveryWS:     envDur("KRAWALL_TIMEOUT_WS_CAPTURE", 15*time.Second),
			SessionMaxAge:   envDur("KRAWALL_SESSION_MAX_AGE", 300*time.Second),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "krawall-connector-runtime"),
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

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
