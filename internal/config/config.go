package config

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	// NATS Configuration
	NatsURL        string `toml:"nats_url"`
	RequestSubject string `toml:"request_subject"`
	OutcomePrefix  string `toml:"outcome_prefix"`
	HeartbeatTopic string `toml:"heartbeat_topic"`
	Concurrency    int    `toml:"concurrency"`

	// HTTP Configuration
	HTTPAddr string `toml:"http_addr"`

	// Dispatch Configuration
	RequestTimeout    time.Duration `toml:"request_timeout"`
	StreamIdleTimeout time.Duration `toml:"stream_idle_timeout"`
	ModelListTTL      time.Duration `toml:"model_list_ttl"`

	// Health Probe Configuration
	ProbeInterval time.Duration `toml:"probe_interval"`
	ProbeJitter   time.Duration `toml:"probe_jitter"`
	ProbeTimeout  time.Duration `toml:"probe_timeout"`
	FailThreshold int           `toml:"fail_threshold"`

	// Metrics Configuration
	MetricsQueueDepth int `toml:"metrics_queue_depth"`

	// Database Configuration
	DBPath string `toml:"db_path"`
}

// Load builds the configuration: optional TOML file first, then an optional
// .env file, then environment variables override everything.
func Load(configFile, envFile string) (*Config, error) {
	cfg := defaults()

	if configFile != "" {
		meta, err := toml.DecodeFile(configFile, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to read/parse config file: %w", err)
		}
		// Reject unknown keys rather than silently passing them through.
		if len(meta.Undecoded()) > 0 {
			return nil, fmt.Errorf("unknown keys in config file: %v", meta.Undecoded())
		}
		slog.Info("Config file loaded", "file", configFile)
	}

	if envFile != "" {
		if err := loadDotEnv(envFile); err != nil {
			slog.Warn("Could not load env file", "file", envFile, "error", err)
		} else {
			slog.Info("Environment loaded", "file", envFile)
		}
	}

	cfg.NatsURL = getEnv("NATS_URL", cfg.NatsURL)
	cfg.RequestSubject = getEnv("REQUEST_SUBJECT", cfg.RequestSubject)
	cfg.OutcomePrefix = getEnv("OUTCOME_PREFIX", cfg.OutcomePrefix)
	cfg.HeartbeatTopic = getEnv("HEARTBEAT_TOPIC", cfg.HeartbeatTopic)
	cfg.Concurrency = getEnvInt("WORKER_CONCURRENCY", cfg.Concurrency)
	cfg.HTTPAddr = getEnv("HTTP_ADDR", cfg.HTTPAddr)
	cfg.RequestTimeout = getEnvDuration("REQUEST_TIMEOUT", cfg.RequestTimeout)
	cfg.StreamIdleTimeout = getEnvDuration("STREAM_IDLE_TIMEOUT", cfg.StreamIdleTimeout)
	cfg.ModelListTTL = getEnvDuration("MODEL_LIST_TTL", cfg.ModelListTTL)
	cfg.ProbeInterval = getEnvDuration("PROBE_INTERVAL", cfg.ProbeInterval)
	cfg.ProbeJitter = getEnvDuration("PROBE_JITTER", cfg.ProbeJitter)
	cfg.ProbeTimeout = getEnvDuration("PROBE_TIMEOUT", cfg.ProbeTimeout)
	cfg.FailThreshold = getEnvInt("FAIL_THRESHOLD", cfg.FailThreshold)
	cfg.MetricsQueueDepth = getEnvInt("METRICS_QUEUE_DEPTH", cfg.MetricsQueueDepth)
	cfg.DBPath = getEnv("DB_PATH", cfg.DBPath)

	if cfg.FailThreshold < 1 {
		return nil, fmt.Errorf("fail_threshold must be >= 1, got %d", cfg.FailThreshold)
	}
	if cfg.Concurrency < 1 {
		return nil, fmt.Errorf("concurrency must be >= 1, got %d", cfg.Concurrency)
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		NatsURL:           "nats://127.0.0.1:4222",
		RequestSubject:    "routing.request",
		OutcomePrefix:     "routing.outcome",
		HeartbeatTopic:    "routing.heartbeat",
		Concurrency:       4,
		HTTPAddr:          ":8080",
		RequestTimeout:    60 * time.Second,
		StreamIdleTimeout: 30 * time.Second,
		ModelListTTL:      60 * time.Second,
		ProbeInterval:     30 * time.Second,
		ProbeJitter:       5 * time.Second,
		ProbeTimeout:      5 * time.Second,
		FailThreshold:     3,
		MetricsQueueDepth: 1024,
		DBPath:            "data/router.sqlite",
	}
}

func loadDotEnv(filename string) error {
	file, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) == 2 {
			key := strings.TrimSpace(parts[0])
			value := strings.TrimSpace(parts[1])
			os.Setenv(key, value)
		}
	}
	return scanner.Err()
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
