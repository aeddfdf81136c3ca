package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// SyncConfig captures all tunable parameters for the ride-state sync
// core. Values are primarily loaded from environment variables with
// sane defaults so the subsystem can run locally without excessive
// setup.
type SyncConfig struct {
	ChannelEndpoint string
	APIBaseURL      string
	APIToken        string

	ReconnectInitialDelay time.Duration
	ReconnectMaxDelay     time.Duration
	DialTimeout           time.Duration

	HeartbeatInterval time.Duration
	HeartbeatGrace    time.Duration

	CacheExpiry    time.Duration
	ThrottleWindow time.Duration

	PollInterval      time.Duration
	TightPollInterval time.Duration
	HTTPTimeout       time.Duration

	NavigateDelay time.Duration

	CitySpeedKmh      float64
	HighwaySpeedKmh   float64
	IntercitySpeedKmh float64

	BadgerPath    string
	RedisAddr     string
	RedisPassword string
	PGDSN         string

	KafkaBrokers []string
	KafkaTopic   string

	MetricsAddr string
	LogLevel    string
}

func defaultSyncConfig() SyncConfig {
	return SyncConfig{
		ChannelEndpoint:       "ws://localhost:8080/ws",
		APIBaseURL:            "http://localhost:8080",
		ReconnectInitialDelay: time.Second,
		ReconnectMaxDelay:     30 * time.Second,
		DialTimeout:           10 * time.Second,
		HeartbeatInterval:     5 * time.Second,
		HeartbeatGrace:        time.Second,
		CacheExpiry:           2 * time.Minute,
		ThrottleWindow:        10 * time.Second,
		PollInterval:          10 * time.Second,
		TightPollInterval:     5 * time.Second,
		HTTPTimeout:           10 * time.Second,
		NavigateDelay:         2 * time.Second,
		CitySpeedKmh:          22,
		HighwaySpeedKmh:       60,
		IntercitySpeedKmh:     60,
		KafkaTopic:            "ride-transitions",
		LogLevel:              "info",
	}
}

func LoadSyncConfig() (SyncConfig, error) {
	cfg := defaultSyncConfig()
	var errs []error

	setStringFromEnv(&cfg.ChannelEndpoint, "CHANNEL_ENDPOINT")
	setStringFromEnv(&cfg.APIBaseURL, "API_BASE_URL")
	cfg.APIToken = os.Getenv("API_TOKEN")

	setDurationFromEnv(&cfg.ReconnectInitialDelay, "RECONNECT_INITIAL_DELAY", &errs)
	setDurationFromEnv(&cfg.ReconnectMaxDelay, "RECONNECT_MAX_DELAY", &errs)
	setDurationFromEnv(&cfg.DialTimeout, "DIAL_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.HeartbeatInterval, "HEARTBEAT_INTERVAL", &errs)
	setDurationFromEnv(&cfg.HeartbeatGrace, "HEARTBEAT_GRACE", &errs)
	setDurationFromEnv(&cfg.CacheExpiry, "CACHE_EXPIRY", &errs)
	setDurationFromEnv(&cfg.ThrottleWindow, "THROTTLE_WINDOW", &errs)
	setDurationFromEnv(&cfg.PollInterval, "POLL_INTERVAL", &errs)
	setDurationFromEnv(&cfg.TightPollInterval, "TIGHT_POLL_INTERVAL", &errs)
	setDurationFromEnv(&cfg.HTTPTimeout, "HTTP_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.NavigateDelay, "NAVIGATE_DELAY", &errs)

	setFloatFromEnv(&cfg.CitySpeedKmh, "CITY_SPEED_KMH", &errs)
	setFloatFromEnv(&cfg.HighwaySpeedKmh, "HIGHWAY_SPEED_KMH", &errs)
	setFloatFromEnv(&cfg.IntercitySpeedKmh, "INTERCITY_SPEED_KMH", &errs)

	setStringFromEnv(&cfg.BadgerPath, "BADGER_PATH")
	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	cfg.PGDSN = os.Getenv("PG_DSN")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.HeartbeatInterval <= 0 {
		errs = append(errs, fmt.Errorf("HEARTBEAT_INTERVAL must be > 0"))
	}
	if cfg.CacheExpiry <= 0 {
		errs = append(errs, fmt.Errorf("CACHE_EXPIRY must be > 0"))
	}
	if cfg.ThrottleWindow < 0 {
		errs = append(errs, fmt.Errorf("THROTTLE_WINDOW must be >= 0"))
	}
	if cfg.ReconnectInitialDelay > cfg.ReconnectMaxDelay {
		errs = append(errs, fmt.Errorf("RECONNECT_INITIAL_DELAY must not exceed RECONNECT_MAX_DELAY"))
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
