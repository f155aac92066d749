package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all runtime settings. Values come from the environment; main
// loads a .env file first so local development matches deployment.
type Config struct {
	Addr string

	// Launch path
	LaunchToken   string // empty disables the bearer check
	MaxInstances  int
	IdleTimeout   time.Duration
	SweepInterval time.Duration
	ProfileDir    string
	BrowserImage  string

	// CDP client path
	CDPAuthRequired bool
	MultiClient     bool // false rejects a second client binding to a busy device

	// Device health
	HeartbeatInterval time.Duration
	HeartbeatMisses   int
	ReconnectBase     time.Duration
	ReconnectCap      time.Duration
	ReconnectMax      int // attempt cap before giving up
	PendingTimeout    time.Duration

	// Rate limiting on the launch path
	RateLimitPerHour int
	RateLimitBurst   int
}

// Load reads configuration from the environment, applying defaults.
func Load() Config {
	return Config{
		Addr:              getString("RELAYGATE_ADDR", ":8080"),
		LaunchToken:       getString("RELAYGATE_LAUNCH_TOKEN", ""),
		MaxInstances:      getInt("RELAYGATE_MAX_INSTANCES", 10),
		IdleTimeout:       getDuration("RELAYGATE_IDLE_TIMEOUT", 5*time.Minute),
		SweepInterval:     getDuration("RELAYGATE_SWEEP_INTERVAL", 30*time.Second),
		ProfileDir:        getString("RELAYGATE_PROFILE_DIR", "./storage/profiles"),
		BrowserImage:      getString("RELAYGATE_BROWSER_IMAGE", "browserless/chrome:latest"),
		CDPAuthRequired:   getBool("RELAYGATE_CDP_AUTH_REQUIRED", false),
		MultiClient:       getBool("RELAYGATE_MULTI_CLIENT", true),
		HeartbeatInterval: getDuration("RELAYGATE_HEARTBEAT_INTERVAL", 10*time.Second),
		HeartbeatMisses:   getInt("RELAYGATE_HEARTBEAT_MISSES", 3),
		ReconnectBase:     getDuration("RELAYGATE_RECONNECT_BASE", time.Second),
		ReconnectCap:      getDuration("RELAYGATE_RECONNECT_CAP", 30*time.Second),
		ReconnectMax:      getInt("RELAYGATE_RECONNECT_MAX", 5),
		PendingTimeout:    getDuration("RELAYGATE_PENDING_TIMEOUT", 2*time.Minute),
		RateLimitPerHour:  getInt("RELAYGATE_RATE_LIMIT_PER_HOUR", 100),
		RateLimitBurst:    getInt("RELAYGATE_RATE_LIMIT_BURST", 10),
	}
}

func getString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
