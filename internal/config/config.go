package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
)

// Config holds all configuration for the toolexec proxy.
type Config struct {
	// Listener
	BindHost string // TCP bind host; linux defaults to 0.0.0.0 so sidecars can reach us
	Port     int    // 0 picks an ephemeral port
	UseUnix  bool   // bind a unix domain socket instead of TCP (linux only)
	UnixBase string // base directory for per-session socket dirs

	// Execution
	ExecTimeoutSecs int  // hard cap per exec; 0 = unlimited
	WatchdogSecs    int  // opt-in max-runtime signal ladder (INT at T, TERM at T+5, KILL at T+10); 0 = off
	StreamTTY       bool // allocate a TTY inside the container for streaming execs

	// Request parsing caps (operator-tunable)
	HeaderCap     int // max header-section bytes
	HeaderLineCap int // max header lines
	BodyCap       int // max form-body bytes

	// Streaming backpressure
	ChunkQueueDepth int // bounded producer-to-writer queue, in chunks

	// Notifications endpoint
	NotifyConfigPath  string // path to the YAML config; default ~/.aider.conf.yml
	NotifyNoAuth      bool   // waive Authorization (never the proto check) on /notify
	NotifyMaxArgs     int    // cap on caller args appended after a trailing placeholder
	NotifyAllowlist   string // comma-separated extra allowed basenames
	NotifySafeDirs    string // comma-separated safe-dir override (needs NotifyUnsafeDirs)
	NotifyUnsafeDirs  bool   // allow NotifySafeDirs to take effect
	NotifyTrimEnv     bool   // run the notification command with a minimal environment
	NotifyEnvAllow    string // comma-separated env var names preserved when trimming
	NotifyTimeoutSecs int    // independent, shorter timeout for /notify commands

	// Container runtime
	RuntimePath string // docker/podman binary override; empty = autodetect

	// Observability
	MetricsAddr string // standalone /metrics listener; empty = disabled
	Verbose     bool
}

// Load reads configuration from AIFO_* environment variables with the
// documented defaults. Numeric knobs fail loudly on unparsable values.
func Load() (*Config, error) {
	bindHost := "127.0.0.1"
	if runtime.GOOS == "linux" {
		bindHost = "0.0.0.0"
	}

	cfg := &Config{
		BindHost: envOrDefault("AIFO_TOOLEEXEC_BIND", bindHost),
		UseUnix:  runtime.GOOS == "linux" && os.Getenv("AIFO_TOOLEEXEC_USE_UNIX") == "1",
		UnixBase: envOrDefault("AIFO_TOOLEEXEC_UNIX_BASE", "/run/aifo"),

		StreamTTY: os.Getenv("AIFO_TOOLEEXEC_TTY") != "0",

		NotifyConfigPath: os.Getenv("AIFO_NOTIFICATIONS_CONFIG"),
		NotifyNoAuth:     os.Getenv("AIFO_NOTIFICATIONS_NOAUTH") == "1",
		NotifyAllowlist:  os.Getenv("AIFO_NOTIFICATIONS_ALLOWLIST"),
		NotifySafeDirs:   os.Getenv("AIFO_NOTIFICATIONS_SAFE_DIRS"),
		NotifyUnsafeDirs: os.Getenv("AIFO_NOTIFICATIONS_UNSAFE_ALLOWLIST") == "1",
		NotifyTrimEnv:    os.Getenv("AIFO_NOTIFICATIONS_TRIM_ENV") == "1",
		NotifyEnvAllow:   os.Getenv("AIFO_NOTIFICATIONS_ENV_ALLOW"),

		RuntimePath: os.Getenv("AIFO_CONTAINER_RUNTIME"),
		MetricsAddr: os.Getenv("AIFO_METRICS_ADDR"),
		Verbose:     os.Getenv("AIFO_TOOLEEXEC_VERBOSE") == "1",
	}

	var err error
	if cfg.Port, err = envOrDefaultInt("AIFO_TOOLEEXEC_PORT", 0); err != nil {
		return nil, err
	}
	// AIFO_TOOLEEXEC_MAX_SECS wins over the legacy TIMEOUT_SECS spelling.
	if cfg.ExecTimeoutSecs, err = envOrDefaultInt("AIFO_TOOLEEXEC_MAX_SECS", 0); err != nil {
		return nil, err
	}
	if cfg.ExecTimeoutSecs == 0 {
		if cfg.ExecTimeoutSecs, err = envOrDefaultInt("AIFO_TOOLEEXEC_TIMEOUT_SECS", 0); err != nil {
			return nil, err
		}
	}
	if cfg.WatchdogSecs, err = envOrDefaultInt("AIFO_TOOLEEXEC_WATCHDOG_SECS", 0); err != nil {
		return nil, err
	}
	if cfg.HeaderCap, err = envOrDefaultInt("AIFO_TOOLEEXEC_HEADER_CAP", 64*1024); err != nil {
		return nil, err
	}
	if cfg.HeaderLineCap, err = envOrDefaultInt("AIFO_TOOLEEXEC_HEADER_LINES", 1024); err != nil {
		return nil, err
	}
	if cfg.BodyCap, err = envOrDefaultInt("AIFO_TOOLEEXEC_BODY_CAP", 1024*1024); err != nil {
		return nil, err
	}
	if cfg.ChunkQueueDepth, err = envOrDefaultInt("AIFO_TOOLEEXEC_QUEUE", 256); err != nil {
		return nil, err
	}
	if cfg.NotifyMaxArgs, err = envOrDefaultInt("AIFO_NOTIFICATIONS_MAX_ARGS", 8); err != nil {
		return nil, err
	}
	if cfg.NotifyMaxArgs < 1 {
		cfg.NotifyMaxArgs = 1
	} else if cfg.NotifyMaxArgs > 32 {
		cfg.NotifyMaxArgs = 32
	}
	if cfg.NotifyTimeoutSecs, err = envOrDefaultInt("AIFO_NOTIFICATIONS_TIMEOUT_SECS", 10); err != nil {
		return nil, err
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return n, nil
}
