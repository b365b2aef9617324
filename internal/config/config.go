// Package config holds process-wide defaults for the scheduler, the
// allocator, and the HTTP contract layer. Per spec.md's explicit
// non-goals, there is no TOML (or other file-format) loader and no CLI
// flag parser here — exactly like the teacher's own cmd/server/main.go,
// which builds its config as a struct literal and only reaches for
// os.Getenv on a couple of fields.
package config

import (
	"os"
	"strconv"
)

// Config is the top-level knob set for a zruntime process.
type Config struct {
	// Scheduler
	WorkerCount    int
	SchedulerName  string
	UseSharedStack bool

	// HTTP contract layer
	HTTPAddr    string
	MetricsAddr string

	// Tracing
	JaegerEndpoint string

	// Logging
	LogLevel string
}

// Default mirrors the teacher's literal-defaults-plus-env-override
// pattern (DefaultPort/DefaultMetricsPort consts, JAEGER_ENDPOINT from
// the environment in cmd/server/main.go).
func Default() *Config {
	cfg := &Config{
		WorkerCount:    envInt("ZRUNTIME_WORKERS", 0), // 0 => runtime.NumCPU() at call site
		SchedulerName:  envString("ZRUNTIME_SCHEDULER_NAME", "zruntime"),
		UseSharedStack: envBool("ZRUNTIME_SHARED_STACK", false),
		HTTPAddr:       envString("ZRUNTIME_HTTP_ADDR", ":9000"),
		MetricsAddr:    envString("ZRUNTIME_METRICS_ADDR", ":9001"),
		JaegerEndpoint: envString("JAEGER_ENDPOINT", "http://jaeger:14268/api/traces"),
		LogLevel:       envString("ZRUNTIME_LOG_LEVEL", "info"),
	}
	return cfg
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
