package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Admiral-haking/IEEE-website-sub001/internal/ratelimit"
)

// Rate limit counter backends.
const (
	RateLimitMemory = "memory"
	RateLimitRedis  = "redis"
)

type RateLimitConfig struct {
	Enabled bool
	Backend string // memory | redis
	Prefix  string
	// Overrides holds per-policy limits read from
	// RATE_LIMIT_<POLICY>_MAX and RATE_LIMIT_<POLICY>_WINDOW.
	Overrides map[string]ratelimit.Policy
}

func LoadRateLimitConfig() RateLimitConfig {
	cfg := RateLimitConfig{
		Enabled: envBool("RATE_LIMIT_ENABLED", true),
		Backend: strings.ToLower(envStr("RATE_LIMIT_BACKEND", RateLimitMemory)),
		Prefix:  envStr("RATE_LIMIT_PREFIX", "rl"),
	}
	cfg.Overrides = map[string]ratelimit.Policy{}
	for name, p := range ratelimit.DefaultPolicies() {
		key := "RATE_LIMIT_" + strings.ToUpper(name)
		limit := envInt(key+"_MAX", p.MaxRequests)
		window := envDur(key+"_WINDOW", p.Window)
		if limit < 1 {
			limit = 1
		}
		if window <= 0 {
			window = p.Window
		}
		if limit != p.MaxRequests || window != p.Window {
			cfg.Overrides[name] = ratelimit.Policy{Name: name, MaxRequests: limit, Window: window}
		}
	}
	return cfg
}

// Policies returns the default policy table with overrides applied.
func (c RateLimitConfig) Policies() map[string]ratelimit.Policy {
	out := ratelimit.DefaultPolicies()
	for name, p := range c.Overrides {
		out[name] = p
	}
	return out
}

func envStr(k, d string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return d
}

func envBool(k string, d bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	switch v {
	case "1", "true", "TRUE", "True", "yes", "YES", "on", "ON":
		return true
	case "0", "false", "FALSE", "False", "no", "NO", "off", "OFF":
		return false
	}
	return d
}

func envInt(k string, d int) int {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return n
	}
	return d
}

func envDur(k string, d time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	if dur, err := time.ParseDuration(v); err == nil {
		return dur
	}
	return d
}

func envList(k string) []string {
	var out []string
	for _, p := range strings.Split(os.Getenv(k), ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
