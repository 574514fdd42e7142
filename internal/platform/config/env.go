// Package config provides the environment-variable parsing helpers that
// every cmd/*/main.go calls directly while wiring its service, following
// the teacher's internal/config package shape -- this package only
// centralizes the primitive env lookups so the four mains don't repeat them.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// String returns the environment variable named key, or def if unset or empty.
func String(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// Int returns the environment variable named key parsed as an int, or def
// if unset, empty, or unparseable.
func Int(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// Bool returns the environment variable named key parsed as a bool, or def
// if unset, empty, or unparseable.
func Bool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// Seconds returns the environment variable named key, interpreted as a
// count of seconds, as a time.Duration. Falls back to def on error.
func Seconds(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return time.Duration(n) * time.Second
}

// CSV splits a comma-separated environment variable into a trimmed,
// non-empty slice of strings. Returns nil when unset.
func CSV(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// CSVInt64 parses a comma-separated list of int64 owner ids, e.g. ROUTER_OWNER_IDS.
func CSVInt64(key string) []int64 {
	raw := CSV(key)
	out := make([]int64, 0, len(raw))
	for _, r := range raw {
		n, err := strconv.ParseInt(r, 10, 64)
		if err == nil {
			out = append(out, n)
		}
	}
	return out
}
