package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// LoadFile applies a key=value config file on top of s. Lines starting with
// '#' and blank lines are skipped. Unknown keys are an error so typos do not
// silently fall back to defaults.
func LoadFile(path string, s *Settings) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			return fmt.Errorf("%s:%d: expected key=value, got %q", path, lineNo, line)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if err := setValue(s, key, value); err != nil {
			return fmt.Errorf("%s:%d: %w", path, lineNo, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	return nil
}

func setValue(s *Settings, key, value string) error {
	switch key {
	case "address":
		s.Address = value
	case "admin_address":
		s.AdminAddress = value
	case "admin":
		return parseBool(value, &s.AdminEnabled)
	case "clear":
		return parseBool(value, &s.DoClear)
	case "health_check":
		return parseBool(value, &s.HealthCheck)
	case "ws":
		return parseBool(value, &s.IsWS)
	case "ttl":
		return parseMillis(value, &s.TTL)
	case "health_check_ttl":
		return parseMillis(value, &s.HealthCheckTTL)
	case "max_consecutive":
		n, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return fmt.Errorf("max_consecutive: %w", err)
		}
		s.MaxConsecutive = uint(n)
	case "min_time_delta":
		return parseMillis(value, &s.MinTimeDelta)
	case "cache_dir":
		s.CacheDir = value
	case "cache_compression":
		return parseBool(value, &s.CacheCompression)
	case "log_level":
		s.LogLevel = value
	case "log_json":
		return parseBool(value, &s.LogJSON)
	case "rpc_list":
		entries, err := ParseRpcList(value)
		if err != nil {
			return err
		}
		s.Rpcs = entries
	default:
		return fmt.Errorf("unknown config key %q", key)
	}
	return nil
}

func parseBool(value string, out *bool) error {
	b, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("expected true/false, got %q", value)
	}
	*out = b
	return nil
}

// parseMillis reads a duration given as a millisecond count.
func parseMillis(value string, out *time.Duration) error {
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil || n < 0 {
		return fmt.Errorf("expected milliseconds, got %q", value)
	}
	*out = time.Duration(n) * time.Millisecond
	return nil
}
