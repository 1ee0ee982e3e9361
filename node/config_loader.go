package node

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// LoadConfigFile reads and parses the configuration file at path, applying
// values on top of the defaults.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return ParseConfig(data)
}

// ParseConfig parses a TOML-like configuration from raw bytes. The parser
// handles key = value pairs and [section] headers; values may be quoted
// strings, integers or durations in the unit the key names.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	section := ""

	lines := strings.Split(string(data), "\n")
	for lineNum, raw := range lines {
		line := strings.TrimSpace(raw)

		// Skip empty lines and comments.
		if line == "" || line[0] == '#' {
			continue
		}

		// Section header.
		if line[0] == '[' {
			end := strings.Index(line, "]")
			if end < 0 {
				return nil, fmt.Errorf("config: line %d: unclosed section header", lineNum+1)
			}
			section = strings.TrimSpace(line[1:end])
			continue
		}

		// Key = value pair.
		eqIdx := strings.Index(line, "=")
		if eqIdx < 0 {
			return nil, fmt.Errorf("config: line %d: expected key = value", lineNum+1)
		}
		key := strings.TrimSpace(line[:eqIdx])
		val := strings.TrimSpace(line[eqIdx+1:])

		if err := applyConfigValue(cfg, section, key, val, lineNum+1); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

func applyConfigValue(cfg *Config, section, key, val string, lineNum int) error {
	switch section {
	case "":
		return applyTopLevel(cfg, key, val, lineNum)
	case "sync":
		return applySync(cfg, key, val, lineNum)
	case "ble":
		return applyBLE(cfg, key, val, lineNum)
	case "log":
		return applyLog(cfg, key, val, lineNum)
	default:
		return fmt.Errorf("config: line %d: unknown section [%s]", lineNum, section)
	}
}

func applyTopLevel(cfg *Config, key, val string, lineNum int) error {
	switch key {
	case "datadir":
		cfg.DataDir = unquote(val)
	case "name":
		cfg.Name = unquote(val)
	default:
		return fmt.Errorf("config: line %d: unknown key %q", lineNum, key)
	}
	return nil
}

func applySync(cfg *Config, key, val string, lineNum int) error {
	switch key {
	case "frame_size_limit":
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("config: line %d: frame_size_limit: %v", lineNum, err)
		}
		cfg.FrameSizeLimit = n
	case "scan_interval_ms":
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("config: line %d: scan_interval_ms: %v", lineNum, err)
		}
		cfg.ScanInterval = time.Duration(n) * time.Millisecond
	default:
		return fmt.Errorf("config: line %d: unknown key %q in [sync]", lineNum, key)
	}
	return nil
}

func applyBLE(cfg *Config, key, val string, lineNum int) error {
	switch key {
	case "chunk_delay_ms":
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("config: line %d: chunk_delay_ms: %v", lineNum, err)
		}
		cfg.ChunkDelay = time.Duration(n) * time.Millisecond
	default:
		return fmt.Errorf("config: line %d: unknown key %q in [ble]", lineNum, key)
	}
	return nil
}

func applyLog(cfg *Config, key, val string, lineNum int) error {
	switch key {
	case "level":
		cfg.LogLevel = unquote(val)
	default:
		return fmt.Errorf("config: line %d: unknown key %q in [log]", lineNum, key)
	}
	return nil
}

// unquote strips one layer of surrounding double quotes, if present.
func unquote(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}
