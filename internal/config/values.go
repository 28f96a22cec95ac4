// internal/config/values.go
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

// ListValues flattens cfg into dot-separated keys. Secrets are masked
// when mask is set.
func ListValues(cfg *Config, mask bool) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var nested map[string]any
	if err := json.Unmarshal(data, &nested); err != nil {
		return nil, err
	}
	flat := Flatten(nested)
	if mask {
		flat = MaskSecrets(flat)
	}
	return flat, nil
}

// GetValue reads one dot-separated key from the config file at path.
// Secrets are returned masked.
func GetValue(path, key string) (any, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	flat, err := ListValues(cfg, true)
	if err != nil {
		return nil, err
	}
	value, ok := flat[key]
	if !ok {
		return nil, fmt.Errorf("unknown config key %q", key)
	}
	return value, nil
}

// SetValue updates one dot-separated key in the config file at path.
// The raw string is coerced to the JSON type already stored at the key.
func SetValue(path, key, raw string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	var nested map[string]any
	if err := json.Unmarshal(data, &nested); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	flat := Flatten(nested)
	current, ok := flat[key]
	if !ok {
		return fmt.Errorf("unknown config key %q", key)
	}
	coerced, err := coerce(raw, current)
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	flat[key] = coerced

	out, err := json.MarshalIndent(Unflatten(flat), "", "  ")
	if err != nil {
		return err
	}
	out = append(out, '\n')
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return os.Rename(tmp, path)
}

func coerce(raw string, current any) (any, error) {
	switch current.(type) {
	case bool:
		return strconv.ParseBool(raw)
	case float64:
		return strconv.ParseFloat(raw, 64)
	default:
		return raw, nil
	}
}
