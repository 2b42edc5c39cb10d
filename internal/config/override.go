package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// Override sets a single dotted key (e.g. "risk.max_portfolio_delta") on cfg.
// value may be a string; it is weakly converted to the field type. Unknown
// keys are an error.
func Override(cfg *Config, key string, value interface{}) error {
	parts := strings.Split(key, ".")
	if len(parts) < 2 {
		return fmt.Errorf("override key %q must be section.field", key)
	}

	// Build {"risk": {"max_portfolio_delta": value}} and decode over cfg;
	// fields absent from the map are left untouched.
	var tree interface{} = value
	for i := len(parts) - 1; i >= 0; i-- {
		tree = map[string]interface{}{parts[i]: tree}
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook:       mapstructure.StringToTimeHookFunc(DateLayout),
	})
	if err != nil {
		return fmt.Errorf("building decoder: %w", err)
	}
	if err := dec.Decode(tree); err != nil {
		return fmt.Errorf("override %s=%v: %w", key, value, err)
	}
	return nil
}

// ExpandPath replaces a leading ~ with the user's home directory.
func ExpandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}
