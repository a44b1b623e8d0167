// Package middleware provides the pluggable request/response pipeline the
// scraping context runs every request through, plus functional helpers
// (parser) reachable by name.
package middleware

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/imdario/mergo"
)

// Duration decodes both JSON numbers (seconds) and duration strings
// ("1m30s"), so scraper configs can use either form.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		*d = Duration(time.Duration(value * float64(time.Second)))
		return nil
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", value, err)
		}
		*d = Duration(parsed)
		return nil
	}
	return fmt.Errorf("invalid duration value %v", v)
}

// decodeConfig deep-merges the per-scraper override onto the middleware
// defaults and decodes the result into out. Nested objects merge
// recursively; scalars and arrays from the override replace the default.
func decodeConfig(defaults any, override map[string]any, out any) error {
	raw, err := json.Marshal(defaults)
	if err != nil {
		return fmt.Errorf("marshal middleware defaults: %w", err)
	}
	base := make(map[string]any)
	if err := json.Unmarshal(raw, &base); err != nil {
		return fmt.Errorf("unmarshal middleware defaults: %w", err)
	}
	if len(override) > 0 {
		if err := mergo.Merge(&base, override, mergo.WithOverride); err != nil {
			return fmt.Errorf("merge middleware config: %w", err)
		}
	}
	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	if err := json.Unmarshal(merged, out); err != nil {
		return fmt.Errorf("invalid middleware config: %w", err)
	}
	return nil
}
