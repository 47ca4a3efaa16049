package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads the global config file (optional) and the workspace agent.yaml
// (required), deep-merges them with the workspace winning, substitutes
// ${ENV_VAR} references, applies defaults, and validates.
func Load(globalPath, workspacePath string) (*Config, error) {
	merged := make(map[string]any)

	if globalPath != "" {
		global, err := readYAML(globalPath)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
		} else {
			merged = deepMerge(merged, global)
		}
	}

	ws, err := readYAML(workspacePath)
	if err != nil {
		return nil, err
	}
	merged = deepMerge(merged, ws)

	if err := substituteEnv(merged, workspacePath); err != nil {
		return nil, err
	}

	// Round-trip through yaml to decode the merged tree into the struct.
	raw, err := yaml.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("re-encode merged config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", workspacePath, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", workspacePath, err)
	}
	return &cfg, nil
}

func readYAML(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if out == nil {
		out = make(map[string]any)
	}
	return out, nil
}

// deepMerge overlays b onto a. Maps merge recursively; everything else is
// replaced by b's value.
func deepMerge(a, b map[string]any) map[string]any {
	out := make(map[string]any, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		if bm, ok := v.(map[string]any); ok {
			if am, ok := out[k].(map[string]any); ok {
				out[k] = deepMerge(am, bm)
				continue
			}
		}
		out[k] = v
	}
	return out
}

// substituteEnv replaces ${VAR} in every string value, recursively. An
// unresolved variable is a hard error naming the config source.
func substituteEnv(node map[string]any, source string) error {
	for k, v := range node {
		replaced, err := substituteValue(v, source)
		if err != nil {
			return err
		}
		node[k] = replaced
	}
	return nil
}

func substituteValue(v any, source string) (any, error) {
	switch val := v.(type) {
	case string:
		var missing string
		out := envVarPattern.ReplaceAllStringFunc(val, func(match string) string {
			name := envVarPattern.FindStringSubmatch(match)[1]
			env, ok := os.LookupEnv(name)
			if !ok {
				missing = name
				return match
			}
			return env
		})
		if missing != "" {
			return nil, fmt.Errorf("config %s: environment variable %s is not set", source, missing)
		}
		return out, nil
	case map[string]any:
		if err := substituteEnv(val, source); err != nil {
			return nil, err
		}
		return val, nil
	case []any:
		for i, item := range val {
			replaced, err := substituteValue(item, source)
			if err != nil {
				return nil, err
			}
			val[i] = replaced
		}
		return val, nil
	default:
		return v, nil
	}
}

// ParseActiveHours parses "HH:MM-HH:MM" into start and end minutes of day.
// start > end means the window spans midnight.
func ParseActiveHours(s string) (startMin, endMin int, err error) {
	parts := strings.SplitN(strings.TrimSpace(s), "-", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("want HH:MM-HH:MM, got %q", s)
	}
	parse := func(hm string) (int, error) {
		var h, m int
		if _, err := fmt.Sscanf(strings.TrimSpace(hm), "%d:%d", &h, &m); err != nil {
			return 0, fmt.Errorf("bad time %q", hm)
		}
		if h < 0 || h > 23 || m < 0 || m > 59 {
			return 0, fmt.Errorf("time out of range %q", hm)
		}
		return h*60 + m, nil
	}
	if startMin, err = parse(parts[0]); err != nil {
		return 0, 0, err
	}
	if endMin, err = parse(parts[1]); err != nil {
		return 0, 0, err
	}
	return startMin, endMin, nil
}

// WithinActiveHours reports whether the minute-of-day falls inside the
// window, handling spans across midnight ("22:00-08:00" includes 03:00).
func WithinActiveHours(startMin, endMin, nowMin int) bool {
	if startMin == endMin {
		return true
	}
	if startMin < endMin {
		return nowMin >= startMin && nowMin < endMin
	}
	return nowMin >= startMin || nowMin < endMin
}
