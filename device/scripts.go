package device

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
)

// ScriptTypeInternal selects a built-in state function.
const ScriptTypeInternal = "internal"

// Built-in state functions. Names are matched case-insensitively.
const (
	ScriptIncreasing   = "Math.Increasing"
	ScriptDecreasing   = "Math.Decreasing"
	ScriptRandomWithin = "Math.Random.WithinRange"
)

// ErrUnknownScript is returned for script paths without a built-in function.
var ErrUnknownScript = errors.New("devicesim: unknown internal script")

// scriptFunc updates state in place from the per-key parameters.
type scriptFunc func(state map[string]any, params map[string]rangeParams)

type rangeParams struct {
	min, max, step float64
}

func lookupScript(path string) (scriptFunc, error) {
	switch strings.ToLower(path) {
	case strings.ToLower(ScriptIncreasing):
		return increasing, nil
	case strings.ToLower(ScriptDecreasing):
		return decreasing, nil
	case strings.ToLower(ScriptRandomWithin):
		return randomWithin, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownScript, path)
	}
}

// increasing adds step to each value and wraps past max back to min.
func increasing(state map[string]any, params map[string]rangeParams) {
	for key, p := range params {
		v, ok := toFloat(state[key])
		if !ok {
			state[key] = p.min
			continue
		}
		v += p.step
		if v > p.max {
			v = p.min
		}
		state[key] = v
	}
}

// decreasing subtracts step from each value and wraps below min back to max.
func decreasing(state map[string]any, params map[string]rangeParams) {
	for key, p := range params {
		v, ok := toFloat(state[key])
		if !ok {
			state[key] = p.max
			continue
		}
		v -= p.step
		if v < p.min {
			v = p.max
		}
		state[key] = v
	}
}

func randomWithin(state map[string]any, params map[string]rangeParams) {
	for key, p := range params {
		state[key] = p.min + rand.Float64()*(p.max-p.min) //nolint:gosec // simulated readings
	}
}

// parseRangeParams reads {"key": {"min": .., "max": .., "step": ..}}.
// Missing step defaults to 1; min and max are swapped when inverted.
func parseRangeParams(raw map[string]any) (map[string]rangeParams, error) {
	out := make(map[string]rangeParams, len(raw))
	for key, v := range raw {
		m, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("script parameter %q: expected an object, got %T", key, v)
		}
		p := rangeParams{step: 1}
		var err error
		if p.min, err = paramFloat(m, "min"); err != nil {
			return nil, fmt.Errorf("script parameter %q: %w", key, err)
		}
		if p.max, err = paramFloat(m, "max"); err != nil {
			return nil, fmt.Errorf("script parameter %q: %w", key, err)
		}
		if _, ok := m["step"]; ok {
			if p.step, err = paramFloat(m, "step"); err != nil {
				return nil, fmt.Errorf("script parameter %q: %w", key, err)
			}
		}
		if p.min > p.max {
			p.min, p.max = p.max, p.min
		}
		out[key] = p
	}

	return out, nil
}

func paramFloat(m map[string]any, name string) (float64, error) {
	v, ok := m[name]
	if !ok {
		return 0, fmt.Errorf("missing %s", name)
	}
	f, ok := toFloat(v)
	if !ok {
		return 0, fmt.Errorf("%s is not a number: %v", name, v)
	}

	return f, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
