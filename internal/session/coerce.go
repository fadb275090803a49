package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/gosuda/salient/internal/engine"
)

var errCoerce = errors.New("session: cannot coerce task result") //nolint:gochecknoglobals // sentinel error

// project keeps the result fields a task declares as outputs and converts
// each to its declared variable type. Undeclared fields are dropped.
func project(result map[string]any, outputs map[string]engine.VarType) (map[string]any, error) {
	out := make(map[string]any, len(outputs))
	for field, typ := range outputs {
		v, ok := result[field]
		if !ok {
			continue
		}
		c, err := coerce(v, typ)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", field, err)
		}
		out[field] = c
	}
	return out, nil
}

func coerce(v any, typ engine.VarType) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch typ {
	case engine.VarAny, "":
		if n, ok := v.(json.Number); ok {
			return numberValue(n), nil
		}
		return v, nil
	case engine.VarString:
		switch x := v.(type) {
		case string:
			return x, nil
		case json.Number:
			return x.String(), nil
		case bool:
			return strconv.FormatBool(x), nil
		case float64:
			return strconv.FormatFloat(x, 'f', -1, 64), nil
		case int, int64:
			return fmt.Sprint(x), nil
		}
	case engine.VarBool:
		switch x := v.(type) {
		case bool:
			return x, nil
		case string:
			if b, err := strconv.ParseBool(x); err == nil {
				return b, nil
			}
		}
	case engine.VarInt:
		switch x := v.(type) {
		case int:
			return int64(x), nil
		case int64:
			return x, nil
		case float64:
			// 2^63 itself is not an int64; -2^63 is.
			if x == math.Trunc(x) && x >= -(1<<63) && x < 1<<63 {
				return int64(x), nil
			}
		case json.Number:
			if i, err := x.Int64(); err == nil {
				return i, nil
			}
		case string:
			if i, err := strconv.ParseInt(x, 10, 64); err == nil {
				return i, nil
			}
		}
	case engine.VarFloat:
		switch x := v.(type) {
		case float64:
			return x, nil
		case int:
			return float64(x), nil
		case int64:
			return float64(x), nil
		case json.Number:
			if f, err := x.Float64(); err == nil {
				return f, nil
			}
		case string:
			if f, err := strconv.ParseFloat(x, 64); err == nil {
				return f, nil
			}
		}
	case engine.VarObject:
		if m, ok := v.(map[string]any); ok {
			return m, nil
		}
	}
	return nil, fmt.Errorf("%w: %T to %s", errCoerce, v, typ)
}

func numberValue(n json.Number) any {
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}
