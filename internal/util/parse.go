package util

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

var whitespaceRegex = regexp.MustCompile(`\s+`)

// ParseDecimal coerces a JSON number or numeric string into a float64.
// Strings may use spaces as thousands separators and a comma as the decimal mark.
func ParseDecimal(v any) (float64, error) {
	switch t := v.(type) {
	case float64:
		return checkFinite(t)
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return 0, fmt.Errorf("invalid number %q: %w", t, err)
		}
		return checkFinite(f)
	case string:
		s := whitespaceRegex.ReplaceAllString(t, "")
		if strings.Count(s, ",") == 1 && !strings.Contains(s, ".") {
			s = strings.Replace(s, ",", ".", 1)
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid number %q: %w", t, err)
		}
		return checkFinite(f)
	default:
		return 0, fmt.Errorf("unsupported number type %T", v)
	}
}

// MaxCount bounds coerced counts so the float to int conversion is well defined on every platform.
const MaxCount = math.MaxInt32

// ParseCount coerces a JSON number or integer string into an int. Fractions are truncated.
func ParseCount(v any) (int, error) {
	switch t := v.(type) {
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return 0, fmt.Errorf("invalid count %q: %w", t, err)
		}
		if i > MaxCount || i < -MaxCount {
			return 0, fmt.Errorf("count %d out of range", i)
		}
		return i, nil
	default:
		f, err := ParseDecimal(v)
		if err != nil {
			return 0, err
		}
		if f > MaxCount || f < -MaxCount {
			return 0, fmt.Errorf("count %v out of range", f)
		}
		return int(f), nil
	}
}

func checkFinite(f float64) (float64, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("non-finite number %v", f)
	}
	return f, nil
}
