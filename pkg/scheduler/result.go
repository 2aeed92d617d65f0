package scheduler

import (
	"encoding/json"
	"math"
	"strconv"

	"github.com/pkg/errors"
)

const (
	// TimeTotalS is the wall clock seconds a trial has trained.
	TimeTotalS = "time_total_s"
	// TrainingIteration counts the results a trial has reported.
	TrainingIteration = "training_iteration"
)

// ErrMissingAttribute is returned when a result lacks the time or metric attribute a scheduler
// was configured with.
var ErrMissingAttribute = errors.New("result is missing a required attribute")

// Result is one intermediate report of a trial.
type Result map[string]interface{}

// Float returns the value of key as a float64. Any numeric type is accepted, as are the strings
// NaN and +Inf/-Inf that non-finite numbers are encoded with.
func (r Result) Float(key string) (float64, bool) {
	v, ok := r[key]
	if !ok {
		return 0, false
	}
	return toFloat(v)
}

// Has returns true if every key is present in the result with a numeric value.
func (r Result) Has(keys ...string) bool {
	for _, k := range keys {
		if _, ok := r.Float(k); !ok {
			return false
		}
	}
	return true
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case Float:
		return float64(n), true
	case string:
		return parseNonFinite(n)
	default:
		return 0, false
	}
}

func parseNonFinite(s string) (float64, bool) {
	switch s {
	case "NaN":
		return math.NaN(), true
	case "Inf", "+Inf", "Infinity":
		return math.Inf(1), true
	case "-Inf", "-Infinity":
		return math.Inf(-1), true
	default:
		return 0, false
	}
}

// MarshalJSON implements json.Marshaler. encoding/json refuses NaN and infinities, so they are
// written as strings and read back by Float.
func (r Result) MarshalJSON() ([]byte, error) {
	if r == nil {
		return []byte("null"), nil
	}
	out := make(map[string]interface{}, len(r))
	for k, v := range r {
		switch n := v.(type) {
		case float64:
			out[k] = Float(n)
		case float32:
			out[k] = Float(n)
		default:
			out[k] = v
		}
	}
	return json.Marshal(out)
}

// Float is a float64 that survives JSON encoding when it is NaN or infinite.
type Float float64

// MarshalJSON implements json.Marshaler.
func (f Float) MarshalJSON() ([]byte, error) {
	v := float64(f)
	switch {
	case math.IsNaN(v):
		return []byte(`"NaN"`), nil
	case math.IsInf(v, 1):
		return []byte(`"+Inf"`), nil
	case math.IsInf(v, -1):
		return []byte(`"-Inf"`), nil
	default:
		return []byte(strconv.FormatFloat(v, 'g', -1, 64)), nil
	}
}

// UnmarshalJSON implements json.Unmarshaler.
func (f *Float) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		v, ok := parseNonFinite(s)
		if !ok {
			return errors.Errorf("invalid float: %q", s)
		}
		*f = Float(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*f = Float(v)
	return nil
}

// Mode says whether larger or smaller metric values are better.
type Mode string

const (
	// Max prefers larger metric values.
	Max Mode = "max"
	// Min prefers smaller metric values.
	Min Mode = "min"
)

// Op is the sign that turns a metric into a score where larger is always better.
func (m Mode) Op() float64 {
	if m == Min {
		return -1
	}
	return 1
}

// Validate implements the check.Validatable interface.
func (m Mode) Validate() []error {
	switch m {
	case Max, Min:
		return nil
	default:
		return []error{errors.Errorf("mode must be %q or %q, got %q", Max, Min, string(m))}
	}
}

// signedScore reads the metric and time attributes and returns the signed score. A missing
// attribute is reported through ErrMissingAttribute.
func signedScore(result Result, timeAttr, metric string, mode Mode) (float64, float64, error) {
	t, ok := result.Float(timeAttr)
	if !ok {
		return 0, 0, errors.Wrapf(ErrMissingAttribute, "time attribute %q", timeAttr)
	}
	m, ok := result.Float(metric)
	if !ok {
		return 0, 0, errors.Wrapf(ErrMissingAttribute, "metric %q", metric)
	}
	return t, mode.Op() * m, nil
}
