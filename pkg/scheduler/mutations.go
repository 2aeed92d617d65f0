package scheduler

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/determined-ai/trialsched/pkg/check"
	"github.com/determined-ai/trialsched/pkg/nprand"
	"github.com/determined-ai/trialsched/pkg/union"
)

// Domain is a distribution PBT can resample a hyperparameter from.
type Domain interface {
	Sample(rand *nprand.State) interface{}
}

// DomainFunc adapts a function to Domain.
type DomainFunc func(rand *nprand.State) interface{}

// Sample implements Domain.
func (f DomainFunc) Sample(rand *nprand.State) interface{} { return f(rand) }

// Uniform draws floats uniformly from [Min, Max).
type Uniform struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Sample implements Domain.
func (u Uniform) Sample(rand *nprand.State) interface{} {
	return rand.Uniform(u.Min, u.Max)
}

// Validate implements the check.Validatable interface.
func (u Uniform) Validate() []error {
	return []error{check.GreaterThan(u.Max, u.Min, "max must be greater than min")}
}

// LogUniform draws floats whose logarithm is uniform over [log Min, log Max).
type LogUniform struct {
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
	Base float64 `json:"base"`
}

// SetDefaults implements union.Defaulter.
func (l *LogUniform) SetDefaults() {
	l.Base = 10
}

// Sample implements Domain.
func (l LogUniform) Sample(rand *nprand.State) interface{} {
	logb := func(x float64) float64 { return math.Log(x) / math.Log(l.Base) }
	return math.Pow(l.Base, rand.Uniform(logb(l.Min), logb(l.Max)))
}

// Validate implements the check.Validatable interface.
func (l LogUniform) Validate() []error {
	return []error{
		check.GreaterThan(l.Min, 0.0, "min must be positive"),
		check.GreaterThan(l.Max, l.Min, "max must be greater than min"),
		check.GreaterThan(l.Base, 1.0, "base must be greater than 1"),
	}
}

// RandInt draws integers uniformly from [Min, Max).
type RandInt struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

// Sample implements Domain. An empty range yields Min.
func (r RandInt) Sample(rand *nprand.State) interface{} {
	if r.Max <= r.Min {
		return r.Min
	}
	return r.Min + rand.Intn(r.Max-r.Min)
}

// Validate implements the check.Validatable interface.
func (r RandInt) Validate() []error {
	return []error{check.GreaterThan(r.Max, r.Min, "max must be greater than min")}
}

// DomainConfig is the configuration form of a Domain, selected by its "type" key.
type DomainConfig struct {
	Uniform    *Uniform    `union:"type,uniform" json:"-"`
	LogUniform *LogUniform `union:"type,loguniform" json:"-"`
	RandInt    *RandInt    `union:"type,randint" json:"-"`
}

// MarshalJSON implements the json.Marshaler interface.
func (d DomainConfig) MarshalJSON() ([]byte, error) {
	return union.Marshal(d)
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (d *DomainConfig) UnmarshalJSON(data []byte) error {
	return union.Unmarshal(data, d)
}

// Domain returns the configured member.
func (d DomainConfig) Domain() Domain {
	switch {
	case d.Uniform != nil:
		return *d.Uniform
	case d.LogUniform != nil:
		return *d.LogUniform
	case d.RandInt != nil:
		return *d.RandInt
	default:
		return nil
	}
}

// Mutations maps hyperparameter names to what PBT may change them to: a Domain, a []interface{}
// of allowed values, or nested Mutations for nested configuration maps.
type Mutations map[string]interface{}

// ParseMutations turns raw configuration into Mutations. Maps with a "type" key are decoded as
// a DomainConfig; other maps are nested mutations. Values that already are a Domain, a list or
// Mutations are kept. Every invalid entry is reported.
func ParseMutations(raw map[string]interface{}) (Mutations, error) {
	var errs *multierror.Error
	out := parseMutations(raw, "", &errs)
	return out, errs.ErrorOrNil()
}

func parseMutations(raw map[string]interface{}, prefix string, errs **multierror.Error) Mutations {
	out := make(Mutations, len(raw))
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		path := prefix + k
		switch v := raw[k].(type) {
		case Domain:
			if _, ok := v.(check.Validatable); ok {
				if err := check.Validate(v); err != nil {
					*errs = multierror.Append(*errs, errors.Wrapf(err, "%s", path))
					continue
				}
			}
			out[k] = v
		case func(*nprand.State) interface{}:
			out[k] = DomainFunc(v)
		case []interface{}:
			if len(v) == 0 {
				*errs = multierror.Append(*errs, errors.Errorf("%s: list of values is empty", path))
				continue
			}
			out[k] = v
		case Mutations:
			out[k] = parseMutations(v, path+".", errs)
		case map[string]interface{}:
			if _, ok := v["type"]; !ok {
				out[k] = parseMutations(v, path+".", errs)
				continue
			}
			d, err := parseDomain(v)
			if err != nil {
				*errs = multierror.Append(*errs, errors.Wrapf(err, "%s", path))
				continue
			}
			out[k] = d
		default:
			*errs = multierror.Append(*errs, errors.Errorf(
				"%s: expected a domain, a list of values or a nested map, got %T", path, v))
		}
	}
	return out
}

func parseDomain(raw map[string]interface{}) (Domain, error) {
	bs, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var d DomainConfig
	if err := json.Unmarshal(bs, &d); err != nil {
		return nil, err
	}
	if err := check.Validate(d); err != nil {
		return nil, err
	}
	return d.Domain(), nil
}

// sampleMutations draws a value for every mutation key, recursing into nested mutations.
func sampleMutations(m Mutations, rand *nprand.State) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for _, k := range sortedKeys(m) {
		switch v := m[k].(type) {
		case Mutations:
			out[k] = sampleMutations(v, rand)
		case []interface{}:
			out[k] = nprand.Choice(rand, v)
		case Domain:
			out[k] = v.Sample(rand)
		default:
			panic(fmt.Sprintf("unexpected mutation type %T", v))
		}
	}
	return out
}

// fillMissing sets every mutation key config lacks to a freshly sampled value.
func fillMissing(config map[string]interface{}, m Mutations, rand *nprand.State) {
	for _, k := range sortedKeys(m) {
		nested, isNested := m[k].(Mutations)
		existing, ok := config[k]
		switch {
		case !ok:
			if isNested {
				config[k] = sampleMutations(nested, rand)
			} else {
				config[k] = sampleMutations(Mutations{k: m[k]}, rand)[k]
			}
		case isNested:
			if sub, ok := existing.(map[string]interface{}); ok {
				fillMissing(sub, nested, rand)
			}
		}
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
