package scheduler

import (
	"math"
	"reflect"

	"github.com/mitchellh/copystructure"
	"github.com/pkg/errors"

	"github.com/determined-ai/trialsched/pkg/mmath"
	"github.com/determined-ai/trialsched/pkg/nprand"
)

// ExploreFunc post-processes a config PBT has just perturbed.
type ExploreFunc func(config map[string]interface{}) map[string]interface{}

type explorer struct {
	rand                *nprand.State
	resampleProbability float64
	factors             []float64
	custom              ExploreFunc
}

// explore returns a perturbed deep copy of config. The custom function only applies at the top
// level.
func (e explorer) explore(
	config map[string]interface{}, mutations Mutations,
) (map[string]interface{}, error) {
	newConfig, err := e.perturb(config, mutations)
	if err != nil {
		return nil, err
	}
	if e.custom != nil {
		newConfig = e.custom(newConfig)
		if newConfig == nil {
			return nil, errors.New("custom explore function returned no config")
		}
	}
	return newConfig, nil
}

func (e explorer) perturb(
	config map[string]interface{}, mutations Mutations,
) (map[string]interface{}, error) {
	if config == nil {
		config = map[string]interface{}{}
	}
	copied, err := copystructure.Copy(config)
	if err != nil {
		return nil, errors.Wrap(err, "copying config")
	}
	newConfig := copied.(map[string]interface{})

	for _, key := range sortedKeys(mutations) {
		current, ok := config[key]
		if !ok {
			return nil, errors.Errorf("config has no value for mutated key %q", key)
		}
		switch dist := mutations[key].(type) {
		case Mutations:
			sub, ok := current.(map[string]interface{})
			if !ok {
				return nil, errors.Errorf("%q is a %T, not a nested config", key, current)
			}
			nested, err := e.perturb(sub, dist)
			if err != nil {
				return nil, errors.Wrapf(err, "perturbing %q", key)
			}
			newConfig[key] = nested
		case []interface{}:
			newConfig[key] = e.perturbChoice(current, dist)
		case Domain:
			v, err := e.perturbDomain(current, dist)
			if err != nil {
				return nil, errors.Wrapf(err, "perturbing %q", key)
			}
			newConfig[key] = v
		default:
			return nil, errors.Errorf("unexpected mutation type %T for %q", dist, key)
		}
	}
	return newConfig, nil
}

// perturbChoice resamples with the resample probability or when current is not listed, and
// otherwise moves to a neighboring entry, staying put at either end.
func (e explorer) perturbChoice(current interface{}, choices []interface{}) interface{} {
	idx := indexOf(choices, current)
	if e.rand.UnitInterval() < e.resampleProbability || idx < 0 {
		return nprand.Choice(e.rand, choices)
	}
	if e.rand.UnitInterval() > 0.5 {
		return choices[mmath.Max(0, idx-1)]
	}
	return choices[mmath.Min(len(choices)-1, idx+1)]
}

func (e explorer) perturbDomain(current interface{}, d Domain) (interface{}, error) {
	var v interface{}
	if e.rand.UnitInterval() < e.resampleProbability {
		v = d.Sample(e.rand)
	} else {
		f, ok := toFloat(current)
		if !ok {
			return nil, errors.Errorf("cannot perturb a value of type %T", current)
		}
		v = f * nprand.Choice(e.rand, e.factors)
	}
	if isInt(current) {
		f, ok := toFloat(v)
		if !ok {
			return nil, errors.Errorf("cannot convert a sampled %T to an integer", v)
		}
		return int(math.Trunc(f)), nil
	}
	return v, nil
}

func isInt(v interface{}) bool {
	switch reflect.ValueOf(v).Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return true
	default:
		return false
	}
}

// indexOf compares numbers by value, so 32 from code matches 32.0 decoded from JSON.
func indexOf(choices []interface{}, v interface{}) int {
	for i, c := range choices {
		if valuesEqual(c, v) {
			return i
		}
	}
	return -1
}

func valuesEqual(a, b interface{}) bool {
	fa, aNum := toFloat(a)
	fb, bNum := toFloat(b)
	_, aStr := a.(string)
	_, bStr := b.(string)
	if aNum && bNum && !aStr && !bStr {
		return fa == fb
	}
	return reflect.DeepEqual(a, b)
}
