package union

import (
	"encoding/json"
	"reflect"

	"github.com/pkg/errors"
)

// Marshal encodes a union struct: the set member's fields are flattened into one object
// together with the discriminator and the union struct's own fields.
func Marshal(v interface{}) ([]byte, error) {
	value := reflect.Indirect(reflect.ValueOf(v))
	unionTypes, err := parseUnionTypes(value.Type())
	if err != nil {
		return nil, err
	}

	out := make(map[string]interface{})
	for key, fields := range unionTypes {
		for name, field := range fields {
			fieldVal := value.Field(field.index)
			if fieldVal.IsNil() {
				continue
			}
			if _, ok := out[key]; ok {
				return nil, errors.Errorf("more than one member of union %s is set", key)
			}
			bs, err := json.Marshal(fieldVal.Interface())
			if err != nil {
				return nil, err
			}
			var member map[string]interface{}
			if err := json.Unmarshal(bs, &member); err != nil {
				return nil, err
			}
			for k, v := range member {
				out[k] = v
			}
			out[key] = name
		}
	}

	for i := 0; i < value.NumField(); i++ {
		field := value.Type().Field(i)
		if _, ok := field.Tag.Lookup(unionTag); ok || field.PkgPath != "" {
			continue
		}
		name, opts, ok := jsonName(field)
		if !ok {
			continue
		}
		omitEmpty := false
		for _, opt := range opts {
			switch opt {
			case "omitempty":
				omitEmpty = true
			default:
				return nil, errors.Errorf("json tag option %q: features not supported", opt)
			}
		}
		fieldVal := value.Field(i)
		if omitEmpty && fieldVal.IsZero() {
			continue
		}
		out[name] = fieldVal.Interface()
	}
	return json.Marshal(out)
}
