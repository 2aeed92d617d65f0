package union

import (
	"encoding/json"
	"reflect"
	"strings"

	"github.com/pkg/errors"
)

// Unmarshal decodes the member selected by each discriminator key of v, a pointer to a union
// struct, and rejects keys that neither the union struct nor the selected member declare.
func Unmarshal(data []byte, v interface{}) error {
	value := reflect.ValueOf(v)
	if value.Kind() != reflect.Ptr || value.IsNil() {
		return errors.New("union.Unmarshal requires a non-nil pointer")
	}
	unionTypes, err := parseUnionTypes(value.Type().Elem())
	if err != nil {
		return err
	}

	expectedFields := make(map[string]bool)
	for key, fields := range unionTypes {
		expectedFields[key] = true
		expectedValue, ok, err := getTagValue(data, key)
		if err != nil {
			return err
		} else if !ok {
			continue
		}
		field, ok := fields[expectedValue]
		if !ok {
			return errors.Errorf("unexpected %s: %s", key, expectedValue)
		}

		if fieldVal := value.Elem().Field(field.index); !fieldVal.IsNil() {
			if err := json.Unmarshal(data, fieldVal.Interface()); err != nil {
				return err
			}
		} else {
			nested := reflect.New(field.field.Type.Elem())
			if defaulter, ok := nested.Interface().(Defaulter); ok {
				defaulter.SetDefaults()
			}
			if err := json.Unmarshal(data, nested.Interface()); err != nil {
				return err
			}
			fieldVal.Set(nested)
		}

		for _, other := range fields {
			if other.index == field.index {
				continue
			}
			value.Elem().Field(other.index).Set(reflect.Zero(other.field.Type))
		}

		for k := range parseFields(field.field.Type.Elem()) {
			expectedFields[k] = true
		}
	}
	for k := range parseFields(value.Type().Elem()) {
		expectedFields[k] = true
	}
	return checkFields(expectedFields, data)
}

func jsonName(field reflect.StructField) (string, []string, bool) {
	tagValue, ok := field.Tag.Lookup("json")
	switch {
	case tagValue == "-":
		return "", nil, false
	case !ok:
		return field.Name, nil, true
	}
	parts := strings.Split(tagValue, ",")
	name := parts[0]
	if name == "" {
		name = field.Name
	}
	return name, parts[1:], true
}

func parseFields(elem reflect.Type) map[string]bool {
	fields := make(map[string]bool)
	for i := 0; i < elem.NumField(); i++ {
		if name, _, ok := jsonName(elem.Field(i)); ok {
			fields[name] = true
		}
	}
	return fields
}

func checkFields(fields map[string]bool, bytes []byte) error {
	data := make(map[string]interface{})
	if err := json.Unmarshal(bytes, &data); err != nil {
		return err
	}
	for key := range data {
		if _, ok := fields[key]; !ok {
			return errors.Errorf("json: unknown field \"%s\"", key)
		}
	}
	return nil
}
