// Package union encodes structs holding several optional pointer fields, at most one of which
// is set, as a single JSON object discriminated by a tag key such as "type".
//
//	type Config struct {
//	    ASHA *ASHAConfig `union:"type,asha" json:"-"`
//	    PBT  *PBTConfig  `union:"type,pbt" json:"-"`
//	}
package union

import (
	"encoding/json"
	"reflect"
	"strings"

	"github.com/pkg/errors"
)

const unionTag = "union"

// Defaulter is implemented by union members that want defaults applied before decoding.
type Defaulter interface {
	SetDefaults()
}

type unionField struct {
	index int
	field reflect.StructField
}

// parseUnionStructTag parses the "union" struct tag. The format of the struct tag is
// "key,value": key names the discriminator shared by the members, value is this member's name.
func parseUnionStructTag(tagValue string) (string, string, error) {
	switch parsed := strings.Split(tagValue, ","); {
	case len(parsed) == 2:
		return parsed[0], parsed[1], nil
	default:
		return "", "", errors.Errorf("unexpected union tag format: %s", tagValue)
	}
}

// parseUnionTypes groups the union members of elem by discriminator key.
func parseUnionTypes(elem reflect.Type) (map[string]map[string]unionField, error) {
	if elem.Kind() != reflect.Struct {
		return nil, errors.Errorf("union types must be structs: got %s", elem.Kind())
	}
	unionTypes := make(map[string]map[string]unionField)
	for i := 0; i < elem.NumField(); i++ {
		field := elem.Field(i)
		tagValue, ok := field.Tag.Lookup(unionTag)
		if !ok {
			continue
		}
		if field.Type.Kind() != reflect.Ptr || field.Type.Elem().Kind() != reflect.Struct {
			return nil, errors.Errorf("union field %s must be a pointer to a struct", field.Name)
		}
		key, value, err := parseUnionStructTag(tagValue)
		if err != nil {
			return nil, err
		}
		if _, ok := unionTypes[key]; !ok {
			unionTypes[key] = make(map[string]unionField)
		}
		unionTypes[key][value] = unionField{index: i, field: field}
	}
	return unionTypes, nil
}

// getTagValue returns the member name under the discriminator key in data. The second result
// is false if the key is absent. Non-object input or a non-string value is an error.
func getTagValue(data []byte, tag string) (string, bool, error) {
	var parsed map[string]interface{}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", false, err
	}

	tagValue, ok := parsed[tag]
	if !ok {
		return "", false, nil
	}

	typed, ok := tagValue.(string)
	if !ok {
		return "", false, errors.Errorf("%s must be a string: got %T", tag, tagValue)
	}
	return typed, true, nil
}
