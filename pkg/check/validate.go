// Package check validates configuration structs. Any value implementing Validatable is visited
// while walking the struct tree, and every failure is reported with its path.
package check

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Validatable is implemented by anything that has fields that should be validated.
type Validatable interface {
	Validate() []error
}

type validationError struct {
	errs []error
}

func (v validationError) Error() string {
	errStrings := make([]string, 0, len(v.errs))
	for _, err := range v.errs {
		errStrings = append(errStrings, err.Error())
	}
	sort.Strings(errStrings)
	return fmt.Sprintf("check failed, %d errors found:\n\t%s",
		len(v.errs), strings.Join(errStrings, "\n\t"))
}

// Validate walks v and returns the combined errors of every Validatable found, or nil.
func Validate(v interface{}) error {
	errs := validate(reflect.ValueOf(v), "root")
	if len(errs) == 0 {
		return nil
	}
	return validationError{errs: errs}
}

func validate(v reflect.Value, path string) []error {
	var errs []error
	switch v.Kind() {
	case reflect.Ptr, reflect.Interface:
		if v.IsNil() {
			return nil
		}
		errs = append(errs, validate(v.Elem(), path)...)
	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			errs = append(errs, validate(v.Index(i), fmt.Sprintf("%s[%d]", path, i))...)
		}
	case reflect.Map:
		for _, key := range v.MapKeys() {
			errs = append(errs, validate(v.MapIndex(key), fmt.Sprintf("%s[%v]", path, key.Interface()))...)
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if !v.Field(i).CanInterface() {
				continue
			}
			errs = append(errs, validate(v.Field(i), path+"."+v.Type().Field(i).Name)...)
		}
	}

	if !v.IsValid() || v.Kind() == reflect.Ptr || v.Kind() == reflect.Interface {
		return errs
	}
	vp := reflect.New(v.Type())
	vp.Elem().Set(v)
	if validatable, ok := vp.Interface().(Validatable); ok {
		for _, err := range validatable.Validate() {
			if err != nil {
				errs = append(errs, errors.Wrapf(err, "error found at %s", path))
			}
		}
	}
	return errs
}
