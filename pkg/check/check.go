package check

import (
	"fmt"

	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
)

func check(ok bool, msgAndArgs []interface{}, format string, args ...interface{}) error {
	if ok {
		return nil
	}
	detail := fmt.Sprintf(format, args...)
	if msg := message(msgAndArgs...); msg != "" {
		return errors.Errorf("%s: %s", msg, detail)
	}
	return errors.New(detail)
}

func message(msgAndArgs ...interface{}) string {
	switch {
	case len(msgAndArgs) == 0:
		return ""
	case len(msgAndArgs) == 1:
		return fmt.Sprintf("%+v", msgAndArgs[0])
	default:
		format, ok := msgAndArgs[0].(string)
		if !ok {
			return fmt.Sprintf("%+v", msgAndArgs)
		}
		return fmt.Sprintf(format, msgAndArgs[1:]...)
	}
}

// True checks that the condition holds.
func True(condition bool, msgAndArgs ...interface{}) error {
	return check(condition, msgAndArgs, "expected true, got false")
}

// GreaterThan checks that actual > bound.
func GreaterThan[T constraints.Ordered](actual, bound T, msgAndArgs ...interface{}) error {
	return check(actual > bound, msgAndArgs, "%v is not greater than %v", actual, bound)
}

// GreaterThanOrEqualTo checks that actual >= bound.
func GreaterThanOrEqualTo[T constraints.Ordered](actual, bound T, msgAndArgs ...interface{}) error {
	return check(actual >= bound, msgAndArgs, "%v is not greater than or equal to %v", actual, bound)
}

// LessThanOrEqualTo checks that actual <= bound.
func LessThanOrEqualTo[T constraints.Ordered](actual, bound T, msgAndArgs ...interface{}) error {
	return check(actual <= bound, msgAndArgs, "%v is not less than or equal to %v", actual, bound)
}

// NotEmpty checks that a string is set.
func NotEmpty(actual string, msgAndArgs ...interface{}) error {
	return check(actual != "", msgAndArgs, "value must not be empty")
}

// In checks that actual is one of the allowed values.
func In[T comparable](actual T, allowed []T, msgAndArgs ...interface{}) error {
	for _, v := range allowed {
		if v == actual {
			return nil
		}
	}
	return check(false, msgAndArgs, "%v not in %v", actual, allowed)
}
