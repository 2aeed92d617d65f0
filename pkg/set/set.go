// Package set is a generic unordered set built on a map.
package set

type unit = struct{}

// Set is an unordered set of values of type T. It marshals to JSON as an object keyed by the
// values when T is a string-like type.
type Set[T comparable] map[T]unit

// New returns an empty set.
func New[T comparable]() Set[T] {
	return make(Set[T])
}

// FromSlice returns a set containing the values in the given slice.
func FromSlice[T comparable](keys []T) Set[T] {
	s := make(Set[T], len(keys))
	for _, x := range keys {
		s.Insert(x)
	}
	return s
}

// Contains checks whether the value is present.
func (s Set[T]) Contains(val T) bool {
	_, ok := s[val]
	return ok
}

// Insert adds the value.
func (s Set[T]) Insert(val T) {
	s[val] = unit{}
}

// Remove deletes the value if present.
func (s Set[T]) Remove(val T) {
	delete(s, val)
}

// ToSlice returns the members in unspecified order.
func (s Set[T]) ToSlice() []T {
	res := make([]T, 0, len(s))
	for val := range s {
		res = append(res, val)
	}
	return res
}
