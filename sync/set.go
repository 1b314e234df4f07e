package sync

import "sort"

// Set is a string set used for natural keys and opaque ids.
type Set map[string]struct{}

func NewSet(keys ...string) Set {
	var s = make(Set, len(keys))
	for _, k := range keys {
		s.Add(k)
	}
	return s
}

func (s Set) Add(key string) {
	s[key] = struct{}{}
}

func (s Set) Has(key string) (ok bool) {
	_, ok = s[key]
	return
}

// Minus returns the members of s absent from other, sorted for deterministic
// reporting.
func (s Set) Minus(other Set) (result []string) {
	for k := range s {
		if !other.Has(k) {
			result = append(result, k)
		}
	}
	sort.Strings(result)
	return
}

// Sorted returns the members in lexical order.
func (s Set) Sorted() (result []string) {
	for k := range s {
		result = append(result, k)
	}
	sort.Strings(result)
	return
}
