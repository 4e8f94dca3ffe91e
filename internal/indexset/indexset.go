// Package indexset is a small set of example ids.
package indexset

import "slices"

// Set is an unordered set of non-negative example ids.
type Set map[int]struct{}

// New builds a set from ids.
func New(ids ...int) Set {
	s := make(Set, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Has reports membership. A nil set contains nothing.
func (s Set) Has(id int) bool {
	_, ok := s[id]
	return ok
}

// Add inserts ids.
func (s Set) Add(ids ...int) {
	for _, id := range ids {
		s[id] = struct{}{}
	}
}

// Len returns the number of ids.
func (s Set) Len() int { return len(s) }

// Sorted returns the ids in ascending order.
func (s Set) Sorted() []int {
	out := make([]int, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Union returns a new set holding every id in s and the others.
func Union(sets ...Set) Set {
	n := 0
	for _, s := range sets {
		n += len(s)
	}
	out := make(Set, n)
	for _, s := range sets {
		for id := range s {
			out[id] = struct{}{}
		}
	}
	return out
}

// Intersection returns the ids present in both a and b, ascending.
func Intersection(a, b Set) []int {
	if len(b) < len(a) {
		a, b = b, a
	}
	var out []int
	for id := range a {
		if b.Has(id) {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

// SupersetOf reports whether every id in other is in s.
func (s Set) SupersetOf(other Set) bool {
	for id := range other {
		if !s.Has(id) {
			return false
		}
	}
	return true
}

// Complement returns the ids in [0, n) not present in any of the sets,
// ascending.
func Complement(n int, sets ...Set) []int {
	out := make([]int, 0, n)
outer:
	for id := 0; id < n; id++ {
		for _, s := range sets {
			if s.Has(id) {
				continue outer
			}
		}
		out = append(out, id)
	}
	return out
}
