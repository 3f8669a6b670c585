// Copyright (c) 2024 The cfscan developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package match

// Set is an unordered set of comparable values.  A nil Set is a valid empty
// set for reads.
type Set[T comparable] map[T]struct{}

// NewSet returns an empty set with room for size elements.
func NewSet[T comparable](size int) Set[T] {
	return make(Set[T], size)
}

// Add inserts v into the set.
func (s Set[T]) Add(v T) {
	s[v] = struct{}{}
}

// Contains returns whether v is a member of the set.
func (s Set[T]) Contains(v T) bool {
	_, ok := s[v]
	return ok
}

// Len returns the number of members.
func (s Set[T]) Len() int {
	return len(s)
}

// Union adds every member of rhs to s.
func (s Set[T]) Union(rhs Set[T]) {
	for v := range rhs {
		s[v] = struct{}{}
	}
}

// Equal returns whether both sets hold the same members.
func (s Set[T]) Equal(o Set[T]) bool {
	if len(s) != len(o) {
		return false
	}
	for v := range s {
		if _, ok := o[v]; !ok {
			return false
		}
	}
	return true
}

// Clone returns a copy of the set.  Cloning a nil set returns nil.
func (s Set[T]) Clone() Set[T] {
	if s == nil {
		return nil
	}
	c := make(Set[T], len(s))
	for v := range s {
		c[v] = struct{}{}
	}
	return c
}

// Slice returns the members in unspecified order.
func (s Set[T]) Slice() []T {
	out := make([]T, 0, len(s))
	for v := range s {
		out = append(out, v)
	}
	return out
}

// mergeSet adds every member of src to dst and returns the resulting set,
// allocating it when dst is nil.  The returned set never shares its map with
// src.
func mergeSet[T comparable](dst, src Set[T]) Set[T] {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(Set[T], len(src))
	}
	dst.Union(src)
	return dst
}
