package types

import (
	"encoding/json"
	"maps"
	"slices"
)

// TagSet is an unordered set of tag values. It serializes as a sorted JSON array.
type TagSet map[string]struct{}

// NewTagSet builds a set from the given values, dropping empty strings
func NewTagSet(values ...string) TagSet {
	s := make(TagSet, len(values))
	for _, v := range values {
		s.Add(v)
	}
	return s
}

func (s TagSet) Add(value string) {
	if value == "" {
		return
	}
	s[value] = struct{}{}
}

// AddAll adds every value in other to s
func (s TagSet) AddAll(other TagSet) {
	for v := range other {
		s[v] = struct{}{}
	}
}

func (s TagSet) Contains(value string) bool {
	_, ok := s[value]
	return ok
}

func (s TagSet) Len() int {
	return len(s)
}

// Sorted returns the members in lexical order. A nil set yields an empty slice.
func (s TagSet) Sorted() []string {
	if len(s) == 0 {
		return []string{}
	}
	return slices.Sorted(maps.Keys(s))
}

// Clone returns an independent copy of s
func (s TagSet) Clone() TagSet {
	out := make(TagSet, len(s))
	out.AddAll(s)
	return out
}

// Equal reports whether both sets hold the same members
func (s TagSet) Equal(other TagSet) bool {
	if len(s) != len(other) {
		return false
	}
	for v := range s {
		if !other.Contains(v) {
			return false
		}
	}
	return true
}

func (s TagSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

func (s *TagSet) UnmarshalJSON(data []byte) error {
	var values []string
	if err := json.Unmarshal(data, &values); err != nil {
		return err
	}
	*s = NewTagSet(values...)
	return nil
}
