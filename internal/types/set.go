package types

import (
	"encoding/json"
	"sort"
	"strings"
)

// StringSet is an unordered set of normalized strings. It marshals as a
// sorted JSON array.
type StringSet map[string]struct{}

// NewStringSet builds a set from the given items
func NewStringSet(items ...string) StringSet {
	s := make(StringSet, len(items))
	s.Add(items...)
	return s
}

// Add inserts items, ignoring blanks. Items are trimmed and lower-cased.
// Returns the number of items that were not already present.
func (s StringSet) Add(items ...string) int {
	added := 0
	for _, item := range items {
		item = normalize(item)
		if item == "" {
			continue
		}
		if _, ok := s[item]; !ok {
			s[item] = struct{}{}
			added++
		}
	}
	return added
}

// Union merges other into s. The set never shrinks.
func (s StringSet) Union(other StringSet) int {
	added := 0
	for item := range other {
		if _, ok := s[item]; !ok {
			s[item] = struct{}{}
			added++
		}
	}
	return added
}

// Has reports membership
func (s StringSet) Has(item string) bool {
	_, ok := s[normalize(item)]
	return ok
}

// Len returns the number of members
func (s StringSet) Len() int {
	return len(s)
}

// Clone returns a copy that is never nil
func (s StringSet) Clone() StringSet {
	c := make(StringSet, len(s))
	for item := range s {
		c[item] = struct{}{}
	}
	return c
}

// Sorted returns the members in lexical order
func (s StringSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for item := range s {
		out = append(out, item)
	}
	sort.Strings(out)
	return out
}

// MarshalJSON encodes the set as a sorted array
func (s StringSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

// UnmarshalJSON decodes an array, collapsing duplicates
func (s *StringSet) UnmarshalJSON(data []byte) error {
	var items []string
	if err := json.Unmarshal(data, &items); err != nil {
		return err
	}
	*s = NewStringSet(items...)
	return nil
}

func normalize(item string) string {
	return strings.ToLower(strings.TrimSpace(item))
}
