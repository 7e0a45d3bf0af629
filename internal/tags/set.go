package tags

import "sort"

// Set is an unordered set of slugs
type Set map[Slug]struct{}

// NewSet builds a set, ignoring empty slugs
func NewSet(slugs ...Slug) Set {
	s := make(Set, len(slugs))
	for _, slug := range slugs {
		s.Add(slug)
	}
	return s
}

// Add inserts slug unless it is empty
func (s Set) Add(slug Slug) {
	if slug == "" {
		return
	}
	s[slug] = struct{}{}
}

// Has reports membership
func (s Set) Has(slug Slug) bool {
	_, ok := s[slug]
	return ok
}

// Difference returns the slugs in s that are not in other
func (s Set) Difference(other Set) Set {
	out := make(Set)
	for slug := range s {
		if !other.Has(slug) {
			out[slug] = struct{}{}
		}
	}
	return out
}

// Sorted returns the members in ascending order
func (s Set) Sorted() []Slug {
	out := make([]Slug, 0, len(s))
	for slug := range s {
		out = append(out, slug)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Strings returns the sorted members as plain strings
func (s Set) Strings() []string {
	sorted := s.Sorted()
	out := make([]string, len(sorted))
	for i, slug := range sorted {
		out[i] = string(slug)
	}
	return out
}
