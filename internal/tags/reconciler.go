package tags

import "sitewide-aggregator/internal/models"

// Delta is the change to apply to a post's tag usages. Names carries the
// display name of every slug the post currently has, not only those in Add.
type Delta struct {
	Add    Set
	Remove Set
	Names  map[Slug]string
}

// Empty reports whether applying the delta would change nothing
func (d Delta) Empty() bool {
	return len(d.Add) == 0 && len(d.Remove) == 0
}

// Current returns the slugs the post carries after the delta is applied
func (d Delta) Current() Set {
	set := make(Set, len(d.Names))
	for slug := range d.Names {
		set.Add(slug)
	}
	return set
}

// Reconcile computes to_add = current - previous and to_remove = previous - current.
func Reconcile(current, previous Set) (toAdd, toRemove Set) {
	return current.Difference(previous), previous.Difference(current)
}

// FromRefs normalizes tenant tags into a slug set and a slug -> name map.
// When two refs normalize to the same slug the first name wins.
func FromRefs(refs []models.TagRef) (Set, map[Slug]string) {
	set := make(Set, len(refs))
	names := make(map[Slug]string, len(refs))
	for _, ref := range refs {
		slug := NormalizeSlug(ref.Slug)
		if slug == "" {
			slug = NormalizeSlug(ref.Name)
		}
		if slug == "" {
			continue
		}
		if _, seen := names[slug]; !seen {
			name := ref.Name
			if name == "" {
				name = string(slug)
			}
			names[slug] = name
		}
		set.Add(slug)
	}
	return set, names
}

// Plan reconciles a post's current tenant tags against the slugs already
// mirrored for it.
func Plan(current []models.TagRef, previous Set) Delta {
	set, names := FromRefs(current)
	add, remove := Reconcile(set, previous)
	return Delta{Add: add, Remove: remove, Names: names}
}
