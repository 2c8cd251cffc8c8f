// Package paths groups and rewrites the dotted column paths of a FlatRow.
package paths

import (
	"sort"
	"strings"
)

// Sep separates path segments.
const Sep = "."

// GroupKeys partitions paths by their first segment. Paths without a
// separator do not take part. Members are sorted lexicographically.
//
//	GroupKeys([]string{"code.code", "code.text", "status"})
//	// map[code:[code.code code.text]]
func GroupKeys(paths []string) map[string][]string {
	groups := make(map[string][]string)
	for _, p := range paths {
		i := strings.Index(p, Sep)
		if i < 0 {
			continue
		}
		groups[p[:i]] = append(groups[p[:i]], p)
	}
	for _, members := range groups {
		sort.Strings(members)
	}
	return groups
}

// SortedGroups returns the group names of groups in lexicographic order.
func SortedGroups(groups map[string][]string) []string {
	names := make([]string, 0, len(groups))
	for k := range groups {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Head returns the first segment of p.
func Head(p string) string {
	if i := strings.Index(p, Sep); i >= 0 {
		return p[:i]
	}
	return p
}

// Last returns the final segment of p.
func Last(p string) string {
	if i := strings.LastIndex(p, Sep); i >= 0 {
		return p[i+1:]
	}
	return p
}

// Parent returns p without its final segment, or "" for a single segment.
func Parent(p string) string {
	if i := strings.LastIndex(p, Sep); i >= 0 {
		return p[:i]
	}
	return ""
}

// Strip removes the "prefix." head from p. It returns p unchanged when p
// does not start with it.
func Strip(prefix, p string) string {
	return strings.TrimPrefix(p, prefix+Sep)
}

// Prefix returns "prefix.p", or p when prefix is empty.
func Prefix(prefix, p string) string {
	if prefix == "" {
		return p
	}
	return prefix + Sep + p
}

// Join joins segments with the separator, skipping empty ones.
func Join(segments ...string) string {
	parts := segments[:0:0]
	for _, s := range segments {
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, Sep)
}

// Depth returns the number of separators in p.
func Depth(p string) int {
	return strings.Count(p, Sep)
}

// HasSuffix reports whether the final segment of p is seg.
func HasSuffix(p, seg string) bool {
	return p == seg || strings.HasSuffix(p, Sep+seg)
}

// TrimSuffix removes a final ".seg" from p.
func TrimSuffix(p, seg string) string {
	return strings.TrimSuffix(p, Sep+seg)
}

// Under reports whether p equals prefix or lies below it.
func Under(prefix, p string) bool {
	return p == prefix || strings.HasPrefix(p, prefix+Sep)
}
