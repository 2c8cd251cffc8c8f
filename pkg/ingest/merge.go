package ingest

import (
	"reflect"

	"github.com/globaldothealth/fhirflat/pkg/paths"
)

// merger accumulates the snippets of one wide row. Paths are grouped into
// families by their first segment. A family whose values conflict becomes a
// set of occurrence lists: every path of the family holds one entry per
// occurrence, nil where an occurrence did not set it.
type merger struct {
	values map[string]any
	counts map[string]int
}

func newMerger() *merger {
	return &merger{values: make(map[string]any), counts: make(map[string]int)}
}

func (mg *merger) add(snippet map[string]any) {
	families := make(map[string]map[string]any)
	for k, v := range snippet {
		f := paths.Head(k)
		if families[f] == nil {
			families[f] = make(map[string]any)
		}
		families[f][k] = v
	}

	for f, part := range families {
		if _, multi := mg.counts[f]; multi {
			mg.occurrence(f, part)
			continue
		}
		if !mg.conflicts(part) {
			for k, v := range part {
				mg.values[k] = v
			}
			continue
		}
		for _, k := range mg.family(f) {
			mg.values[k] = []any{mg.values[k]}
		}
		mg.counts[f] = 1
		mg.occurrence(f, part)
	}
}

func (mg *merger) conflicts(part map[string]any) bool {
	for k, v := range part {
		if prev, ok := mg.values[k]; ok && !reflect.DeepEqual(prev, v) {
			return true
		}
	}
	return false
}

// occurrence appends part as a new occurrence of family f unless an equal
// occurrence already exists.
func (mg *merger) occurrence(f string, part map[string]any) {
	n := mg.counts[f]
	for i := 0; i < n; i++ {
		if mg.sameOccurrence(i, part) {
			return
		}
	}

	keys := mg.family(f)
	for k := range part {
		if _, ok := mg.values[k]; !ok {
			keys = append(keys, k)
		}
	}
	for _, k := range keys {
		list, ok := mg.values[k].([]any)
		if !ok {
			list = make([]any, n)
		}
		mg.values[k] = append(list, part[k])
	}
	mg.counts[f] = n + 1
}

func (mg *merger) sameOccurrence(i int, part map[string]any) bool {
	for k, v := range part {
		list, ok := mg.values[k].([]any)
		if !ok || i >= len(list) || !reflect.DeepEqual(list[i], v) {
			return false
		}
	}
	return true
}

func (mg *merger) family(f string) []string {
	var keys []string
	for k := range mg.values {
		if paths.Head(k) == f {
			keys = append(keys, k)
		}
	}
	return keys
}

func (mg *merger) result() map[string]any {
	return mg.values
}
