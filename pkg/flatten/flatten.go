// Package flatten turns one nested FHIR record into a FHIRflat row.
//
// The record is first normalised into dotted-path leaves, then rewritten by a
// fixed sequence of passes:
//
//  1. declared list fields are exploded (one entry) or kept dense (several)
//  2. extension lists become one column per url
//  3. coding lists become parallel ".code" and ".text" columns
//  4. references collapse to their "Type/id" string
//  5. bare system and code pairs merge into "system|code"
//
// Each pass returns a new row and leaves its input untouched.
package flatten

import (
	"reflect"
	"sort"

	"github.com/globaldothealth/fhirflat"
	"github.com/globaldothealth/fhirflat/pkg/coding"
	"github.com/globaldothealth/fhirflat/pkg/paths"
)

// Pass is one row rewrite.
type Pass func(fhirflat.FlatRow) (fhirflat.FlatRow, error)

// Flatten converts record into a FlatRow. listFields names the top-level
// fields with array cardinality; "extension" is always handled by its own
// pass and is ignored there.
func Flatten(record map[string]any, listFields []string) (fhirflat.FlatRow, error) {
	row := Normalize(record)
	for _, pass := range Passes(listFields) {
		var err error
		if row, err = pass(row); err != nil {
			return nil, err
		}
	}
	return row, nil
}

// Passes returns the rewrite passes in the order Flatten applies them.
func Passes(listFields []string) []Pass {
	return []Pass{
		ExplodeLists(listFields),
		FlattenExtensions,
		ExpandCodings,
		CondenseReferences,
		CondenseSystems,
	}
}

// Normalize joins nested object keys with "." down to the leaves. Lists are
// kept whole at their path. Null members and empty objects vanish.
func Normalize(record map[string]any) fhirflat.FlatRow {
	row := make(fhirflat.FlatRow)
	normalizeInto(row, "", record)
	return row
}

func normalizeInto(row fhirflat.FlatRow, prefix string, m map[string]any) {
	for k, v := range m {
		path := paths.Prefix(prefix, k)
		switch val := v.(type) {
		case nil:
		case map[string]any:
			normalizeInto(row, path, val)
		default:
			row[path] = val
		}
	}
}

// ExplodeLists handles the declared list fields. A list with several
// objects moves to a dense column verbatim. A list with one object is
// normalised in place, and any object list it exposes is handled the same
// way, except coding and extension lists which later passes consume.
// Empty lists are dropped and lists of scalars are left alone.
func ExplodeLists(listFields []string) Pass {
	return func(in fhirflat.FlatRow) (fhirflat.FlatRow, error) {
		out := in.Clone()

		var pending []string
		for _, f := range listFields {
			if f == "extension" {
				continue
			}
			if _, ok := out[f]; ok {
				pending = append(pending, f)
			}
		}
		sort.Strings(pending)

		for len(pending) > 0 {
			var next []string
			for _, col := range pending {
				items, ok := objectList(out[col])
				if !ok {
					continue
				}
				switch len(items) {
				case 0:
					delete(out, col)
				case 1:
					delete(out, col)
					exposed := make(fhirflat.FlatRow)
					normalizeInto(exposed, col, items[0].(map[string]any))
					for _, k := range exposed.Keys() {
						if prev, clash := out[k]; clash && !reflect.DeepEqual(prev, exposed[k]) {
							return nil, &fhirflat.SchemaMismatchError{
								Type: col, Path: k, Reason: "exploded list entry collides with an existing column",
							}
						}
						out[k] = exposed[k]
						if explodable(k, exposed[k]) {
							next = append(next, k)
						}
					}
				default:
					delete(out, col)
					out[col+fhirflat.DenseSuffix] = items
				}
			}
			pending = next
		}
		return out, nil
	}
}

func explodable(col string, v any) bool {
	if fhirflat.IsDense(col) || paths.HasSuffix(col, "coding") || paths.HasSuffix(col, "extension") {
		return false
	}
	items, ok := objectList(v)
	return ok && len(items) > 0
}

// objectList reports whether v is a list whose entries are all objects.
func objectList(v any) ([]any, bool) {
	items, ok := v.([]any)
	if !ok {
		return nil, false
	}
	for _, it := range items {
		if _, ok := it.(map[string]any); !ok {
			return nil, false
		}
	}
	return items, true
}

// FlattenExtensions replaces every extension list column with one column per
// extension url, named "<parent>.<url>". A top-level list keeps the
// "extension" head. Nested extensions recurse under their parent's name;
// object values are normalised below it.
func FlattenExtensions(in fhirflat.FlatRow) (fhirflat.FlatRow, error) {
	out := in.Clone()
	for {
		var cols []string
		for k, v := range out {
			if paths.HasSuffix(k, "extension") && !fhirflat.IsDense(k) {
				if _, ok := objectList(v); ok {
					cols = append(cols, k)
				}
			}
		}
		if len(cols) == 0 {
			return out, nil
		}
		sort.Strings(cols)

		repeated := make(map[string]bool)
		for _, col := range cols {
			items, _ := objectList(out[col])
			delete(out, col)
			parent := col
			if col != "extension" {
				parent = paths.TrimSuffix(col, "extension")
			}
			for _, it := range items {
				if err := flattenExtension(out, repeated, parent, it.(map[string]any)); err != nil {
					return nil, err
				}
			}
		}
	}
}

func flattenExtension(out fhirflat.FlatRow, repeated map[string]bool, parent string, ext map[string]any) error {
	url, _ := ext["url"].(string)
	if url == "" {
		return &fhirflat.SchemaMismatchError{Type: "Extension", Path: parent, Reason: "extension without url"}
	}
	name := paths.Join(parent, url)

	if nested, ok := objectList(ext["extension"]); ok && len(nested) > 0 {
		for _, n := range nested {
			if err := flattenExtension(out, repeated, name, n.(map[string]any)); err != nil {
				return err
			}
		}
		return nil
	}

	key := valueKey(ext)
	if key == "" {
		return &fhirflat.SchemaMismatchError{Type: "Extension", Path: name, Reason: "extension does not contain a single value"}
	}
	if obj, ok := ext[key].(map[string]any); ok {
		sub := make(fhirflat.FlatRow)
		normalizeInto(sub, name, obj)
		for _, k := range sub.Keys() {
			merge(out, repeated, k, sub[k])
		}
		return nil
	}
	merge(out, repeated, name, ext[key])
	return nil
}

// valueKey returns the value[x] member of an extension.
func valueKey(ext map[string]any) string {
	var keys []string
	for k := range ext {
		if len(k) > len("value") && k[:len("value")] == "value" {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return ""
	}
	sort.Strings(keys)
	return keys[0]
}

// merge sets out[k] = v. A repeated extension url with a different value
// turns the column into the list of its values.
func merge(out fhirflat.FlatRow, repeated map[string]bool, k string, v any) {
	prev, ok := out[k]
	switch {
	case !ok:
		out[k] = v
	case reflect.DeepEqual(prev, v):
	case repeated[k]:
		out[k] = append(prev.([]any), v)
	default:
		out[k] = []any{prev, v}
		repeated[k] = true
	}
}

// ExpandCodings rewrites every "<p>.coding" list into "<p>.code" holding
// "system|code" entries ("" for a coding without code) and "<p>.text"
// holding the displays. An existing "<p>.text" wins over the displays.
func ExpandCodings(in fhirflat.FlatRow) (fhirflat.FlatRow, error) {
	out := in.Clone()
	for _, col := range in.Keys() {
		if col == "coding" || !paths.HasSuffix(col, "coding") || fhirflat.IsDense(col) {
			continue
		}
		items, ok := objectList(in[col])
		if !ok {
			continue
		}
		base := paths.TrimSuffix(col, "coding")
		codes := make([]any, 0, len(items))
		texts := make([]any, 0, len(items))
		for _, it := range items {
			c := coding.FromMap(it.(map[string]any))
			codes = append(codes, coding.Encode(c))
			texts = append(texts, coding.Display(c))
		}
		delete(out, col)
		out[base+".code"] = codes
		if _, present := in[base+".text"]; !present {
			out[base+".text"] = texts
		}
	}
	return out, nil
}

// CondenseReferences replaces "<p>.reference" strings with a "<p>" column and
// drops "<p>.display". A reference nested one level deeper, as in
// CodeableReference, keeps its ".reference" suffix.
func CondenseReferences(in fhirflat.FlatRow) (fhirflat.FlatRow, error) {
	out := in.Clone()
	for _, col := range in.Keys() {
		if col == "reference" || !paths.HasSuffix(col, "reference") || fhirflat.IsDense(col) {
			continue
		}
		base := paths.TrimSuffix(col, "reference")
		switch v := in[col].(type) {
		case string:
			delete(out, col)
			out[base] = v
		case map[string]any:
			if ref, ok := v["reference"]; ok {
				out[col] = ref
			}
		default:
			continue
		}
		delete(out, base+".display")
	}
	return out, nil
}

// CondenseSystems merges "<p>.system" into a sibling "<p>.code" scalar as
// "system|code". A system without a code column is left untouched.
func CondenseSystems(in fhirflat.FlatRow) (fhirflat.FlatRow, error) {
	out := in.Clone()
	for _, col := range in.Keys() {
		if !paths.HasSuffix(col, "system") || col == "system" || fhirflat.IsDense(col) {
			continue
		}
		codeCol := paths.TrimSuffix(col, "system") + ".code"
		code, ok := in[codeCol]
		if !ok || code == nil || isList(code) || isList(in[col]) {
			continue
		}
		out[codeCol] = coding.Text(in[col]) + coding.Separator + coding.Text(code)
		delete(out, col)
	}
	return out, nil
}

func isList(v any) bool {
	_, ok := v.([]any)
	return ok
}
