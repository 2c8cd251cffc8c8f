// Package unflatten rebuilds nested FHIR records from FHIRflat rows, using a
// SchemaProvider to decide the shape of every path group.
package unflatten

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
	"github.com/spf13/cast"

	"github.com/globaldothealth/fhirflat"
	"github.com/globaldothealth/fhirflat/pkg/coding"
	"github.com/globaldothealth/fhirflat/pkg/paths"
)

// Unflattener rebuilds records. It holds no per-record state and is safe
// for concurrent use when its SchemaProvider is.
type Unflattener struct {
	schema fhirflat.SchemaProvider
}

// New creates an Unflattener over schema.
func New(schema fhirflat.SchemaProvider) *Unflattener {
	return &Unflattener{schema: schema}
}

// Unflatten rebuilds row as a record of type root and validates it.
//
// Structural problems return a nil record and a *fhirflat.SchemaMismatchError.
// A record that was rebuilt but fails validation is returned together with a
// *fhirflat.ValidationError so the caller can report it.
func Unflatten(row fhirflat.FlatRow, schema fhirflat.SchemaProvider, root fhirflat.TypeRef) (map[string]any, error) {
	return New(schema).Unflatten(row, root)
}

// Unflatten rebuilds row as a record of type root and validates it.
func (u *Unflattener) Unflatten(row fhirflat.FlatRow, root fhirflat.TypeRef) (map[string]any, error) {
	record, err := u.Build(Undense(row), root)
	if err != nil {
		return nil, err
	}
	if err := u.schema.Validate(root, record); err != nil {
		return record, err
	}
	return record, nil
}

// Undense returns a copy of row with "_dense" columns moved back to their
// undecorated name and null cells removed.
func Undense(row fhirflat.FlatRow) map[string]any {
	data := make(map[string]any, len(row))
	for k, v := range row {
		if v == nil {
			continue
		}
		if fhirflat.IsDense(k) {
			k = strings.TrimSuffix(k, fhirflat.DenseSuffix)
		}
		data[k] = v
	}
	return data
}

// Build rebuilds an object of type t from paths relative to it.
func (u *Unflattener) Build(data map[string]any, t fhirflat.TypeRef) (map[string]any, error) {
	if t.Identity != fhirflat.Generic && built(data) {
		return copyMap(data), nil
	}

	switch t.Identity {
	case fhirflat.Quantity:
		return u.quantity(data, t)
	case fhirflat.CodeableConcept:
		return u.codeableConcept(data, t)
	case fhirflat.Period:
		return u.period(data, t)
	case fhirflat.ExtensionPrimitive:
		if !t.IsExtension() {
			return nil, mismatch(t, "", "an extension list is not an object")
		}
		return u.extensionGroup(t, data)
	default:
		return u.generic(data, t)
	}
}

// built reports whether every member of data is an object or object list
// rebuilt earlier (or restored from a dense column).
func built(data map[string]any) bool {
	if len(data) == 0 {
		return false
	}
	for k, v := range data {
		if strings.Contains(k, paths.Sep) {
			return false
		}
		switch val := v.(type) {
		case map[string]any:
		case []any:
			if !objectList(val) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// generic rebuilds a nested object by resolving each member on t. Members
// naming an extension url are folded into the object's extension list.
func (u *Unflattener) generic(data map[string]any, t fhirflat.TypeRef) (map[string]any, error) {
	out := make(map[string]any, len(data))
	scalars, groups := split(data)

	for _, f := range sortedKeys(scalars) {
		v := scalars[f]
		if f == "resourceType" {
			out[f] = v
			continue
		}
		ref, err := u.schema.Resolve(t, f)
		if err != nil {
			return nil, err
		}
		switch {
		case ref.IsExtension():
			ext, err := u.extensionValue(ref, v)
			if err != nil {
				return nil, err
			}
			appendList(out, "extension", ext)
		default:
			val, err := u.field(t, f, ref, v)
			if err != nil {
				return nil, err
			}
			out[f] = val
		}
	}

	for _, k := range sortedKeys(groups) {
		sub := groups[k]
		ref, err := u.schema.Resolve(t, k)
		if err != nil {
			return nil, err
		}
		switch {
		case ref.IsExtensionList():
			exts, err := u.container(sub, ref)
			if err != nil {
				return nil, err
			}
			appendList(out, k, exts...)
		case ref.IsExtension():
			ext, err := u.extensionGroup(ref, sub)
			if err != nil {
				return nil, err
			}
			appendList(out, "extension", ext)
		default:
			child, err := u.Build(sub, ref)
			if err != nil {
				return nil, err
			}
			if u.schema.IsListField(t, k) {
				appendList(out, k, child)
			} else {
				out[k] = child
			}
		}
	}
	return out, nil
}

// field converts an ungrouped value of field f. Scalars typed Reference
// become {reference: v}, primitives are coerced to the declared type, and a
// scalar in a list field is wrapped in a list.
func (u *Unflattener) field(t fhirflat.TypeRef, f string, ref fhirflat.TypeRef, v any) (any, error) {
	switch val := v.(type) {
	case map[string]any:
		return val, nil
	case []any:
		if objectList(val) {
			return val, nil
		}
		items := make([]any, 0, len(val))
		for _, it := range val {
			if it == nil {
				continue
			}
			items = append(items, u.scalar(ref, it))
		}
		return items, nil
	}
	s := u.scalar(ref, v)
	if u.schema.IsListField(t, f) {
		return []any{s}, nil
	}
	return s, nil
}

func (u *Unflattener) scalar(ref fhirflat.TypeRef, v any) any {
	if ref.Name == "Reference" {
		if s, ok := v.(string); ok {
			return map[string]any{"reference": s}
		}
	}
	return u.coerce(ref.Name, v)
}

// coerce converts v to a representation typeCode accepts when v itself is
// rejected: numbers to strings for string-like types, numeric strings to
// numbers, "true"/"false" to booleans.
func (u *Unflattener) coerce(typeCode string, v any) any {
	if !isPrimitive(typeCode) || u.schema.Conforms(typeCode, v) {
		return v
	}
	switch val := v.(type) {
	case string:
		if typeCode == "boolean" {
			if b, err := cast.ToBoolE(val); err == nil {
				return b
			}
			return v
		}
		if d, err := decimal.NewFromString(strings.TrimSpace(val)); err == nil {
			n := json.Number(d.String())
			if u.schema.Conforms(typeCode, n) {
				return n
			}
		}
	case float64, float32, int, int64, int32, json.Number:
		s := coding.Text(val)
		if u.schema.Conforms(typeCode, s) {
			return s
		}
	}
	return v
}

// container rebuilds an extension list: one extension per url, in url order.
func (u *Unflattener) container(data map[string]any, list fhirflat.TypeRef) ([]any, error) {
	scalars, groups := split(data)
	urls := make([]string, 0, len(scalars)+len(groups))
	urls = append(urls, sortedKeys(scalars)...)
	urls = append(urls, sortedKeys(groups)...)
	sort.Strings(urls)

	exts := make([]any, 0, len(urls))
	for _, url := range urls {
		ref, err := u.schema.Resolve(list, url)
		if err != nil {
			return nil, err
		}
		if sub, ok := groups[url]; ok {
			ext, err := u.extensionGroup(ref, sub)
			if err != nil {
				return nil, err
			}
			exts = append(exts, ext)
			continue
		}

		v := scalars[url]
		switch val := v.(type) {
		case map[string]any:
			// already rebuilt
			ext := copyMap(val)
			if _, ok := ext["url"]; !ok {
				ext["url"] = url
			}
			exts = append(exts, ext)
			continue
		case []any:
			if objectList(val) {
				exts = append(exts, val...)
				continue
			}
		}
		ext, err := u.extensionValue(ref, v)
		if err != nil {
			return nil, err
		}
		exts = append(exts, ext)
	}
	return exts, nil
}

// extensionValue builds {url, value<Type>: v} with the first value slot of
// ext whose type accepts v, trying the value as given before coercing it.
func (u *Unflattener) extensionValue(ext fhirflat.TypeRef, v any) (map[string]any, error) {
	slots := u.schema.ValueSlots(ext)
	if len(slots) == 0 {
		return nil, mismatch(ext, "", "extension nests extensions and takes no value")
	}
	for _, coerce := range []bool{false, true} {
		for _, slot := range slots {
			if !isPrimitive(slot.TypeCode) {
				continue
			}
			val := v
			if coerce {
				val = u.coerce(slot.TypeCode, v)
			}
			if u.schema.Conforms(slot.TypeCode, val) {
				return map[string]any{"url": ext.URL, slot.Key: val}, nil
			}
		}
	}
	return nil, mismatch(ext, "", fmt.Sprintf("no value type accepts %v", v))
}

// extensionGroup builds an extension from paths below its url. Without
// value slots the members are nested extensions. Otherwise each complex
// value slot is tried in declared order until the rebuilt value validates.
func (u *Unflattener) extensionGroup(ext fhirflat.TypeRef, data map[string]any) (map[string]any, error) {
	slots := u.schema.ValueSlots(ext)
	if len(slots) == 0 {
		return u.nestedExtension(ext, data)
	}

	for _, slot := range slots {
		if isPrimitive(slot.TypeCode) {
			continue
		}
		t := fhirflat.TypeRef{Name: slot.TypeCode, Identity: slot.Identity}
		value, err := u.Build(data, t)
		if err != nil {
			continue
		}
		if u.schema.Validate(t, value) != nil {
			continue
		}
		return map[string]any{"url": ext.URL, slot.Key: value}, nil
	}
	return nil, mismatch(ext, "", "no value type accepts members "+strings.Join(sortedKeys(data), ", "))
}

func (u *Unflattener) nestedExtension(ext fhirflat.TypeRef, data map[string]any) (map[string]any, error) {
	scalars, groups := split(data)
	children := make([]any, 0, len(data))
	for _, name := range declaredOrder(u.schema.DeclaredFields(ext), scalars, groups) {
		ref, err := u.schema.Resolve(ext, name)
		if err != nil {
			return nil, err
		}
		var child map[string]any
		if sub, ok := groups[name]; ok {
			child, err = u.extensionGroup(ref, sub)
		} else {
			child, err = u.extensionValue(ref, scalars[name])
		}
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}
	return map[string]any{"url": ext.URL, "extension": children}, nil
}

// quantity builds {value, unit, system, code}. A "system|code" code is split;
// separate system and code members are kept as they are.
func (u *Unflattener) quantity(data map[string]any, t fhirflat.TypeRef) (map[string]any, error) {
	rest := make(map[string]any)
	out := make(map[string]any, len(data))
	_, hasSystem := data["system"]

	for k, v := range data {
		switch k {
		case "value":
			out[k] = decimalValue(v)
		case "code":
			s := coding.Text(v)
			if hasSystem || !strings.Contains(s, coding.Separator) {
				out[k] = s
				continue
			}
			for ck, cv := range coding.ToMap(coding.Decode(s)) {
				out[ck] = cv
			}
		case "unit", "system", "comparator":
			out[k] = v
		default:
			rest[k] = v
		}
	}
	return u.mergeGeneric(out, rest, t)
}

// decimalValue normalises a numeric value to a json.Number. Values that do
// not parse as decimals are returned unchanged.
func decimalValue(v any) any {
	var (
		d   decimal.Decimal
		err error
	)
	switch val := v.(type) {
	case float64:
		d = decimal.NewFromFloat(val)
	case json.Number:
		d, err = decimal.NewFromString(val.String())
	case string:
		d, err = decimal.NewFromString(strings.TrimSpace(val))
	case int:
		d = decimal.NewFromInt(int64(val))
	case int64:
		d = decimal.NewFromInt(val)
	default:
		return v
	}
	if err != nil {
		return v
	}
	return json.Number(d.String())
}

// codeableConcept inverts the coding convention. It accepts the flattened
// form (".code" holding "system|code" entries with parallel ".text") and the
// ingestion form (separate ".system", ".code" and ".text").
func (u *Unflattener) codeableConcept(data map[string]any, t fhirflat.TypeRef) (map[string]any, error) {
	rest := make(map[string]any)
	for k, v := range data {
		if k != "code" && k != "text" && k != "system" {
			rest[k] = v
		}
	}

	code, hasCode := data["code"]
	text, hasText := data["text"]
	system, hasSystem := data["system"]

	out := make(map[string]any, 2)
	var codings []any
	switch {
	case hasSystem:
		systems, codes, texts := asList(system), asList(code), asList(text)
		for i := 0; i < maxLen(systems, codes, texts); i++ {
			c := coding.FromMap(map[string]any{"system": at(systems, i), "code": at(codes, i)})
			c = coding.WithDisplay(c, at(texts, i))
			if m := coding.ToMap(c); len(m) > 0 {
				codings = append(codings, m)
			}
		}
		if len(codings) == 1 && codings[0].(map[string]any)["code"] == nil {
			codings = nil
		}
	case hasCode:
		codes, texts := asList(code), asList(text)
		for i, c := range codes {
			var cd = coding.Decode(coding.Text(c))
			cd = coding.WithDisplay(cd, at(texts, i))
			if m := coding.ToMap(cd); len(m) > 0 {
				codings = append(codings, m)
			}
		}
	}

	if len(codings) > 0 {
		out["coding"] = codings
	} else if hasText {
		if s := single(text); s != nil {
			out["text"] = s
		}
	}
	return u.mergeGeneric(out, rest, t)
}

// period builds {start, end}.
func (u *Unflattener) period(data map[string]any, t fhirflat.TypeRef) (map[string]any, error) {
	rest := make(map[string]any)
	out := make(map[string]any, 2)
	for k, v := range data {
		if k == "start" || k == "end" {
			out[k] = u.coerce("dateTime", v)
			continue
		}
		rest[k] = v
	}
	return u.mergeGeneric(out, rest, t)
}

// mergeGeneric rebuilds members a typed builder does not know generically
// and merges them into out.
func (u *Unflattener) mergeGeneric(out, rest map[string]any, t fhirflat.TypeRef) (map[string]any, error) {
	if len(rest) == 0 {
		return out, nil
	}
	extra, err := u.generic(rest, t)
	if err != nil {
		return nil, err
	}
	for k, v := range extra {
		out[k] = v
	}
	return out, nil
}

// split separates ungrouped members from path groups, stripping the group
// head from member paths.
func split(data map[string]any) (map[string]any, map[string]map[string]any) {
	scalars := make(map[string]any)
	groups := make(map[string]map[string]any)
	for k, v := range data {
		head := paths.Head(k)
		if head == k {
			scalars[k] = v
			continue
		}
		if groups[head] == nil {
			groups[head] = make(map[string]any)
		}
		groups[head][paths.Strip(head, k)] = v
	}
	return scalars, groups
}

// declaredOrder lists the member names of scalars and groups, declared
// fields first in declaration order.
func declaredOrder(declared []string, scalars map[string]any, groups map[string]map[string]any) []string {
	seen := make(map[string]bool)
	var names []string
	add := func(n string) {
		_, s := scalars[n]
		_, g := groups[n]
		if (s || g) && !seen[n] {
			seen[n] = true
			names = append(names, n)
		}
	}
	for _, d := range declared {
		add(d)
	}
	for _, n := range sortedKeys(scalars) {
		add(n)
	}
	for _, n := range sortedKeys(groups) {
		add(n)
	}
	return names
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func appendList(out map[string]any, key string, items ...any) {
	existing, _ := out[key].([]any)
	for _, it := range items {
		if list, ok := it.([]any); ok {
			existing = append(existing, list...)
			continue
		}
		existing = append(existing, it)
	}
	out[key] = existing
}

func objectList(items []any) bool {
	if len(items) == 0 {
		return false
	}
	for _, it := range items {
		if _, ok := it.(map[string]any); !ok {
			return false
		}
	}
	return true
}

func asList(v any) []any {
	switch val := v.(type) {
	case nil:
		return nil
	case []any:
		return val
	default:
		return []any{val}
	}
}

func at(list []any, i int) any {
	if i < len(list) {
		return list[i]
	}
	return nil
}

func maxLen(lists ...[]any) int {
	n := 0
	for _, l := range lists {
		if len(l) > n {
			n = len(l)
		}
	}
	return n
}

// single unwraps a one-element list.
func single(v any) any {
	if list, ok := v.([]any); ok {
		if len(list) == 1 {
			return list[0]
		}
		if len(list) == 0 {
			return nil
		}
	}
	return v
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// isPrimitive reports whether typeCode names a FHIR primitive, which by
// convention start with a lower-case letter.
func isPrimitive(typeCode string) bool {
	for _, r := range typeCode {
		return unicode.IsLower(r)
	}
	return false
}

func mismatch(t fhirflat.TypeRef, path, reason string) *fhirflat.SchemaMismatchError {
	return &fhirflat.SchemaMismatchError{Type: t.String(), Path: path, Reason: reason}
}
