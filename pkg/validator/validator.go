// Package validator checks reconstructed FHIR records against the
// StructureDefinitions in a registry: unknown and prohibited elements,
// cardinality, primitive formats, extension values and invariants.
package validator

import (
	"fmt"
	"sort"
	"strings"

	"github.com/globaldothealth/fhirflat"
	"github.com/globaldothealth/fhirflat/pkg/constraint"
	"github.com/globaldothealth/fhirflat/pkg/logger"
	"github.com/globaldothealth/fhirflat/pkg/primitive"
	"github.com/globaldothealth/fhirflat/pkg/registry"
)

// Config holds the validator configuration.
type Config struct {
	Constraints         bool // Evaluate FHIRPath invariants
	MaxErrors           int  // Stop after this many errors, 0 for unlimited
	ExpressionCacheSize int
}

// Option is a functional option for configuring the validator.
type Option func(*Config)

// WithConstraints enables or disables invariant evaluation.
func WithConstraints(enable bool) Option {
	return func(c *Config) {
		c.Constraints = enable
	}
}

// WithMaxErrors limits the number of errors collected per record.
func WithMaxErrors(max int) Option {
	return func(c *Config) {
		c.MaxErrors = max
	}
}

// WithExpressionCacheSize sets the compiled FHIRPath cache size.
func WithExpressionCacheSize(n int) Option {
	return func(c *Config) {
		c.ExpressionCacheSize = n
	}
}

// Validator validates records. It is safe for concurrent use.
type Validator struct {
	registry    *registry.Registry
	primitives  *primitive.Checker
	constraints *constraint.Evaluator
	config      Config
}

// New creates a Validator over reg.
func New(reg *registry.Registry, opts ...Option) *Validator {
	cfg := Config{Constraints: true, ExpressionCacheSize: 500}
	for _, opt := range opts {
		opt(&cfg)
	}
	logger.Debug("Validator ready: %d definitions, constraints=%v", reg.Count(), cfg.Constraints)
	return &Validator{
		registry:    reg,
		primitives:  primitive.New(reg),
		constraints: constraint.New(cfg.ExpressionCacheSize),
		config:      cfg,
	}
}

// Registry returns the underlying registry.
func (v *Validator) Registry() *registry.Registry {
	return v.registry
}

// Primitives returns the primitive checker.
func (v *Validator) Primitives() *primitive.Checker {
	return v.primitives
}

// Validate checks data against typeName, which is a resource or datatype
// name, or the element path of a backbone element ("Encounter.diagnosis").
func (v *Validator) Validate(data map[string]any, typeName string) *fhirflat.Result {
	result := fhirflat.NewResult(typeName)
	w := &walk{v: v, result: result}

	root := typeName
	if i := strings.IndexByte(typeName, '.'); i >= 0 {
		root = typeName[:i]
	}
	sd := v.registry.GetByType(root)
	if sd == nil {
		w.add(fhirflat.Error(fhirflat.IssueTypeStructure).
			Diagnostics("no definition for type " + typeName).At(typeName).Build())
		return result
	}
	if sd.Kind == registry.KindResource && root == typeName {
		if rt, ok := data["resourceType"].(string); ok && rt != typeName {
			w.add(fhirflat.Error(fhirflat.IssueTypeInvalid).
				Diagnostics(fmt.Sprintf("resourceType %s does not match %s", rt, typeName)).At(typeName).Build())
			return result
		}
	}

	w.object(data, sd, typeName, typeName)
	return result
}

// ValidateExtension checks one extension object.
func (v *Validator) ValidateExtension(data map[string]any) *fhirflat.Result {
	result := fhirflat.NewResult("Extension")
	w := &walk{v: v, result: result}
	w.extension(data, "Extension", nil)
	return result
}

type walk struct {
	v      *Validator
	result *fhirflat.Result
	errors int
}

func (w *walk) add(is fhirflat.Issue) {
	if is.IsError() {
		if w.v.config.MaxErrors > 0 && w.errors >= w.v.config.MaxErrors {
			return
		}
		w.errors++
	}
	w.result.AddIssue(is)
}

func (w *walk) fail(code fhirflat.IssueType, at, format string, args ...any) {
	w.add(fhirflat.Error(code).Diagnostics(fmt.Sprintf(format, args...)).At(at).Build())
}

// object validates the members of data against the children of elemPath in sd.
func (w *walk) object(data map[string]any, sd *registry.StructureDefinition, elemPath, fhirPath string) {
	children := sd.Children(elemPath)
	seen := make(map[string]bool, len(data))

	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if key == "resourceType" && elemPath == sd.Type {
			continue
		}
		path := fhirPath + "." + key
		elem, typeCode := sd.MatchChild(elemPath, key)
		if elem == nil {
			w.fail(fhirflat.IssueTypeStructure, path, "Unknown element '%s'", key)
			continue
		}
		seen[elem.Path] = true
		if elem.IsProhibited() {
			w.fail(fhirflat.IssueTypeStructure, path, "Element '%s' is not allowed", key)
			continue
		}
		w.element(data[key], sd, elem, typeCode, path)
	}

	for _, elem := range children {
		if elem.Min > 0 && !seen[elem.Path] {
			w.fail(fhirflat.IssueTypeRequired, fhirPath+"."+strings.TrimSuffix(elem.Name(), "[x]"),
				"Missing required element '%s'", elem.Name())
		}
	}

	if w.v.config.Constraints && elemPath == sd.Type {
		for _, is := range w.v.constraints.Evaluate(data, sd, fhirPath) {
			w.add(is)
		}
	}
}

// element validates the cardinality of value, then each of its items.
func (w *walk) element(value any, sd *registry.StructureDefinition, elem *registry.ElementDefinition, typeCode, path string) {
	items, isList := value.([]any)
	switch {
	case elem.IsList() && !isList:
		w.fail(fhirflat.IssueTypeStructure, path, "Element '%s' must be an array", elem.Name())
		return
	case !elem.IsList() && isList:
		w.fail(fhirflat.IssueTypeStructure, path, "Element '%s' must not be an array", elem.Name())
		return
	case !isList:
		items = []any{value}
	}
	if isList && uint32(len(items)) < elem.Min { //nolint:gosec // list lengths are small
		w.fail(fhirflat.IssueTypeRequired, path, "Element '%s' needs at least %d item(s)", elem.Name(), elem.Min)
	}

	for i, item := range items {
		itemPath := path
		if isList {
			itemPath = fmt.Sprintf("%s[%d]", path, i)
		}
		w.value(item, sd, elem, typeCode, itemPath)
	}
}

func (w *walk) value(item any, sd *registry.StructureDefinition, elem *registry.ElementDefinition, typeCode, path string) {
	if item == nil {
		w.fail(fhirflat.IssueTypeValue, path, "Element '%s' has a null value", elem.Name())
		return
	}

	// backbone elements and content references stay inside sd
	if typeCode == "" {
		obj, ok := item.(map[string]any)
		if !ok {
			w.fail(fhirflat.IssueTypeStructure, path, "Element '%s' must be an object", elem.Name())
			return
		}
		w.object(obj, sd, elem.ContentTarget(), path)
		return
	}

	if w.v.registry.IsPrimitiveType(typeCode) {
		if err := w.v.primitives.Check(typeCode, item); err != nil {
			w.fail(fhirflat.IssueTypeValue, path, "%s", err.Error())
		}
		return
	}

	obj, ok := item.(map[string]any)
	if !ok {
		w.fail(fhirflat.IssueTypeStructure, path, "Element '%s' must be a %s object", elem.Name(), typeCode)
		return
	}

	switch typeCode {
	case "Extension":
		w.extension(obj, path, elem.Type[0].Profile)
		return
	case "Resource":
		return
	}

	typeSD := w.v.registry.GetByType(typeCode)
	if typeSD == nil {
		// datatypes without a bundled definition are accepted as opaque
		return
	}
	w.object(obj, typeSD, typeSD.Type, path)
}

// extension validates one extension object. A url with a registered
// definition is checked against it; any other url against the base Extension.
func (w *walk) extension(data map[string]any, path string, allowed []string) {
	url, _ := data["url"].(string)
	if url == "" {
		w.fail(fhirflat.IssueTypeRequired, path, "Extension is missing its url")
		return
	}
	if len(allowed) > 0 && !contains(allowed, url) {
		w.fail(fhirflat.IssueTypeExtension, path, "Extension '%s' is not allowed here", url)
		return
	}

	sd := w.v.registry.GetExtension(url)
	if sd == nil {
		sd = w.v.registry.GetByType("Extension")
		if sd == nil {
			return
		}
	}
	extPath := path + "(" + url + ")"
	valueElem := sd.Element("Extension.value[x]")
	hasValue := false

	for key, val := range data {
		switch {
		case key == "url" || key == "id":
		case key == "extension":
			w.subExtensions(val, sd, extPath)
		case strings.HasPrefix(key, "value"):
			hasValue = true
			if valueElem == nil || valueElem.IsProhibited() {
				w.fail(fhirflat.IssueTypeExtension, extPath+"."+key, "Extension '%s' does not carry a value", url)
				continue
			}
			typeCode := valueElem.ChoiceType(key[len("value"):])
			if typeCode == "" {
				w.fail(fhirflat.IssueTypeExtension, extPath+"."+key,
					"Extension '%s' does not allow %s (allowed: %s)", url, key, strings.Join(valueElem.TypeCodes(), ", "))
				continue
			}
			w.element(val, sd, valueElem, typeCode, extPath+"."+key)
		default:
			w.fail(fhirflat.IssueTypeStructure, extPath+"."+key, "Unknown element '%s'", key)
		}
	}

	if valueElem != nil && valueElem.Min > 0 && !hasValue {
		w.fail(fhirflat.IssueTypeRequired, extPath, "Extension '%s' requires a value", url)
	}
}

func (w *walk) subExtensions(val any, sd *registry.StructureDefinition, path string) {
	items, ok := val.([]any)
	if !ok {
		w.fail(fhirflat.IssueTypeStructure, path+".extension", "Element 'extension' must be an array")
		return
	}
	if elem := sd.Element("Extension.extension"); elem != nil && elem.IsProhibited() && len(items) > 0 {
		w.fail(fhirflat.IssueTypeExtension, path+".extension", "Extension does not allow nested extensions")
		return
	}

	slices := sd.Slices("Extension.extension")
	var allowed []string
	for _, s := range slices {
		allowed = append(allowed, *s.SliceName)
	}

	present := make(map[string]bool)
	for i, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			w.fail(fhirflat.IssueTypeStructure, fmt.Sprintf("%s.extension[%d]", path, i), "Extension must be an object")
			continue
		}
		if u, ok := obj["url"].(string); ok {
			present[u] = true
		}
		w.extension(obj, fmt.Sprintf("%s.extension[%d]", path, i), allowed)
	}

	for _, s := range slices {
		if s.Min > 0 && !present[*s.SliceName] {
			w.fail(fhirflat.IssueTypeRequired, path, "Missing required extension '%s'", *s.SliceName)
		}
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
