// Package schema implements fhirflat.SchemaProvider over a StructureDefinition
// registry.
package schema

import (
	"strings"

	"github.com/globaldothealth/fhirflat"
	"github.com/globaldothealth/fhirflat/cache"
	"github.com/globaldothealth/fhirflat/pkg/registry"
	"github.com/globaldothealth/fhirflat/pkg/validator"
)

// Provider resolves types, list cardinality and extension value slots from a
// registry, and validates records with pkg/validator. Resolution results are
// memoised. It is safe for concurrent use.
type Provider struct {
	registry  *registry.Registry
	validator *validator.Validator
	resolved  *cache.Cache[resolveKey, resolved]
	metrics   *fhirflat.Metrics
}

type resolveKey struct {
	parent fhirflat.TypeRef
	field  string
}

type resolved struct {
	ref  fhirflat.TypeRef
	list bool
}

var _ fhirflat.SchemaProvider = (*Provider)(nil)

// New creates a Provider over reg. Only the validation and cache options are
// used.
func New(reg *registry.Registry, opts ...fhirflat.Option) *Provider {
	o := fhirflat.Apply(opts...)
	return &Provider{
		registry: reg,
		validator: validator.New(reg,
			validator.WithConstraints(o.ValidateConstraints),
			validator.WithMaxErrors(o.MaxErrors),
			validator.WithExpressionCacheSize(o.ExpressionCacheSize),
		),
		resolved: cache.New[resolveKey, resolved](o.TypeCacheSize),
	}
}

// NewDefault creates a Provider over the embedded R5 definitions.
func NewDefault(opts ...fhirflat.Option) (*Provider, error) {
	reg, err := registry.NewEmbedded(fhirflat.R5.String())
	if err != nil {
		return nil, err
	}
	return New(reg, opts...), nil
}

// WithMetrics records resolution cache hits and misses on m.
func (p *Provider) WithMetrics(m *fhirflat.Metrics) *Provider {
	p.metrics = m
	return p
}

// Registry returns the underlying registry.
func (p *Provider) Registry() *registry.Registry {
	return p.registry
}

// CacheStats returns the statistics of the resolution cache.
func (p *Provider) CacheStats() cache.Stats {
	return p.resolved.Stats()
}

// Resolve implements fhirflat.SchemaProvider.
func (p *Provider) Resolve(parent fhirflat.TypeRef, field string) (fhirflat.TypeRef, error) {
	r, err := p.lookup(parent, field)
	return r.ref, err
}

// IsListField implements fhirflat.SchemaProvider.
func (p *Provider) IsListField(parent fhirflat.TypeRef, field string) bool {
	r, err := p.lookup(parent, field)
	return err == nil && r.list
}

func (p *Provider) lookup(parent fhirflat.TypeRef, field string) (resolved, error) {
	key := resolveKey{parent: parent, field: field}
	if r, ok := p.resolved.Get(key); ok {
		if p.metrics != nil {
			p.metrics.RecordCacheHit()
		}
		return r, nil
	}
	if p.metrics != nil {
		p.metrics.RecordCacheMiss()
	}
	r, err := p.resolve(parent, field)
	if err != nil {
		return r, err
	}
	p.resolved.Set(key, r)
	return r, nil
}

func (p *Provider) resolve(parent fhirflat.TypeRef, field string) (resolved, error) {
	switch {
	case parent.IsExtensionList():
		// members of an extension container are urls
		return resolved{ref: extensionRef(field)}, nil
	case parent.IsExtension():
		return p.resolveInExtension(parent, field)
	}

	sd, elemPath := p.definition(parent.Name)
	if sd == nil {
		return resolved{}, mismatch(parent, field, "no definition for "+parent.Name)
	}

	if field == "extension" || field == "modifierExtension" {
		if elem, _ := sd.MatchChild(elemPath, field); elem != nil {
			return resolved{ref: containerRef(), list: true}, nil
		}
	}

	elem, typeCode := sd.MatchChild(elemPath, field)
	if elem == nil {
		if p.registry.GetExtension(field) != nil {
			return resolved{ref: extensionRef(field)}, nil
		}
		return resolved{}, mismatch(parent, field, "unknown element")
	}
	if elem.IsProhibited() {
		return resolved{}, mismatch(parent, field, "element is not allowed")
	}
	if typeCode == "" {
		return resolved{ref: fhirflat.TypeOf(elem.ContentTarget()), list: elem.IsList()}, nil
	}
	return resolved{ref: p.typeRef(typeCode), list: elem.IsList()}, nil
}

func (p *Provider) resolveInExtension(parent fhirflat.TypeRef, field string) (resolved, error) {
	sd := p.extensionDefinition(parent.URL)
	switch {
	case field == "extension":
		return resolved{ref: containerRef(), list: true}, nil
	case field == "url":
		return resolved{ref: fhirflat.TypeOf("uri")}, nil
	case strings.HasPrefix(field, "value"):
		if elem := sd.Element("Extension.value[x]"); elem != nil && !elem.IsProhibited() {
			if t := elem.ChoiceType(field[len("value"):]); t != "" {
				return resolved{ref: p.typeRef(t)}, nil
			}
		}
		return resolved{}, mismatch(parent, field, "extension does not allow this value type")
	}

	for _, s := range sd.Slices("Extension.extension") {
		if *s.SliceName != field {
			continue
		}
		url := field
		if len(s.Type) > 0 && len(s.Type[0].Profile) > 0 {
			url = s.Type[0].Profile[0]
		}
		return resolved{ref: extensionRef(url), list: s.IsList()}, nil
	}
	if p.registry.GetExtension(field) != nil {
		return resolved{ref: extensionRef(field)}, nil
	}
	return resolved{}, mismatch(parent, field, "unknown sub-extension")
}

// definition returns the StructureDefinition and element path for a type
// name or backbone path.
func (p *Provider) definition(name string) (*registry.StructureDefinition, string) {
	root := name
	if i := strings.IndexByte(name, '.'); i >= 0 {
		root = name[:i]
	}
	sd := p.registry.GetByType(root)
	if sd == nil {
		return nil, ""
	}
	if root != name {
		elem := sd.Element(name)
		if elem == nil {
			return nil, ""
		}
		return sd, elem.ContentTarget()
	}
	return sd, name
}

func (p *Provider) extensionDefinition(url string) *registry.StructureDefinition {
	if sd := p.registry.GetExtension(url); sd != nil {
		return sd
	}
	return p.registry.GetByType("Extension")
}

func (p *Provider) typeRef(typeCode string) fhirflat.TypeRef {
	return fhirflat.TypeRef{Name: typeCode, Identity: p.identity(typeCode)}
}

func (p *Provider) identity(typeCode string) fhirflat.TypeIdentity {
	switch {
	case typeCode == "CodeableConcept":
		return fhirflat.CodeableConcept
	case typeCode == "Period":
		return fhirflat.Period
	case typeCode == "Extension":
		return fhirflat.ExtensionPrimitive
	case p.registry.InheritsFrom(typeCode, "Quantity"):
		return fhirflat.Quantity
	default:
		return fhirflat.Generic
	}
}

func containerRef() fhirflat.TypeRef {
	return fhirflat.TypeRef{Name: "Extension", Identity: fhirflat.ExtensionPrimitive}
}

func extensionRef(url string) fhirflat.TypeRef {
	return fhirflat.TypeRef{Name: "Extension", Identity: fhirflat.ExtensionPrimitive, URL: url}
}

func mismatch(parent fhirflat.TypeRef, field, reason string) *fhirflat.SchemaMismatchError {
	return &fhirflat.SchemaMismatchError{Type: parent.String(), Path: field, Reason: reason}
}

// DeclaredFields implements fhirflat.SchemaProvider.
func (p *Provider) DeclaredFields(t fhirflat.TypeRef) []string {
	if t.IsExtension() {
		var names []string
		for _, s := range p.extensionDefinition(t.URL).Slices("Extension.extension") {
			names = append(names, *s.SliceName)
		}
		return names
	}
	sd, elemPath := p.definition(t.Name)
	if sd == nil {
		return nil
	}
	children := sd.Children(elemPath)
	names := make([]string, 0, len(children))
	for _, c := range children {
		names = append(names, c.Name())
	}
	return names
}

// ValueSlots implements fhirflat.SchemaProvider.
func (p *Provider) ValueSlots(ext fhirflat.TypeRef) []fhirflat.ValueSlot {
	elem := p.extensionDefinition(ext.URL).Element("Extension.value[x]")
	if elem == nil || elem.IsProhibited() {
		return nil
	}
	slots := make([]fhirflat.ValueSlot, 0, len(elem.Type))
	for _, t := range elem.Type {
		slots = append(slots, fhirflat.ValueSlot{
			Key:      "value" + registry.UpperFirst(t.Code),
			TypeCode: t.Code,
			Identity: p.identity(t.Code),
		})
	}
	return slots
}

// Conforms implements fhirflat.SchemaProvider.
func (p *Provider) Conforms(typeCode string, v any) bool {
	return p.validator.Primitives().Conforms(typeCode, v)
}

// Validate implements fhirflat.SchemaProvider.
func (p *Provider) Validate(t fhirflat.TypeRef, data map[string]any) error {
	var result *fhirflat.Result
	if t.IsExtension() {
		ext := data
		if _, ok := data["url"]; !ok {
			ext = make(map[string]any, len(data)+1)
			for k, v := range data {
				ext[k] = v
			}
			ext["url"] = t.URL
		}
		result = p.validator.ValidateExtension(ext)
	} else {
		result = p.validator.Validate(data, t.Name)
	}

	if p.metrics != nil {
		for _, is := range result.Issues {
			p.metrics.RecordIssue(is.Severity)
		}
	}
	if !result.Valid {
		return &fhirflat.ValidationError{Type: t.String(), Issues: result.Issues}
	}
	return nil
}
