// Package registry provides a registry for FHIR StructureDefinitions.
package registry

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/globaldothealth/fhirflat/specs"
)

// StructureDefinition.Kind constants.
const (
	KindResource      = "resource"
	KindComplexType   = "complex-type"
	KindPrimitiveType = "primitive-type"
)

// RegexExtensionURL carries the lexical pattern of a primitive type.
const RegexExtensionURL = "http://hl7.org/fhir/StructureDefinition/regex"

// StructureDefinition represents a minimal view of a FHIR StructureDefinition.
// We use a lightweight struct to avoid importing full FHIR types during loading.
type StructureDefinition struct {
	ResourceType   string `json:"resourceType"`
	ID             string `json:"id"`
	URL            string `json:"url"`
	Name           string `json:"name"`
	Kind           string `json:"kind"` // resource, complex-type, primitive-type, logical
	Abstract       bool   `json:"abstract"`
	Type           string `json:"type"`           // The type this SD defines
	BaseDefinition string `json:"baseDefinition"` // URL of the base SD
	Derivation     string `json:"derivation"`     // specialization | constraint

	// Context defines where an extension can be used
	Context []ExtensionContext `json:"context,omitempty"`

	Snapshot *Snapshot `json:"snapshot,omitempty"`

	index *elementIndex
}

// ExtensionContext defines where an extension can be used.
type ExtensionContext struct {
	Type       string `json:"type"`       // element, extension, fhirpath
	Expression string `json:"expression"` // The context expression
}

// Snapshot contains the complete set of ElementDefinitions.
type Snapshot struct {
	Element []ElementDefinition `json:"element"`
}

// UnmarshalJSON implements custom unmarshaling to preserve raw JSON for each element.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var raw struct {
		Element []json.RawMessage `json:"element"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	s.Element = make([]ElementDefinition, len(raw.Element))
	for i, elemRaw := range raw.Element {
		if err := json.Unmarshal(elemRaw, &s.Element[i]); err != nil {
			return err
		}
		s.Element[i].raw = elemRaw
	}
	return nil
}

// ElementDefinition represents a FHIR ElementDefinition.
type ElementDefinition struct {
	ID         string       `json:"id"`
	Path       string       `json:"path"`
	SliceName  *string      `json:"sliceName,omitempty"`
	Min        uint32       `json:"min"`
	Max        string       `json:"max"`
	Type       []Type       `json:"type,omitempty"`
	Constraint []Constraint `json:"constraint,omitempty"`

	// ContentReference references another element's definition for recursive structures.
	// Format: "#ElementPath" (e.g., "#Observation.referenceRange")
	ContentReference *string `json:"contentReference,omitempty"`

	// Raw JSON for dynamic access to fixed[x] without hardcoding types.
	raw json.RawMessage
}

// GetFixed extracts fixed[x] value dynamically from raw JSON.
// Returns the value, type suffix (e.g., "Uri", "Code"), and whether it exists.
func (ed *ElementDefinition) GetFixed() (value json.RawMessage, typeSuffix string, exists bool) {
	return extractPrefixedValue(ed.raw, "fixed")
}

// Name returns the last path segment, e.g. "value[x]".
func (ed *ElementDefinition) Name() string {
	return ed.Path[strings.LastIndex(ed.Path, ".")+1:]
}

// IsChoice reports whether the element is a value[x] style choice.
func (ed *ElementDefinition) IsChoice() bool {
	return strings.HasSuffix(ed.Path, "[x]")
}

// IsList reports whether the element allows more than one repetition.
func (ed *ElementDefinition) IsList() bool {
	if ed.Max == "*" {
		return true
	}
	n, err := strconv.Atoi(ed.Max)
	return err == nil && n > 1
}

// IsProhibited reports whether the element has max "0".
func (ed *ElementDefinition) IsProhibited() bool {
	return ed.Max == "0"
}

// TypeCodes returns the codes of the allowed types in declared order.
func (ed *ElementDefinition) TypeCodes() []string {
	codes := make([]string, len(ed.Type))
	for i := range ed.Type {
		codes[i] = ed.Type[i].Code
	}
	return codes
}

// extractPrefixedValue finds a key with the given prefix in the raw JSON.
// Used for polymorphic properties like fixed[x].
func extractPrefixedValue(raw json.RawMessage, prefix string) (json.RawMessage, string, bool) {
	if raw == nil {
		return nil, "", false
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, "", false
	}

	for key, value := range obj {
		if strings.HasPrefix(key, prefix) {
			return value, strings.TrimPrefix(key, prefix), true
		}
	}
	return nil, "", false
}

// Type represents an allowed type for an element.
type Type struct {
	Code      string      `json:"code"`
	Profile   []string    `json:"profile,omitempty"`
	Extension []Extension `json:"extension,omitempty"`
}

// Extension represents a FHIR extension on a type.
type Extension struct {
	URL         string `json:"url"`
	ValueString string `json:"valueString,omitempty"`
	ValueURL    string `json:"valueUrl,omitempty"`
}

// Constraint represents a FHIRPath constraint/invariant.
type Constraint struct {
	Key        string `json:"key"`
	Severity   string `json:"severity"` // error | warning
	Human      string `json:"human"`
	Expression string `json:"expression"`
}

// elementIndex holds pre-processed element lookups for a StructureDefinition.
type elementIndex struct {
	byPath   map[string]*ElementDefinition
	children map[string][]*ElementDefinition
	slices   map[string][]*ElementDefinition
}

func buildElementIndex(sd *StructureDefinition) *elementIndex {
	idx := &elementIndex{
		byPath:   make(map[string]*ElementDefinition),
		children: make(map[string][]*ElementDefinition),
		slices:   make(map[string][]*ElementDefinition),
	}
	if sd.Snapshot == nil {
		return idx
	}

	for i := range sd.Snapshot.Element {
		elem := &sd.Snapshot.Element[i]
		if elem.SliceName != nil {
			idx.slices[elem.Path] = append(idx.slices[elem.Path], elem)
			continue
		}
		idx.byPath[elem.Path] = elem
		if dot := strings.LastIndex(elem.Path, "."); dot > 0 {
			parent := elem.Path[:dot]
			idx.children[parent] = append(idx.children[parent], elem)
		}
	}
	return idx
}

// Registry holds loaded StructureDefinitions indexed by URL and type.
type Registry struct {
	mu     sync.RWMutex
	byURL  map[string]*StructureDefinition
	byType map[string]*StructureDefinition // For base types like "Patient", "Quantity"
}

// New creates a new empty Registry.
func New() *Registry {
	return &Registry{
		byURL:  make(map[string]*StructureDefinition),
		byType: make(map[string]*StructureDefinition),
	}
}

// NewEmbedded creates a Registry holding the embedded definitions for version.
func NewEmbedded(version string) (*Registry, error) {
	fsys, dir, err := specs.GetSpecsFS(version)
	if err != nil {
		return nil, err
	}
	r := New()
	for _, name := range specs.LoadOrder() {
		data, err := fs.ReadFile(fsys, dir+"/"+name)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		if err := r.LoadBundle(data); err != nil {
			return nil, fmt.Errorf("load %s: %w", name, err)
		}
	}
	return r, nil
}

// LoadFS loads every *.json file under dir of fsys, in name order. Files may
// hold a Bundle of StructureDefinitions or a single StructureDefinition.
func (r *Registry) LoadFS(fsys fs.FS, dir string) error {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return fmt.Errorf("read definitions directory %s: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		data, err := fs.ReadFile(fsys, path.Join(dir, name))
		if err != nil {
			return fmt.Errorf("read %s: %w", name, err)
		}
		if err := r.LoadBundle(data); err != nil {
			return fmt.Errorf("load %s: %w", name, err)
		}
	}
	return nil
}

// LoadBundle loads the StructureDefinitions of a Bundle, or a single
// StructureDefinition. Other resource types are ignored.
func (r *Registry) LoadBundle(data []byte) error {
	var peek struct {
		ResourceType string `json:"resourceType"`
		Entry        []struct {
			Resource json.RawMessage `json:"resource"`
		} `json:"entry"`
	}
	if err := json.Unmarshal(data, &peek); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	switch peek.ResourceType {
	case "StructureDefinition":
		return r.addUnlocked(data)
	case "Bundle":
		for i, e := range peek.Entry {
			if err := r.addUnlocked(e.Resource); err != nil {
				return fmt.Errorf("entry %d: %w", i, err)
			}
		}
		return nil
	default:
		return fmt.Errorf("unsupported resourceType %q", peek.ResourceType)
	}
}

func (r *Registry) addUnlocked(data json.RawMessage) error {
	var peek struct {
		ResourceType string `json:"resourceType"`
	}
	if err := json.Unmarshal(data, &peek); err != nil {
		return err
	}
	if peek.ResourceType != "StructureDefinition" {
		return nil
	}

	var sd StructureDefinition
	if err := json.Unmarshal(data, &sd); err != nil {
		return err
	}
	sd.index = buildElementIndex(&sd)

	// later definitions replace earlier ones
	if sd.URL != "" {
		r.byURL[sd.URL] = &sd
	}
	if sd.Type != "" && sd.Derivation != "constraint" {
		r.byType[sd.Type] = &sd
	}
	return nil
}

// GetByURL returns a StructureDefinition by its canonical URL.
func (r *Registry) GetByURL(url string) *StructureDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byURL[url]
}

// GetByType returns a StructureDefinition for a type name (e.g., "Patient", "Quantity").
func (r *Registry) GetByType(typeName string) *StructureDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byType[typeName]
}

// GetExtension returns the extension definition with the given url.
func (r *Registry) GetExtension(url string) *StructureDefinition {
	sd := r.GetByURL(url)
	if sd == nil || sd.Type != "Extension" || sd.Derivation != "constraint" {
		return nil
	}
	return sd
}

// ExtensionURLs returns the urls of all extension definitions, sorted.
func (r *Registry) ExtensionURLs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var urls []string
	for url, sd := range r.byURL {
		if sd.Type == "Extension" && sd.Derivation == "constraint" {
			urls = append(urls, url)
		}
	}
	sort.Strings(urls)
	return urls
}

// GetElementDefinition returns the ElementDefinition for a given path.
// The path should be in the format "ResourceType.element.subelement".
// Content references are followed for the last segment only.
func (r *Registry) GetElementDefinition(path string) *ElementDefinition {
	sd := r.GetByType(extractRootType(path))
	if sd == nil {
		return nil
	}
	return sd.Element(path)
}

// Element returns the element with path in the snapshot of sd.
func (sd *StructureDefinition) Element(path string) *ElementDefinition {
	if sd == nil || sd.index == nil {
		return nil
	}
	return sd.index.byPath[path]
}

// Children returns the direct child elements of path, in snapshot order.
// A content reference is resolved to the children of its target.
func (sd *StructureDefinition) Children(path string) []*ElementDefinition {
	if sd == nil || sd.index == nil {
		return nil
	}
	if elem := sd.index.byPath[path]; elem != nil && elem.ContentReference != nil {
		path = strings.TrimPrefix(*elem.ContentReference, "#")
	}
	return sd.index.children[path]
}

// MatchChild finds the child of elemPath named key and the type code it
// selects. Choice elements match "<base><Type>" keys. A "_x" key matches a
// declared "_x" element, or else resolves to PrimitiveExtension when "x"
// exists. The type code is empty for backbone elements and content
// references, whose children live in sd.
func (sd *StructureDefinition) MatchChild(elemPath, key string) (*ElementDefinition, string) {
	children := sd.Children(elemPath)
	for _, c := range children {
		if c.Name() == key {
			return c, c.singleType()
		}
	}
	for _, c := range children {
		if !c.IsChoice() {
			continue
		}
		base := strings.TrimSuffix(c.Name(), "[x]")
		if strings.HasPrefix(key, base) && len(key) > len(base) {
			if t := c.ChoiceType(key[len(base):]); t != "" {
				return c, t
			}
		}
	}
	if strings.HasPrefix(key, "_") {
		target := key[1:]
		for _, c := range children {
			if c.Name() == target || (c.IsChoice() && strings.HasPrefix(target, strings.TrimSuffix(c.Name(), "[x]"))) {
				return &ElementDefinition{
					ID:   elemPath + "." + key,
					Path: elemPath + "." + key,
					Max:  "1",
					Type: []Type{{Code: "PrimitiveExtension"}},
				}, "PrimitiveExtension"
			}
		}
	}
	return nil, ""
}

func (ed *ElementDefinition) singleType() string {
	if ed.ContentReference != nil || len(ed.Type) == 0 {
		return ""
	}
	if ed.Type[0].Code == "BackboneElement" || ed.Type[0].Code == "Element" {
		return ""
	}
	return ed.Type[0].Code
}

// ChoiceType returns the type code whose capitalised form is suffix, e.g.
// "CodeableConcept" or "DateTime".
func (ed *ElementDefinition) ChoiceType(suffix string) string {
	for _, t := range ed.Type {
		if UpperFirst(t.Code) == suffix {
			return t.Code
		}
	}
	return ""
}

// ContentTarget returns the element path whose children define this element:
// the content reference target, or the element's own path.
func (ed *ElementDefinition) ContentTarget() string {
	if ed.ContentReference != nil {
		return strings.TrimPrefix(*ed.ContentReference, "#")
	}
	return ed.Path
}

// UpperFirst capitalises the first letter of a type code.
func UpperFirst(s string) string {
	r, n := utf8.DecodeRuneInString(s)
	if n == 0 {
		return s
	}
	return string(unicode.ToUpper(r)) + s[n:]
}

// Slices returns the named slices declared on path.
func (sd *StructureDefinition) Slices(path string) []*ElementDefinition {
	if sd == nil || sd.index == nil {
		return nil
	}
	return sd.index.slices[path]
}

// Root returns the root element of the snapshot.
func (sd *StructureDefinition) Root() *ElementDefinition {
	if sd == nil {
		return nil
	}
	return sd.Element(sd.Type)
}

// Regex returns the lexical pattern of a primitive type, or "".
func (sd *StructureDefinition) Regex() string {
	if sd == nil || sd.Kind != KindPrimitiveType {
		return ""
	}
	elem := sd.Element(sd.Type + ".value")
	if elem == nil {
		return ""
	}
	for _, t := range elem.Type {
		for _, ext := range t.Extension {
			if ext.URL == RegexExtensionURL {
				return ext.ValueString
			}
		}
	}
	return ""
}

// Count returns the number of loaded StructureDefinitions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byURL)
}

// TypeCount returns the number of indexed types.
func (r *Registry) TypeCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byType)
}

// AllTypes returns all registered type names, sorted.
func (r *Registry) AllTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.byType))
	for t := range r.byType {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// extractRootType extracts the root type from a path like "Patient.name" -> "Patient".
func extractRootType(path string) string {
	if i := strings.IndexByte(path, '.'); i >= 0 {
		return path[:i]
	}
	return path
}

// IsResourceType checks if the given type name is a FHIR resource type.
func (r *Registry) IsResourceType(typeName string) bool {
	sd := r.GetByType(typeName)
	return sd != nil && sd.Kind == KindResource
}

// IsPrimitiveType checks if the given type name is a FHIR primitive type.
func (r *Registry) IsPrimitiveType(typeName string) bool {
	sd := r.GetByType(typeName)
	return sd != nil && sd.Kind == KindPrimitiveType
}

// IsDataType checks if the given type name is a FHIR complex data type.
func (r *Registry) IsDataType(typeName string) bool {
	sd := r.GetByType(typeName)
	return sd != nil && sd.Kind == KindComplexType
}

// InheritsFrom reports whether typeName is baseType or derives from it.
func (r *Registry) InheritsFrom(typeName, baseType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sd := r.byType[typeName]
	baseURL := "http://hl7.org/fhir/StructureDefinition/" + baseType
	for depth := 0; sd != nil && depth < 16; depth++ {
		if sd.Type == baseType || sd.URL == baseURL {
			return true
		}
		sd = r.byURL[sd.BaseDefinition]
	}
	return false
}
