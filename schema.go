package fhirflat

// TypeIdentity is the shape family of a resolved type. The Unflattener
// switches on it to rebuild a path group.
type TypeIdentity int

const (
	// Generic is any nested object rebuilt by stripping its path prefix.
	Generic TypeIdentity = iota
	// Quantity covers Quantity and its profiles (Age, Duration, Count, ...).
	Quantity
	// CodeableConcept is rebuilt from parallel code/text columns.
	CodeableConcept
	// Period is rebuilt from start/end columns.
	Period
	// ExtensionPrimitive is an extension list or a single extension.
	ExtensionPrimitive
)

// String returns the identity name.
func (t TypeIdentity) String() string {
	switch t {
	case Quantity:
		return "Quantity"
	case CodeableConcept:
		return "CodeableConcept"
	case Period:
		return "Period"
	case ExtensionPrimitive:
		return "Extension"
	default:
		return "Generic"
	}
}

// TypeRef names a type known to a SchemaProvider.
//
// Name is a type name ("Encounter", "CodeableReference") or the element path
// of a backbone element ("Encounter.diagnosis"). Extensions have Name
// "Extension"; URL is empty for the extension list of a parent and set for
// one concrete extension.
type TypeRef struct {
	Name     string
	Identity TypeIdentity
	URL      string
}

// TypeOf returns a Generic TypeRef for a type or backbone path.
func TypeOf(name string) TypeRef {
	return TypeRef{Name: name}
}

// IsExtension reports whether t is one concrete extension.
func (t TypeRef) IsExtension() bool {
	return t.Identity == ExtensionPrimitive && t.URL != ""
}

// IsExtensionList reports whether t is the extension list of a parent.
func (t TypeRef) IsExtensionList() bool {
	return t.Identity == ExtensionPrimitive && t.URL == ""
}

// String returns the type name, with the url for concrete extensions.
func (t TypeRef) String() string {
	if t.URL != "" {
		return t.Name + "(" + t.URL + ")"
	}
	return t.Name
}

// ValueSlot is one candidate value[x] key of an extension, in declared order.
type ValueSlot struct {
	// Key is the JSON key, e.g. "valueDate"
	Key string
	// TypeCode is the FHIR type code, e.g. "date"
	TypeCode string
	// Identity is the shape family for complex value types
	Identity TypeIdentity
}

// SchemaProvider resolves field metadata for the Flattener, the Unflattener
// and the resource facade. Implementations must be safe for concurrent use.
type SchemaProvider interface {
	// Resolve returns the type of field on parent.
	// It returns a *SchemaMismatchError when the field is unknown.
	Resolve(parent TypeRef, field string) (TypeRef, error)

	// IsListField reports whether field on parent has array cardinality.
	IsListField(parent TypeRef, field string) bool

	// DeclaredFields returns the direct child element names of t in
	// definition order. Choice elements keep their "[x]" suffix.
	DeclaredFields(t TypeRef) []string

	// Validate checks data against t. It returns a *ValidationError when
	// the data does not conform.
	Validate(t TypeRef, data map[string]any) error

	// ValueSlots returns the value[x] candidates of an extension in
	// declared order. An empty result means the extension nests further
	// extensions instead of carrying a value.
	ValueSlots(ext TypeRef) []ValueSlot

	// Conforms reports whether v is a valid value of the primitive type code.
	Conforms(typeCode string, v any) bool
}
