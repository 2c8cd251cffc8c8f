// Package resource binds the flatten, unflatten and ingest steps to the
// resource types FHIRflat supports.
package resource

import (
	"fmt"
	"sort"
	"strings"

	"github.com/globaldothealth/fhirflat"
)

// Definition describes how one resource type maps to FHIRflat.
type Definition struct {
	// Type is the FHIR resource type.
	Type string

	// Exclusions are top-level fields dropped from the flat form.
	Exclusions []string

	// Defaults are required fields with a fixed value. Their columns are
	// dropped from the flat form and the value is restored on the way back.
	Defaults map[string]any

	// Backbone lists the backbone elements whose ingested values may be
	// aligned occurrence lists.
	Backbone []string

	// Cleanup adjusts a rebuilt record before validation.
	Cleanup func(map[string]any)
}

// baseExclusions are dropped from every resource.
var baseExclusions = []string{"meta", "implicitRules", "language", "text", "contained", "modifierExtension"}

func exclusions(extra ...string) []string {
	return append(append([]string{}, baseExclusions...), extra...)
}

var definitions = map[string]*Definition{
	"Encounter": {
		Type: "Encounter",
		Exclusions: exclusions(
			"identifier", "participant", "appointment", "account",
			"dietPreference", "specialArrangement", "specialCourtesy",
		),
		Defaults: map[string]any{"status": "completed"},
		Backbone: []string{"participant", "reason", "diagnosis", "admission", "location"},
	},
	"Observation": {
		Type: "Observation",
		Exclusions: exclusions(
			"id", "identifier", "instantiatesCanonical", "instantiatesReference",
			"basedOn", "focus", "referenceRange", "issued", "note",
		),
		Defaults: map[string]any{"status": "final"},
		Backbone: []string{"component"},
	},
	"Patient": {
		Type: "Patient",
		Exclusions: exclusions(
			"identifier", "active", "name", "telecom", "address",
			"photo", "contact", "communication", "link",
		),
		Cleanup: cleanupPatient,
	},
	"Condition": {
		Type:       "Condition",
		Exclusions: exclusions("id", "identifier", "verificationStatus", "evidence", "note", "participant"),
		Defaults: map[string]any{"clinicalStatus": map[string]any{"coding": []any{map[string]any{
			"system": "http://terminology.hl7.org/CodeSystem/condition-clinical",
			"code":   "unknown",
		}}}},
	},
}

// cleanupPatient keeps the date part of birthDate and stringifies the id.
func cleanupPatient(record map[string]any) {
	if s, ok := record["birthDate"].(string); ok {
		record["birthDate"], _, _ = strings.Cut(s, "T")
	}
	if id, ok := record["id"]; ok {
		if _, isString := id.(string); !isString {
			record["id"] = fmt.Sprint(id)
		}
	}
}

// Lookup returns the definition of a resource type.
func Lookup(resourceType string) (*Definition, error) {
	def, ok := definitions[resourceType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", fhirflat.ErrUnknownResource, resourceType)
	}
	return def, nil
}

// Types returns the supported resource types, sorted.
func Types() []string {
	out := make([]string, 0, len(definitions))
	for name := range definitions {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Excluded reports whether field is dropped from the flat form.
func (d *Definition) Excluded(field string) bool {
	for _, e := range d.Exclusions {
		if e == field {
			return true
		}
	}
	return false
}

// TypeRef returns the schema reference of the resource type.
func (d *Definition) TypeRef() fhirflat.TypeRef {
	return fhirflat.TypeOf(d.Type)
}
