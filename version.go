package fhirflat

// FHIRVersion represents a FHIR specification version.
type FHIRVersion string

// Supported FHIR versions.
const (
	// R4 is FHIR Release 4 (4.0.1)
	R4 FHIRVersion = "R4"
	// R5 is FHIR Release 5 (5.0.0)
	R5 FHIRVersion = "R5"
)

// String returns the version string.
func (v FHIRVersion) String() string {
	return string(v)
}

// IsValid returns true if this is a known FHIR version.
func (v FHIRVersion) IsValid() bool {
	_, ok := versionConfigs[v]
	return ok
}

// HasDefinitions returns true if definitions for v are embedded.
// Only R5 ships with the Global.health profile set.
func (v FHIRVersion) HasDefinitions() bool {
	cfg, ok := versionConfigs[v]
	return ok && cfg.DefinitionsDir != ""
}

// DefinitionsDir returns the embedded directory holding the definitions for v.
func (v FHIRVersion) DefinitionsDir() string {
	return versionConfigs[v].DefinitionsDir
}

// FHIRVersionString returns the version used in StructureDefinitions.
func (v FHIRVersion) FHIRVersionString() string {
	return versionConfigs[v].FHIRVersionString
}

// versionConfig holds version-specific configuration.
type versionConfig struct {
	// DefinitionsDir is the directory under specs/ with the StructureDefinitions
	DefinitionsDir string

	// FHIRVersionString is the version string used in StructureDefinitions
	FHIRVersionString string
}

var versionConfigs = map[FHIRVersion]versionConfig{
	R4: {
		FHIRVersionString: "4.0.1",
	},
	R5: {
		DefinitionsDir:    "r5",
		FHIRVersionString: "5.0.0",
	},
}

// Version is the fhirflat release recorded in output metadata.
const Version = "0.1.0"
