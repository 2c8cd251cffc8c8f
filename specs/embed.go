// Package specs embeds the FHIR StructureDefinitions FHIRflat flattens
// against.
//
// Only R5 is shipped. The r5 directory holds three Bundles: the datatypes,
// the supported resources and the Global.health extensions. Registries load
// them in LoadOrder so resources can refer to datatypes already indexed.
package specs

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
)

//go:embed r5/*.json
var r5 embed.FS

// Bundle file names inside a version directory.
const (
	TypesFile      = "profiles-types.json"
	ResourcesFile  = "profiles-resources.json"
	ExtensionsFile = "extension-definitions.json"
)

// LoadOrder lists the bundles in the order a registry should load them.
func LoadOrder() []string {
	return []string{TypesFile, ResourcesFile, ExtensionsFile}
}

// GetSpecsFS returns the embedded filesystem and its directory for a FHIR
// version. Accepts "R5", "5.0" and "5.0.0".
func GetSpecsFS(version string) (fs.FS, string, error) {
	switch version {
	case "R5", "5.0", "5.0.0":
		return r5, "r5", nil
	default:
		return nil, "", fmt.Errorf("unsupported FHIR version: %s", version)
	}
}

// ListFiles returns the bundle files embedded for version.
func ListFiles(version string) ([]string, error) {
	fsys, dir, err := GetSpecsFS(version)
	if err != nil {
		return nil, err
	}
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}

	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			files = append(files, e.Name())
		}
	}
	return files, nil
}

// ReadFile reads one embedded bundle.
func ReadFile(version, name string) ([]byte, error) {
	fsys, dir, err := GetSpecsFS(version)
	if err != nil {
		return nil, err
	}
	p := path.Join(dir, name)
	data, err := fs.ReadFile(fsys, p)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", p, err)
	}
	return data, nil
}
