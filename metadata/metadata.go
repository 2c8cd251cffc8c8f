// Package metadata describes a FHIRflat output folder: a sha256sums.txt
// listing the checksum of every parquet file, and a fhirflat.toml
// summarising the run.
package metadata

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pelletier/go-toml/v2"

	"github.com/globaldothealth/fhirflat"
)

const (
	// SumsFile lists the checksum of every parquet file in the folder.
	SumsFile = "sha256sums.txt"
	// File is the metadata document.
	File = "fhirflat.toml"
)

// Metadata is the [metadata] table of fhirflat.toml.
type Metadata struct {
	Checksum     string    `toml:"checksum"`
	ChecksumFile string    `toml:"checksum_file"`
	N            int       `toml:"N"`
	RunID        string    `toml:"run_id"`
	Generator    string    `toml:"generator"`
	Created      time.Time `toml:"created"`
}

type document struct {
	Metadata Metadata `toml:"metadata"`
}

// Sums maps file names to their hex sha256.
type Sums map[string]string

// Files returns the file names in sorted order.
func (s Sums) Files() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Bytes renders s in sha256sum format, one "<hex>  <file>" line per file.
func (s Sums) Bytes() []byte {
	var buf bytes.Buffer
	for _, name := range s.Files() {
		fmt.Fprintf(&buf, "%s  %s\n", s[name], name)
	}
	return buf.Bytes()
}

// Checksum returns the hex sha256 of the file at path.
func Checksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Generate checksums every parquet file in dir and builds the metadata for
// a run covering n subjects. Nothing is written.
func Generate(dir string, n int) (Metadata, Sums, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.parquet"))
	if err != nil {
		return Metadata{}, nil, err
	}

	sums := make(Sums, len(files))
	for _, path := range files {
		sum, err := Checksum(path)
		if err != nil {
			return Metadata{}, nil, fmt.Errorf("metadata: %w", err)
		}
		sums[filepath.Base(path)] = sum
	}

	digest := sha256.Sum256(sums.Bytes())
	meta := Metadata{
		Checksum:     hex.EncodeToString(digest[:]),
		ChecksumFile: SumsFile,
		N:            n,
		RunID:        uuid.NewString(),
		Generator:    "fhirflat " + fhirflat.Version,
		Created:      time.Now().UTC().Truncate(time.Second),
	}
	return meta, sums, nil
}

// Write stores sums next to the metadata document at path.
func Write(meta Metadata, sums Sums, path string) error {
	sumsPath := filepath.Join(filepath.Dir(path), meta.ChecksumFile)
	if err := os.WriteFile(sumsPath, sums.Bytes(), 0o644); err != nil {
		return fmt.Errorf("metadata: %w", err)
	}

	data, err := toml.Marshal(document{Metadata: meta})
	if err != nil {
		return fmt.Errorf("metadata: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("metadata: %w", err)
	}
	return nil
}

// WriteDir generates and writes the metadata for the parquet files in dir.
func WriteDir(dir string, n int) (Metadata, error) {
	meta, sums, err := Generate(dir, n)
	if err != nil {
		return Metadata{}, err
	}
	return meta, Write(meta, sums, filepath.Join(dir, File))
}

// Read loads the metadata document at path.
func Read(path string) (Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, err
	}
	var doc document
	if err := toml.Unmarshal(data, &doc); err != nil {
		return Metadata{}, fmt.Errorf("metadata: %s: %w", path, err)
	}
	return doc.Metadata, nil
}
