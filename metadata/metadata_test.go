package metadata

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sha(s string) string {
	d := sha256.Sum256([]byte(s))
	return hex.EncodeToString(d[:])
}

func outputDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "encounter.parquet"), []byte("encounter"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "condition.parquet"), []byte("condition"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "encounter_errors.csv"), []byte("row"), 0o644))
	return dir
}

func TestGenerate(t *testing.T) {
	dir := outputDir(t)

	meta, sums, err := Generate(dir, 2)
	require.NoError(t, err)

	assert.Equal(t, Sums{
		"condition.parquet": sha("condition"),
		"encounter.parquet": sha("encounter"),
	}, sums)

	want := sha("condition") + "  condition.parquet\n" + sha("encounter") + "  encounter.parquet\n"
	assert.Equal(t, want, string(sums.Bytes()))
	assert.Equal(t, sha(want), meta.Checksum)
	assert.Equal(t, 2, meta.N)
	assert.Equal(t, SumsFile, meta.ChecksumFile)
	_, err = uuid.Parse(meta.RunID)
	assert.NoError(t, err)
}

func TestWriteDir(t *testing.T) {
	dir := outputDir(t)

	meta, err := WriteDir(dir, 2)
	require.NoError(t, err)

	sum, err := Checksum(filepath.Join(dir, SumsFile))
	require.NoError(t, err)
	assert.Equal(t, meta.Checksum, sum)

	got, err := Read(filepath.Join(dir, File))
	require.NoError(t, err)
	assert.Equal(t, meta.Checksum, got.Checksum)
	assert.Equal(t, 2, got.N)
	assert.Equal(t, meta.RunID, got.RunID)
	assert.True(t, meta.Created.Equal(got.Created))

	raw, err := os.ReadFile(filepath.Join(dir, File))
	require.NoError(t, err)
	assert.Contains(t, string(raw), "[metadata]")
	assert.Contains(t, string(raw), "N = 2")
}

func TestGenerate_EmptyDir(t *testing.T) {
	meta, sums, err := Generate(t.TempDir(), 0)
	require.NoError(t, err)
	assert.Empty(t, sums)
	assert.Equal(t, sha(""), meta.Checksum)
}

func TestChecksum_Missing(t *testing.T) {
	_, err := Checksum(filepath.Join(t.TempDir(), "missing.parquet"))
	assert.Error(t, err)
}
