package fetcher

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestZIP(t *testing.T, files map[string]string) string {
	t.Helper()
	zipPath := filepath.Join(t.TempDir(), "test.zip")
	f, err := os.Create(zipPath)
	require.NoError(t, err)
	defer f.Close() //nolint:errcheck

	w := zip.NewWriter(f)
	for name, content := range files {
		fw, err := w.Create(name)
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return zipPath
}

func TestExtractZIPMatch(t *testing.T) {
	zipPath := createTestZIP(t, map[string]string{
		"RDS-2023-0026/Data/county_landuse_projections.JSON": `{"a":1}`,
		"RDS-2023-0026/_metadata_RDS-2023-0026.xml":          "<xml/>",
		"RDS-2023-0026/Supplements/readme.txt":               "readme",
	})

	destDir := t.TempDir()
	path, err := ExtractZIPMatch(zipPath, ".json", destDir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(destDir, "RDS-2023-0026/Data/county_landuse_projections.JSON"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(data))
}

func TestExtractZIPMatch_SkipsResourceForks(t *testing.T) {
	zipPath := createTestZIP(t, map[string]string{
		"data.json":          "{}",
		"__MACOSX/._data.json": "fork",
	})

	path, err := ExtractZIPMatch(zipPath, ".json", t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "data.json", filepath.Base(path))
}

func TestExtractZIPMatch_NoneOrMany(t *testing.T) {
	none := createTestZIP(t, map[string]string{"a.txt": "aaa"})
	_, err := ExtractZIPMatch(none, ".json", t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "got 0")

	many := createTestZIP(t, map[string]string{"a.json": "{}", "b.json": "{}"})
	_, err = ExtractZIPMatch(many, ".json", t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "got 2")
}

func TestExtractZIPMatch_ZipSlip(t *testing.T) {
	zipPath := createTestZIP(t, map[string]string{"../../evil.json": "{}"})
	_, err := ExtractZIPMatch(zipPath, ".json", t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "zip slip")
}

func TestExtractZIPMatch_BadArchive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.zip")
	require.NoError(t, os.WriteFile(path, []byte("not a zip"), 0o644))
	_, err := ExtractZIPMatch(path, ".json", t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open archive")
}
