package fetcher

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"
)

func writeWorkbook(t *testing.T, sheets []string, rows map[string][][]string) string {
	t.Helper()
	f := xlsx.NewFile()
	for _, name := range sheets {
		sheet, err := f.AddSheet(name)
		require.NoError(t, err)
		for _, values := range rows[name] {
			row := sheet.AddRow()
			for _, v := range values {
				row.AddCell().SetString(v)
			}
		}
	}
	path := filepath.Join(t.TempDir(), "geocodes.xlsx")
	require.NoError(t, f.Save(path))
	return path
}

func TestReadSheet_FirstSheet(t *testing.T) {
	path := writeWorkbook(t, []string{"Counties", "Notes"}, map[string][][]string{
		"Counties": {
			{"fips", "county_name"},
			{"01001", " Autauga County "},
			{"01003", "Baldwin County"},
		},
		"Notes": {{"ignored"}},
	})

	rows, err := ReadSheet(path, "")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"fips", "county_name"}, rows[0])
	assert.Equal(t, []string{"01001", "Autauga County"}, rows[1])
}

func TestReadSheet_DropsBlankRowsAndTrailingCells(t *testing.T) {
	path := writeWorkbook(t, []string{"Sheet1"}, map[string][][]string{
		"Sheet1": {
			{"Census geocodes", "", ""},
			{"", "", ""},
			{"Summary Level", "State Code (FIPS)", ""},
		},
	})

	rows, err := ReadSheet(path, "")
	require.NoError(t, err)
	assert.Equal(t, [][]string{
		{"Census geocodes"},
		{"Summary Level", "State Code (FIPS)"},
	}, rows)
}

func TestReadSheet_Named(t *testing.T) {
	path := writeWorkbook(t, []string{"Title", "Counties"}, map[string][][]string{
		"Title":    {{"x"}},
		"Counties": {{"06037", "Los Angeles County"}},
	})

	rows, err := ReadSheet(path, "Counties")
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"06037", "Los Angeles County"}}, rows)

	_, err = ReadSheet(path, "Missing")
	assert.ErrorContains(t, err, `no sheet "Missing"`)
}

func TestReadSheet_MissingFile(t *testing.T) {
	_, err := ReadSheet(filepath.Join(t.TempDir(), "missing.xlsx"), "")
	assert.ErrorContains(t, err, "fetcher: open workbook")
}
