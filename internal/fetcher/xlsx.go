package fetcher

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
)

// ReadSheet returns the non-blank rows of one worksheet as trimmed strings.
// An empty name selects the first sheet. Trailing empty cells are dropped,
// so rows may differ in length.
func ReadSheet(path, name string) ([][]string, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: open workbook %s", path)
	}
	if len(f.Sheets) == 0 {
		return nil, eris.Errorf("fetcher: workbook %s has no sheets", path)
	}

	sheet := f.Sheets[0]
	if name != "" {
		var ok bool
		if sheet, ok = f.Sheet[name]; !ok {
			return nil, eris.Errorf("fetcher: workbook %s has no sheet %q", path, name)
		}
	}

	var rows [][]string
	for _, row := range sheet.Rows {
		cells := make([]string, 0, len(row.Cells))
		last := -1
		for i, cell := range row.Cells {
			v := strings.TrimSpace(cell.String())
			cells = append(cells, v)
			if v != "" {
				last = i
			}
		}
		if last < 0 {
			continue
		}
		rows = append(rows, cells[:last+1])
	}
	return rows, nil
}
