package reference

import (
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/sells-group/rpa-landuse/internal/fetcher"
	"github.com/sells-group/rpa-landuse/internal/model"
)

// censusCountyLevel is the Census "Summary Level" of county rows in the
// all-geocodes workbook.
const censusCountyLevel = "050"

// LoadGeography reads county reference rows from a CSV, a TIGER/Line county
// shapefile or a Census geocodes workbook, chosen by file extension. Rows are
// sorted by FIPS and given ids from 1.
func LoadGeography(path string) ([]model.Geography, error) {
	var (
		rows []model.Geography
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv", ".txt":
		rows, err = readGeographyCSV(path)
	case ".shp":
		rows, err = readGeographyShapefile(path)
	case ".xlsx":
		rows, err = readGeographyXLSX(path)
	default:
		return nil, eris.Errorf("reference: unsupported geography file %q (want .csv, .shp or .xlsx)", path)
	}
	if err != nil {
		return nil, err
	}
	return finishGeography(rows)
}

// readGeographyCSV reads a header-led CSV. Recognised columns: fips (or
// fips_code, geoid), county_name (or name, county), and optionally state_code,
// state_name and region.
func readGeographyCSV(path string) ([]model.Geography, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "reference: open geography %s", path)
	}
	defer f.Close() //nolint:errcheck

	reader := csv.NewReader(f)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, eris.Wrapf(err, "reference: read geography header %s", path)
	}
	cols := headerIndex(header)
	if _, ok := cols.find("fips", "fips_code", "geoid"); !ok {
		return nil, eris.Errorf("reference: geography %s has no fips column", path)
	}

	var rows []model.Geography
	for line := 2; ; line++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, eris.Wrapf(err, "reference: geography %s line %d", path, line)
		}
		rows = append(rows, model.Geography{
			FIPS:       cols.get(record, "fips", "fips_code", "geoid"),
			CountyName: cols.get(record, "county_name", "name", "county"),
			StateCode:  cols.get(record, "state_code", "state_abbr", "state"),
			StateName:  cols.get(record, "state_name"),
			Region:     cols.get(record, "region"),
		})
	}
	return rows, nil
}

// readGeographyShapefile reads a TIGER/Line county shapefile (GEOID, NAME).
func readGeographyShapefile(path string) ([]model.Geography, error) {
	reader, err := shp.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "reference: open shapefile %s", path)
	}
	defer func() { _ = reader.Close() }()

	fields := reader.Fields()
	fieldIdx := make(map[string]int, len(fields))
	for i, f := range fields {
		name := strings.TrimRight(f.String(), "\x00")
		fieldIdx[strings.ToLower(name)] = i
	}
	geoidIdx, ok := fieldIdx["geoid"]
	if !ok {
		return nil, eris.Errorf("reference: shapefile %s has no GEOID field", path)
	}
	nameIdx, hasName := fieldIdx["name"]

	attr := func(idx int) string {
		return strings.TrimSpace(strings.TrimRight(reader.Attribute(idx), "\x00"))
	}

	var rows []model.Geography
	for reader.Next() {
		g := model.Geography{FIPS: attr(geoidIdx)}
		if hasName {
			g.CountyName = attr(nameIdx)
		}
		rows = append(rows, g)
	}
	return rows, nil
}

// readGeographyXLSX reads either a simple fips/county_name sheet or the Census
// all-geocodes workbook, whose header row sits below a title block and whose
// county rows carry summary level 050.
func readGeographyXLSX(path string) ([]model.Geography, error) {
	sheet, err := fetcher.ReadSheet(path, "")
	if err != nil {
		return nil, eris.Wrapf(err, "reference: read workbook %s", path)
	}

	for i, header := range sheet {
		cols := headerIndex(header)
		if _, ok := cols.find("summary level"); ok {
			return censusGeocodeRows(cols, sheet[i+1:]), nil
		}
		if _, ok := cols.find("fips", "fips_code", "geoid"); ok {
			var rows []model.Geography
			for _, record := range sheet[i+1:] {
				rows = append(rows, model.Geography{
					FIPS:       cols.get(record, "fips", "fips_code", "geoid"),
					CountyName: cols.get(record, "county_name", "name", "county"),
					StateCode:  cols.get(record, "state_code", "state_abbr", "state"),
					StateName:  cols.get(record, "state_name"),
					Region:     cols.get(record, "region"),
				})
			}
			return rows, nil
		}
	}
	return nil, eris.Errorf("reference: workbook %s has no recognisable header row", path)
}

func censusGeocodeRows(cols columnIndex, records [][]string) []model.Geography {
	var rows []model.Geography
	for _, record := range records {
		if cols.get(record, "summary level") != censusCountyLevel {
			continue
		}
		state := cols.get(record, "state code (fips)")
		county := cols.get(record, "county code (fips)")
		rows = append(rows, model.Geography{
			FIPS:       padLeft(state, 2) + padLeft(county, 3),
			CountyName: cols.get(record, "area name (including legal/statistical area description)", "area name"),
		})
	}
	return rows
}

var titleCaser = cases.Title(language.English)

// finishGeography normalizes codes, fills state attributes from the FIPS
// prefix, rejects duplicates and assigns ids.
func finishGeography(rows []model.Geography) ([]model.Geography, error) {
	log := zap.L().With(zap.String("component", "reference.geography"))

	out := make([]model.Geography, 0, len(rows))
	seen := make(map[string]bool, len(rows))
	var dropped int
	for _, g := range rows {
		raw := g.FIPS
		g.FIPS = model.NormalizeFIPS(raw)
		if g.FIPS == "" {
			dropped++
			log.Debug("dropping geography row with invalid fips", zap.String("fips", raw))
			continue
		}
		if seen[g.FIPS] {
			return nil, eris.Errorf("reference: duplicate county fips %s", g.FIPS)
		}
		seen[g.FIPS] = true

		if st, ok := StateForCounty(g.FIPS); ok {
			if g.StateCode == "" {
				g.StateCode = st.Abbr
			}
			if g.StateName == "" {
				g.StateName = st.Name
			}
			if g.Region == "" {
				g.Region = st.Region
			}
		}
		g.StateCode = strings.ToUpper(g.StateCode)
		if g.CountyName == strings.ToUpper(g.CountyName) {
			g.CountyName = titleCaser.String(g.CountyName)
		}
		out = append(out, g)
	}

	if dropped > 0 {
		log.Warn("geography rows dropped", zap.Int("dropped", dropped))
	}
	if len(out) == 0 {
		return nil, eris.New("reference: geography reference has no counties")
	}

	sort.Slice(out, func(i, j int) bool { return out[i].FIPS < out[j].FIPS })
	for i := range out {
		out[i].ID = int32(i + 1)
	}
	return out, nil
}

// columnIndex maps lower-cased header names to positions.
type columnIndex map[string]int

func headerIndex(header []string) columnIndex {
	m := make(columnIndex, len(header))
	for i, h := range header {
		m[strings.ToLower(strings.TrimSpace(h))] = i
	}
	return m
}

func (c columnIndex) find(names ...string) (int, bool) {
	for _, n := range names {
		if idx, ok := c[n]; ok {
			return idx, true
		}
	}
	return 0, false
}

func (c columnIndex) get(record []string, names ...string) string {
	idx, ok := c.find(names...)
	if !ok || idx >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[idx])
}

func padLeft(s string, n int) string {
	s = strings.TrimSpace(s)
	for len(s) < n {
		s = "0" + s
	}
	return s
}
