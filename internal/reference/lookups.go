// Package reference loads the dimension reference data (scenario catalog,
// time periods, counties, land uses) and resolves source codes to surrogate keys.
package reference

import (
	"sort"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/rpa-landuse/internal/model"
)

// Options configures Build.
type Options struct {
	Catalog      *Catalog
	Geography    []model.Geography
	TimePeriods  []string
	LandUseCodes map[string]string // source code -> land-use short code
}

// Lookups resolves natural keys to dimension rows. It has no mutators: once
// built it is safe for concurrent readers.
type Lookups struct {
	scenarios   []model.Scenario
	scenarioIdx map[string]int
	ensembles   map[string]int32 // "rcp_ssp" -> OVERALL scenario id
	periods     []model.TimePeriod
	periodIdx   map[string]int
	geography   []model.Geography
	fipsIdx     map[string]int32
	landUses    map[string]model.LandUse
}

// Build assembles frozen lookups from reference data.
func Build(opts Options) (*Lookups, error) {
	if opts.Catalog == nil {
		return nil, eris.New("reference: no scenario catalog")
	}
	if len(opts.Geography) == 0 {
		return nil, eris.New("reference: no geography rows")
	}

	l := &Lookups{
		scenarioIdx: make(map[string]int),
		ensembles:   make(map[string]int32),
		periodIdx:   make(map[string]int),
		fipsIdx:     make(map[string]int32, len(opts.Geography)),
		landUses:    make(map[string]model.LandUse),
	}

	l.scenarios = opts.Catalog.Scenarios()
	for i, s := range l.scenarios {
		l.scenarioIdx[s.Name] = i
		if s.IsAggregate {
			l.ensembles[s.Pair()] = s.ID
		}
	}

	periods := make([]model.TimePeriod, 0, len(opts.TimePeriods))
	for _, label := range opts.TimePeriods {
		tp, err := model.ParseTimePeriod(label)
		if err != nil {
			return nil, err
		}
		periods = append(periods, tp)
	}
	sort.Slice(periods, func(i, j int) bool { return periods[i].StartYear < periods[j].StartYear })
	for i := range periods {
		if i > 0 && periods[i].StartYear < periods[i-1].EndYear {
			return nil, eris.Errorf("reference: time periods %s and %s overlap", periods[i-1].Label, periods[i].Label)
		}
		periods[i].ID = int16(i + 1)
		l.periodIdx[periods[i].Label] = i
	}
	l.periods = periods

	l.geography = opts.Geography
	for _, g := range opts.Geography {
		l.fipsIdx[g.FIPS] = g.ID
	}

	codes := opts.LandUseCodes
	if len(codes) == 0 {
		codes = make(map[string]string)
		for _, lu := range model.LandUses {
			codes[lu.Code()] = lu.Code()
		}
	}
	for src, target := range codes {
		lu, err := model.ParseLandUse(target)
		if err != nil {
			return nil, eris.Wrapf(err, "reference: land-use code mapping %q", src)
		}
		l.landUses[strings.ToLower(src)] = lu
	}

	return l, nil
}

// Scenario resolves a per-model or ensemble scenario name.
func (l *Lookups) Scenario(name string) (model.Scenario, bool) {
	i, ok := l.scenarioIdx[name]
	if !ok {
		return model.Scenario{}, false
	}
	return l.scenarios[i], true
}

// ScenarioByID returns the scenario row for a surrogate key.
func (l *Lookups) ScenarioByID(id int32) (model.Scenario, bool) {
	if id < 1 || int(id) > len(l.scenarios) {
		return model.Scenario{}, false
	}
	return l.scenarios[id-1], true
}

// Ensemble returns the OVERALL scenario id for an "rcp_ssp" pair.
func (l *Lookups) Ensemble(pair string) (int32, bool) {
	id, ok := l.ensembles[pair]
	return id, ok
}

// Period resolves a year-range label.
func (l *Lookups) Period(label string) (model.TimePeriod, bool) {
	i, ok := l.periodIdx[strings.TrimSpace(label)]
	if !ok {
		return model.TimePeriod{}, false
	}
	return l.periods[i], true
}

// Geography resolves a 5-digit FIPS code to its surrogate id.
func (l *Lookups) Geography(fips string) (int32, bool) {
	id, ok := l.fipsIdx[fips]
	return id, ok
}

// LandUse resolves a source land-use code.
func (l *Lookups) LandUse(code string) (model.LandUse, bool) {
	lu, ok := l.landUses[strings.ToLower(strings.TrimSpace(code))]
	return lu, ok
}

// Scenarios returns all scenario rows in id order.
func (l *Lookups) Scenarios() []model.Scenario {
	return append([]model.Scenario(nil), l.scenarios...)
}

// Periods returns all time period rows in id order.
func (l *Lookups) Periods() []model.TimePeriod {
	return append([]model.TimePeriod(nil), l.periods...)
}

// Counties returns all geography rows in id order.
func (l *Lookups) Counties() []model.Geography {
	return append([]model.Geography(nil), l.geography...)
}

// LandUseRows returns the five dim_landuse rows.
func (l *Lookups) LandUseRows() []model.LandUseDim {
	rows := make([]model.LandUseDim, 0, len(model.LandUses))
	for _, lu := range model.LandUses {
		rows = append(rows, model.LandUseRow(lu))
	}
	return rows
}
