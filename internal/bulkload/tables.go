package bulkload

import "github.com/sells-group/rpa-landuse/internal/model"

// Star-schema tables. Column lists follow the parquet tags of the row types.
var (
	ScenarioTable = Table[model.Scenario]{
		Name: "dim_scenario",
		Columns: []string{
			"scenario_id", "scenario_name", "gcm_model", "rcp_scenario", "ssp_scenario",
			"description", "narrative", "is_aggregate", "aggregation_method", "gcm_count",
		},
		Values: func(s model.Scenario) []any {
			return []any{
				s.ID, s.Name, nullString(s.GCM), s.RCP, s.SSP,
				nullString(s.Description), nullString(s.Narrative), s.IsAggregate,
				nullString(s.AggregationMethod), s.GCMCount,
			}
		},
	}

	TimeTable = Table[model.TimePeriod]{
		Name:    "dim_time",
		Columns: []string{"time_id", "year_range", "start_year", "end_year", "period_length"},
		Values: func(p model.TimePeriod) []any {
			return []any{p.ID, p.Label, p.StartYear, p.EndYear, p.PeriodLength}
		},
	}

	GeographyTable = Table[model.Geography]{
		Name:    "dim_geography",
		Columns: []string{"geography_id", "fips_code", "county_name", "state_code", "state_name", "region"},
		Values: func(g model.Geography) []any {
			return []any{g.ID, g.FIPS, g.CountyName, g.StateCode, g.StateName, g.Region}
		},
	}

	LandUseTable = Table[model.LandUseDim]{
		Name:    "dim_landuse",
		Columns: []string{"landuse_id", "landuse_code", "landuse_name", "landuse_category", "description"},
		Values: func(l model.LandUseDim) []any {
			return []any{l.ID, l.Code, l.Name, l.Category, l.Description}
		},
	}

	TransitionTable = Table[model.Transition]{
		Name: "fact_landuse_transitions",
		Columns: []string{
			"transition_id", "scenario_id", "time_id", "geography_id",
			"from_landuse_id", "to_landuse_id", "acres",
			"acres_std_dev", "acres_min", "acres_max", "transition_type",
		},
		Values: func(t model.Transition) []any {
			return []any{
				t.ID, t.ScenarioID, t.TimeID, t.GeographyID,
				t.FromLandUseID, t.ToLandUseID, t.Acres,
				nullFloat(t.AcresStdDev), nullFloat(t.AcresMin), nullFloat(t.AcresMax), t.TransitionType,
			}
		},
	}
)

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}
