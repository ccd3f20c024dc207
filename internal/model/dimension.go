package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// AggregationMean marks ensemble scenarios whose acres are the cross-model mean.
const AggregationMean = "mean"

// OverallPrefix names synthesized ensemble scenarios: OVERALL_<rcp>_<ssp>.
const OverallPrefix = "OVERALL"

// Scenario is a dim_scenario row: one climate model under one RCP/SSP pair,
// or an ensemble across models sharing the pair.
type Scenario struct {
	ID                int32  `parquet:"scenario_id"`
	Name              string `parquet:"scenario_name"`
	GCM               string `parquet:"gcm_model,optional"`
	RCP               string `parquet:"rcp_scenario"`
	SSP               string `parquet:"ssp_scenario"`
	Description       string `parquet:"description,optional"`
	Narrative         string `parquet:"narrative,optional"`
	IsAggregate       bool   `parquet:"is_aggregate"`
	AggregationMethod string `parquet:"aggregation_method,optional"`
	GCMCount          int32  `parquet:"gcm_count"`
}

// ScenarioName builds the source label for a climate model run, e.g.
// "CNRM_CM5_rcp45_ssp1".
func ScenarioName(gcm, rcp, ssp string) string {
	return gcm + "_" + rcp + "_" + ssp
}

// OverallName builds the ensemble scenario name for an RCP/SSP pair.
func OverallName(rcp, ssp string) string {
	return OverallPrefix + "_" + rcp + "_" + ssp
}

// Pair returns the "rcp_ssp" grouping key.
func (s Scenario) Pair() string { return s.RCP + "_" + s.SSP }

// TimePeriod is a dim_time row.
type TimePeriod struct {
	ID           int16  `parquet:"time_id"`
	Label        string `parquet:"year_range"`
	StartYear    int16  `parquet:"start_year"`
	EndYear      int16  `parquet:"end_year"`
	PeriodLength int16  `parquet:"period_length"`
}

// ParseTimePeriod parses a "2020-2030" year-range label.
func ParseTimePeriod(label string) (TimePeriod, error) {
	label = strings.TrimSpace(label)
	start, end, ok := strings.Cut(label, "-")
	if !ok {
		return TimePeriod{}, eris.Errorf("model: year range %q is not START-END", label)
	}
	s, err := strconv.ParseInt(strings.TrimSpace(start), 10, 16)
	if err != nil {
		return TimePeriod{}, eris.Wrapf(err, "model: year range %q start", label)
	}
	e, err := strconv.ParseInt(strings.TrimSpace(end), 10, 16)
	if err != nil {
		return TimePeriod{}, eris.Wrapf(err, "model: year range %q end", label)
	}
	if s >= e {
		return TimePeriod{}, eris.Errorf("model: year range %q must start before it ends", label)
	}
	return TimePeriod{
		Label:        fmt.Sprintf("%d-%d", s, e),
		StartYear:    int16(s),
		EndYear:      int16(e),
		PeriodLength: int16(e - s),
	}, nil
}

// Geography is a dim_geography row for one US county.
type Geography struct {
	ID         int32  `parquet:"geography_id"`
	FIPS       string `parquet:"fips_code"`
	CountyName string `parquet:"county_name"`
	StateCode  string `parquet:"state_code"`
	StateName  string `parquet:"state_name"`
	Region     string `parquet:"region"`
}

// NormalizeFIPS zero-pads a county FIPS code to 5 digits. Returns "" when the
// input is not 1-5 ASCII digits.
func NormalizeFIPS(code string) string {
	code = strings.TrimSpace(code)
	if code == "" || len(code) > 5 {
		return ""
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return ""
		}
	}
	for len(code) < 5 {
		code = "0" + code
	}
	return code
}

// SchemaVersion is a schema_version row.
type SchemaVersion struct {
	Version     string    `json:"version"`
	Description string    `json:"description"`
	AppliedAt   time.Time `json:"applied_at"`
	AppliedBy   string    `json:"applied_by"`
}
