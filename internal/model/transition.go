package model

// Transition types.
const (
	TransitionChange = "change"
	TransitionSame   = "same"
)

// Transition is a fact_landuse_transitions row: acres moving from one land
// use to another in a county over a period under a scenario. The spread
// fields are set only for ensemble scenarios.
type Transition struct {
	ID             int64    `parquet:"transition_id"`
	ScenarioID     int32    `parquet:"scenario_id"`
	TimeID         int16    `parquet:"time_id"`
	GeographyID    int32    `parquet:"geography_id"`
	FromLandUseID  int16    `parquet:"from_landuse_id"`
	ToLandUseID    int16    `parquet:"to_landuse_id"`
	Acres          float64  `parquet:"acres"`
	AcresStdDev    *float64 `parquet:"acres_std_dev,optional"`
	AcresMin       *float64 `parquet:"acres_min,optional"`
	AcresMax       *float64 `parquet:"acres_max,optional"`
	TransitionType string   `parquet:"transition_type"`
}

// TransitionType classifies a from/to pair.
func TransitionType(from, to LandUse) string {
	if from == to {
		return TransitionSame
	}
	return TransitionChange
}
