package reference

// State is a US state (or DC) keyed by its 2-digit FIPS code.
type State struct {
	FIPS   string
	Abbr   string
	Name   string
	Region string
}

// Census regions.
const (
	RegionNortheast = "Northeast"
	RegionMidwest   = "Midwest"
	RegionSouth     = "South"
	RegionWest      = "West"
)

// States maps 2-digit state FIPS code to state metadata for all 50 states + DC.
var States = map[string]State{
	"01": {"01", "AL", "Alabama", RegionSouth},
	"02": {"02", "AK", "Alaska", RegionWest},
	"04": {"04", "AZ", "Arizona", RegionWest},
	"05": {"05", "AR", "Arkansas", RegionSouth},
	"06": {"06", "CA", "California", RegionWest},
	"08": {"08", "CO", "Colorado", RegionWest},
	"09": {"09", "CT", "Connecticut", RegionNortheast},
	"10": {"10", "DE", "Delaware", RegionSouth},
	"11": {"11", "DC", "District of Columbia", RegionSouth},
	"12": {"12", "FL", "Florida", RegionSouth},
	"13": {"13", "GA", "Georgia", RegionSouth},
	"15": {"15", "HI", "Hawaii", RegionWest},
	"16": {"16", "ID", "Idaho", RegionWest},
	"17": {"17", "IL", "Illinois", RegionMidwest},
	"18": {"18", "IN", "Indiana", RegionMidwest},
	"19": {"19", "IA", "Iowa", RegionMidwest},
	"20": {"20", "KS", "Kansas", RegionMidwest},
	"21": {"21", "KY", "Kentucky", RegionSouth},
	"22": {"22", "LA", "Louisiana", RegionSouth},
	"23": {"23", "ME", "Maine", RegionNortheast},
	"24": {"24", "MD", "Maryland", RegionSouth},
	"25": {"25", "MA", "Massachusetts", RegionNortheast},
	"26": {"26", "MI", "Michigan", RegionMidwest},
	"27": {"27", "MN", "Minnesota", RegionMidwest},
	"28": {"28", "MS", "Mississippi", RegionSouth},
	"29": {"29", "MO", "Missouri", RegionMidwest},
	"30": {"30", "MT", "Montana", RegionWest},
	"31": {"31", "NE", "Nebraska", RegionMidwest},
	"32": {"32", "NV", "Nevada", RegionWest},
	"33": {"33", "NH", "New Hampshire", RegionNortheast},
	"34": {"34", "NJ", "New Jersey", RegionNortheast},
	"35": {"35", "NM", "New Mexico", RegionWest},
	"36": {"36", "NY", "New York", RegionNortheast},
	"37": {"37", "NC", "North Carolina", RegionSouth},
	"38": {"38", "ND", "North Dakota", RegionMidwest},
	"39": {"39", "OH", "Ohio", RegionMidwest},
	"40": {"40", "OK", "Oklahoma", RegionSouth},
	"41": {"41", "OR", "Oregon", RegionWest},
	"42": {"42", "PA", "Pennsylvania", RegionNortheast},
	"44": {"44", "RI", "Rhode Island", RegionNortheast},
	"45": {"45", "SC", "South Carolina", RegionSouth},
	"46": {"46", "SD", "South Dakota", RegionMidwest},
	"47": {"47", "TN", "Tennessee", RegionSouth},
	"48": {"48", "TX", "Texas", RegionSouth},
	"49": {"49", "UT", "Utah", RegionWest},
	"50": {"50", "VT", "Vermont", RegionNortheast},
	"51": {"51", "VA", "Virginia", RegionSouth},
	"53": {"53", "WA", "Washington", RegionWest},
	"54": {"54", "WV", "West Virginia", RegionSouth},
	"55": {"55", "WI", "Wisconsin", RegionMidwest},
	"56": {"56", "WY", "Wyoming", RegionWest},
}

// StateForCounty returns the state of a 5-digit county FIPS code.
func StateForCounty(fips string) (State, bool) {
	if len(fips) != 5 {
		return State{}, false
	}
	s, ok := States[fips[:2]]
	return s, ok
}
