// Package model defines the star-schema rows of the land-use analytics database.
package model

import (
	"strings"

	"github.com/rotisserie/eris"
)

// LandUse is one of the five RPA land-use classes. The zero value is invalid.
type LandUse uint8

const (
	Crop LandUse = iota + 1
	Pasture
	Forest
	Urban
	Rangeland
)

// LandUses lists every land use in id order.
var LandUses = []LandUse{Crop, Pasture, Forest, Urban, Rangeland}

// Category groups land uses for reporting.
type Category string

const (
	Agriculture Category = "Agriculture"
	Natural     Category = "Natural"
	Developed   Category = "Developed"
)

type landUseInfo struct {
	code        string
	name        string
	category    Category
	description string
}

var landUseTable = map[LandUse]landUseInfo{
	Crop:      {"cr", "Crop", Agriculture, "Cultivated cropland"},
	Pasture:   {"ps", "Pasture", Agriculture, "Pasture and grazing land on improved forage"},
	Forest:    {"fr", "Forest", Natural, "Forested land"},
	Urban:     {"ur", "Urban", Developed, "Developed land: residential, commercial, industrial, transportation"},
	Rangeland: {"rg", "Rangeland", Natural, "Native grassland and shrubland used for grazing"},
}

// ID returns the dimension surrogate key.
func (l LandUse) ID() int16 { return int16(l) }

// Valid reports whether l is one of the five canonical land uses.
func (l LandUse) Valid() bool {
	_, ok := landUseTable[l]
	return ok
}

// Code returns the two-letter short code.
func (l LandUse) Code() string { return landUseTable[l].code }

// Name returns the display name.
func (l LandUse) Name() string { return landUseTable[l].name }

// Category returns the reporting group.
func (l LandUse) Category() Category { return landUseTable[l].category }

// Description returns the long description.
func (l LandUse) Description() string { return landUseTable[l].description }

func (l LandUse) String() string {
	if !l.Valid() {
		return "unknown"
	}
	return l.Name()
}

// ParseLandUse resolves a short code ("cr") or display name ("Crop"), case-insensitive.
func ParseLandUse(s string) (LandUse, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, l := range LandUses {
		if s == l.Code() || s == strings.ToLower(l.Name()) {
			return l, nil
		}
	}
	return 0, eris.Errorf("model: unknown land use %q", s)
}

// LandUseByID returns the land use for a surrogate key.
func LandUseByID(id int16) (LandUse, bool) {
	l := LandUse(id)
	return l, l.Valid()
}

// LandUseRow is the dim_landuse row for l.
func LandUseRow(l LandUse) LandUseDim {
	return LandUseDim{
		ID:          l.ID(),
		Code:        l.Code(),
		Name:        l.Name(),
		Category:    string(l.Category()),
		Description: l.Description(),
	}
}

// LandUseDim is a dim_landuse row.
type LandUseDim struct {
	ID          int16  `parquet:"landuse_id"`
	Code        string `parquet:"landuse_code"`
	Name        string `parquet:"landuse_name"`
	Category    string `parquet:"landuse_category"`
	Description string `parquet:"description"`
}
