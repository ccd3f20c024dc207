package reference

import (
	_ "embed"
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/rpa-landuse/internal/model"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// Catalog lists the climate models and RCP/SSP pairs of a projection release.
type Catalog struct {
	GCMs  []GCM  `yaml:"gcms"`
	Pairs []Pair `yaml:"pairs"`
}

// GCM is a general circulation model.
type GCM struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// Pair is an RCP/SSP combination.
type Pair struct {
	RCP         string `yaml:"rcp"`
	SSP         string `yaml:"ssp"`
	Description string `yaml:"description"`
	Narrative   string `yaml:"narrative"`
}

// DefaultCatalog returns the embedded RPA 2020 catalog.
func DefaultCatalog() (*Catalog, error) {
	return ParseCatalog(defaultCatalog)
}

// LoadCatalog reads a catalog file, or the embedded default when path is empty.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "reference: read catalog %s", path)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes and checks a YAML catalog.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, eris.Wrap(err, "reference: parse catalog")
	}
	if len(c.GCMs) == 0 {
		return nil, eris.New("reference: catalog lists no climate models")
	}
	if len(c.Pairs) == 0 {
		return nil, eris.New("reference: catalog lists no rcp/ssp pairs")
	}

	seen := make(map[string]bool)
	for _, g := range c.GCMs {
		if g.Name == "" {
			return nil, eris.New("reference: catalog climate model without a name")
		}
		if seen[g.Name] {
			return nil, eris.Errorf("reference: duplicate climate model %q", g.Name)
		}
		seen[g.Name] = true
	}
	for _, p := range c.Pairs {
		if p.RCP == "" || p.SSP == "" {
			return nil, eris.New("reference: catalog pair needs both rcp and ssp")
		}
		key := p.RCP + "_" + p.SSP
		if seen[key] {
			return nil, eris.Errorf("reference: duplicate rcp/ssp pair %q", key)
		}
		seen[key] = true
	}
	return &c, nil
}

// Scenarios expands the catalog into dim_scenario rows. Per-model scenarios
// come first (pair-major, catalog order), followed by one OVERALL ensemble per
// pair. Ids are assigned from 1 in that order.
func (c *Catalog) Scenarios() []model.Scenario {
	rows := make([]model.Scenario, 0, len(c.Pairs)*(len(c.GCMs)+1))
	id := int32(1)
	for _, p := range c.Pairs {
		for _, g := range c.GCMs {
			rows = append(rows, model.Scenario{
				ID:          id,
				Name:        model.ScenarioName(g.Name, p.RCP, p.SSP),
				GCM:         g.Name,
				RCP:         p.RCP,
				SSP:         p.SSP,
				Description: p.Description + "; " + g.Description,
				Narrative:   p.Narrative,
				GCMCount:    1,
			})
			id++
		}
	}
	for _, p := range c.Pairs {
		rows = append(rows, model.Scenario{
			ID:                id,
			Name:              model.OverallName(p.RCP, p.SSP),
			RCP:               p.RCP,
			SSP:               p.SSP,
			Description:       p.Description + "; ensemble mean across climate models",
			Narrative:         p.Narrative,
			IsAggregate:       true,
			AggregationMethod: model.AggregationMean,
			GCMCount:          int32(len(c.GCMs)),
		})
		id++
	}
	return rows
}
