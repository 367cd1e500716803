package shipping

import (
	"fmt"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// Carrier describes how a carrier is shipped with. Quoted carriers are rated
// and labelled through the API; the rest need a tracking number typed in.
type Carrier struct {
	Code          string   `yaml:"code"`
	Name          string   `yaml:"name"`
	RequiresQuote bool     `yaml:"requires_quote"`
	Services      []string `yaml:"services"`
}

func (c Carrier) SupportsService(service string) bool {
	if len(c.Services) == 0 {
		return true
	}
	return slices.Contains(c.Services, service)
}

type Catalog struct {
	carriers map[string]Carrier
	codes    []string
}

func NewCatalog(carriers ...Carrier) Catalog {
	c := Catalog{carriers: make(map[string]Carrier, len(carriers))}
	for _, cr := range carriers {
		code := strings.ToUpper(cr.Code)
		cr.Code = code
		if _, dup := c.carriers[code]; !dup {
			c.codes = append(c.codes, code)
		}
		c.carriers[code] = cr
	}
	return c
}

func DefaultCatalog() Catalog {
	return NewCatalog(
		Carrier{Code: "UPS", Name: "UPS", RequiresQuote: true, Services: []string{"GROUND", "2DAY", "NEXT_DAY"}},
		Carrier{Code: "FEDEX", Name: "FedEx", RequiresQuote: true, Services: []string{"GROUND", "EXPRESS", "OVERNIGHT"}},
		Carrier{Code: "USPS", Name: "USPS", RequiresQuote: true, Services: []string{"GROUND_ADVANTAGE", "PRIORITY"}},
		Carrier{Code: "LOCAL_COURIER", Name: "Local courier"},
		Carrier{Code: "FREIGHT", Name: "LTL freight"},
	)
}

func (c Catalog) Lookup(code string) (Carrier, bool) {
	cr, ok := c.carriers[strings.ToUpper(strings.TrimSpace(code))]
	return cr, ok
}

func (c Catalog) Carriers() []Carrier {
	out := make([]Carrier, 0, len(c.codes))
	for _, code := range c.codes {
		out = append(out, c.carriers[code])
	}
	return out
}

type catalogFile struct {
	Carriers []Carrier `yaml:"carriers"`
}

// LoadCatalog reads a YAML carrier list.
func LoadCatalog(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("read carrier catalog: %w", err)
	}
	return ParseCatalog(data)
}

func ParseCatalog(data []byte) (Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Catalog{}, fmt.Errorf("parse carrier catalog: %w", err)
	}
	if len(f.Carriers) == 0 {
		return Catalog{}, fmt.Errorf("carrier catalog lists no carriers")
	}
	for idx, cr := range f.Carriers {
		if strings.TrimSpace(cr.Code) == "" {
			return Catalog{}, fmt.Errorf("carrier %d has no code", idx)
		}
	}
	return NewCatalog(f.Carriers...), nil
}
