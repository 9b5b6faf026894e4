package tenant

import (
	_ "embed"
	"maps"
	"os"
	"sort"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

//go:embed plans.yaml
var defaultPlans []byte

// DefaultPlan is used when a provisioning request names no plan.
const DefaultPlan = "basic"

// Plan is one entry of the plan catalogue.
type Plan struct {
	Name               string          `yaml:"-"`
	MaxUsers           int             `yaml:"max_users"`
	MaxTicketsPerMonth int             `yaml:"max_tickets_month"`
	Features           map[string]bool `yaml:"features"`
}

// FeatureMap returns the plan's features in the form stored on a tenant.
func (p Plan) FeatureMap() map[string]any {
	out := make(map[string]any, len(p.Features))
	for k, v := range p.Features {
		out[k] = v
	}
	return out
}

// Catalogue maps plan names to plans.
type Catalogue map[string]Plan

// DefaultCatalogue returns the embedded plan catalogue.
func DefaultCatalogue() Catalogue {
	c, err := ParseCatalogue(defaultPlans)
	if err != nil {
		panic(err)
	}
	return c
}

// LoadCatalogue reads a catalogue from path, or returns the embedded one
// when path is empty.
func LoadCatalogue(path string) (Catalogue, error) {
	if path == "" {
		return DefaultCatalogue(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "tenant: read plans file %s", path)
	}
	return ParseCatalogue(data)
}

// ParseCatalogue decodes a YAML plan catalogue.
func ParseCatalogue(data []byte) (Catalogue, error) {
	raw := map[string]Plan{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, eris.Wrap(err, "tenant: parse plans")
	}
	if len(raw) == 0 {
		return nil, eris.New("tenant: plan catalogue is empty")
	}
	c := make(Catalogue, len(raw))
	for name, p := range raw {
		if p.MaxUsers <= 0 || p.MaxTicketsPerMonth <= 0 {
			return nil, eris.Errorf("tenant: plan %q needs positive limits", name)
		}
		p.Name = name
		if p.Features == nil {
			p.Features = map[string]bool{}
		}
		c[name] = p
	}
	return c, nil
}

// Lookup returns the named plan. An empty name selects DefaultPlan.
func (c Catalogue) Lookup(name string) (Plan, error) {
	if name == "" {
		name = DefaultPlan
	}
	p, ok := c[name]
	if !ok {
		return Plan{}, eris.Wrapf(ErrUnknownPlan, "tenant: plan %q", name)
	}
	return p, nil
}

// Names returns the plan names in sorted order.
func (c Catalogue) Names() []string {
	names := make([]string, 0, len(c))
	for name := range maps.Keys(c) {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
