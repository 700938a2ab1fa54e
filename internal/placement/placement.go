// Package placement loads ad slot definitions from YAML.
package placement

import (
	"os"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/adbroker/internal/model"
)

// Defaults are applied to placements that leave a field unset.
type Defaults struct {
	BidderTimeoutMs int      `yaml:"bidder_timeout_ms"`
	GlobalTimeoutMs int      `yaml:"global_timeout_ms"`
	IntentThreshold float64  `yaml:"intent_threshold"`
	Networks        []string `yaml:"networks"`
}

// Set is a loaded placement file.
type Set struct {
	Defaults   Defaults                   `yaml:"defaults"`
	Placements map[string]model.Placement `yaml:"-"`
}

const (
	defaultBidderTimeoutMs = 300
	defaultGlobalTimeoutMs = 800
)

// Load reads placements from a YAML file.
func Load(path string) (*Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "placement: read config %s", path)
	}
	return Parse(data)
}

// Parse decodes placements from YAML with a top-level "placements" key.
func Parse(data []byte) (*Set, error) {
	var wrapper struct {
		Placements struct {
			Defaults Defaults          `yaml:"defaults"`
			Items    []model.Placement `yaml:"items"`
		} `yaml:"placements"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "placement: parse config")
	}

	set := &Set{
		Defaults:   wrapper.Placements.Defaults,
		Placements: make(map[string]model.Placement, len(wrapper.Placements.Items)),
	}
	if set.Defaults.BidderTimeoutMs <= 0 {
		set.Defaults.BidderTimeoutMs = defaultBidderTimeoutMs
	}
	if set.Defaults.GlobalTimeoutMs <= 0 {
		set.Defaults.GlobalTimeoutMs = defaultGlobalTimeoutMs
	}

	for i, p := range wrapper.Placements.Items {
		p.ID = strings.TrimSpace(p.ID)
		if p.ID == "" {
			return nil, eris.Errorf("placement: item %d has no id", i)
		}
		if _, dup := set.Placements[p.ID]; dup {
			return nil, eris.Errorf("placement: duplicate id %q", p.ID)
		}
		set.Placements[p.ID] = set.applyDefaults(p)
	}
	return set, nil
}

func (s *Set) applyDefaults(p model.Placement) model.Placement {
	bidders := make([]model.BidderConfig, len(p.Bidders))
	for i, b := range p.Bidders {
		if b.TimeoutMs <= 0 {
			b.TimeoutMs = s.Defaults.BidderTimeoutMs
		}
		bidders[i] = b
	}
	p.Bidders = bidders

	if p.GlobalTimeoutMs <= 0 {
		p.GlobalTimeoutMs = s.Defaults.GlobalTimeoutMs
	}
	if p.MaxFanout <= 0 {
		p.MaxFanout = len(p.Bidders)
	}
	if p.Trigger.IntentThreshold == 0 {
		p.Trigger.IntentThreshold = s.Defaults.IntentThreshold
	}
	if len(p.Networks) == 0 {
		p.Networks = append([]string(nil), s.Defaults.Networks...)
	}
	return p
}

// Get returns the placement with the given id.
func (s *Set) Get(id string) (model.Placement, bool) {
	p, ok := s.Placements[id]
	return p, ok
}

// IDs returns the placement ids in sorted order.
func (s *Set) IDs() []string {
	ids := make([]string, 0, len(s.Placements))
	for id := range s.Placements {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
