package main

import (
	"embed"
	"fmt"

	"gopkg.in/yaml.v3"
)

//go:embed data/*.yaml
var catalogFS embed.FS

const (
	kindBasic       = "basic"
	kindConditional = "conditional"
	kindConflicting = "conflicting"
	kindHidden      = "hidden"
)

const (
	tierEasy      = "easy"
	tierMedium    = "medium"
	tierHard      = "hard"
	tierExpert    = "expert"
	tierNightmare = "nightmare"
)

const (
	rarityCommon    = "common"
	rarityUncommon  = "uncommon"
	rarityRare      = "rare"
	rarityLegendary = "legendary"
)

// Rule is an immutable catalog entry. Shifts hold rule ids, never copies;
// behaviour is looked up by id in the check tables in violations.go.
type Rule struct {
	ID               string   `yaml:"id" json:"id"`
	Title            string   `yaml:"title" json:"title"`
	Description      string   `yaml:"description" json:"description"`
	Tier             string   `yaml:"tier" json:"tier"`
	Kind             string   `yaml:"kind" json:"kind"`
	Visible          bool     `yaml:"visible" json:"visible"`
	ConflictsWith    []string `yaml:"conflicts_with" json:"conflicts_with,omitempty"`
	ViolationMessage string   `yaml:"violation_message" json:"violation_message"`
}

// RoutePreference marks a passenger as preferring or fearing a route type.
type RoutePreference struct {
	Route      string `yaml:"route" json:"route"`
	Preference string `yaml:"preference" json:"preference"` // "prefers" | "fears"
}

// RuleModification is a passenger's optional ability to alter the active rule
// set on ride completion: remove_rule, reveal_hidden or add_temporary.
type RuleModification struct {
	Kind   string  `yaml:"kind" json:"kind"`
	RuleID string  `yaml:"rule_id" json:"rule_id,omitempty"`
	Chance float64 `yaml:"chance" json:"chance"`
}

// Passenger is an immutable catalog entry.
type Passenger struct {
	ID               string            `yaml:"id" json:"id"`
	Name             string            `yaml:"name" json:"name"`
	Kind             string            `yaml:"kind" json:"kind"`
	Rarity           string            `yaml:"rarity" json:"rarity"`
	Fare             int               `yaml:"fare" json:"fare"`
	RiskLevel        int               `yaml:"risk_level" json:"risk_level"`
	ItemPool         []string          `yaml:"item_pool" json:"item_pool,omitempty"`
	DialoguePool     []string          `yaml:"dialogue_pool" json:"dialogue_pool,omitempty"`
	RelatedIDs       []string          `yaml:"related_ids" json:"related_ids,omitempty"`
	RoutePreferences []RoutePreference `yaml:"route_preferences" json:"route_preferences,omitempty"`
	RuleModification *RuleModification `yaml:"rule_modification" json:"rule_modification,omitempty"`
}

// Location is an immutable catalog entry.
type Location struct {
	Name      string `yaml:"name" json:"name"`
	RiskLevel int    `yaml:"risk_level" json:"risk_level"`
}

// Balance holds the tuning table loaded from data/balance.yaml.
type Balance struct {
	ShiftMinutes               int     `yaml:"shift_minutes"`
	StartingFuel               int     `yaml:"starting_fuel"`
	MinimumEarnings            int     `yaml:"minimum_earnings"`
	SurvivalBonus              int     `yaml:"survival_bonus"`
	FareVariation              int     `yaml:"fare_variation"`
	MinimumFare                int     `yaml:"minimum_fare"`
	DeclinePenaltyMinutes      int     `yaml:"decline_penalty_minutes"`
	FuelPricePerUnit           int     `yaml:"fuel_price_per_unit"`
	LowFuelThreshold           int     `yaml:"low_fuel_threshold"`
	LowTimeThreshold           int     `yaml:"low_time_threshold"`
	ItemDropChance             float64 `yaml:"item_drop_chance"`
	BackstoryChanceFirst       float64 `yaml:"backstory_chance_first"`
	BackstoryChanceRepeat      float64 `yaml:"backstory_chance_repeat"`
	RelationshipSpawnChance    float64 `yaml:"relationship_spawn_chance"`
	HazardChance               float64 `yaml:"hazard_chance"`
	RideRequestDelayMinSeconds int     `yaml:"ride_request_delay_min_seconds"`
	RideRequestDelayMaxSeconds int     `yaml:"ride_request_delay_max_seconds"`
}

// Catalog is the read-only static data the engine runs on.
type Catalog struct {
	Rules      []Rule
	Passengers []Passenger
	Locations  []Location
	Balance    Balance

	ruleByID      map[string]*Rule
	passengerByID map[string]*Passenger
	rulesByKind   map[string][]*Rule
}

func loadCatalog() (*Catalog, error) {
	c := &Catalog{}

	var rulesDoc struct {
		Rules []Rule `yaml:"rules"`
	}
	if err := readCatalogFile("data/rules.yaml", &rulesDoc); err != nil {
		return nil, err
	}
	c.Rules = rulesDoc.Rules

	var paxDoc struct {
		Passengers []Passenger `yaml:"passengers"`
	}
	if err := readCatalogFile("data/passengers.yaml", &paxDoc); err != nil {
		return nil, err
	}
	c.Passengers = paxDoc.Passengers

	var locDoc struct {
		Locations []Location `yaml:"locations"`
	}
	if err := readCatalogFile("data/locations.yaml", &locDoc); err != nil {
		return nil, err
	}
	c.Locations = locDoc.Locations

	var balDoc struct {
		Balance Balance `yaml:"balance"`
	}
	if err := readCatalogFile("data/balance.yaml", &balDoc); err != nil {
		return nil, err
	}
	c.Balance = balDoc.Balance

	if err := c.index(); err != nil {
		return nil, err
	}
	return c, nil
}

func readCatalogFile(path string, out any) error {
	raw, err := catalogFS.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (c *Catalog) index() error {
	c.ruleByID = make(map[string]*Rule, len(c.Rules))
	c.rulesByKind = make(map[string][]*Rule)
	for i := range c.Rules {
		r := &c.Rules[i]
		if r.ID == "" {
			return fmt.Errorf("rule %d has empty id", i)
		}
		if _, dup := c.ruleByID[r.ID]; dup {
			return fmt.Errorf("duplicate rule id %q", r.ID)
		}
		if tierSeverity(r.Tier) == 0 {
			return fmt.Errorf("rule %q has unknown tier %q", r.ID, r.Tier)
		}
		c.ruleByID[r.ID] = r
		c.rulesByKind[r.Kind] = append(c.rulesByKind[r.Kind], r)
	}
	for _, r := range c.Rules {
		for _, target := range r.ConflictsWith {
			if _, ok := c.ruleByID[target]; !ok {
				return fmt.Errorf("rule %q conflicts with unknown rule %q", r.ID, target)
			}
		}
	}

	c.passengerByID = make(map[string]*Passenger, len(c.Passengers))
	for i := range c.Passengers {
		p := &c.Passengers[i]
		if p.ID == "" {
			return fmt.Errorf("passenger %d has empty id", i)
		}
		if _, dup := c.passengerByID[p.ID]; dup {
			return fmt.Errorf("duplicate passenger id %q", p.ID)
		}
		if p.RiskLevel < 0 || p.RiskLevel > 5 {
			return fmt.Errorf("passenger %q risk level %d out of range", p.ID, p.RiskLevel)
		}
		c.passengerByID[p.ID] = p
	}
	for _, p := range c.Passengers {
		for _, rel := range p.RelatedIDs {
			if _, ok := c.passengerByID[rel]; !ok {
				return fmt.Errorf("passenger %q relates to unknown passenger %q", p.ID, rel)
			}
		}
	}

	for _, l := range c.Locations {
		if l.RiskLevel < 0 || l.RiskLevel > 5 {
			return fmt.Errorf("location %q risk level %d out of range", l.Name, l.RiskLevel)
		}
	}
	return nil
}

func (c *Catalog) ruleFor(id string) *Rule {
	return c.ruleByID[id]
}

func (c *Catalog) passengerFor(id string) *Passenger {
	return c.passengerByID[id]
}

func (c *Catalog) rulesOfKind(kind string) []*Rule {
	return c.rulesByKind[kind]
}

// locationFor scans by name; the catalog is small and names are unique.
func (c *Catalog) locationFor(name string) *Location {
	for i := range c.Locations {
		if c.Locations[i].Name == name {
			return &c.Locations[i]
		}
	}
	return nil
}

// tierSeverity maps a difficulty tier to its ordinal (easy=1 .. nightmare=5).
// Unknown tiers map to 0 so catalog validation can reject them.
func tierSeverity(tier string) int {
	switch tier {
	case tierEasy:
		return 1
	case tierMedium:
		return 2
	case tierHard:
		return 3
	case tierExpert:
		return 4
	case tierNightmare:
		return 5
	default:
		return 0
	}
}
