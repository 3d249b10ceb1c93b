// Package scenario loads and replays scripted battles.
//
// A scenario is a YAML file naming a sequence of intents, each optionally
// followed by expectations about the resulting snapshot. Files are checked
// against an embedded JSON schema before they are decoded.
package scenario

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/mbd888/agentbattle/internal/battle"
	"github.com/mbd888/agentbattle/internal/protocol"
	"github.com/mbd888/agentbattle/internal/usdc"
)

var ErrInvalidScenario = errors.New("scenario: invalid")

//go:embed scenario.schema.json
var schemaJSON []byte

const schemaURL = "scenario.schema.json"

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(schemaURL, bytes.NewReader(schemaJSON)); err != nil {
			schemaErr = fmt.Errorf("load scenario schema: %w", err)
			return
		}
		schema, schemaErr = c.Compile(schemaURL)
	})
	return schema, schemaErr
}

// Scenario is a scripted battle.
type Scenario struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description,omitempty"`
	MaxRounds   int      `yaml:"maxRounds,omitempty"`
	Wallets     *Wallets `yaml:"wallets,omitempty"`
	Steps       []Step   `yaml:"steps"`
}

// Wallets overrides the starting balances. Gas is in ETH.
type Wallets struct {
	RequesterStable battle.Decimal `yaml:"requesterStable,omitempty"`
	ProviderStable  battle.Decimal `yaml:"providerStable,omitempty"`
	Gas             battle.Decimal `yaml:"gas,omitempty"`
}

// Step is one intent plus what should hold after it.
type Step struct {
	battle.Envelope `yaml:",inline"`
	Expect          *Expect `yaml:"expect,omitempty"`
}

// Expect lists assertions on a step's outcome. Empty fields are not checked.
// A step without Expect must be accepted.
type Expect struct {
	Rejected        bool           `yaml:"rejected,omitempty"`
	Reason          string         `yaml:"reason,omitempty"` // substring of the rejection reason
	State           string         `yaml:"state,omitempty"`
	RequesterStable battle.Decimal `yaml:"requesterStable,omitempty"`
	ProviderStable  battle.Decimal `yaml:"providerStable,omitempty"`
	Escrow          battle.Decimal `yaml:"escrow,omitempty"`
}

// Load reads and parses a scenario file.
func Load(path string) (*Scenario, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	sc, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return sc, nil
}

// Parse validates raw against the scenario schema and decodes it.
func Parse(raw []byte) (*Scenario, error) {
	if err := Validate(raw); err != nil {
		return nil, err
	}
	var sc Scenario
	if err := yaml.Unmarshal(raw, &sc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidScenario, err)
	}
	if err := sc.check(); err != nil {
		return nil, err
	}
	return &sc, nil
}

// Validate checks raw YAML against the scenario schema without decoding it
// into a Scenario.
func Validate(raw []byte) error {
	s, err := compiledSchema()
	if err != nil {
		return err
	}

	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidScenario, err)
	}
	// Round-trip through JSON so the validator sees JSON types only.
	j, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidScenario, err)
	}
	dec := json.NewDecoder(bytes.NewReader(j))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidScenario, err)
	}

	if err := s.Validate(v); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidScenario, err)
	}
	return nil
}

// check covers what the schema cannot express: amounts must parse at
// micro-USDC precision.
func (sc *Scenario) check() error {
	var problems []string
	amount := func(field string, d battle.Decimal) {
		if d == "" {
			return
		}
		if _, err := usdc.ParseUnits(string(d), usdc.Decimals); err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", field, err))
		}
	}

	if w := sc.Wallets; w != nil {
		amount("wallets.requesterStable", w.RequesterStable)
		amount("wallets.providerStable", w.ProviderStable)
		if w.Gas != "" {
			if _, err := usdc.ParseUnits(string(w.Gas), usdc.GasDecimals); err != nil {
				problems = append(problems, fmt.Sprintf("wallets.gas: %v", err))
			}
		}
	}
	for i, st := range sc.Steps {
		if e := st.Expect; e != nil {
			if _, err := protocol.ParseState(e.State); err != nil {
				problems = append(problems, fmt.Sprintf("steps[%d].expect.state: %v", i, err))
			}
			amount(fmt.Sprintf("steps[%d].expect.requesterStable", i), e.RequesterStable)
			amount(fmt.Sprintf("steps[%d].expect.providerStable", i), e.ProviderStable)
			amount(fmt.Sprintf("steps[%d].expect.escrow", i), e.Escrow)
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidScenario, strings.Join(problems, "; "))
	}
	return nil
}

// Config returns the simulator configuration for the scenario, starting
// from base.
func (sc *Scenario) Config(base battle.Config) battle.Config {
	cfg := base
	if sc.MaxRounds > 0 {
		cfg.DefaultMaxRounds = sc.MaxRounds
	}
	if w := sc.Wallets; w != nil {
		if w.RequesterStable != "" {
			cfg.RequesterStable, _ = usdc.ParseUnits(string(w.RequesterStable), usdc.Decimals)
		}
		if w.ProviderStable != "" {
			cfg.ProviderStable, _ = usdc.ParseUnits(string(w.ProviderStable), usdc.Decimals)
		}
		if w.Gas != "" {
			cfg.Gas, _ = usdc.ParseUnits(string(w.Gas), usdc.GasDecimals)
		}
	}
	return cfg
}
