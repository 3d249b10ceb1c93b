package battle

import (
	"math/big"
	"time"

	"github.com/mbd888/agentbattle/internal/negotiation"
	"github.com/mbd888/agentbattle/internal/usdc"
)

// Config fixes the starting conditions of a simulator. RESET returns a
// session to exactly this state.
type Config struct {
	RequesterStable *big.Int // micro-USDC
	ProviderStable  *big.Int // micro-USDC
	Gas             *big.Int // wei, per party

	DefaultMaxRounds     int
	DefaultDeadline      time.Duration
	DefaultDisputeWindow time.Duration

	// Epoch is the simulated clock's starting time.
	Epoch time.Time
}

// DefaultConfig is 1000 USDC for the requester, 100 for the provider and
// 0.05 ETH of gas each.
func DefaultConfig() Config {
	gas, _ := usdc.ParseUnits("0.05", usdc.GasDecimals)
	return Config{
		RequesterStable:      usdc.MustParse("1000"),
		ProviderStable:       usdc.MustParse("100"),
		Gas:                  gas,
		DefaultMaxRounds:     negotiation.DefaultMaxRounds,
		DefaultDeadline:      24 * time.Hour,
		DefaultDisputeWindow: 72 * time.Hour,
		Epoch:                time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.RequesterStable == nil {
		c.RequesterStable = d.RequesterStable
	}
	if c.ProviderStable == nil {
		c.ProviderStable = d.ProviderStable
	}
	if c.Gas == nil {
		c.Gas = d.Gas
	}
	if c.DefaultMaxRounds == 0 {
		c.DefaultMaxRounds = d.DefaultMaxRounds
	}
	if c.DefaultDeadline == 0 {
		c.DefaultDeadline = d.DefaultDeadline
	}
	if c.DefaultDisputeWindow == 0 {
		c.DefaultDisputeWindow = d.DefaultDisputeWindow
	}
	if c.Epoch.IsZero() {
		c.Epoch = d.Epoch
	}
	return c
}
