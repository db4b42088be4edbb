package config

import (
	"errors"
	"fmt"
	"strings"

	"dexcrow/native/escrow"
)

// Validate checks the static configuration. Genesis values are checked
// again by the modules when the ledger starts.
func (c *Config) Validate() error {
	switch c.StorageBackend {
	case StorageLevelDB, StorageBolt:
	default:
		return fmt.Errorf("config: unknown StorageBackend %q", c.StorageBackend)
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return errors.New("config: DataDir required")
	}
	if c.RPC.Auth.Enabled && strings.TrimSpace(c.RPC.Auth.HMACSecret) == "" {
		return fmt.Errorf("config: RPC auth enabled without secret; set %s", EnvJWTSecret)
	}
	if c.RPC.RateLimit.RequestsPerMinute < 0 {
		return errors.New("config: RPC.RateLimit.RequestsPerMinute must not be negative")
	}
	return c.Genesis.validate()
}

func (g GenesisConfig) validate() error {
	if g.ChainID == 0 {
		return errors.New("config: Genesis.ChainID required")
	}
	if strings.TrimSpace(g.Owner) == "" {
		return errors.New("config: Genesis.Owner required")
	}
	if g.PlatformFeeBps > escrow.MaxFeeBps {
		return fmt.Errorf("config: Genesis.PlatformFeeBps %d exceeds %d", g.PlatformFeeBps, escrow.MaxFeeBps)
	}
	if g.ArbiterFeeBps > escrow.MaxFeeBps {
		return fmt.Errorf("config: Genesis.ArbiterFeeBps %d exceeds %d", g.ArbiterFeeBps, escrow.MaxFeeBps)
	}
	if g.DefaultDisputeWindowHours > escrow.MaxDisputeWindowHours {
		return fmt.Errorf("config: Genesis.DefaultDisputeWindowHours %d exceeds %d", g.DefaultDisputeWindowHours, escrow.MaxDisputeWindowHours)
	}
	seen := make(map[uint64]struct{}, len(g.Chains))
	for _, chain := range g.Chains {
		if _, dup := seen[chain.ChainID]; dup {
			return fmt.Errorf("config: chain %d listed twice", chain.ChainID)
		}
		seen[chain.ChainID] = struct{}{}
	}
	return nil
}
