package config

import (
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"dexcrow/core"
	"dexcrow/crypto"
	"dexcrow/native/crosschain"
	nativecommon "dexcrow/native/common"
	"dexcrow/native/tokens"
)

type guardianFile struct {
	Index     uint64   `yaml:"index"`
	Guardians []string `yaml:"guardians"`
}

// LoadGuardianSet reads a guardian set from YAML:
//
//	index: 1
//	guardians:
//	  - 0x...
func LoadGuardianSet(path string) (*crosschain.GuardianSet, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file guardianFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("config: guardians %s: %w", path, err)
	}
	set := &crosschain.GuardianSet{Index: file.Index}
	for i, entry := range file.Guardians {
		addr, err := crypto.ParseAddress(strings.TrimSpace(entry))
		if err != nil {
			return nil, fmt.Errorf("config: guardian %d: %w", i, err)
		}
		set.Guardians = append(set.Guardians, addr)
	}
	if err := set.Validate(); err != nil {
		return nil, fmt.Errorf("config: guardians %s: %w", path, err)
	}
	return set, nil
}

func parseAmount(field, raw string) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return big.NewInt(0), nil
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("config: %s: invalid amount %q", field, raw)
	}
	return v, nil
}

func parseAddress(field, raw string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return common.Address{}, nil
	}
	addr, err := crypto.ParseAddress(raw)
	if err != nil {
		return common.Address{}, fmt.Errorf("config: %s: %w", field, err)
	}
	return addr, nil
}

// ToGenesis converts the genesis section and the guardian file, when
// configured, into core.Genesis.
func (c *Config) ToGenesis() (core.Genesis, error) {
	g := c.Genesis
	out := core.Genesis{
		ChainID:                   g.ChainID,
		PlatformFeeBps:            g.PlatformFeeBps,
		ArbiterFeeBps:             g.ArbiterFeeBps,
		DefaultDisputeWindowHours: g.DefaultDisputeWindowHours,
		CooldownSeconds:           g.CooldownSeconds,
		MessageQuota: nativecommon.Quota{
			MaxMessagesPerEpoch: g.MessageQuota.MaxMessagesPerEpoch,
			MaxBytesPerEpoch:    g.MessageQuota.MaxBytesPerEpoch,
			EpochSeconds:        g.MessageQuota.EpochSeconds,
		},
	}
	var err error
	if out.Owner, err = parseAddress("Genesis.Owner", g.Owner); err != nil {
		return core.Genesis{}, err
	}
	if out.FeeRecipient, err = parseAddress("Genesis.FeeRecipient", g.FeeRecipient); err != nil {
		return core.Genesis{}, err
	}
	if out.StakingToken, err = parseAddress("Genesis.StakingToken", g.StakingToken); err != nil {
		return core.Genesis{}, err
	}
	for field, dst := range map[string]struct {
		raw string
		out **big.Int
	}{
		"Genesis.CreationFee":       {g.CreationFee, &out.CreationFee},
		"Genesis.MinimumStake":      {g.MinimumStake, &out.MinimumStake},
		"Genesis.MessageBaseFee":    {g.MessageBaseFee, &out.MessageBaseFee},
		"Genesis.MessagePerByteFee": {g.MessagePerByteFee, &out.MessagePerByteFee},
	} {
		if *dst.out, err = parseAmount(field, dst.raw); err != nil {
			return core.Genesis{}, err
		}
	}
	for i, raw := range g.SupportedAssets {
		asset, err := parseAddress(fmt.Sprintf("Genesis.SupportedAssets[%d]", i), raw)
		if err != nil {
			return core.Genesis{}, err
		}
		out.SupportedAssets = append(out.SupportedAssets, asset)
	}
	for _, chain := range g.Chains {
		out.Chains = append(out.Chains, tokens.ChainInfo{
			ChainID: chain.ChainID,
			Type:    tokens.ChainType(strings.ToLower(chain.Type)),
			Name:    chain.Name,
			Active:  true,
		})
	}
	for _, tok := range g.Tokens {
		out.Tokens = append(out.Tokens, tokens.RegisterParams{
			Symbol:    tok.Symbol,
			Name:      tok.Name,
			ChainID:   tok.ChainID,
			ChainType: tokens.ChainType(strings.ToLower(tok.ChainType)),
			Address:   tok.Address,
			Decimals:  tok.Decimals,
			IsNative:  tok.IsNative,
		})
	}
	for i, raw := range g.RootUpdaters {
		addr, err := parseAddress(fmt.Sprintf("Genesis.RootUpdaters[%d]", i), raw)
		if err != nil {
			return core.Genesis{}, err
		}
		out.RootUpdaters = append(out.RootUpdaters, addr)
	}
	for i, alloc := range g.Allocations {
		field := fmt.Sprintf("Genesis.Allocations[%d]", i)
		asset, err := parseAddress(field+".Asset", alloc.Asset)
		if err != nil {
			return core.Genesis{}, err
		}
		addr, err := parseAddress(field+".Address", alloc.Address)
		if err != nil {
			return core.Genesis{}, err
		}
		amount, err := parseAmount(field+".Amount", alloc.Amount)
		if err != nil {
			return core.Genesis{}, err
		}
		out.Allocations = append(out.Allocations, core.Allocation{Asset: asset, Address: addr, Amount: amount})
	}
	if c.GuardiansFile != "" {
		if out.Guardians, err = LoadGuardianSet(c.GuardiansFile); err != nil {
			return core.Genesis{}, err
		}
	}
	return out, nil
}
