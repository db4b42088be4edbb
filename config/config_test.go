package config

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"dexcrow/crypto"
	"dexcrow/native/crosschain"
	"dexcrow/native/tokens"
)

const (
	ownerHex = "0x00000000000000000000000000000000000000f0"
	usdcHex  = "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
)

func writeFile(t *testing.T, dir, name, contents string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadCreatesDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	_, err := Load(path)
	require.ErrorContains(t, err, EnvKeystorePass)
	require.NoFileExists(t, path)

	t.Setenv(EnvKeystorePass, "operator-pass")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.FileExists(t, path)
	require.Equal(t, filepath.Join(dir, "operator.keystore"), cfg.OperatorKeystorePath)
	require.Equal(t, StorageLevelDB, cfg.StorageBackend)

	key, err := crypto.LoadFromKeystore(cfg.OperatorKeystorePath, "operator-pass")
	require.NoError(t, err)
	require.Equal(t, key.Address().Hex(), cfg.Genesis.Owner)

	again, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg.Genesis.Owner, again.Genesis.Owner)
	require.Equal(t, cfg.Genesis.ChainID, again.Genesis.ChainID)
	require.Equal(t, cfg.OperatorKeystorePath, again.OperatorKeystorePath)
}

func TestLoadParsesGenesis(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "guardians.yaml", `index: 3
guardians:
  - "0x0000000000000000000000000000000000000a01"
  - "0x0000000000000000000000000000000000000a02"
  - "0x0000000000000000000000000000000000000a03"
`)
	path := writeFile(t, dir, "config.toml", `Env = "staging"
StorageBackend = "Bolt"
DataDir = "/var/lib/dexcrow"
GuardiansFile = "guardians.yaml"

[RPC]
TxSeenTTL = "5m"
[RPC.Auth]
Enabled = true
Issuer = "dexcrow-ops"
[RPC.RateLimit]
RequestsPerMinute = 30.0
Burst = 5

[Genesis]
ChainID = 1
Owner = "`+ownerHex+`"
CreationFee = "1000000000000000"
PlatformFeeBps = 50
ArbiterFeeBps = 100
MessageBaseFee = "500"
RootUpdaters = ["0x00000000000000000000000000000000000000f1"]

[Genesis.MessageQuota]
MaxMessagesPerEpoch = 10

[[Genesis.Chains]]
ChainID = 1
Type = "EVM"
Name = "ethereum"

[[Genesis.Chains]]
ChainID = 137
Type = "evm"
Name = "polygon"

[[Genesis.Tokens]]
Symbol = "USDC"
Name = "USD Coin"
ChainID = 1
Address = "`+usdcHex+`"
Decimals = 6

[[Genesis.Allocations]]
Address = "`+ownerHex+`"
Amount = "5000"
`)
	t.Setenv(EnvJWTSecret, "from-env")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "staging", cfg.Env)
	require.Equal(t, StorageBolt, cfg.StorageBackend)
	require.Equal(t, "/var/lib/dexcrow/ledger.bolt", cfg.StoragePath())
	require.Equal(t, "from-env", cfg.RPC.Auth.HMACSecret)
	require.Equal(t, 5*time.Minute, cfg.RPC.TxSeenTTL)
	require.Equal(t, ownerHex, cfg.Genesis.FeeRecipient)

	g, err := cfg.ToGenesis()
	require.NoError(t, err)
	require.Equal(t, common.HexToAddress(ownerHex), g.Owner)
	require.Equal(t, g.Owner, g.FeeRecipient)
	require.Equal(t, big.NewInt(1_000_000_000_000_000), g.CreationFee)
	require.Equal(t, uint64(DefaultDisputeWindowHours), g.DefaultDisputeWindowHours)
	require.Equal(t, uint32(10), g.MessageQuota.MaxMessagesPerEpoch)
	require.Equal(t, uint32(DefaultMessageEpochSeconds), g.MessageQuota.EpochSeconds)
	require.Len(t, g.Chains, 2)
	require.Equal(t, tokens.ChainTypeEVM, g.Chains[0].Type)
	require.True(t, g.Chains[1].Active)
	require.Len(t, g.Tokens, 1)
	require.Len(t, g.RootUpdaters, 1)
	require.Equal(t, common.Address{}, g.Allocations[0].Asset)
	require.Equal(t, big.NewInt(5000), g.Allocations[0].Amount)
	require.NotNil(t, g.Guardians)
	require.Equal(t, uint64(3), g.Guardians.Index)
	require.Len(t, g.Guardians.Guardians, 3)
}

func TestLoadRejectsBadFiles(t *testing.T) {
	cases := map[string]string{
		"unknown key":     "Owner = \"x\"\n[Genesis]\nChainID = 1\nOwner = \"" + ownerHex + "\"\n",
		"fee too high":    "[Genesis]\nChainID = 1\nOwner = \"" + ownerHex + "\"\nPlatformFeeBps = 1001\n",
		"no chain":        "[Genesis]\nOwner = \"" + ownerHex + "\"\n",
		"bad storage":     "StorageBackend = \"sqlite\"\n[Genesis]\nChainID = 1\nOwner = \"" + ownerHex + "\"\n",
		"auth no secret":  "[RPC.Auth]\nEnabled = true\n[Genesis]\nChainID = 1\nOwner = \"" + ownerHex + "\"\n",
		"duplicate chain": "[Genesis]\nChainID = 1\nOwner = \"" + ownerHex + "\"\n[[Genesis.Chains]]\nChainID = 5\n[[Genesis.Chains]]\nChainID = 5\n",
	}
	for name, contents := range cases {
		t.Run(name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "config.toml", contents)
			_, err := Load(path)
			require.Error(t, err)
		})
	}
}

func TestToGenesisRejectsBadValues(t *testing.T) {
	cfg := &Config{Genesis: GenesisConfig{ChainID: 1, Owner: ownerHex, CreationFee: "-1"}}
	_, err := cfg.ToGenesis()
	require.ErrorContains(t, err, "Genesis.CreationFee")

	cfg.Genesis.CreationFee = "0"
	cfg.Genesis.RootUpdaters = []string{"not-an-address"}
	_, err = cfg.ToGenesis()
	require.ErrorContains(t, err, "Genesis.RootUpdaters[0]")
}

func TestLoadGuardianSet(t *testing.T) {
	dir := t.TempDir()
	display, err := crypto.DisplayAddress(common.HexToAddress("0x0000000000000000000000000000000000000a02"))
	require.NoError(t, err)
	path := writeFile(t, dir, "guardians.yaml", "index: 1\nguardians:\n  - \"0x0000000000000000000000000000000000000a01\"\n  - \""+display+"\"\n")

	set, err := LoadGuardianSet(path)
	require.NoError(t, err)
	require.Equal(t, common.HexToAddress("0x0000000000000000000000000000000000000a02"), set.Guardians[1])

	dup := writeFile(t, dir, "dup.yaml", "index: 1\nguardians:\n  - \"0x0000000000000000000000000000000000000a01\"\n  - \"0x0000000000000000000000000000000000000a01\"\n")
	_, err = LoadGuardianSet(dup)
	require.ErrorIs(t, err, crosschain.ErrDuplicateGuardian)

	empty := writeFile(t, dir, "empty.yaml", "index: 1\n")
	_, err = LoadGuardianSet(empty)
	require.ErrorIs(t, err, crosschain.ErrEmptyGuardianSet)
}
