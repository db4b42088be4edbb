package config

// Defaults applied when the genesis section leaves a field unset.
const (
	DefaultPlatformFeeBps         = 50
	DefaultArbiterFeeBps          = 100
	DefaultDisputeWindowHours     = 24
	DefaultMessageEpochSeconds    = 3600
	DefaultArbiterCooldownSeconds = 48 * 3600
)

// ChainConfig is one entry of the supported-chain allowlist.
type ChainConfig struct {
	ChainID uint64 `toml:"ChainID"`
	Type    string `toml:"Type"`
	Name    string `toml:"Name"`
}

// TokenConfig maps a token onto one chain.
type TokenConfig struct {
	Symbol    string `toml:"Symbol"`
	Name      string `toml:"Name"`
	ChainID   uint64 `toml:"ChainID"`
	ChainType string `toml:"ChainType"`
	Address   string `toml:"Address"`
	Decimals  uint8  `toml:"Decimals"`
	IsNative  bool   `toml:"IsNative"`
}

// AllocationConfig credits an initial balance. An empty Asset is the
// native coin.
type AllocationConfig struct {
	Asset   string `toml:"Asset"`
	Address string `toml:"Address"`
	Amount  string `toml:"Amount"`
}

// QuotaConfig bounds outbound messages per target chain and epoch.
type QuotaConfig struct {
	MaxMessagesPerEpoch uint32 `toml:"MaxMessagesPerEpoch"`
	MaxBytesPerEpoch    uint64 `toml:"MaxBytesPerEpoch"`
	EpochSeconds        uint32 `toml:"EpochSeconds"`
}

// GenesisConfig is the TOML form of core.Genesis. Amounts are decimal
// strings; addresses are 0x hex or dx bech32.
type GenesisConfig struct {
	ChainID      uint64 `toml:"ChainID"`
	Owner        string `toml:"Owner"`
	FeeRecipient string `toml:"FeeRecipient"`

	CreationFee               string   `toml:"CreationFee"`
	PlatformFeeBps            uint32   `toml:"PlatformFeeBps"`
	ArbiterFeeBps             uint32   `toml:"ArbiterFeeBps"`
	DefaultDisputeWindowHours uint64   `toml:"DefaultDisputeWindowHours"`
	SupportedAssets           []string `toml:"SupportedAssets"`

	StakingToken    string `toml:"StakingToken"`
	MinimumStake    string `toml:"MinimumStake"`
	CooldownSeconds uint64 `toml:"CooldownSeconds"`

	MessageBaseFee    string      `toml:"MessageBaseFee"`
	MessagePerByteFee string      `toml:"MessagePerByteFee"`
	MessageQuota      QuotaConfig `toml:"MessageQuota"`

	Chains       []ChainConfig      `toml:"Chains"`
	Tokens       []TokenConfig      `toml:"Tokens"`
	RootUpdaters []string           `toml:"RootUpdaters"`
	Allocations  []AllocationConfig `toml:"Allocations"`
}

func (g *GenesisConfig) applyDefaults() {
	if g.FeeRecipient == "" {
		g.FeeRecipient = g.Owner
	}
	if g.DefaultDisputeWindowHours == 0 {
		g.DefaultDisputeWindowHours = DefaultDisputeWindowHours
	}
	if g.CooldownSeconds == 0 {
		g.CooldownSeconds = DefaultArbiterCooldownSeconds
	}
	if g.MessageQuota.EpochSeconds == 0 {
		g.MessageQuota.EpochSeconds = DefaultMessageEpochSeconds
	}
}
