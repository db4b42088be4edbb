package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"dexcrow/crypto"
	"dexcrow/rpc"
)

// Environment variables that override the file.
const (
	EnvEnvironment = "DEXCROW_ENV"
	EnvJWTSecret   = "DEXCROW_RPC_JWT_SECRET"
	EnvRPCAddress  = "DEXCROW_RPC_ADDRESS"
	EnvDataDir     = "DEXCROW_DATA_DIR"
)

// EnvKeystorePass encrypts the operator keystore written with a default
// configuration.
const EnvKeystorePass = "DEXCROW_KEYSTORE_PASS"


// Storage backends.
const (
	StorageLevelDB = "leveldb"
	StorageBolt    = "bolt"
)

// LogConfig controls the slog handler and optional rotated log file.
type LogConfig struct {
	Level      string `toml:"Level"`
	File       string `toml:"File"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays"`
	Compress   bool   `toml:"Compress"`
}

// Telemetry configures the OTLP exporters. An empty endpoint falls back to
// OTEL_EXPORTER_OTLP_ENDPOINT.
type Telemetry struct {
	Endpoint string `toml:"Endpoint"`
	Insecure bool   `toml:"Insecure"`
	Headers  string `toml:"Headers"`
	Metrics  bool   `toml:"Metrics"`
	Traces   bool   `toml:"Traces"`
}

type Config struct {
	Env                  string        `toml:"Env"`
	RPCAddress           string        `toml:"RPCAddress"`
	DataDir              string        `toml:"DataDir"`
	StorageBackend       string        `toml:"StorageBackend"`
	OperatorKeystorePath string        `toml:"OperatorKeystorePath"`
	GuardiansFile        string        `toml:"GuardiansFile"`
	Log                  LogConfig     `toml:"Log"`
	Telemetry            Telemetry     `toml:"Telemetry"`
	RPC                  rpc.Config    `toml:"RPC"`
	Genesis              GenesisConfig `toml:"Genesis"`
}

// Load reads the configuration at path. A missing file is replaced by a
// default configuration whose owner key is generated into a keystore next
// to it.
func Load(path string) (*Config, error) {
	var cfg *Config
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if cfg, err = createDefault(path); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	} else {
		cfg = &Config{}
		meta, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("config: unknown key %q in %s", undecoded[0].String(), path)
		}
	}
	cfg.applyDefaults()
	cfg.applyEnv()
	cfg.resolvePaths(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Env) == "" {
		c.Env = "local"
	}
	if c.RPCAddress == "" {
		c.RPCAddress = ":8545"
	}
	if c.DataDir == "" {
		c.DataDir = "./dexcrow-data"
	}
	c.StorageBackend = strings.ToLower(strings.TrimSpace(c.StorageBackend))
	if c.StorageBackend == "" {
		c.StorageBackend = StorageLevelDB
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	c.Genesis.applyDefaults()
}

func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvEnvironment)); v != "" {
		c.Env = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvJWTSecret)); v != "" {
		c.RPC.Auth.HMACSecret = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvRPCAddress)); v != "" {
		c.RPCAddress = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvDataDir)); v != "" {
		c.DataDir = v
	}
}

// resolvePaths makes relative file references relative to the config file.
func (c *Config) resolvePaths(dir string) {
	for _, p := range []*string{&c.OperatorKeystorePath, &c.GuardiansFile} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(dir, *p)
		}
	}
}

// StoragePath is the database location inside DataDir.
func (c *Config) StoragePath() string {
	if c.StorageBackend == StorageBolt {
		return filepath.Join(c.DataDir, "ledger.bolt")
	}
	return filepath.Join(c.DataDir, "ledger")
}

func createDefault(path string) (*Config, error) {
	pass := os.Getenv(EnvKeystorePass)
	if strings.TrimSpace(pass) == "" {
		return nil, fmt.Errorf("config: %s not found; set %s to create it with a new operator keystore", path, EnvKeystorePass)
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	keystorePath := filepath.Join(filepath.Dir(path), "operator.keystore")
	if err := crypto.SaveToKeystore(keystorePath, key, pass, crypto.StandardKeystore); err != nil {
		return nil, err
	}
	owner := key.Address().Hex()
	cfg := &Config{
		Env:                  "local",
		RPCAddress:           ":8545",
		DataDir:              "./dexcrow-data",
		StorageBackend:       StorageLevelDB,
		OperatorKeystorePath: "operator.keystore",
		Log:                  LogConfig{Level: "info"},
		RPC: rpc.Config{
			RateLimit: rpc.RateLimit{RequestsPerMinute: 60, Burst: 10},
		},
		Genesis: GenesisConfig{
			ChainID:                   1337,
			Owner:                     owner,
			FeeRecipient:              owner,
			CreationFee:               "0",
			PlatformFeeBps:            DefaultPlatformFeeBps,
			ArbiterFeeBps:             DefaultArbiterFeeBps,
			DefaultDisputeWindowHours: DefaultDisputeWindowHours,
			MinimumStake:              "0",
			MessageBaseFee:            "0",
			MessagePerByteFee:         "0",
		},
	}
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}
