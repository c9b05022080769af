package internal

import (
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"

	"github.com/starford/yieldkeeper/internal/keeper"
	"github.com/starford/yieldkeeper/internal/ledger"
)

// Config represents the application configuration.
type Config struct {
	App     ApplicationConfig `yaml:"app"`
	Chain   ChainConfig       `yaml:"chain"`
	Keeper  KeeperConfig      `yaml:"keeper"`
	Journal JournalConfig     `yaml:"journal"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.App.Validate(); err != nil {
		return fmt.Errorf("app: %w", err)
	}
	if err := c.Chain.Validate(); err != nil {
		return fmt.Errorf("chain: %w", err)
	}
	if err := c.Keeper.Validate(); err != nil {
		return fmt.Errorf("keeper: %w", err)
	}
	return nil
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
	HTTP     HTTPConfig `yaml:"http"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	return c.HTTP.Validate()
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// ChainConfig describes the RPC endpoint, the signing key and the two contracts.
type ChainConfig struct {
	RPCURL         string        `yaml:"rpc_url"`
	ChainID        int64         `yaml:"chain_id"` // 0 asks the node
	PrivateKey     string        `yaml:"private_key"`
	VaultManager   string        `yaml:"vault_manager"`
	Oracle         string        `yaml:"oracle"`
	CallTimeout    time.Duration `yaml:"call_timeout"`
	ReceiptTimeout time.Duration `yaml:"receipt_timeout"`
}

// Validate validates the chain configuration.
func (c *ChainConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.RPCURL, validation.Required, is.URL),
		validation.Field(&c.ChainID, validation.Min(int64(0))),
		validation.Field(&c.PrivateKey, validation.Required, validation.By(privateKey)),
		validation.Field(&c.VaultManager, validation.Required, validation.By(address)),
		validation.Field(&c.Oracle, validation.Required, validation.By(address)),
		validation.Field(&c.CallTimeout, validation.Required, validation.Min(time.Second)),
		validation.Field(&c.ReceiptTimeout, validation.Required, validation.Min(time.Second)),
	)
}

// VaultManagerAddress returns the parsed ledger contract address.
func (c *ChainConfig) VaultManagerAddress() common.Address {
	return common.HexToAddress(c.VaultManager)
}

// OracleAddress returns the parsed oracle contract address.
func (c *ChainConfig) OracleAddress() common.Address {
	return common.HexToAddress(c.Oracle)
}

func address(value any) error {
	s, _ := value.(string)
	if !common.IsHexAddress(s) {
		return errors.New("must be a 0x-prefixed hex address")
	}
	if common.HexToAddress(s) == (common.Address{}) {
		return errors.New("must not be the zero address")
	}
	return nil
}

func privateKey(value any) error {
	s, _ := value.(string)
	if _, err := ledger.ParsePrivateKey(s); err != nil {
		return errors.New("must be a hex-encoded secp256k1 key")
	}
	return nil
}

// KeeperConfig holds the cycle tunables.
type KeeperConfig struct {
	ScanInterval        time.Duration `yaml:"scan_interval"`
	MinYieldWei         string        `yaml:"min_yield_wei"` // empty or "0" reads the ledger threshold
	MinHealthFactor     uint64        `yaml:"min_health_factor"`
	ScanBatchSize       int           `yaml:"scan_batch_size"`
	ProcessBatchSize    int           `yaml:"process_batch_size"` // 0 means no cap
	ValidateConcurrency int           `yaml:"validate_concurrency"`
	GasLimit            uint64        `yaml:"gas_limit"`
	SubmitPause         time.Duration `yaml:"submit_pause"`
}

// Validate validates the keeper configuration.
func (c *KeeperConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.ScanInterval, validation.Required, validation.Min(time.Second)),
		validation.Field(&c.MinYieldWei, is.Digit),
		validation.Field(&c.MinHealthFactor, validation.Required),
		validation.Field(&c.ScanBatchSize, validation.Required, validation.Min(1), validation.Max(1000)),
		validation.Field(&c.ProcessBatchSize, validation.Min(0)),
		validation.Field(&c.ValidateConcurrency, validation.Required, validation.Min(1)),
		validation.Field(&c.GasLimit, validation.Required, validation.Min(uint64(21_000))),
		validation.Field(&c.SubmitPause, validation.Min(time.Duration(0))),
	)
}

// MinYield returns the configured threshold in wei, or nil when the ledger's
// own threshold should be used.
func (c *KeeperConfig) MinYield() *big.Int {
	v, ok := new(big.Int).SetString(c.MinYieldWei, 10)
	if !ok || v.Sign() == 0 {
		return nil
	}
	return v
}

// Cycle converts the section into keeper tunables.
func (c *KeeperConfig) Cycle() keeper.Config {
	return keeper.Config{
		ScanInterval:        c.ScanInterval,
		MinYield:            c.MinYield(),
		MinHealthFactor:     c.MinHealthFactor,
		ScanBatchSize:       c.ScanBatchSize,
		ProcessBatchSize:    c.ProcessBatchSize,
		ValidateConcurrency: c.ValidateConcurrency,
		GasLimit:            c.GasLimit,
		SubmitPause:         c.SubmitPause,
	}
}

// JournalConfig holds the SQLite cycle journal configuration.
type JournalConfig struct {
	Path string `yaml:"path"` // empty disables the journal
}

// Enabled reports whether cycles are persisted.
func (c *JournalConfig) Enabled() bool {
	return c.Path != ""
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Port: 3001,
			},
		},
		Chain: ChainConfig{
			RPCURL:         "https://rpc.sepolia.mantle.xyz",
			CallTimeout:    30 * time.Second,
			ReceiptTimeout: 3 * time.Minute,
		},
		Keeper: KeeperConfig{
			ScanInterval:        30 * time.Minute,
			MinYieldWei:         "1000000000000000",
			MinHealthFactor:     150,
			ScanBatchSize:       100,
			ProcessBatchSize:    20,
			ValidateConcurrency: 8,
			GasLimit:            80_000_000,
			SubmitPause:         500 * time.Millisecond,
		},
		Journal: JournalConfig{
			Path: "./yieldkeeper.db",
		},
	}
}
