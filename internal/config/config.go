package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"InvoiceChainSync/internal/chain"
)

type Config struct {
	Server struct {
		Addr string `yaml:"addr" env:"SERVER_ADDR"`
	} `yaml:"server"`
	DB struct {
		DSN      string `yaml:"dsn" env:"DB_DSN"`
		MaxConns int32  `yaml:"max_conns" env:"DB_MAX_CONNS"`
	} `yaml:"db"`
	Log struct {
		Level  string `yaml:"level" env:"LOG_LEVEL"`
		Format string `yaml:"format" env:"LOG_FORMAT"`
	} `yaml:"log"`
	Chain struct {
		ChainID              int64         `yaml:"chain_id" env:"CHAIN_ID"`
		RPCEndpoints         []string      `yaml:"rpc_endpoints" env:"RPC_ENDPOINTS" envSeparator:","`
		WSEndpoints          []string      `yaml:"ws_endpoints" env:"WS_ENDPOINTS" envSeparator:","`
		ContractAddress      string        `yaml:"contract_address" env:"CONTRACT_ADDRESS"`
		Decimals             int           `yaml:"decimals" env:"CHAIN_DECIMALS"`
		ConfirmDepth         uint64        `yaml:"confirm_depth" env:"CONFIRM_DEPTH"`
		CallTimeout          time.Duration `yaml:"call_timeout" env:"CHAIN_CALL_TIMEOUT"`
		RPCFailoverThreshold int           `yaml:"rpc_failover_threshold" env:"RPC_FAILOVER_THRESHOLD"`
	} `yaml:"chain"`
	Wallet struct {
		PrivateKey string   `yaml:"private_key" env:"WALLET_PRIVATE_KEY"`
		Accounts   []string `yaml:"accounts" env:"WALLET_ACCOUNTS" envSeparator:","`
	} `yaml:"wallet"`
	Sync struct {
		Interval           time.Duration `yaml:"interval" env:"SYNC_INTERVAL"`
		WindowBlocks       uint64        `yaml:"window_blocks" env:"SYNC_WINDOW_BLOCKS"`
		LookbackBlocks     uint64        `yaml:"lookback_blocks" env:"SYNC_LOOKBACK_BLOCKS"`
		MaxBlocksPerTick   uint64        `yaml:"max_blocks_per_tick" env:"SYNC_MAX_BLOCKS_PER_TICK"`
		FuzzyWindow        time.Duration `yaml:"fuzzy_window" env:"SYNC_FUZZY_WINDOW"`
		AmountToleranceWei string        `yaml:"amount_tolerance_wei" env:"SYNC_AMOUNT_TOLERANCE_WEI"`
		StaleAfter         time.Duration `yaml:"stale_after" env:"SYNC_STALE_AFTER"`
		ReconnectDelay     time.Duration `yaml:"reconnect_delay" env:"SYNC_RECONNECT_DELAY"`
	} `yaml:"sync"`
	Cache struct {
		InvoiceCapacity int           `yaml:"invoice_capacity" env:"CACHE_INVOICE_CAPACITY"`
		InvoiceTTL      time.Duration `yaml:"invoice_ttl" env:"CACHE_INVOICE_TTL"`
	} `yaml:"cache"`
	Actions struct {
		ReceiptPollInterval time.Duration `yaml:"receipt_poll_interval" env:"ACTIONS_RECEIPT_POLL_INTERVAL"`
		Confirmations       uint64        `yaml:"confirmations" env:"ACTIONS_CONFIRMATIONS"`
		IntentTTL           time.Duration `yaml:"intent_ttl" env:"ACTIONS_INTENT_TTL"`
	} `yaml:"actions"`
}

// Load reads the yaml file at path (CONFIG_PATH, then configs/config.yaml when
// empty), overlays environment variables and fills defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = "configs/config.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse is Load without the file lookup.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("env overrides: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.DB.MaxConns <= 0 {
		c.DB.MaxConns = 10
	}
	if c.Chain.Decimals == 0 {
		c.Chain.Decimals = 18
	}
	if c.Chain.CallTimeout <= 0 {
		c.Chain.CallTimeout = 10 * time.Second
	}
	if c.Chain.RPCFailoverThreshold <= 0 {
		c.Chain.RPCFailoverThreshold = 3
	}
	if c.Sync.Interval <= 0 {
		c.Sync.Interval = 30 * time.Second
	}
	if c.Sync.WindowBlocks == 0 {
		c.Sync.WindowBlocks = 100
	}
	if c.Sync.LookbackBlocks == 0 {
		c.Sync.LookbackBlocks = 5000
	}
	if c.Sync.MaxBlocksPerTick == 0 {
		c.Sync.MaxBlocksPerTick = 2000
	}
	if c.Sync.FuzzyWindow <= 0 {
		c.Sync.FuzzyWindow = 5 * time.Minute
	}
	if c.Sync.AmountToleranceWei == "" {
		c.Sync.AmountToleranceWei = "0"
	}
	if c.Sync.StaleAfter <= 0 {
		c.Sync.StaleAfter = 3 * c.Sync.Interval
	}
	if c.Sync.ReconnectDelay <= 0 {
		c.Sync.ReconnectDelay = 2 * time.Second
	}
	if c.Cache.InvoiceCapacity <= 0 {
		c.Cache.InvoiceCapacity = 1024
	}
	if c.Cache.InvoiceTTL <= 0 {
		c.Cache.InvoiceTTL = 15 * time.Second
	}
	if c.Actions.ReceiptPollInterval <= 0 {
		c.Actions.ReceiptPollInterval = 2 * time.Second
	}
	if c.Actions.Confirmations == 0 {
		c.Actions.Confirmations = 1
	}
	if c.Actions.IntentTTL <= 0 {
		c.Actions.IntentTTL = 5 * time.Minute
	}
	if len(c.Chain.WSEndpoints) == 0 {
		c.Chain.WSEndpoints = chain.DefaultWSEndpoints(c.Chain.RPCEndpoints)
	}
}

func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	if c.Chain.ChainID <= 0 || len(c.Chain.RPCEndpoints) == 0 {
		return errors.New("chain config is incomplete")
	}
	if !common.IsHexAddress(c.Chain.ContractAddress) {
		return fmt.Errorf("chain.contract_address %q is not an address", c.Chain.ContractAddress)
	}
	for _, a := range c.Wallet.Accounts {
		if !common.IsHexAddress(a) {
			return fmt.Errorf("wallet.accounts: %q is not an address", a)
		}
	}
	if _, ok := new(big.Int).SetString(c.Sync.AmountToleranceWei, 10); !ok {
		return fmt.Errorf("sync.amount_tolerance_wei %q is not an integer", c.Sync.AmountToleranceWei)
	}
	return nil
}

func (c *Config) Contract() common.Address {
	return common.HexToAddress(c.Chain.ContractAddress)
}

func (c *Config) Accounts() []common.Address {
	out := make([]common.Address, 0, len(c.Wallet.Accounts))
	for _, a := range c.Wallet.Accounts {
		out = append(out, common.HexToAddress(a))
	}
	return out
}

func (c *Config) AmountTolerance() *big.Int {
	v, ok := new(big.Int).SetString(c.Sync.AmountToleranceWei, 10)
	if !ok {
		return new(big.Int)
	}
	return v
}
