// Package config loads engine settings from YAML with .env overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"cyclearb/constants"
	"cyclearb/decoder"
	"cyclearb/search"
	"cyclearb/verify"
)

// ErrInvalid reports a configuration that cannot start the engine.
var ErrInvalid = errors.New("config: invalid")

// Config is the full engine configuration.
type Config struct {
	Chain    ChainConfig    `yaml:"chain"`
	Search   SearchConfig   `yaml:"search"`
	Verify   VerifyConfig   `yaml:"verify"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Storage  StorageConfig  `yaml:"storage"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Log      LogConfig      `yaml:"log"`
}

// ChainConfig names the node endpoints and the traded token.
type ChainConfig struct {
	WSURL             string         `yaml:"ws_url"`
	RPCURL            string         `yaml:"rpc_url"`
	BaseToken         string         `yaml:"base_token"`
	DeploymentBlock   uint64         `yaml:"deployment_block"`
	RequestsPerSecond float64        `yaml:"requests_per_second"`
	Routers           []RouterConfig `yaml:"routers"`
}

// RouterConfig is one Uniswap V2 style deployment.
type RouterConfig struct {
	Name         string `yaml:"name"`
	Address      string `yaml:"address"`
	Factory      string `yaml:"factory"`
	InitCodeHash string `yaml:"init_code_hash"`
}

// SearchConfig bounds the cycle search.
type SearchConfig struct {
	MaxHops  int           `yaml:"max_hops"`
	Deadline time.Duration `yaml:"deadline"`
	Workers  int           `yaml:"workers"`
}

// VerifyConfig sizes trades and prices execution. Amounts are decimal
// strings in base-token units.
type VerifyConfig struct {
	MinAmount string `yaml:"min_amount"`
	MaxAmount string `yaml:"max_amount"`
	GasPrice  string `yaml:"gas_price"`
	Tip       string `yaml:"tip"`
	BaseGas   uint64 `yaml:"base_gas"`
	GasPerHop uint64 `yaml:"gas_per_hop"`
}

// PipelineConfig controls dispatch and admission.
type PipelineConfig struct {
	Workers   int           `yaml:"workers"`
	Admission int           `yaml:"admission"`
	Deadline  time.Duration `yaml:"deadline"`
	Freshness time.Duration `yaml:"freshness"`
	PinCores  bool          `yaml:"pin_cores"`
}

// StorageConfig locates the SQLite database and harvest progress file.
type StorageConfig struct {
	DB           string `yaml:"db"`
	MetadataPath string `yaml:"metadata_path"`
}

// MetricsConfig controls the Prometheus listener. Empty Listen disables it.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// LogConfig controls format and level of logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // json | console
}

// Load reads path (optional) and the .env file if present. Environment
// variables override YAML values.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CYCLEARB_WS_URL"); v != "" {
		cfg.Chain.WSURL = v
	}
	if v := os.Getenv("CYCLEARB_RPC_URL"); v != "" {
		cfg.Chain.RPCURL = v
	}
	if v := os.Getenv("CYCLEARB_BASE_TOKEN"); v != "" {
		cfg.Chain.BaseToken = v
	}
	if v := os.Getenv("CYCLEARB_DB"); v != "" {
		cfg.Storage.DB = v
	}
	if v := os.Getenv("CYCLEARB_METRICS_LISTEN"); v != "" {
		cfg.Metrics.Listen = v
	}
	if v := os.Getenv("CYCLEARB_GAS_PRICE"); v != "" {
		cfg.Verify.GasPrice = v
	}
	if v := os.Getenv("CYCLEARB_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Pipeline.Workers = n
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

func setDefaults(cfg *Config) {
	if cfg.Chain.RequestsPerSecond <= 0 {
		cfg.Chain.RequestsPerSecond = constants.DefaultRPCRequestsPerSecond
	}
	if cfg.Chain.BaseToken == "" {
		cfg.Chain.BaseToken = "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2" // WETH
	}
	if len(cfg.Chain.Routers) == 0 {
		r := decoder.UniswapV2()
		cfg.Chain.Routers = []RouterConfig{{
			Name:         r.Name,
			Address:      r.Address.Hex(),
			Factory:      r.Factory.Hex(),
			InitCodeHash: r.InitCodeHash.Hex(),
		}}
	}
	if cfg.Search.MaxHops <= 0 {
		cfg.Search.MaxHops = constants.DefaultMaxHops
	}
	if cfg.Search.Deadline <= 0 {
		cfg.Search.Deadline = constants.DefaultSearchDeadline
	}
	if cfg.Search.Workers <= 0 {
		cfg.Search.Workers = runtime.NumCPU()
	}
	if cfg.Verify.MinAmount == "" {
		cfg.Verify.MinAmount = "1000000000000000" // 0.001 ether
	}
	if cfg.Verify.MaxAmount == "" {
		cfg.Verify.MaxAmount = "1000000000000000000000" // 1000 ether
	}
	if cfg.Verify.GasPrice == "" {
		cfg.Verify.GasPrice = "20000000000" // 20 gwei
	}
	if cfg.Verify.Tip == "" {
		cfg.Verify.Tip = "0"
	}
	if cfg.Verify.BaseGas == 0 {
		cfg.Verify.BaseGas = constants.DefaultBaseGas
	}
	if cfg.Verify.GasPerHop == 0 {
		cfg.Verify.GasPerHop = constants.DefaultGasPerHop
	}
	if cfg.Pipeline.Workers <= 0 {
		cfg.Pipeline.Workers = runtime.NumCPU()
	}
	if cfg.Pipeline.Workers > constants.MaxSupportedCores {
		cfg.Pipeline.Workers = constants.MaxSupportedCores
	}
	if cfg.Pipeline.Admission <= 0 {
		cfg.Pipeline.Admission = runtime.NumCPU()
	}
	if cfg.Pipeline.Deadline <= 0 {
		cfg.Pipeline.Deadline = constants.DefaultPipelineDeadline
	}
	if cfg.Pipeline.Freshness == 0 {
		cfg.Pipeline.Freshness = constants.DefaultFreshness
	}
	if cfg.Storage.DB == "" {
		cfg.Storage.DB = "cyclearb.db"
	}
	if cfg.Storage.MetadataPath == "" {
		cfg.Storage.MetadataPath = "harvest.bin"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
}

// Validate checks everything the engine needs to start.
func (c *Config) Validate() error {
	if c.Chain.WSURL == "" {
		return fmt.Errorf("%w: chain.ws_url is required", ErrInvalid)
	}
	if c.Chain.RPCURL == "" {
		return fmt.Errorf("%w: chain.rpc_url is required", ErrInvalid)
	}
	if !common.IsHexAddress(c.Chain.BaseToken) {
		return fmt.Errorf("%w: chain.base_token %q", ErrInvalid, c.Chain.BaseToken)
	}
	for _, r := range c.Chain.Routers {
		if !common.IsHexAddress(r.Address) || !common.IsHexAddress(r.Factory) {
			return fmt.Errorf("%w: router %q addresses", ErrInvalid, r.Name)
		}
	}
	if _, err := c.VerifierConfig(); err != nil {
		return err
	}
	_, err := c.Cost()
	return err
}

// BaseTokenAddress returns the parsed base token.
func (c *Config) BaseTokenAddress() common.Address {
	return common.HexToAddress(c.Chain.BaseToken)
}

// DecoderRouters converts router entries for the decoder.
func (c *Config) DecoderRouters() []decoder.Router {
	out := make([]decoder.Router, len(c.Chain.Routers))
	for i, r := range c.Chain.Routers {
		out[i] = decoder.Router{
			Name:         r.Name,
			Address:      common.HexToAddress(r.Address),
			Factory:      common.HexToAddress(r.Factory),
			InitCodeHash: common.HexToHash(r.InitCodeHash),
		}
	}
	return out
}

// SearchEngineConfig returns the search limits.
func (c *Config) SearchEngineConfig() search.Config {
	return search.Config{
		MaxHops:  c.Search.MaxHops,
		Deadline: c.Search.Deadline,
		Workers:  c.Search.Workers,
	}
}

// VerifierConfig parses the amount range.
func (c *Config) VerifierConfig() (verify.Config, error) {
	lo, err := decimal("verify.min_amount", c.Verify.MinAmount)
	if err != nil {
		return verify.Config{}, err
	}
	hi, err := decimal("verify.max_amount", c.Verify.MaxAmount)
	if err != nil {
		return verify.Config{}, err
	}
	return verify.Config{MinAmount: lo, MaxAmount: hi, MaxIterations: constants.MaxTernaryIterations}, nil
}

// Cost builds the static execution cost model.
func (c *Config) Cost() (verify.StaticCost, error) {
	price, err := decimal("verify.gas_price", c.Verify.GasPrice)
	if err != nil {
		return verify.StaticCost{}, err
	}
	tip, err := decimal("verify.tip", c.Verify.Tip)
	if err != nil {
		return verify.StaticCost{}, err
	}
	return verify.StaticCost{
		BaseGas:   c.Verify.BaseGas,
		GasPerHop: c.Verify.GasPerHop,
		GasPrice:  price,
		Tip:       tip,
	}, nil
}

func decimal(field, s string) (*uint256.Int, error) {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %q: %v", ErrInvalid, field, s, err)
	}
	return v, nil
}
