package config

import (
	"fmt"
	"os"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the full minter configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Logging    LoggingConfig    `yaml:"logging"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Auth       AuthConfig       `yaml:"auth"`
	Chain      ChainConfig      `yaml:"chain"`
	Providers  ProvidersConfig  `yaml:"providers"`
	Contracts  ContractsConfig  `yaml:"contracts"`
	Ledger     LedgerConfig     `yaml:"ledger"`
	Signer     SignerConfig     `yaml:"signer"`
	Withdrawal WithdrawalConfig `yaml:"withdrawal"`
	Scrape     ScrapeConfig     `yaml:"scrape"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Host              string        `yaml:"host" default:"0.0.0.0"`
	Port              int           `yaml:"port" default:"8080"`
	ReadTimeout       time.Duration `yaml:"read_timeout" default:"15s"`
	WriteTimeout      time.Duration `yaml:"write_timeout" default:"15s"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" default:"60s"`
	MiddlewareTimeout time.Duration `yaml:"middleware_timeout" default:"60s"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" default:"30s"`
}

// DatabaseConfig contains Postgres connection settings for the event store.
type DatabaseConfig struct {
	Host     string `yaml:"host" default:"localhost" validate:"required"`
	Port     int    `yaml:"port" default:"5432"`
	User     string `yaml:"user" validate:"required"`
	Password string `yaml:"password"`
	Database string `yaml:"database" default:"minter" validate:"required"`
	SSLMode  string `yaml:"ssl_mode" default:"disable"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level      string `yaml:"level" default:"info"`
	Format     string `yaml:"format" default:"json"`
	OutputPath string `yaml:"output_path" default:"stdout"`
}

// MonitoringConfig contains metrics settings.
type MonitoringConfig struct {
	Enabled bool `yaml:"enabled" default:"true"`
}

// AuthConfig contains JWT validation settings for the mutating API endpoints.
type AuthConfig struct {
	JWKSURL string `yaml:"jwks_url"`
	Issuer  string `yaml:"issuer"`
}

// ChainConfig identifies the EVM chain being bridged.
type ChainConfig struct {
	Network string `yaml:"network" default:"ethereum" validate:"required"`
	ChainID uint64 `yaml:"chain_id" validate:"required"`
	// NativeSymbol is the settlement ledger instrument backing the chain's
	// native token.
	NativeSymbol string `yaml:"native_symbol" default:"ETH"`
	// SafeDepth is subtracted from the latest block number to get the
	// highest block the scraper will observe.
	SafeDepth uint64 `yaml:"safe_depth" default:"32"`
	// MinPriorityFee is the floor, in wei, applied to the estimated
	// max priority fee per gas.
	MinPriorityFee string `yaml:"min_priority_fee" default:"1500000000"`
}

// ProviderEndpoint is one JSON-RPC provider.
type ProviderEndpoint struct {
	Name string `yaml:"name" validate:"required"`
	URL  string `yaml:"url" validate:"required,url"`
}

// ConsensusConfig sets how many providers are queried and how many must agree.
type ConsensusConfig struct {
	Total int `yaml:"total" default:"3" validate:"min=1"`
	MinOK int `yaml:"min_ok" default:"2" validate:"min=1"`
}

// BudgetConfig bounds outbound RPC usage. Units are estimated response bytes.
type BudgetConfig struct {
	Capacity       uint64        `yaml:"capacity" default:"104857600"`
	Refill         uint64        `yaml:"refill" default:"10485760"`
	RefillInterval time.Duration `yaml:"refill_interval" default:"1h"`
}

// ProvidersConfig contains the RPC provider pool settings.
type ProvidersConfig struct {
	Endpoints []ProviderEndpoint `yaml:"endpoints" validate:"min=1,dive"`
	Consensus ConsensusConfig    `yaml:"consensus"`
	Budget    BudgetConfig       `yaml:"budget"`
	// NonceProvider names the single endpoint trusted for the latest
	// (pending-inclusive) transaction count. Defaults to the first endpoint.
	NonceProvider  string        `yaml:"nonce_provider"`
	RequestTimeout time.Duration `yaml:"request_timeout" default:"30s"`
}

// ContractsConfig locates the helper contracts watched by the scraper.
type ContractsConfig struct {
	// HelperAddress is the current deposit helper contract.
	HelperAddress string `yaml:"helper_address" validate:"required"`
	// LegacyHelperAddress is the pre-migration helper contract. Optional;
	// when set, its logs are scraped alongside the current contract for the
	// duration of the migration window.
	LegacyHelperAddress string `yaml:"legacy_helper_address"`
	// DeployBlock seeds the scrape watermark on first start.
	DeployBlock uint64 `yaml:"deploy_block"`
}

// LedgerAuthConfig contains OAuth client-credentials settings for the
// settlement ledger API.
type LedgerAuthConfig struct {
	TokenURL     string `yaml:"token_url"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Audience     string `yaml:"audience"`
}

// LedgerConfig contains settlement ledger client settings.
type LedgerConfig struct {
	BaseURL string           `yaml:"base_url" validate:"required,url"`
	Auth    LedgerAuthConfig `yaml:"auth"`
	// TransferFee is the ledger's flat transfer fee in wei-equivalent units.
	TransferFee string `yaml:"transfer_fee" default:"0"`
	// Decimals of the wrapped token on the ledger. Wei amounts are scaled
	// by 18-Decimals when crossing the boundary.
	Decimals   int    `yaml:"decimals" default:"18" validate:"min=0,max=18"`
	FeeAccount string `yaml:"fee_account"`
	// DexAccount receives the settlement ledger credits for bridged swap
	// orders. Swap orders stay pending while it is unset.
	DexAccount     string        `yaml:"dex_account"`
	RequestTimeout time.Duration `yaml:"request_timeout" default:"30s"`
}

// SignerConfig contains key material settings.
type SignerConfig struct {
	// MasterSeed is a hex-encoded seed; the signing key is derived from it.
	MasterSeed string `yaml:"master_seed" validate:"required"`
	// KeyInfo namespaces the derivation so one seed can back several keys.
	KeyInfo string `yaml:"key_info" default:"evm-minter/signing/v1"`
}

// WithdrawalConfig contains withdrawal intake and processing settings.
type WithdrawalConfig struct {
	// MinAmount is the smallest accepted native withdrawal, in wei.
	MinAmount string `yaml:"min_amount" default:"30000000000000000"`
	// Fee is an optional flat operation fee, in wei, collected on intake.
	Fee string `yaml:"fee" default:"0"`
	// MaxConcurrent bounds in-flight intake calls across all principals.
	MaxConcurrent int `yaml:"max_concurrent" default:"100"`
	// MaxPending bounds queued withdrawal requests.
	MaxPending        int           `yaml:"max_pending" default:"1000"`
	ProcessInterval   time.Duration `yaml:"process_interval" default:"1m"`
	RetryInterval     time.Duration `yaml:"retry_interval" default:"30s"`
	ReimburseInterval time.Duration `yaml:"reimburse_interval" default:"1m"`
}

// ScrapeConfig contains log scraping settings.
type ScrapeConfig struct {
	Interval time.Duration `yaml:"interval" default:"20m"`
	// MaxBlockSpread caps the block range of a single eth_getLogs call.
	MaxBlockSpread uint64 `yaml:"max_block_spread" default:"500"`
	// MinRequestGap rate-limits on-demand scrape requests.
	MinRequestGap time.Duration `yaml:"min_request_gap" default:"1m"`
}

// Load reads, defaults and validates the configuration file.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply config defaults: %w", err)
	}

	dec := yaml.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return err
	}
	if cfg.Providers.Consensus.MinOK > cfg.Providers.Consensus.Total {
		return fmt.Errorf("providers.consensus: min_ok %d exceeds total %d",
			cfg.Providers.Consensus.MinOK, cfg.Providers.Consensus.Total)
	}
	if cfg.Providers.Consensus.Total > len(cfg.Providers.Endpoints) {
		return fmt.Errorf("providers.consensus: total %d exceeds configured endpoints %d",
			cfg.Providers.Consensus.Total, len(cfg.Providers.Endpoints))
	}
	if cfg.Providers.NonceProvider != "" {
		found := false
		for _, e := range cfg.Providers.Endpoints {
			if e.Name == cfg.Providers.NonceProvider {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("providers.nonce_provider %q does not name a configured endpoint", cfg.Providers.NonceProvider)
		}
	}
	return nil
}
