package config

import (
	"errors"
	"fmt"
	"log"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"
)

// ErrConfiguration marks settings that make the process unable to start.
var ErrConfiguration = errors.New("configuration error")

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Domain   DomainConfig   `mapstructure:"domain"`
	Signer   SignerConfig   `mapstructure:"signer"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Chain    ChainConfig    `mapstructure:"chain"`
	Events   EventsConfig   `mapstructure:"events"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Audit    AuditConfig    `mapstructure:"audit"`
}

type ServerConfig struct {
	Port string `mapstructure:"port"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type AuthConfig struct {
	RequireAPIKey bool           `mapstructure:"require_api_key"`
	AdminKey      string         `mapstructure:"admin_key"`
	Clients       []ClientConfig `mapstructure:"clients"`
	DefaultQPS    float64        `mapstructure:"default_qps"`
	DefaultBurst  int            `mapstructure:"default_burst"`
}

type ClientConfig struct {
	ID     string  `mapstructure:"id"`
	Name   string  `mapstructure:"name"`
	APIKey string  `mapstructure:"api_key"`
	QPS    float64 `mapstructure:"qps"`
	Burst  int     `mapstructure:"burst"`
}

// DomainConfig is the single EIP-712 domain shared by signing and verification.
// chain_id and verifying_contract have no defaults.
type DomainConfig struct {
	Name              string `mapstructure:"name"`
	Version           string `mapstructure:"version"`
	ChainID           int64  `mapstructure:"chain_id"`
	VerifyingContract string `mapstructure:"verifying_contract"`
}

type SignerConfig struct {
	// KeySource is a secret-store reference: env:NAME, file:/path or awskms:<ciphertext>.
	KeySource string `mapstructure:"key_source"`
	AWSRegion string `mapstructure:"aws_region"`
	KMSKeyID  string `mapstructure:"kms_key_id"`
}

type DatabaseConfig struct {
	DSN                    string `mapstructure:"dsn"`
	AuditRetentionDays     int    `mapstructure:"audit_retention_days"`
	CleanupIntervalMinutes int    `mapstructure:"cleanup_interval_minutes"`
}

type RedisConfig struct {
	Addr                  string `mapstructure:"addr"`
	Password              string `mapstructure:"password"`
	DB                    int    `mapstructure:"db"`
	IdempotencyTTLSeconds int    `mapstructure:"idempotency_ttl_seconds"`
	AuditListKey          string `mapstructure:"audit_list_key"`
	AuditListMax          int    `mapstructure:"audit_list_max"`
}

type ChainConfig struct {
	RPCURL              string `mapstructure:"rpc_url"`
	EIP1271Enabled      bool   `mapstructure:"eip1271_enabled"`
	EIP1271CacheSeconds int    `mapstructure:"eip1271_cache_seconds"`
	EIP1271TimeoutMs    int    `mapstructure:"eip1271_timeout_ms"`
	EIP1271Retries      int    `mapstructure:"eip1271_retries"`
}

type EventsConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	PollIntervalMs int    `mapstructure:"poll_interval_ms"`
	MaxBlockRange  uint64 `mapstructure:"max_block_range"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type AuditConfig struct {
	Dir string `mapstructure:"dir"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")

	// e.g. ESCROWGATE_DOMAIN_CHAIN_ID
	v.SetEnvPrefix("escrowgate")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// AutomaticEnv only resolves keys viper already knows about.
	for _, key := range []string{"domain.chain_id", "domain.verifying_contract", "signer.key_source", "signer.aws_region", "signer.kms_key_id", "auth.admin_key", "database.dsn", "redis.addr", "redis.password", "chain.rpc_url"} {
		_ = v.BindEnv(key)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			log.Println("No config file found, using defaults and env vars")
		} else {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("auth.require_api_key", false)
	v.SetDefault("auth.default_qps", 10)
	v.SetDefault("auth.default_burst", 20)
	v.SetDefault("domain.name", "MetaAggregatorEscrow")
	v.SetDefault("domain.version", "1")
	v.SetDefault("redis.idempotency_ttl_seconds", 86400)
	v.SetDefault("redis.audit_list_key", "escrowgate:audit")
	v.SetDefault("redis.audit_list_max", 10000)
	v.SetDefault("database.audit_retention_days", 30)
	v.SetDefault("database.cleanup_interval_minutes", 60)
	v.SetDefault("chain.eip1271_enabled", false)
	v.SetDefault("chain.eip1271_cache_seconds", 60)
	v.SetDefault("chain.eip1271_timeout_ms", 5000)
	v.SetDefault("chain.eip1271_retries", 1)
	v.SetDefault("events.enabled", false)
	v.SetDefault("events.poll_interval_ms", 4000)
	v.SetDefault("events.max_block_range", 2000)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("audit.dir", "./logs")
}

// Validate fails fast on settings that would otherwise produce signatures for
// the wrong deployment.
func (c *Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.Domain.Name) == "" {
		problems = append(problems, "domain.name is required")
	}
	if strings.TrimSpace(c.Domain.Version) == "" {
		problems = append(problems, "domain.version is required")
	}
	if c.Domain.ChainID <= 0 {
		problems = append(problems, "domain.chain_id must be a positive integer")
	}
	addr := strings.TrimSpace(c.Domain.VerifyingContract)
	switch {
	case addr == "":
		problems = append(problems, "domain.verifying_contract is required")
	case !common.IsHexAddress(addr):
		problems = append(problems, "domain.verifying_contract is not a valid address")
	case common.HexToAddress(addr) == (common.Address{}):
		problems = append(problems, "domain.verifying_contract must not be the zero address")
	}
	if strings.TrimSpace(c.Signer.KeySource) == "" {
		problems = append(problems, "signer.key_source is required")
	}
	if c.Events.Enabled && strings.TrimSpace(c.Chain.RPCURL) == "" {
		problems = append(problems, "events.enabled requires chain.rpc_url")
	}
	if c.Chain.EIP1271Enabled && strings.TrimSpace(c.Chain.RPCURL) == "" {
		problems = append(problems, "chain.eip1271_enabled requires chain.rpc_url")
	}
	for i, client := range c.Auth.Clients {
		if client.ID == "" || client.APIKey == "" {
			problems = append(problems, fmt.Sprintf("auth.clients[%d] needs id and api_key", i))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrConfiguration, strings.Join(problems, "; "))
	}
	return nil
}

func (c *Config) ChainID() *big.Int {
	return big.NewInt(c.Domain.ChainID)
}
