package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Domain: DomainConfig{
			Name:              "MetaAggregatorEscrow",
			Version:           "1",
			ChainID:           31337,
			VerifyingContract: "0x5FbDB2315678afecb367f032d93F642f64180aa3",
		},
		Signer: SignerConfig{KeySource: "env:ESCROWGATE_SIGNER_KEY"},
	}
}

func TestValidate_OK(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, int64(31337), cfg.ChainID().Int64())
}

func TestValidate_Failures(t *testing.T) {
	cases := map[string]func(*Config){
		"missing chain id":       func(c *Config) { c.Domain.ChainID = 0 },
		"negative chain id":      func(c *Config) { c.Domain.ChainID = -1 },
		"missing contract":       func(c *Config) { c.Domain.VerifyingContract = "" },
		"malformed contract":     func(c *Config) { c.Domain.VerifyingContract = "0x1234" },
		"zero contract":          func(c *Config) { c.Domain.VerifyingContract = "0x0000000000000000000000000000000000000000" },
		"missing key source":     func(c *Config) { c.Signer.KeySource = " " },
		"missing name":           func(c *Config) { c.Domain.Name = "" },
		"events without rpc":     func(c *Config) { c.Events.Enabled = true },
		"eip1271 without rpc":    func(c *Config) { c.Chain.EIP1271Enabled = true },
		"client without api key": func(c *Config) { c.Auth.Clients = []ClientConfig{{ID: "x"}} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := validConfig()
			mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrConfiguration)
		})
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("ESCROWGATE_DOMAIN_CHAIN_ID", "137")
	t.Setenv("ESCROWGATE_DOMAIN_VERIFYING_CONTRACT", "0x5FbDB2315678afecb367f032d93F642f64180aa3")
	t.Setenv("ESCROWGATE_SIGNER_KEY_SOURCE", "env:KEY")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, int64(137), cfg.Domain.ChainID)
	assert.Equal(t, "MetaAggregatorEscrow", cfg.Domain.Name)
	assert.Equal(t, "1", cfg.Domain.Version)
	assert.Equal(t, "env:KEY", cfg.Signer.KeySource)
	assert.Equal(t, "8080", cfg.Server.Port)
	require.NoError(t, cfg.Validate())
}
