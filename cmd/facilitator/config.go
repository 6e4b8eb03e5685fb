package main

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config is the facilitator service configuration, loaded from
// config.yaml with H402_* environment overrides.
type Config struct {
	Server struct {
		Addr string `mapstructure:"addr"`
		Mode string `mapstructure:"mode"`
	} `mapstructure:"server"`

	Ledger struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"ledger"`

	EVM struct {
		// SettlementKey signs transferWithAuthorization settlement
		// transactions. Without it the EVM handler is verify-only for
		// authorization payloads.
		SettlementKey string            `mapstructure:"settlement_key"`
		RPCURLs       map[string]string `mapstructure:"rpc_urls"`
	} `mapstructure:"evm"`

	Solana struct {
		RPCURLs map[string]string `mapstructure:"rpc_urls"`
	} `mapstructure:"solana"`

	Admin struct {
		Token string `mapstructure:"token"`
	} `mapstructure:"admin"`

	Backup struct {
		Enabled   bool   `mapstructure:"enabled"`
		Schedule  string `mapstructure:"schedule"`
		Keep      int    `mapstructure:"keep"`
		Endpoint  string `mapstructure:"endpoint"`
		AccessKey string `mapstructure:"access_key"`
		SecretKey string `mapstructure:"secret_key"`
		Bucket    string `mapstructure:"bucket"`
		Prefix    string `mapstructure:"prefix"`
		UseSSL    bool   `mapstructure:"use_ssl"`
	} `mapstructure:"backup"`
}

// LoadConfig reads config.yaml from path (or the working directory when
// empty) and applies environment overrides.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if path != "" {
		v.AddConfigPath(path)
	}
	v.AddConfigPath(".")

	v.SetDefault("server.addr", ":8402")
	v.SetDefault("server.mode", "release")
	v.SetDefault("ledger.path", "facilitator.db")
	v.SetDefault("backup.schedule", "0 */6 * * *")
	v.SetDefault("backup.keep", 5)

	v.SetEnvPrefix("H402")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// The file is optional; env and defaults carry a minimal setup.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
