// Package config provides a reusable loader for splinterd configuration
// files and environment variables, versioned so that the daemon can
// depend on a stable API contract.
//
// Version: v0.1.0
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/splinter-mesh/splinter/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config is the unified configuration for a splinterd node. It mirrors
// the structure of the YAML files under cmd/splinterd/config.
type Config struct {
	Node struct {
		ID          string `mapstructure:"id" json:"id"`
		KeySeedFile string `mapstructure:"key_seed_file" json:"key_seed_file"`
	} `mapstructure:"node" json:"node"`

	Transport struct {
		ListenEndpoint string `mapstructure:"listen_endpoint" json:"listen_endpoint"`
		TLSCertFile    string `mapstructure:"tls_cert_file" json:"tls_cert_file"`
		TLSKeyFile     string `mapstructure:"tls_key_file" json:"tls_key_file"`
	} `mapstructure:"transport" json:"transport"`

	Storage struct {
		Backend   string `mapstructure:"backend" json:"backend"` // "embedded" or "sql"
		WALPath   string `mapstructure:"wal_path" json:"wal_path"`
		SQLDSN    string `mapstructure:"sql_dsn" json:"sql_dsn"`
	} `mapstructure:"storage" json:"storage"`

	Consensus struct {
		CoordinatorTimeoutSeconds int `mapstructure:"coordinator_timeout_seconds" json:"coordinator_timeout_seconds"`
	} `mapstructure:"consensus" json:"consensus"`

	Peers struct {
		ReconnectInitialSeconds int `mapstructure:"reconnect_initial_seconds" json:"reconnect_initial_seconds"`
		ReconnectMaxAttempts    int `mapstructure:"reconnect_max_attempts" json:"reconnect_max_attempts"`
	} `mapstructure:"peers" json:"peers"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads configuration files and merges any environment specific
// overrides. The resulting configuration is stored in AppConfig and
// returned.
//
// The function uses the provided environment name to merge additional
// config files. If env is empty, only the default configuration is
// loaded.
func Load(env string) (*Config, error) {
	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/splinterd/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.SetEnvPrefix("SPLINTER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the SPLINTER_ENV environment
// variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("SPLINTER_ENV", ""))
}
