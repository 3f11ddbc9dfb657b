// Package config loads run configuration from an optional YAML file
// and CUTOVER_-prefixed environment variables.
package config

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Endpoint describes one directory system.
type Endpoint struct {
	BaseURL      string `mapstructure:"base_url"`
	TenantID     string `mapstructure:"tenant_id"`
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
}

// Config holds everything a run needs.  Flags override a few of
// these per invocation; the file and environment carry the rest.
type Config struct {
	LogLevel string `mapstructure:"log_level"`

	// Source is the on-prem system holding mailbox content; Target
	// is the cloud system whose records carry the status markers.
	Source Endpoint `mapstructure:"source"`
	Target Endpoint `mapstructure:"target"`

	// Restore job parameters, fixed per run.
	BadItemLimit        int  `mapstructure:"bad_item_limit"`
	AllowLegacyMismatch bool `mapstructure:"allow_legacy_mismatch"`

	// Workers bounds concurrent in-flight transitions; below two
	// the run is sequential.
	Workers int `mapstructure:"workers"`

	// Confirm-stage polling budget.
	PollIntervalSeconds int `mapstructure:"poll_interval_seconds"`
	PollMaxAttempts     int `mapstructure:"poll_max_attempts"`

	// CorrelationKey is "display_name" or "primary_address".
	CorrelationKey string `mapstructure:"correlation_key"`

	// MarkerMatch is "exact" or "substring" (legacy compatibility).
	MarkerMatch string `mapstructure:"marker_match"`

	// LedgerPath and ReportDir default under the operator home.
	LedgerPath string `mapstructure:"ledger_path"`
	ReportDir  string `mapstructure:"report_dir"`
}

// Load reads configuration.  path may be empty, in which case only
// defaults and environment variables apply.
func Load(path string) (*Config, error) {
	v := viper.New()

	// Every key gets a default, even when the zero value is the only
	// sensible one: viper consults the environment only for keys it
	// already knows about, so an unregistered key would make its
	// CUTOVER_ variable silently inert.  Credentials in particular
	// arrive by environment, never by file.
	v.SetDefault("log_level", "info")
	v.SetDefault("source.base_url", "")
	v.SetDefault("source.tenant_id", "")
	v.SetDefault("source.client_id", "")
	v.SetDefault("source.client_secret", "")
	v.SetDefault("target.base_url", "")
	v.SetDefault("target.tenant_id", "")
	v.SetDefault("target.client_id", "")
	v.SetDefault("target.client_secret", "")
	v.SetDefault("bad_item_limit", 10)
	v.SetDefault("allow_legacy_mismatch", true)
	v.SetDefault("workers", 1)
	v.SetDefault("poll_interval_seconds", 60)
	v.SetDefault("poll_max_attempts", 30)
	v.SetDefault("correlation_key", "display_name")
	v.SetDefault("marker_match", "exact")
	v.SetDefault("ledger_path", "")
	v.SetDefault("report_dir", "")

	v.SetEnvPrefix("CUTOVER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "unable to read config file %q", path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unable to decode configuration")
	}
	return &cfg, nil
}
