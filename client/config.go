package client

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/ini.v1"
	"gopkg.in/yaml.v3"
)

// fileConfig is the on-disk layout shared by the TOML and YAML loaders.
// Durations are strings parsed with time.ParseDuration.
type fileConfig struct {
	ConnString         string `toml:"conn_string" yaml:"conn_string"`
	DefaultTimeoutMs   *int   `toml:"default_timeout_ms" yaml:"default_timeout_ms"`
	DebugMode          bool   `toml:"debug_mode" yaml:"debug_mode"`
	LogLevel           string `toml:"log_level" yaml:"log_level"`
	StatementCapacity  int    `toml:"statement_capacity" yaml:"statement_capacity"`
	TransactionTimeout string `toml:"transaction_timeout" yaml:"transaction_timeout"`

	Pool struct {
		MinSize             *int   `toml:"min_size" yaml:"min_size"`
		MaxSize             int    `toml:"max_size" yaml:"max_size"`
		IdleTimeout         string `toml:"idle_timeout" yaml:"idle_timeout"`
		HealthCheckInterval string `toml:"health_check_interval" yaml:"health_check_interval"`
	} `toml:"pool" yaml:"pool"`

	TLS struct {
		Enabled            bool   `toml:"enabled" yaml:"enabled"`
		CAFile             string `toml:"ca_file" yaml:"ca_file"`
		CertFile           string `toml:"cert_file" yaml:"cert_file"`
		KeyFile            string `toml:"key_file" yaml:"key_file"`
		InsecureSkipVerify bool   `toml:"insecure_skip_verify" yaml:"insecure_skip_verify"`
	} `toml:"tls" yaml:"tls"`

	Prepare struct {
		AutoPrepareMinUsages *int `toml:"auto_prepare_min_usages" yaml:"auto_prepare_min_usages"`
		MaxAutoPrepare       int  `toml:"max_auto_prepare" yaml:"max_auto_prepare"`
	} `toml:"prepare" yaml:"prepare"`
}

// LoadOptions reads options from a TOML, YAML or INI file, chosen by extension,
// then applies PGBATCH_* environment overrides on top.
func LoadOptions(path string) (ClientOptions, error) {
	opts := DefaultOptions()

	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = loadStructured(path, &opts, toml.Unmarshal)
	case ".yaml", ".yml":
		err = loadStructured(path, &opts, yaml.Unmarshal)
	case ".ini", ".conf":
		err = loadINI(path, &opts)
	default:
		err = fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
	if err != nil {
		return ClientOptions{}, &ConnectionError{
			Code:    "CONFIG_LOAD_FAILED",
			Type:    "CONFIG_ERROR",
			Message: fmt.Sprintf("failed to load configuration from %s", path),
			Details: map[string]interface{}{"path": path},
			Cause:   err,
		}
	}

	if err := applyEnvOverrides(&opts); err != nil {
		return ClientOptions{}, err
	}
	return opts, validateOptions(opts)
}

func loadStructured(path string, opts *ClientOptions, unmarshal func([]byte, interface{}) error) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var fc fileConfig
	if err := unmarshal(data, &fc); err != nil {
		return err
	}
	return fc.apply(opts)
}

func (fc *fileConfig) apply(opts *ClientOptions) error {
	if fc.ConnString != "" {
		opts.ConnString = fc.ConnString
	}
	if fc.DefaultTimeoutMs != nil {
		opts.DefaultTimeoutMs = *fc.DefaultTimeoutMs
	}
	opts.DebugMode = fc.DebugMode
	if fc.LogLevel != "" {
		opts.LogLevel = fc.LogLevel
	}
	if fc.StatementCapacity > 0 {
		opts.StatementCapacity = fc.StatementCapacity
	}

	if fc.Pool.MinSize != nil {
		opts.PoolMinSize = *fc.Pool.MinSize
	}
	if fc.Pool.MaxSize > 0 {
		opts.PoolMaxSize = fc.Pool.MaxSize
	}

	opts.TLSEnabled = fc.TLS.Enabled
	opts.TLSCAFile = fc.TLS.CAFile
	opts.TLSCertFile = fc.TLS.CertFile
	opts.TLSKeyFile = fc.TLS.KeyFile
	opts.TLSInsecureSkipVerify = fc.TLS.InsecureSkipVerify

	if fc.Prepare.AutoPrepareMinUsages != nil {
		opts.AutoPrepareMinUsages = *fc.Prepare.AutoPrepareMinUsages
	}
	if fc.Prepare.MaxAutoPrepare > 0 {
		opts.MaxAutoPrepare = fc.Prepare.MaxAutoPrepare
	}

	durations := []struct {
		raw string
		dst *time.Duration
	}{
		{fc.TransactionTimeout, &opts.TransactionTimeout},
		{fc.Pool.IdleTimeout, &opts.PoolIdleTimeout},
		{fc.Pool.HealthCheckInterval, &opts.HealthCheckInterval},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return err
		}
		*d.dst = v
	}
	return nil
}

func loadINI(path string, opts *ClientOptions) error {
	cfg, err := ini.Load(path)
	if err != nil {
		return err
	}

	root := cfg.Section("")
	opts.ConnString = root.Key("conn_string").MustString(opts.ConnString)
	opts.DefaultTimeoutMs = root.Key("default_timeout_ms").MustInt(opts.DefaultTimeoutMs)
	opts.DebugMode = root.Key("debug_mode").MustBool(opts.DebugMode)
	opts.LogLevel = root.Key("log_level").MustString(opts.LogLevel)
	opts.StatementCapacity = root.Key("statement_capacity").MustInt(opts.StatementCapacity)
	opts.TransactionTimeout = root.Key("transaction_timeout").MustDuration(opts.TransactionTimeout)

	pool := cfg.Section("pool")
	opts.PoolMinSize = pool.Key("min_size").MustInt(opts.PoolMinSize)
	opts.PoolMaxSize = pool.Key("max_size").MustInt(opts.PoolMaxSize)
	opts.PoolIdleTimeout = pool.Key("idle_timeout").MustDuration(opts.PoolIdleTimeout)
	opts.HealthCheckInterval = pool.Key("health_check_interval").MustDuration(opts.HealthCheckInterval)

	tlsSec := cfg.Section("tls")
	opts.TLSEnabled = tlsSec.Key("enabled").MustBool(false)
	opts.TLSCAFile = tlsSec.Key("ca_file").String()
	opts.TLSCertFile = tlsSec.Key("cert_file").String()
	opts.TLSKeyFile = tlsSec.Key("key_file").String()
	opts.TLSInsecureSkipVerify = tlsSec.Key("insecure_skip_verify").MustBool(false)

	prep := cfg.Section("prepare")
	opts.AutoPrepareMinUsages = prep.Key("auto_prepare_min_usages").MustInt(opts.AutoPrepareMinUsages)
	opts.MaxAutoPrepare = prep.Key("max_auto_prepare").MustInt(opts.MaxAutoPrepare)
	return nil
}

// applyEnvOverrides lets deployment environments override file values.
func applyEnvOverrides(opts *ClientOptions) error {
	if v := os.Getenv("PGBATCH_CONN_STRING"); v != "" {
		opts.ConnString = v
	}
	if v := os.Getenv("PGBATCH_LOG_LEVEL"); v != "" {
		opts.LogLevel = v
	}
	if v := os.Getenv("PGBATCH_DEBUG"); v != "" {
		opts.DebugMode = v == "1" || strings.EqualFold(v, "true")
	}

	ints := []struct {
		name string
		dst  *int
	}{
		{"PGBATCH_DEFAULT_TIMEOUT_MS", &opts.DefaultTimeoutMs},
		{"PGBATCH_POOL_MIN_SIZE", &opts.PoolMinSize},
		{"PGBATCH_POOL_MAX_SIZE", &opts.PoolMaxSize},
		{"PGBATCH_AUTO_PREPARE_MIN_USAGES", &opts.AutoPrepareMinUsages},
		{"PGBATCH_MAX_AUTO_PREPARE", &opts.MaxAutoPrepare},
	}
	for _, e := range ints {
		v := os.Getenv(e.name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return &ConnectionError{
				Code:    "CONFIG_INVALID_ENV",
				Type:    "CONFIG_ERROR",
				Message: fmt.Sprintf("%s must be an integer", e.name),
				Details: map[string]interface{}{"variable": e.name, "value": v},
				Cause:   err,
			}
		}
		*e.dst = n
	}
	return nil
}

func validateOptions(opts ClientOptions) error {
	var problems []string
	if opts.PoolMaxSize < 1 {
		problems = append(problems, "pool max size must be at least 1")
	}
	if opts.PoolMinSize > opts.PoolMaxSize {
		problems = append(problems, "pool min size exceeds max size")
	}
	if opts.AutoPrepareMinUsages < 0 {
		problems = append(problems, "auto prepare min usages cannot be negative")
	}
	if opts.AutoPrepareMinUsages > 0 && opts.MaxAutoPrepare < 1 {
		problems = append(problems, "max auto prepare must be at least 1 when auto preparation is enabled")
	}
	if opts.DefaultTimeoutMs < 0 {
		problems = append(problems, "default timeout cannot be negative")
	}
	if len(problems) == 0 {
		return nil
	}

	return &ConnectionError{
		Code:    "CONFIG_INVALID",
		Type:    "CONFIG_ERROR",
		Message: strings.Join(problems, "; "),
		Details: map[string]interface{}{"problems": problems},
	}
}
