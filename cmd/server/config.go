package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/romshark/yamagiconf"

	"github.com/romshark/shardforms/app"
	"github.com/romshark/shardforms/form"
)

// Store kinds.
const (
	StoreInmem = "inmem"
	StoreNATS  = "nats"
)

type Config struct {
	Host        string `yaml:"host" env:"HOST"`
	HostMetrics string `yaml:"host_metrics" env:"HOST_METRICS"`

	// BaseURL is the public URL of the server, derived from requests if empty.
	BaseURL string `yaml:"base_url" env:"BASE_URL"`

	// DevMode serves static files from disk.
	DevMode bool `yaml:"dev_mode" env:"DEV_MODE"`

	TLS      ConfigTLS      `yaml:"tls"`
	NATS     ConfigNATS     `yaml:"nats"`
	Sessions ConfigSessions `yaml:"sessions"`
	CSRF     ConfigCSRF     `yaml:"csrf"`
	Broker   ConfigBroker   `yaml:"broker"`
	Wallet   ConfigWallet   `yaml:"wallet"`
	Contract ConfigContract `yaml:"contract"`

	// SettleDelayMS is the time given to the wallet to clear its session
	// after signing out.
	SettleDelayMS int `yaml:"settle_delay_ms"`

	Variants []ConfigVariant `yaml:"variants"`
}

type ConfigTLS struct {
	Cert string `yaml:"cert" env:"PATH_TLS_CERT"`
	Key  string `yaml:"key" env:"PATH_TLS_KEY"`
}

type ConfigNATS struct {
	URL string `yaml:"url" env:"NATS_URL"`
}

type ConfigSessions struct {
	// Store is either "inmem" or "nats".
	Store string `yaml:"store"`

	// EncryptionKey is the hex-encoded 16-byte cookie encryption key
	// required by the "nats" store.
	EncryptionKey string `yaml:"encryption_key" env:"SESSION_ENCRYPTION_KEY"`

	// TTLSeconds bounds idle sessions in the "nats" store, 0 is unlimited.
	TTLSeconds int `yaml:"ttl_seconds"`
}

type ConfigCSRF struct {
	Secret         string `yaml:"secret" env:"CSRF_SECRET"`
	DevBypassToken string `yaml:"dev_bypass_token" env:"CSRF_DEV_BYPASS_TOKEN"`
}

type ConfigBroker struct {
	// Store is either "inmem" or "nats".
	Store string `yaml:"store"`

	// Stream names the JetStream stream of the "nats" broker.
	Stream string `yaml:"stream"`
}

type ConfigWallet struct {
	URL string `yaml:"url" env:"WALLET_URL"`
}

type ConfigContract struct {
	SubjectPrefix  string `yaml:"subject_prefix"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type ConfigVariant struct {
	// ID names a built-in variant.
	ID string `yaml:"id"`

	// ContractID overrides the built-in contract ID if not empty.
	ContractID string `yaml:"contract_id"`

	// Validation is "strict" or "lenient".
	Validation string `yaml:"validation"`
}

var (
	ErrHostEmpty       = errors.New("host must not be empty")
	ErrNATSURLEmpty    = errors.New("nats.url must not be empty")
	ErrStore           = errors.New(`store must be either "inmem" or "nats"`)
	ErrEncryptionKey   = errors.New("sessions.encryption_key must be 32 hex characters")
	ErrCSRFSecretEmpty = errors.New("csrf.secret must not be empty")
	ErrNegative        = errors.New("must not be negative")
	ErrTLSIncomplete   = errors.New("tls.cert and tls.key must be set together")
	ErrNoVariants      = errors.New("variants must not be empty")
	ErrUnknownVariant  = errors.New("unknown variant")
	ErrDuplicate       = errors.New("duplicate variant")
)

// LoadConfig reads the YAML configuration file at path.
func LoadConfig(path string) (*Config, error) {
	var c Config
	if err := yamagiconf.LoadFile(path, &c); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return &c, nil
}

func (c *Config) Validate() error {
	if c.Host == "" {
		return ErrHostEmpty
	}
	if c.NATS.URL == "" {
		return ErrNATSURLEmpty
	}
	if (c.TLS.Cert == "") != (c.TLS.Key == "") {
		return ErrTLSIncomplete
	}
	if c.CSRF.Secret == "" {
		return ErrCSRFSecretEmpty
	}
	if !slices.Contains([]string{StoreInmem, StoreNATS}, c.Sessions.Store) {
		return fmt.Errorf("sessions.store: %w", ErrStore)
	}
	if !slices.Contains([]string{StoreInmem, StoreNATS}, c.Broker.Store) {
		return fmt.Errorf("broker.store: %w", ErrStore)
	}
	if c.Sessions.Store == StoreNATS {
		if _, err := c.Sessions.Key(); err != nil {
			return err
		}
	}
	switch {
	case c.Sessions.TTLSeconds < 0:
		return fmt.Errorf("sessions.ttl_seconds: %w", ErrNegative)
	case c.Contract.TimeoutSeconds < 0:
		return fmt.Errorf("contract.timeout_seconds: %w", ErrNegative)
	case c.SettleDelayMS < 0:
		return fmt.Errorf("settle_delay_ms: %w", ErrNegative)
	}
	if len(c.Variants) < 1 {
		return ErrNoVariants
	}
	seen := map[string]bool{}
	for i, v := range c.Variants {
		if app.Builtin(v.ID) == nil {
			return fmt.Errorf("variants[%d]: %w: %q", i, ErrUnknownVariant, v.ID)
		}
		if seen[v.ID] {
			return fmt.Errorf("variants[%d]: %w: %q", i, ErrDuplicate, v.ID)
		}
		seen[v.ID] = true
		if _, err := form.ParseValidation(v.Validation); err != nil {
			return fmt.Errorf("variants[%d]: %w", i, err)
		}
	}
	return nil
}

// Key decodes the session encryption key.
func (c ConfigSessions) Key() ([]byte, error) {
	k, err := hex.DecodeString(c.EncryptionKey)
	if err != nil || len(k) != 16 {
		return nil, ErrEncryptionKey
	}
	return k, nil
}

// TTL returns the session TTL.
func (c ConfigSessions) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// Timeout returns the contract call timeout, 0 selects the default.
func (c ConfigContract) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// SettleDelay returns the sign-out settle delay, 0 selects the default.
func (c *Config) SettleDelay() time.Duration {
	return time.Duration(c.SettleDelayMS) * time.Millisecond
}

// Variant returns the app variant configured by vc without a client.
func (vc ConfigVariant) Variant() *app.Variant {
	v := app.Builtin(vc.ID)
	if vc.ContractID != "" {
		v.ContractID = vc.ContractID
	}
	// Validated by Config.Validate.
	v.Schema.Validation, _ = form.ParseValidation(vc.Validation)
	return v
}
