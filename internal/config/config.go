// Package config loads the TOML configuration file and maps it onto the
// component configs.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/creasty/defaults"

	"github.com/isometry/ldapsync/internal/directory"
	"github.com/isometry/ldapsync/internal/normalize"
	"github.com/isometry/ldapsync/internal/sync"
)

// Config is the root of the configuration file.
type Config struct {
	Logging   LoggingConfig           `toml:"logging"`
	Store     StoreConfig             `toml:"store"`
	Sync      SyncConfig              `toml:"sync"`
	Servers   map[string]ServerConfig `toml:"servers"`
	ZooKeeper ZooKeeperConfig         `toml:"zookeeper"`
}

// LoggingConfig selects the log level and output encoding.
type LoggingConfig struct {
	Level  string `toml:"level" default:"info"`
	Format string `toml:"format" default:"console"` // console or json
}

// StoreConfig selects the identity store backend.
type StoreConfig struct {
	Backend string `toml:"backend" default:"memory"` // memory or postgres
	DSN     string `toml:"dsn"`
}

// SyncConfig holds the reconciliation policies.
type SyncConfig struct {
	SubgroupPolicy string `toml:"subgroup_policy" default:"subordinate"`

	// Username case handling; uppercase wins over lowercase wins over
	// ignore-case.
	ForceUppercase bool `toml:"force_username_uppercase"`
	ForceLowercase bool `toml:"force_username_lowercase"`
	IgnoreCase     bool `toml:"ignore_username_case"`

	// RefreshAttributesOnSync makes the sync command also refresh member
	// user attributes from the directory, not just membership.
	RefreshAttributesOnSync bool `toml:"refresh_attributes_on_sync"`
}

// ServerConfig describes one named LDAP server.
type ServerConfig struct {
	URL            string `toml:"url"`
	BaseDN         string `toml:"base_dn"`
	TimeoutSeconds int    `toml:"timeout_seconds" default:"30"`

	BindDN         string `toml:"bind_dn"`
	BindPassword   string `toml:"bind_password"`
	KerberosRealm  string `toml:"kerberos_realm"`
	KerberosKeytab string `toml:"kerberos_keytab"`
	KerberosCCache string `toml:"kerberos_ccache"`
	KerberosConfig string `toml:"kerberos_config"`

	StartTLS           bool `toml:"start_tls"`
	InsecureSkipVerify bool `toml:"insecure_skip_verify"`

	UserFilter      string `toml:"user_filter" default:"(|(objectClass=person)(objectClass=posixAccount))"`
	UsernameAttr    string `toml:"username_attr" default:"uid"`
	GroupFilter     string `toml:"group_filter" default:"(|(objectClass=groupOfNames)(objectClass=posixGroup)(objectClass=group))"`
	GroupNameAttr   string `toml:"group_name_attr" default:"cn"`
	GroupMemberAttr string `toml:"group_member_attr" default:"member"`
	PosixMemberAttr string `toml:"posix_member_attr" default:"memberUid"`
}

// ZooKeeperConfig describes the stats endpoint.
type ZooKeeperConfig struct {
	Endpoint       string `toml:"endpoint" default:"localhost:2181"`
	TimeoutSeconds int    `toml:"timeout_seconds" default:"1"`
}

// Load reads and validates the configuration at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	cfg := &Config{}
	if _, err := toml.NewDecoder(f).Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills unset fields from the default struct tags. Map values
// are addressed through a copy because defaults.Set needs pointers.
func (c *Config) applyDefaults() error {
	if err := defaults.Set(c); err != nil {
		return fmt.Errorf("failed to apply config defaults: %w", err)
	}
	for name, server := range c.Servers {
		if err := defaults.Set(&server); err != nil {
			return fmt.Errorf("failed to apply defaults for server %q: %w", name, err)
		}
		c.Servers[name] = server
	}
	return nil
}

// Validate rejects configurations the components cannot run with.
func (c *Config) Validate() error {
	if _, err := sync.ParsePolicy(c.Sync.SubgroupPolicy); err != nil {
		return err
	}
	switch c.Store.Backend {
	case "memory":
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store backend %q requires a dsn", c.Store.Backend)
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	for name, server := range c.Servers {
		if server.URL == "" {
			return fmt.Errorf("server %q has no url", name)
		}
		if server.BaseDN == "" {
			return fmt.Errorf("server %q has no base_dn", name)
		}
	}
	return nil
}

// Server resolves a named server config. With exactly one server configured
// the name may be empty.
func (c *Config) Server(name string) (*ServerConfig, error) {
	if name == "" {
		if len(c.Servers) == 1 {
			for _, server := range c.Servers {
				return &server, nil
			}
		}
		return nil, fmt.Errorf("a server name is required when %d servers are configured", len(c.Servers))
	}
	server, ok := c.Servers[name]
	if !ok {
		return nil, fmt.Errorf("unknown server %q", name)
	}
	return &server, nil
}

// Directory maps a server config onto the directory client config.
func (s *ServerConfig) Directory() *directory.Config {
	return &directory.Config{
		URL:                s.URL,
		BaseDN:             s.BaseDN,
		Timeout:            time.Duration(s.TimeoutSeconds) * time.Second,
		BindDN:             s.BindDN,
		BindPassword:       s.BindPassword,
		KerberosRealm:      s.KerberosRealm,
		KerberosKeytab:     s.KerberosKeytab,
		KerberosCCache:     s.KerberosCCache,
		KerberosConfig:     s.KerberosConfig,
		StartTLS:           s.StartTLS,
		InsecureSkipVerify: s.InsecureSkipVerify,
		UserFilter:         s.UserFilter,
		UsernameAttr:       s.UsernameAttr,
		GroupFilter:        s.GroupFilter,
		GroupNameAttr:      s.GroupNameAttr,
		GroupMemberAttr:    s.GroupMemberAttr,
		PosixMemberAttr:    s.PosixMemberAttr,
	}
}

// CasePolicy maps the sync flags onto the normalizer's case policy.
func (c *Config) CasePolicy() normalize.CasePolicy {
	return normalize.CasePolicy{
		ForceUppercase: c.Sync.ForceUppercase,
		ForceLowercase: c.Sync.ForceLowercase,
		IgnoreCase:     c.Sync.IgnoreCase,
	}
}

// Policy returns the parsed subgroup policy. Validate has already checked it.
func (c *Config) Policy() sync.Policy {
	policy, _ := sync.ParsePolicy(c.Sync.SubgroupPolicy)
	return policy
}
