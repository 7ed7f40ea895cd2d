package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Dispute strategies for the approval coordinator.
const (
	DisputeRecord = "record"
	DisputeFreeze = "freeze"
)

// Matching strategies for the milestone matcher.
const (
	MatchSubstring  = "substring"
	MatchExactLabel = "exact-label"
)

// Config models streampay.yml.
type Config struct {
	Chain struct {
		RPCURL            string `yaml:"rpc_url"`
		NetworkPassphrase string `yaml:"network_passphrase"`
		SigningKeyEnv     string `yaml:"signing_key_env"`
		FeeAccount        string `yaml:"fee_account"`
		TimeoutSeconds    int    `yaml:"timeout_seconds"`
	} `yaml:"chain"`
	Approvals struct {
		DefaultThreshold int      `yaml:"default_threshold"`
		VoterRoles       []string `yaml:"voter_roles"`
		DisputeStrategy  string   `yaml:"dispute_strategy"`
	} `yaml:"approvals"`
	Matching struct {
		Strategy string `yaml:"strategy"`
	} `yaml:"matching"`
	Server struct {
		BasePath               string `yaml:"base_path"`
		JWTSecretEnv           string `yaml:"jwt_secret_env"`
		AllowLegacyActorHeader bool   `yaml:"allow_legacy_actor_header"`
	} `yaml:"server"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate with sp config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns Default() if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Approvals.DefaultThreshold < 1 {
		return fmt.Errorf("config.approvals.default_threshold must be >= 1")
	}
	if len(c.Approvals.VoterRoles) == 0 {
		return fmt.Errorf("config.approvals.voter_roles is required")
	}
	for _, role := range c.Approvals.VoterRoles {
		if role == "" {
			return fmt.Errorf("config.approvals.voter_roles contains empty role")
		}
	}
	switch c.Approvals.DisputeStrategy {
	case DisputeRecord, DisputeFreeze:
	default:
		return fmt.Errorf("config.approvals.dispute_strategy must be %q or %q", DisputeRecord, DisputeFreeze)
	}
	switch c.Matching.Strategy {
	case MatchSubstring, MatchExactLabel:
	default:
		return fmt.Errorf("config.matching.strategy must be %q or %q", MatchSubstring, MatchExactLabel)
	}
	if c.Chain.TimeoutSeconds <= 0 {
		return fmt.Errorf("config.chain.timeout_seconds must be positive")
	}
	return nil
}

// VoterRoleAllowed reports whether a member role may record votes.
func (c *Config) VoterRoleAllowed(role string) bool {
	for _, r := range c.Approvals.VoterRoles {
		if r == role {
			return true
		}
	}
	return false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "streampay.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `chain:
  rpc_url: https://soroban-testnet.stellar.org
  network_passphrase: "Test SDF Network ; September 2015"
  signing_key_env: STREAMPAY_BACKEND_SECRET
  fee_account: ""
  timeout_seconds: 30

approvals:
  default_threshold: 1
  voter_roles: [admin, finance]
  dispute_strategy: record

matching:
  strategy: substring

server:
  base_path: /v0
  jwt_secret_env: STREAMPAY_JWT_SECRET
  allow_legacy_actor_header: false
`
