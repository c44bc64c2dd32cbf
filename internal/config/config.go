package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config models mailpilot.yml. Policy values the engine consults (approval
// threshold, keyword list, recipient ceiling) live here rather than as
// magic numbers in code.
type Config struct {
	Account struct {
		Email string `yaml:"email"`
	} `yaml:"account"`
	Policy struct {
		AutoApproveConfidence   float64  `yaml:"auto_approve_confidence"`
		LargeRecipientThreshold int      `yaml:"large_recipient_threshold"`
		MoneyLegalKeywords      []string `yaml:"money_legal_keywords"`
	} `yaml:"policy"`
	Snapshot struct {
		ExcerptChars int `yaml:"excerpt_chars"`
		MaxMessages  int `yaml:"max_messages"`
	} `yaml:"snapshot"`
	Server struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`
}

// Domain returns the account's verified domain, lowercased.
func (c *Config) Domain() string {
	_, dom, ok := strings.Cut(c.Account.Email, "@")
	if !ok {
		return ""
	}
	return strings.ToLower(dom)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Account.Email == "" || !strings.Contains(c.Account.Email, "@") {
		return fmt.Errorf("config.account.email must be a valid address")
	}
	if c.Policy.AutoApproveConfidence < 0 || c.Policy.AutoApproveConfidence > 1 {
		return fmt.Errorf("config.policy.auto_approve_confidence must be within [0,1]")
	}
	if c.Policy.LargeRecipientThreshold <= 0 {
		return fmt.Errorf("config.policy.large_recipient_threshold must be positive")
	}
	if len(c.Policy.MoneyLegalKeywords) == 0 {
		return fmt.Errorf("config.policy.money_legal_keywords is required")
	}
	for _, kw := range c.Policy.MoneyLegalKeywords {
		if strings.TrimSpace(kw) == "" {
			return fmt.Errorf("config.policy.money_legal_keywords contains empty keyword")
		}
	}
	if c.Snapshot.ExcerptChars <= 0 {
		return fmt.Errorf("config.snapshot.excerpt_chars must be positive")
	}
	if c.Snapshot.MaxMessages <= 0 {
		return fmt.Errorf("config.snapshot.max_messages must be positive")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "mailpilot.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run mp init to generate one", path)
		}
		return nil, err
	}
	return FromYAML(data)
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

// GenerateDefault returns default config YAML for the given account.
func GenerateDefault(accountEmail string) string {
	return fmt.Sprintf(defaultTemplate, accountEmail)
}

// Default returns the default Config struct for an account.
func Default(accountEmail string) *Config {
	if accountEmail == "" {
		accountEmail = "me@example.com"
	}
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(accountEmail))).Decode(&cfg)
	return &cfg
}

const defaultTemplate = `account:
  email: %s

policy:
  # Pure-read plans always auto-approve; write plans need zero risk flags
  # and at least this classifier confidence.
  auto_approve_confidence: 0.9
  large_recipient_threshold: 10
  money_legal_keywords:
    - invoice
    - payment
    - wire transfer
    - refund
    - purchase order
    - contract
    - agreement
    - nda
    - legal
    - lawsuit
    - settlement
    - terms

snapshot:
  excerpt_chars: 280
  max_messages: 20

server:
  jwt_secret: ""
`
