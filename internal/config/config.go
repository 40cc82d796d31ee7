package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Failure policies for fatal binding errors.
const (
	PolicyIsolate  = "isolate"
	PolicyFailFast = "fail_fast"
)

// Source modes.
const (
	ModePoll      = "poll"
	ModeSubscribe = "subscribe"
)

// Config holds the YAML configuration.
type Config struct {
	Version   int            `yaml:"version"`
	Global    GlobalConfig   `yaml:"global"`
	Chain     ChainConfig    `yaml:"chain"`
	Strategy  StrategyConfig `yaml:"strategy"`
	Contracts []Contract     `yaml:"contracts"`
	Bindings  []Binding      `yaml:"bindings"`
	Sinks     []Sink         `yaml:"sinks"`
}

type GlobalConfig struct {
	DBPath         string   `yaml:"db_path"`
	FailurePolicy  string   `yaml:"failure_policy"`
	GracePeriod    Duration `yaml:"grace_period"`
	HandlerTimeout Duration `yaml:"handler_timeout"`
	MaxInFlight    int      `yaml:"max_in_flight"`
}

type ChainConfig struct {
	RPCURL        string   `yaml:"rpc_url"`
	WSURL         string   `yaml:"ws_url"`
	Operator      string   `yaml:"operator"`
	PollInterval  Duration `yaml:"poll_interval"`
	BatchSize     uint64   `yaml:"batch_size"`
	Confirmations uint64   `yaml:"confirmations"`
	MaxRetries    int      `yaml:"max_retries"`
	RetryBackoff  Duration `yaml:"retry_backoff"`
	RPCRate       float64  `yaml:"rpc_rate"`
}

type StrategyConfig struct {
	Type                   string `yaml:"type"`
	RegistryCoordinator    string `yaml:"registry_coordinator"`
	OperatorStateRetriever string `yaml:"operator_state_retriever"`
	QuorumThreshold        uint8  `yaml:"quorum_threshold"`
}

type Contract struct {
	ID         string `yaml:"id"`
	Address    string `yaml:"address"`
	AddressEnv string `yaml:"address_env"`
	ABI        string `yaml:"abi"`
}

type Binding struct {
	ID         string   `yaml:"id"`
	Contract   string   `yaml:"contract"`
	Event      string   `yaml:"event"`
	Job        uint64   `yaml:"job"`
	Mode       string   `yaml:"mode"`
	StartBlock string   `yaml:"start_block"`
	Where      []string `yaml:"where"`
	Sinks      []string `yaml:"sinks"`
}

type Sink struct {
	ID         string `yaml:"id"`
	Type       string `yaml:"type"`
	WebhookURL string `yaml:"webhook_url"`
	Template   string `yaml:"template"`
	URL        string `yaml:"url"`
	Method     string `yaml:"method"`
}

// Duration is a time.Duration that unmarshals from Go duration strings ("500ms", "2s").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	if raw == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

var envPattern = regexp.MustCompile(`\${([A-Za-z_][A-Za-z0-9_]*)}`)

// Load reads, interpolates env vars, parses YAML, and validates.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}

	if err := loadDotEnv(path); err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	interpolated, err := interpolateEnv(string(raw))
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Relative ABI paths are resolved against the config file.
	base := filepath.Dir(path)
	for i := range cfg.Contracts {
		if p := cfg.Contracts[i].ABI; p != "" && !filepath.IsAbs(p) {
			cfg.Contracts[i].ABI = filepath.Join(base, p)
		}
	}

	return &cfg, nil
}

func loadDotEnv(configPath string) error {
	envPath := filepath.Join(filepath.Dir(configPath), ".env")
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			return fmt.Errorf("load .env: %w", err)
		}
	}
	return nil
}

func interpolateEnv(input string) (string, error) {
	missing := []string{}
	out := envPattern.ReplaceAllStringFunc(input, func(match string) string {
		name := envPattern.FindStringSubmatch(match)[1]
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		missing = append(missing, name)
		return match
	})

	if len(missing) > 0 {
		return "", fmt.Errorf("missing environment variables: %s", strings.Join(dedup(missing), ", "))
	}
	return out, nil
}

// ResolveAddress resolves a contract address from a literal or, when empty, from the named
// environment variable. An unset or unparsable value yields the zero address and enabled=false.
func ResolveAddress(literal, envName string) (addr common.Address, enabled bool) {
	raw := strings.TrimSpace(literal)
	if raw == "" && envName != "" {
		raw = strings.TrimSpace(os.Getenv(envName))
	}
	if raw == "" || !common.IsHexAddress(raw) {
		return common.Address{}, false
	}
	addr = common.HexToAddress(raw)
	return addr, addr != (common.Address{})
}

// Validate performs small, direct schema checks and fills defaults.
func (c *Config) Validate() error {
	if c.Version == 0 {
		return errors.New("version is required")
	}
	if err := c.Global.validate(); err != nil {
		return fmt.Errorf("global: %w", err)
	}
	if err := c.Chain.validate(); err != nil {
		return fmt.Errorf("chain: %w", err)
	}
	if err := c.Strategy.validate(); err != nil {
		return fmt.Errorf("strategy: %w", err)
	}
	if len(c.Contracts) == 0 {
		return errors.New("at least one contract is required")
	}
	if len(c.Bindings) == 0 {
		return errors.New("at least one binding is required")
	}

	contractIDs := map[string]struct{}{}
	for _, ct := range c.Contracts {
		if _, exists := contractIDs[ct.ID]; exists {
			return fmt.Errorf("duplicate contract id: %s", ct.ID)
		}
		contractIDs[ct.ID] = struct{}{}
		if err := ct.Validate(); err != nil {
			return fmt.Errorf("contract %s: %w", ct.ID, err)
		}
	}

	sinkIDs := map[string]*Sink{}
	for i := range c.Sinks {
		s := &c.Sinks[i]
		if _, exists := sinkIDs[s.ID]; exists {
			return fmt.Errorf("duplicate sink id: %s", s.ID)
		}
		sinkIDs[s.ID] = s
		if err := s.Validate(); err != nil {
			return fmt.Errorf("sink %s: %w", s.ID, err)
		}
	}

	bindingIDs := map[string]struct{}{}
	for i := range c.Bindings {
		b := &c.Bindings[i]
		if _, exists := bindingIDs[b.ID]; exists {
			return fmt.Errorf("duplicate binding id: %s", b.ID)
		}
		bindingIDs[b.ID] = struct{}{}
		if err := b.Validate(contractIDs, sinkIDs, c.Chain.WSURL != ""); err != nil {
			return fmt.Errorf("binding %s: %w", b.ID, err)
		}
	}

	return nil
}

func (g *GlobalConfig) validate() error {
	switch strings.ToLower(g.FailurePolicy) {
	case "":
		g.FailurePolicy = PolicyIsolate
	case PolicyIsolate, PolicyFailFast:
		g.FailurePolicy = strings.ToLower(g.FailurePolicy)
	default:
		return fmt.Errorf("unsupported failure_policy: %s", g.FailurePolicy)
	}
	if g.DBPath == "" {
		g.DBPath = "operator.db"
	}
	if g.GracePeriod == 0 {
		g.GracePeriod = Duration(10 * time.Second)
	}
	if g.HandlerTimeout == 0 {
		g.HandlerTimeout = Duration(30 * time.Second)
	}
	if g.MaxInFlight < 0 {
		return errors.New("max_in_flight must not be negative")
	}
	if g.MaxInFlight == 0 {
		g.MaxInFlight = 16
	}
	return nil
}

func (ch *ChainConfig) validate() error {
	if ch.RPCURL == "" {
		return errors.New("rpc_url is required")
	}
	if ch.Operator != "" && !common.IsHexAddress(ch.Operator) {
		return fmt.Errorf("invalid operator address: %s", ch.Operator)
	}
	if ch.PollInterval == 0 {
		ch.PollInterval = Duration(2 * time.Second)
	}
	if ch.BatchSize == 0 {
		ch.BatchSize = 1000
	}
	if ch.MaxRetries < 0 {
		return errors.New("max_retries must not be negative")
	}
	if ch.MaxRetries == 0 {
		ch.MaxRetries = 5
	}
	if ch.RetryBackoff == 0 {
		ch.RetryBackoff = Duration(500 * time.Millisecond)
	}
	if ch.RPCRate < 0 {
		return errors.New("rpc_rate must not be negative")
	}
	return nil
}

func (s *StrategyConfig) validate() error {
	switch strings.ToLower(s.Type) {
	case "", "local":
		s.Type = "local"
	case "eigenlayer_ecdsa":
		s.Type = "eigenlayer_ecdsa"
		for name, v := range map[string]string{
			"registry_coordinator":     s.RegistryCoordinator,
			"operator_state_retriever": s.OperatorStateRetriever,
		} {
			if v != "" && !common.IsHexAddress(v) {
				return fmt.Errorf("invalid %s address: %s", name, v)
			}
		}
		if s.QuorumThreshold == 0 {
			s.QuorumThreshold = 67
		}
		if s.QuorumThreshold > 100 {
			return fmt.Errorf("quorum_threshold must be between 1 and 100, got %d", s.QuorumThreshold)
		}
	default:
		return fmt.Errorf("unsupported strategy type: %s", s.Type)
	}
	return nil
}

func (c *Contract) Validate() error {
	if c.ID == "" {
		return errors.New("id is required")
	}
	if c.Address == "" && c.AddressEnv == "" {
		return errors.New("address or address_env is required")
	}
	if c.Address != "" && !common.IsHexAddress(c.Address) {
		return fmt.Errorf("invalid address: %s", c.Address)
	}
	if c.ABI == "" {
		return errors.New("abi is required")
	}
	return nil
}

func (b *Binding) Validate(contractIDs map[string]struct{}, sinkIDs map[string]*Sink, hasWS bool) error {
	if b.ID == "" {
		return errors.New("id is required")
	}
	if b.Contract == "" {
		return errors.New("contract is required")
	}
	if _, ok := contractIDs[b.Contract]; !ok {
		return fmt.Errorf("unknown contract: %s", b.Contract)
	}
	if b.Event == "" {
		return errors.New("event is required")
	}

	switch strings.ToLower(b.Mode) {
	case "":
		b.Mode = ModePoll
	case ModePoll:
		b.Mode = ModePoll
	case ModeSubscribe:
		b.Mode = ModeSubscribe
		if !hasWS {
			return errors.New("mode subscribe requires chain.ws_url")
		}
	default:
		return fmt.Errorf("unsupported mode: %s", b.Mode)
	}

	for _, sinkID := range b.Sinks {
		if _, ok := sinkIDs[sinkID]; !ok {
			return fmt.Errorf("unknown sink: %s", sinkID)
		}
	}
	return nil
}

func (s *Sink) Validate() error {
	if s.ID == "" {
		return errors.New("id is required")
	}
	if s.Type == "" {
		return errors.New("type is required")
	}

	switch strings.ToLower(s.Type) {
	case "slack", "teams":
		if s.WebhookURL == "" {
			return errors.New("webhook_url is required for slack/teams sinks")
		}
	case "webhook":
		if s.URL == "" {
			return errors.New("url is required for webhook sink")
		}
		if s.Method == "" {
			s.Method = "POST"
		}
	default:
		return fmt.Errorf("unsupported sink type: %s", s.Type)
	}
	return nil
}

func dedup(values []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
