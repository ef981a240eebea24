package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/devblac/event-listener/internal/transport"
	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultEventSignature = "NumberUpdatedEvent(address)"
	DefaultReconnectDelay = "5s"
	DefaultQueryTimeout   = "10s"
)

// Config holds the YAML configuration.
type Config struct {
	Version         int    `yaml:"version"`
	NodeURL         string `yaml:"node_url"`
	ContractAddress string `yaml:"contract_address"`
	EventSignature  string `yaml:"event_signature"`
	ReconnectDelay  string `yaml:"reconnect_delay"`
	QueryTimeout    string `yaml:"query_timeout"`
	LogLevel        string `yaml:"log_level"`
	DBPath          string `yaml:"db_path"`
	Replay          Replay `yaml:"replay"`
	Sinks           []Sink `yaml:"sinks"`
}

// Replay enables catch-up of events missed while disconnected.
type Replay struct {
	Enabled        bool   `yaml:"enabled"`
	LookbackBlocks uint64 `yaml:"lookback_blocks"`
}

type RateLimit struct {
	Capacity  float64 `yaml:"capacity"`
	PerSecond float64 `yaml:"per_second"`
}

type Sink struct {
	ID         string     `yaml:"id"`
	Type       string     `yaml:"type"`
	WebhookURL string     `yaml:"webhook_url"`
	Template   string     `yaml:"template"`
	URL        string     `yaml:"url"`
	Method     string     `yaml:"method"`
	Where      []string   `yaml:"where"`
	RateLimit  *RateLimit `yaml:"rate_limit,omitempty"`
}

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

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// FromEnv builds the configuration from environment variables, after
// loading ./.env when present. It is used when no config file exists.
func FromEnv() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := Config{
		Version:         1,
		NodeURL:         os.Getenv("NODE_URL"),
		ContractAddress: os.Getenv("CONTRACT_ADDRESS"),
		EventSignature:  os.Getenv("EVENT_SIGNATURE"),
		ReconnectDelay:  os.Getenv("RECONNECT_DELAY"),
		QueryTimeout:    os.Getenv("QUERY_TIMEOUT"),
		LogLevel:        os.Getenv("LOG_LEVEL"),
		DBPath:          os.Getenv("DB_PATH"),
	}
	if v := os.Getenv("REPLAY_LOOKBACK_BLOCKS"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("REPLAY_LOOKBACK_BLOCKS: %w", err)
		}
		cfg.Replay = Replay{Enabled: true, LookbackBlocks: n}
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrEnv loads path when it exists and falls back to FromEnv otherwise.
func LoadOrEnv(path string) (*Config, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}
	return FromEnv()
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

func (c *Config) applyDefaults() {
	c.NodeURL = strings.TrimSpace(c.NodeURL)
	c.ContractAddress = strings.TrimSpace(c.ContractAddress)
	if strings.TrimSpace(c.EventSignature) == "" {
		c.EventSignature = DefaultEventSignature
	}
	if c.ReconnectDelay == "" {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.QueryTimeout == "" {
		c.QueryTimeout = DefaultQueryTimeout
	}
	if len(c.Sinks) == 0 {
		c.Sinks = []Sink{{ID: "console", Type: "console"}}
	}
}

// Validate performs small, direct schema checks.
func (c *Config) Validate() error {
	if c.Version == 0 {
		return &Error{Kind: ErrMissingField, Field: "version"}
	}
	if c.NodeURL == "" {
		return &Error{Kind: ErrMissingField, Field: "node_url"}
	}
	if c.ContractAddress == "" {
		return &Error{Kind: ErrMissingField, Field: "contract_address"}
	}
	if !common.IsHexAddress(c.ContractAddress) {
		return &Error{Kind: ErrInvalidAddress, Field: "contract_address", Detail: c.ContractAddress}
	}
	if !strings.HasPrefix(c.NodeURL, "ws://") && !strings.HasPrefix(c.NodeURL, "wss://") {
		return errors.New("node_url must be a ws:// or wss:// endpoint")
	}
	if _, err := parsePositive(c.ReconnectDelay); err != nil {
		return fmt.Errorf("reconnect_delay: %w", err)
	}
	if _, err := parsePositive(c.QueryTimeout); err != nil {
		return fmt.Errorf("query_timeout: %w", err)
	}

	sinkIDs := map[string]struct{}{}
	for i := range c.Sinks {
		s := &c.Sinks[i]
		if _, exists := sinkIDs[s.ID]; exists {
			return fmt.Errorf("duplicate sink id: %s", s.ID)
		}
		sinkIDs[s.ID] = struct{}{}
		if err := s.Validate(); err != nil {
			return fmt.Errorf("sink %s: %w", s.ID, err)
		}
		if strings.EqualFold(s.Type, "store") && c.DBPath == "" {
			return fmt.Errorf("sink %s: db_path is required for store sinks", s.ID)
		}
	}

	return nil
}

// Endpoint returns the transport endpoint described by the config.
func (c *Config) Endpoint() transport.Endpoint {
	return transport.Endpoint{
		NodeURL:        c.NodeURL,
		Contract:       common.HexToAddress(c.ContractAddress),
		EventSignature: strings.ReplaceAll(c.EventSignature, " ", ""),
	}
}

// ReconnectInterval is the parsed reconnect_delay.
func (c *Config) ReconnectInterval() time.Duration {
	d, _ := parsePositive(c.ReconnectDelay)
	return d
}

// QueryDeadline is the parsed query_timeout.
func (c *Config) QueryDeadline() time.Duration {
	d, _ := parsePositive(c.QueryTimeout)
	return d
}

func (s *Sink) Validate() error {
	if s.ID == "" {
		return errors.New("id is required")
	}
	if s.Type == "" {
		return errors.New("type is required")
	}

	switch strings.ToLower(s.Type) {
	case "console", "store":
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
	if s.RateLimit != nil && (s.RateLimit.Capacity < 1 || s.RateLimit.PerSecond < 0) {
		return errors.New("rate_limit needs capacity >= 1 and per_second >= 0")
	}
	return nil
}

func parsePositive(raw string) (time.Duration, error) {
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("must be positive, got %s", raw)
	}
	return d, nil
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
