package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

const DefaultPath = "config/config.json"

// RPC endpoints selectable by network name.
const (
	MainnetRPC  = "https://api-mainnet-beta.renec.foundation:8899/"
	TestnetRPC  = "https://api-testnet.renec.foundation:8899/"
	LocalnetRPC = "http://localhost:8899/"
)

var ErrUnknownNetwork = errors.New("unknown network, expected mainnet, testnet or localnet")

// NetworkConfig holds HTTP-level settings for ledger clients
type NetworkConfig struct {
	DelayEnabled bool `json:"delay_enabled"`
	MinDelayMs   int  `json:"min_delay_ms"` // Minimum injected latency in milliseconds
	MaxDelayMs   int  `json:"max_delay_ms"` // Maximum injected latency in milliseconds
	TimeoutMs    int  `json:"timeout_ms"`   // Per-request HTTP timeout
}

// Config holds all configurable parameters for a distribution run
type Config struct {
	Network     string `json:"network"`      // mainnet | testnet | localnet
	RPCEndpoint string `json:"rpc_endpoint"` // overrides Network when set
	Commitment  string `json:"commitment"`   // processed | confirmed | finalized

	KeypairPath string `json:"keypair_path"`
	// PrivateKeyBase58 is normally supplied through the environment only.
	PrivateKeyBase58 string `json:"-"`

	Mint       string `json:"mint"`
	InputPath  string `json:"input_path"`
	OutputPath string `json:"output_path"`
	UIAmount   string `json:"ui_amount"`
	BatchSize  int    `json:"batch_size"`
	IncludeID  bool   `json:"include_id"`

	AddressColumn string `json:"address_column"`
	IDColumn      string `json:"id_column"`

	MaxInstructions  int `json:"max_instructions"`
	MaxTxBytes       int `json:"max_tx_bytes"`
	ConfirmTimeoutMs int `json:"confirm_timeout_ms"`
	PollIntervalMs   int `json:"poll_interval_ms"`

	MetricsFile string        `json:"metrics_file"`
	Net         NetworkConfig `json:"net"`
}

// Default returns the stock distribution settings.
func Default() *Config {
	return &Config{
		Network:          "testnet",
		Commitment:       "confirmed",
		KeypairPath:      ".wallets/payer.json",
		UIAmount:         "10",
		BatchSize:        10,
		IncludeID:        false,
		AddressColumn:    "wallet_address",
		IDColumn:         "id",
		MaxInstructions:  64,
		MaxTxBytes:       1232,
		ConfirmTimeoutMs: 90_000,
		PollIntervalMs:   500,
		Net:              NetworkConfig{TimeoutMs: 30_000},
	}
}

// Load reads and parses a JSON config file on top of Default
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// LoadDefault loads config/config.json from the current directory
func LoadDefault() (*Config, error) {
	return Load(DefaultPath)
}

// ApplyEnv overrides fields from environment variables. Unparseable numeric
// values are reported rather than ignored.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	str := map[string]*string{
		"NETWORK":            &c.Network,
		"RPC_ENDPOINT":       &c.RPCEndpoint,
		"COMMITMENT":         &c.Commitment,
		"KEYPAIR_PATH":       &c.KeypairPath,
		"PRIVATE_KEY_BASE58": &c.PrivateKeyBase58,
		"MINT_TOKEN_ACCOUNT": &c.Mint,
		"INPUT_PATH":         &c.InputPath,
		"RESULT_FILE_PATH":   &c.OutputPath,
		"UI_AMOUNT":          &c.UIAmount,
		"METRICS_FILE":       &c.MetricsFile,
	}
	for key, dst := range str {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"BATCH_SIZE":         &c.BatchSize,
		"CONFIRM_TIMEOUT_MS": &c.ConfirmTimeoutMs,
	}
	for key, dst := range ints {
		v := getenv(key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s=%q: %w", key, v, err)
		}
		*dst = n
	}

	if v := getenv("INCLUDE_ID"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid INCLUDE_ID=%q: %w", v, err)
		}
		c.IncludeID = b
	}
	return nil
}

// Endpoint resolves the RPC URL: an explicit endpoint wins over the network name.
func (c *Config) Endpoint() (string, error) {
	if c.RPCEndpoint != "" {
		return c.RPCEndpoint, nil
	}
	return NetworkRPC(c.Network)
}

// NetworkRPC maps a network name to its public RPC endpoint.
func NetworkRPC(network string) (string, error) {
	switch strings.ToLower(network) {
	case "mainnet":
		return MainnetRPC, nil
	case "testnet":
		return TestnetRPC, nil
	case "localnet":
		return LocalnetRPC, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownNetwork, network)
	}
}

// Validate checks the fields a distribution run cannot start without.
func (c *Config) Validate() error {
	var problems []string
	if c.Mint == "" {
		problems = append(problems, "mint is required")
	}
	if c.InputPath == "" {
		problems = append(problems, "input path is required")
	}
	if c.OutputPath == "" {
		problems = append(problems, "output path is required")
	}
	if c.BatchSize <= 0 {
		problems = append(problems, "batch size must be positive")
	}
	if c.UIAmount == "" {
		problems = append(problems, "ui amount is required")
	}
	if c.KeypairPath == "" && c.PrivateKeyBase58 == "" {
		problems = append(problems, "a keypair path or PRIVATE_KEY_BASE58 is required")
	}
	switch c.Commitment {
	case "processed", "confirmed", "finalized":
	default:
		problems = append(problems, fmt.Sprintf("unknown commitment %q", c.Commitment))
	}
	if _, err := c.Endpoint(); err != nil {
		problems = append(problems, err.Error())
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
