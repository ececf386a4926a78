package network

import (
	"net/http"
	"time"

	"github.com/token-airdrop/airdrop/config"
)

// DefaultTimeout applies when the config leaves TimeoutMs unset.
const DefaultTimeout = 30 * time.Second

// NewHTTPClient creates the HTTP client ledger RPC calls go through.
// If cfg.DelayEnabled is true, every request waits a random latency first.
func NewHTTPClient(cfg config.NetworkConfig) *http.Client {
	var transport http.RoundTripper = http.DefaultTransport

	if cfg.DelayEnabled {
		transport = NewDelayedRoundTripper(transport, DelayConfig{
			Enabled:  true,
			MinDelay: time.Duration(cfg.MinDelayMs) * time.Millisecond,
			MaxDelay: time.Duration(cfg.MaxDelayMs) * time.Millisecond,
		})
	}

	timeout := DefaultTimeout
	if cfg.TimeoutMs > 0 {
		timeout = time.Duration(cfg.TimeoutMs) * time.Millisecond
	}

	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}
