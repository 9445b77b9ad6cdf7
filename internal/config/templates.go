package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const configTemplate = `# Broker Gateway Configuration

[server]
# Listen address of the HTTP API
addr = ":8080"
# HS256 secret for API bearer tokens (or GATEWAY_JWT_SECRET)
jwt_secret = ""
# Interval between SSE heartbeats
heartbeat_interval = "15s"
# Per-user API rate limit in requests per second (0 disables)
rate_limit = 20
rate_burst = 50

[cache]
# How long a credential lookup is served from memory
ttl = "10m"
sweep_interval = "1m"

[session]
# Refresh tokens this long before they expire
refresh_margin = "2m"
refresh_timeout = "15s"
timezone = "Asia/Kolkata"

[store]
# sqlite, redis or memory
driver = "sqlite"
path = "gateway.db"
redis_addr = "localhost:6379"
redis_db = 0
# Set GATEWAY_MASTER_KEY instead of writing the key here
master_key = ""

[gateway]
broker_timeout = "10s"
breaker_threshold = 5
breaker_cooldown = "30s"
# Reject order writes; reads and streaming keep working
read_only = false
# JSON lines audit trail of order and session writes; empty disables it
audit_file = "audit/audit.log"

[stream]
# Per-subscriber buffer; the oldest tick is dropped on overflow
subscriber_buffer = 256
# Upstream connections with no tokens are closed after this long
idle_grace = "60s"
backoff_initial = "1s"
backoff_max = "30s"
dial_timeout = "10s"

[instruments]
refresh_interval = "24h"
snapshot = true

[brokers.zerodha]
enabled = true
expiry_model = "end_of_day"

[brokers.angelone]
enabled = true
expiry_model = "fixed_duration"
session_duration = "6h"

[brokers.fyers]
enabled = true
expiry_model = "refresh_token"

[logging]
level = "info"
console = true
file = false
`

// WriteDefault writes config.toml into dir unless it already exists.
func WriteDefault(dir string) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(dir, "config.toml")
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	if err := os.WriteFile(path, []byte(configTemplate), 0600); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}
	return nil
}
