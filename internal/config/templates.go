package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const configTemplate = `# pricepulse configuration

[server]
# Address for the live push-stream endpoint
listen_addr = ":8900"
# SSE heartbeat period
heartbeat = "15s"

[cache]
# How long a loaded quote counts as fresh
quote_ttl = "1m"
# How long past expiry a quote may still be served while refreshing
stale_window = "5m"

[upstream]
# Crypto ticker websocket feed
url = "wss://ws-feed.exchange.coinbase.com"
# Fixed delay before a reconnect attempt
reconnect_delay = "5s"
dial_timeout = "15s"

[quotes]
# Conventional-market quote API
base_url = ""
timeout = "10s"

[mail]
# Local mail-submission command, preferred when present
sendmail_path = ""
# Remote mail host, used when no sendmail command is configured
smtp_host = ""
smtp_port = 587
username = ""
password = ""
from = ""
starttls = true
timeout = "30s"

[webhook]
timeout = "10s"

[scheduler]
# Alert evaluation cadence
alert_interval = "1m"
# Digest due-sweep cadence
digest_interval = "5m"
# Minimum interval between log entries for an identically failing task
log_cooldown = "15m"

[database]
path = ""

[logging]
# debug, info, warn or error
level = "info"
console = true
file = true
# Log file location; empty means logs/ under the config directory
path = ""
max_size_mb = 100
max_backups = 7
max_age_days = 30
`

// writeTemplate writes a starter config file so a first run produces
// something editable instead of an opaque error.
func writeTemplate(configDir string) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	path := filepath.Join(configDir, "config.toml")
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.WriteFile(path, []byte(configTemplate), 0600); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}
	return nil
}
