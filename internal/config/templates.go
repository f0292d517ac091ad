package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "market", "marketd":
		return marketTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const marketTemplate = `# marketd configuration
name = "marketd"
self = "market"
factory_self = "factory"
http_addr = ":9300"
control_addr = "127.0.0.1:9301"
cors_origins = ["http://localhost:5173"]
trusted_proxies = ["127.0.0.1", "::1"]

data_dir = "data"
sqlite_path = "market.db"

jwt_issuer = "edgemart"
# jwt_secret = "change-me"

host_capacity = 100000000000000
registry_budget = 1000000000000
# leak | reclaim
compensator = "leak"

reservation_ttl = "2m"
retry_after = "30s"
sweep_interval = "15s"
sweep_batch = 50
max_transfer_attempts = 5
max_supply_cap = 10000

ledger_fee = 10000

[static_tokens]
dev-creator = "alice"
dev-buyer = "bob"

[[ledger_seed]]
account = "alice"
balance = 1000000
allowance = 1000000

[[ledger_seed]]
account = "bob"
balance = 1000000
allowance = 1000000
`
