// tgimport - Telegram session import core.
// Copyright (C) 2026 The tgimport Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package config

import (
	_ "embed"
	"fmt"
	"os"
	"slices"
	"time"

	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"

	"go.mau.fi/tgimport/pkg/mtengine"
)

//go:embed example-config.yaml
var ExampleConfig string

const maxAccountsLimit = 32

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type AccountsConfig struct {
	MaxAccounts int `yaml:"max_accounts"`
}

type ImportConfig struct {
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

func (c ImportConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

type Config struct {
	Telegram mtengine.Config   `yaml:"telegram"`
	Database DatabaseConfig    `yaml:"database"`
	Accounts AccountsConfig    `yaml:"accounts"`
	Import   ImportConfig      `yaml:"import"`
	Metrics  MetricsConfig     `yaml:"metrics"`
	Logging  zeroconfig.Config `yaml:"logging"`
}

// Default returns the config described by the embedded example config.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(ExampleConfig), &cfg); err != nil {
		panic(fmt.Errorf("failed to parse example config: %w", err))
	}
	return &cfg
}

// Parse reads YAML on top of the defaults from the example config.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

func (c *Config) Validate() error {
	if c.Telegram.APIID == 0 {
		return fmt.Errorf("telegram.api_id is required")
	}
	if c.Telegram.APIHash == "" || c.Telegram.APIHash == "tjyd5yge35lbodk1xwzw2jstp90k55qz" {
		return fmt.Errorf("telegram.api_hash is required")
	}
	if !slices.Contains([]string{mtengine.ProxyNone, mtengine.ProxyMTProxy, mtengine.ProxySOCKS5}, c.Telegram.Proxy.Type) {
		return fmt.Errorf("unsupported proxy type: %s", c.Telegram.Proxy.Type)
	}
	if c.Telegram.Proxy.Type != mtengine.ProxyNone && c.Telegram.Proxy.Address == "" {
		return fmt.Errorf("telegram.proxy.address is required when a proxy is enabled")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Accounts.MaxAccounts < 1 || c.Accounts.MaxAccounts > maxAccountsLimit {
		return fmt.Errorf("accounts.max_accounts must be between 1 and %d", maxAccountsLimit)
	}
	if c.Import.TimeoutSeconds <= 0 {
		return fmt.Errorf("import.timeout_seconds must be positive")
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		return fmt.Errorf("metrics.listen is required when metrics are enabled")
	}
	return nil
}
