package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config carries the daemon wiring: where to listen, where state lives, and
// which accounts hold the privileged roles at genesis.
type Config struct {
	ListenAddress   string  `toml:"ListenAddress"`
	DataDir         string  `toml:"DataDir"`
	Env             string  `toml:"Env"`
	LogFile         string  `toml:"LogFile"`
	AdminAddress    string  `toml:"AdminAddress"`
	TreasuryAddress string  `toml:"TreasuryAddress"`
	CreatorsChecker string  `toml:"CreatorsChecker"`
	DisputeResolver string  `toml:"DisputeResolver"`
	RateLimitRPS    float64 `toml:"RateLimitRPS"`
	RateLimitBurst  int     `toml:"RateLimitBurst"`
}

// Load loads the configuration from the given path, creating a default file
// when none exists yet.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 50
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 100
	}
	return cfg, nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := &Config{
		ListenAddress:  ":8645",
		DataDir:        "./noodles-data",
		Env:            "dev",
		RateLimitRPS:   50,
		RateLimitBurst: 100,
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseAddress decodes a 0x-prefixed 20-byte hex account address.
func ParseAddress(raw string) ([20]byte, error) {
	var addr [20]byte
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if trimmed == "" {
		return addr, fmt.Errorf("config: empty address")
	}
	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return addr, fmt.Errorf("config: invalid address %q: %w", raw, err)
	}
	if len(decoded) != 20 {
		return addr, fmt.Errorf("config: address %q must be 20 bytes", raw)
	}
	copy(addr[:], decoded)
	return addr, nil
}
