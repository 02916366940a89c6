package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "noodles.toml")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.ListenAddress == "" || cfg.DataDir == "" {
		t.Fatalf("default config incomplete: %+v", cfg)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("default file not written: %v", err)
	}
	// A second load reads the written file back.
	again, err := Load(path)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if again.ListenAddress != cfg.ListenAddress {
		t.Fatalf("reload mismatch: %q vs %q", again.ListenAddress, cfg.ListenAddress)
	}
}

func TestParseAddress(t *testing.T) {
	addr, err := ParseAddress("0x00000000000000000000000000000000000000a1")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if addr[19] != 0xA1 {
		t.Fatalf("unexpected address: %x", addr)
	}
	if _, err := ParseAddress(""); err == nil {
		t.Fatalf("empty address accepted")
	}
	if _, err := ParseAddress("0x1234"); err == nil {
		t.Fatalf("short address accepted")
	}
	if _, err := ParseAddress("0xzz00000000000000000000000000000000000000"); err == nil {
		t.Fatalf("non-hex address accepted")
	}
}
