package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestReadConfigCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	_, err := ReadConfig(path)
	if !errors.Is(err, ErrConfigCreated) {
		t.Fatalf("expected ErrConfigCreated, got %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("default config not written: %v", err)
	}

	cfg, err := ReadConfig(path)
	if err != nil {
		t.Fatalf("reading generated config: %v", err)
	}
	if cfg.Broker.TLSPort != 8883 || cfg.Broker.KeepaliveBackoff != 1.5 {
		t.Errorf("unexpected defaults: %+v", cfg.Broker)
	}
	if got, _ := GetConfig(); got != cfg {
		t.Errorf("GetConfig did not return the loaded config")
	}
}

func TestReadConfigOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
debug_mode: true
broker:
  plain_port: 1884
  outbound_queue: 8
tls:
  enabled: true
  cert_file: a.crt
  key_file: a.key
  cipher_suites: [TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA]
devices:
  bindings:
    - id: AC-001
      model: RAC_056905_WW
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PONDER_TLS_PORT", "9883")

	cfg, err := ReadConfig(path)
	if err != nil {
		t.Fatalf("ReadConfig: %v", err)
	}
	if !cfg.DebugMode {
		t.Errorf("debug_mode not applied")
	}
	if cfg.Broker.PlainPort != 1884 || cfg.Broker.OutboundQueue != 8 {
		t.Errorf("broker overrides not applied: %+v", cfg.Broker)
	}
	if cfg.Broker.TLSPort != 9883 {
		t.Errorf("env override not applied, got %d", cfg.Broker.TLSPort)
	}
	if len(cfg.TLS.CipherSuites) != 1 || cfg.TLS.CipherSuites[0] != "TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA" {
		t.Errorf("cipher suites = %v", cfg.TLS.CipherSuites)
	}
	if len(cfg.Devices.Bindings) != 1 || cfg.Devices.Bindings[0].Model != "RAC_056905_WW" {
		t.Errorf("bindings = %+v", cfg.Devices.Bindings)
	}
	if cfg.Broker.ConnectTimeout != "60s" {
		t.Errorf("unset keys should keep defaults, got %q", cfg.Broker.ConnectTimeout)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"defaults", func(*Config) {}, ""},
		{"bad tls port", func(c *Config) { c.Broker.TLSPort = 0 }, "broker.tls_port"},
		{"missing cert", func(c *Config) { c.TLS.CertFile = "" }, "cert_file"},
		{"no listeners", func(c *Config) { c.TLS.Enabled = false; c.Broker.PlainPort = 0 }, "at least one"},
		{"backoff below one", func(c *Config) { c.Broker.KeepaliveBackoff = 0.5 }, "keepalive_backoff"},
		{"empty binding", func(c *Config) { c.Devices.Bindings = []BindingConfig{{ID: "x"}} }, "devices.bindings[0]"},
		{"user without hash", func(c *Config) { c.Broker.Users = []UserConfig{{Username: "u"}} }, "broker.users[0]"},
		{"empty cipher list", func(c *Config) { c.TLS.CipherSuites = nil }, "cipher_suites"},
	}

	for _, tt := range tests {
		cfg := Default()
		tt.mutate(cfg)
		err := cfg.Validate()
		if tt.want == "" {
			if err != nil {
				t.Errorf("%s: unexpected error %v", tt.name, err)
			}
			continue
		}
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Errorf("%s: expected error containing %q, got %v", tt.name, tt.want, err)
		}
	}
}
