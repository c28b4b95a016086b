package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Store.Driver != "sqlite" || cfg.Server.HTTPAddr != ":8080" {
		t.Errorf("unexpected defaults %+v %+v", cfg.Store, cfg.Server)
	}
	if cfg.Collections.Items != "items" || cfg.Collections.MovementKeys != "movementKeys" {
		t.Errorf("unexpected collections %+v", cfg.Collections)
	}
	if cfg.LiveQuery.RetryBudget != 5 || cfg.LiveQuery.BackoffInitial != 100*time.Millisecond {
		t.Errorf("unexpected live query defaults %+v", cfg.LiveQuery)
	}
}

func TestLoad_FileEnvAndFlags(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "inventory.yaml")
	yaml := `
store:
  driver: memory
catalog:
  low_stock_threshold: 7
collections:
  items: productos
log:
  level: debug
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("INVENTORY_AUTH_DEVICE_ID", "caja-1")
	t.Setenv("INVENTORY_LOG_LEVEL", "warn")

	fs := Flags("test")
	if err := fs.Parse([]string{"--config", path, "--http-addr", ":9090"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}

	cfg, err := Load(fs)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Store.Driver != "memory" || cfg.Catalog.LowStockThreshold != 7 || cfg.Collections.Items != "productos" {
		t.Errorf("config file not applied: %+v", cfg)
	}
	if cfg.Auth.DeviceID != "caja-1" {
		t.Errorf("expected device id from env, got %q", cfg.Auth.DeviceID)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("expected env to override file, got %q", cfg.Log.Level)
	}
	if cfg.Server.HTTPAddr != ":9090" {
		t.Errorf("expected flag to win, got %q", cfg.Server.HTTPAddr)
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	fs := Flags("test")
	fs.Parse([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml")})

	if _, err := Load(fs); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]Config{
		"unknown driver":    {Store: StoreConfig{Driver: "postgres"}},
		"mysql without dsn": {Store: StoreConfig{Driver: "mysql"}},
		"token no secret":   {Store: StoreConfig{Driver: "memory"}, Auth: AuthConfig{Token: "abc"}},
		"require no secret": {Store: StoreConfig{Driver: "memory"}, Auth: AuthConfig{RequireToken: true}},
	}
	for name, cfg := range cases {
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}

	ok := Config{Store: StoreConfig{Driver: "mysql", MySQLDSN: "root@tcp(localhost:3306)/inventory"}}
	if err := ok.Validate(); err != nil {
		t.Errorf("unexpected error %v", err)
	}
}
