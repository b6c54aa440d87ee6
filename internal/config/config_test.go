package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestParseYAMLKeepsDefaults(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "nudge.yaml", `
site: eu-1
queue:
  default_daily_limit: 5
transport:
  driver: webhook
  webhook:
    url: https://push.example.com/send
`)
	cfg, err := NewConfigManager(p).Parse()
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Site != "eu-1" {
		t.Fatalf("site = %q", cfg.Site)
	}
	if cfg.Queue.DefaultDailyLimit != 5 {
		t.Fatalf("daily limit = %d, want 5", cfg.Queue.DefaultDailyLimit)
	}
	if cfg.Queue.Grace != "1h" {
		t.Fatalf("grace default lost: %q", cfg.Queue.Grace)
	}
	if cfg.Transport.Webhook.URL != "https://push.example.com/send" {
		t.Fatalf("webhook url = %q", cfg.Transport.Webhook.URL)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "nudge.json", `{"site":"x","queue":{"dayly_limit":3}}`)
	if _, err := NewConfigManager(p).Parse(); err == nil {
		t.Fatalf("expected unknown field error")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "nudge.json", `{"site":"a"}{"site":"b"}`)
	_, err := NewConfigManager(p).Parse()
	if err == nil || !strings.Contains(err.Error(), "trailing") {
		t.Fatalf("err = %v, want trailing data", err)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "nudge.json", `{"site":"file","storage":{"driver":"sqlite","path":"x.db"}}`)
	t.Setenv("NUDGE_SITE", "env")
	t.Setenv("NUDGE_STORAGE_DRIVER", "postgres")
	t.Setenv("NUDGE_STORAGE_DSN", "postgres://u:p@localhost/nudge")

	cfg, err := NewConfigManager(p).Parse()
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Site != "env" || cfg.Storage.Driver != "postgres" {
		t.Fatalf("env not applied: site=%q driver=%q", cfg.Site, cfg.Storage.Driver)
	}
}

func TestEnvFileDoesNotOverrideProcessEnv(t *testing.T) {
	dir := t.TempDir()
	env := writeFile(t, dir, ".env", "NUDGE_QUEUE_CATEGORY=from-file\nNUDGE_SITE=dotenv\n")
	t.Setenv("NUDGE_SITE", "process")
	t.Setenv("NUDGE_QUEUE_CATEGORY", "")
	os.Unsetenv("NUDGE_QUEUE_CATEGORY")

	m := NewConfigManager("")
	m.SetEnvFile(env)
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Site != "process" {
		t.Fatalf("site = %q, want process", cfg.Site)
	}
	if cfg.Queue.Category != "from-file" {
		t.Fatalf("category = %q, want from-file", cfg.Queue.Category)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(c *Config) {}},
		{name: "missing site", mutate: func(c *Config) { c.Site = "" }, wantErr: "site"},
		{name: "bad driver", mutate: func(c *Config) { c.Storage.Driver = "mysql" }, wantErr: "storage.driver"},
		{name: "postgres without dsn", mutate: func(c *Config) { c.Storage.Driver = "postgres" }, wantErr: "storage.dsn"},
		{name: "bad duration", mutate: func(c *Config) { c.Queue.Grace = "soon" }, wantErr: "queue.grace"},
		{name: "negative limit", mutate: func(c *Config) { c.Queue.DefaultDailyLimit = -1 }, wantErr: "queue.default_daily_limit"},
		{name: "webhook without url", mutate: func(c *Config) { c.Transport.Driver = "webhook" }, wantErr: "transport.webhook.url"},
		{name: "telegram without token", mutate: func(c *Config) {
			c.Alert.Telegram.Enabled = true
			c.Alert.Telegram.ChatID = 42
		}, wantErr: "alert.telegram.token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := Validate(cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	d, err := ParseDurationOrDefault("x", "", time.Minute)
	if err != nil || d != time.Minute {
		t.Fatalf("got %v, %v", d, err)
	}
	d, err = ParseDurationOrDefault("x", "90s", time.Minute)
	if err != nil || d != 90*time.Second {
		t.Fatalf("got %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "-1s"); err == nil {
		t.Fatalf("negative duration accepted")
	}
}

func TestWatchPublishesValidChange(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "nudge.json", `{"site":"one"}`)
	m := NewConfigManager(p)
	if _, err := m.Load(context.Background()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()
	time.Sleep(100 * time.Millisecond)

	writeFile(t, dir, "nudge.json", `{"site":"bogus","queue":{"grace":"nope"}}`)
	time.Sleep(500 * time.Millisecond)
	writeFile(t, dir, "nudge.json", `{"site":"two"}`)

	select {
	case cfg := <-ch:
		if cfg.Site != "two" {
			t.Fatalf("published site = %q, want two", cfg.Site)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no config published")
	}
	if m.Get().Site != "two" {
		t.Fatalf("Get().Site = %q", m.Get().Site)
	}
}

func TestSummarizeConfigChangeHidesSecrets(t *testing.T) {
	a := Default()
	b := Default()
	b.Alert.Telegram.Token = "123:secret"
	b.Queue.DefaultDailyLimit = 9

	changed, _ := SummarizeConfigChange(a, b)
	if strings.Join(changed, ",") != "queue,alert" {
		t.Fatalf("changed = %v", changed)
	}
	if got := RequiresRestart(a, b); len(got) != 1 || got[0] != "alert" {
		t.Fatalf("RequiresRestart = %v", got)
	}
}

func TestExampleConfigIsValid(t *testing.T) {
	cfg, err := NewConfigManager(filepath.Join("..", "..", "config.example.yaml")).Parse()
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Transport.Driver != "webhook" || !cfg.HTTP.Enabled {
		t.Fatalf("unexpected example: driver=%q http=%v", cfg.Transport.Driver, cfg.HTTP.Enabled)
	}
	if cfg.HTTP.Pprof.Enabled {
		t.Fatalf("pprof should ship disabled")
	}
}

func TestPprofChangeDoesNotRequireRestart(t *testing.T) {
	oldCfg := Default()
	newCfg := Default()
	newCfg.HTTP.Pprof.Enabled = true
	if got := RequiresRestart(oldCfg, newCfg); len(got) != 0 {
		t.Fatalf("RequiresRestart() = %v, want none", got)
	}
	newCfg.HTTP.Addr = ":9999"
	if got := RequiresRestart(oldCfg, newCfg); len(got) != 1 || got[0] != "http" {
		t.Fatalf("RequiresRestart() = %v, want [http]", got)
	}
}
