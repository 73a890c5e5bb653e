package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalYAML = `
telegram:
  token: "123:abc"
storage:
  path: "./bot.db"
`

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadMinimalYAML(t *testing.T) {
	cfg, err := Load(writeConfig(t, "config.yaml", minimalYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" {
		t.Fatalf("token = %q", cfg.Telegram.Token)
	}
	if cfg.Storage.Path != "./bot.db" {
		t.Fatalf("storage path = %q", cfg.Storage.Path)
	}
	c, err := cfg.CampaignOrDefault()
	if err != nil {
		t.Fatalf("CampaignOrDefault: %v", err)
	}
	if c.Len() == 0 {
		t.Fatal("expected built-in campaign when not configured")
	}
}

func TestLoadFullYAML(t *testing.T) {
	cfg, err := Load(writeConfig(t, "config.yml", `
telegram:
  token: "123:abc"
  owner_user_ids: [11, 22]
  poll_timeout: "15s"
logging:
  level: "debug"
  console: true
storage:
  path: "/var/lib/bot/bot.db"
  busy_timeout: "5s"
dispatch:
  sweep_interval: "30s"
  retention_horizon: "72h"
broadcast:
  rate_per_sec: 5
  template:
    text: "hello everyone"
campaign:
  - delay_minutes: 0
    text: "welcome"
  - delay_minutes: 10
    text: "follow-up"
    media: "photo"
    media_url: "https://example.com/p.jpg"
    button_text: "open"
    button_url: "https://example.com"
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Telegram.OwnerUserIDs) != 2 || cfg.Telegram.OwnerUserIDs[1] != 22 {
		t.Fatalf("owners = %v", cfg.Telegram.OwnerUserIDs)
	}
	d, err := ParseDurationOrDefault("dispatch.sweep_interval", cfg.Dispatch.SweepInterval, time.Minute)
	if err != nil || d != 30*time.Second {
		t.Fatalf("sweep interval = %v, %v", d, err)
	}
	c, err := cfg.CampaignOrDefault()
	if err != nil {
		t.Fatalf("CampaignOrDefault: %v", err)
	}
	if c.Len() != 2 {
		t.Fatalf("campaign len = %d, want 2", c.Len())
	}
	if cfg.Broadcast.Template == nil || cfg.Broadcast.Template.Text != "hello everyone" {
		t.Fatalf("template = %+v", cfg.Broadcast.Template)
	}
}

func TestLoadRejectsBadConfigs(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"unknown field", minimalYAML + "unknown_key: 1\n", "unknown_key"},
		{"missing token", "telegram: {}\nstorage: {path: x}\n", "telegram.token"},
		{"missing storage path", "telegram: {token: x}\n", "storage.path"},
		{
			"bad duration",
			"telegram: {token: x}\nstorage: {path: y}\ndispatch: {sweep_interval: \"soon\"}\n",
			"invalid duration",
		},
		{
			"delayed stage zero",
			"telegram: {token: x}\nstorage: {path: y}\ncampaign:\n  - {delay_minutes: 3, text: hi}\n",
			"stage 0",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse("config.yaml", []byte(tt.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseJSONFormat(t *testing.T) {
	cfg, err := Parse("config.json", []byte(`{"telegram":{"token":"t"},"storage":{"path":"p"}}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Telegram.Token != "t" {
		t.Fatalf("token = %q", cfg.Telegram.Token)
	}

	if _, err := Parse("config.json", []byte(`{"telegram":{"token":"t"},"storage":{"path":"p"}}{}`)); err == nil {
		t.Fatal("expected error for trailing data")
	}
}

func TestParseDurationField(t *testing.T) {
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty: %v %v", d, err)
	}
	if d, err := ParseDurationField("x", " 90s "); err != nil || d != 90*time.Second {
		t.Fatalf("trimmed: %v %v", d, err)
	}
	if _, err := ParseDurationField("x", "-1s"); err == nil {
		t.Fatal("expected error for negative duration")
	}
}
