// Package config loads the bot configuration from a YAML or JSON file.
// YAML input is coerced to JSON so both formats share one strict decoder
// (unknown fields are rejected in either).
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"

	"github.com/Orloff-Star/bot-curses/internal/campaign"
	"github.com/Orloff-Star/bot-curses/internal/transport"
)

type Config struct {
	Telegram  TelegramConfig   `json:"telegram"`
	Logging   LoggingConfig    `json:"logging,omitempty"`
	Storage   StorageConfig    `json:"storage"`
	Dispatch  DispatchConfig   `json:"dispatch,omitempty"`
	Broadcast BroadcastConfig  `json:"broadcast,omitempty"`
	Campaign  []campaign.Stage `json:"campaign,omitempty"` // empty: built-in default sequence
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids,omitempty"`

	// Durations are Go duration strings (e.g. "10s").
	PollTimeout string `json:"poll_timeout,omitempty"`
	SendTimeout string `json:"send_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string     `json:"level,omitempty"` // trace/debug/info/warn/error; default info
	Console bool       `json:"console,omitempty"`
	File    FileConfig `json:"file,omitempty"`
}

type FileConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Path    string `json:"path,omitempty"`
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// DispatchConfig controls the periodic sweeps. Defaults: sweep every minute,
// retention daily, purge sent rows older than 168h (7 days).
type DispatchConfig struct {
	SweepInterval     string `json:"sweep_interval,omitempty"`
	RetentionInterval string `json:"retention_interval,omitempty"`
	RetentionHorizon  string `json:"retention_horizon,omitempty"`
}

type BroadcastConfig struct {
	RatePerSec int `json:"rate_per_sec,omitempty"`

	// Template is the default payload for cmd/mailer runs without -text.
	Template *MessageConfig `json:"template,omitempty"`
}

// MessageConfig is an ad-hoc message payload in config shape.
type MessageConfig struct {
	Text       string `json:"text"`
	Media      string `json:"media,omitempty"`
	MediaURL   string `json:"media_url,omitempty"`
	ButtonText string `json:"button_text,omitempty"`
	ButtonURL  string `json:"button_url,omitempty"`
}

func (m MessageConfig) Payload() transport.Payload {
	p := transport.Payload{
		Text:     m.Text,
		Media:    transport.MediaKind(m.Media),
		MediaURL: m.MediaURL,
	}
	if m.ButtonText != "" && m.ButtonURL != "" {
		p.Button = &transport.Button{Label: m.ButtonText, URL: m.ButtonURL}
	}
	return p
}

// Load reads, decodes and validates the config at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Parse(path, b)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes data strictly. The path only selects the format by extension.
func Parse(path string, data []byte) (*Config, error) {
	jb, err := coerceToJSONBytes(path, data)
	if err != nil {
		return nil, err
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	// Reject trailing tokens (e.g. concatenated documents).
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return nil, errors.New("invalid config: trailing data")
		}
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return errors.New("telegram.token is required")
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		return errors.New("storage.path is required")
	}
	durations := []struct{ path, raw string }{
		{"telegram.poll_timeout", c.Telegram.PollTimeout},
		{"telegram.send_timeout", c.Telegram.SendTimeout},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"dispatch.sweep_interval", c.Dispatch.SweepInterval},
		{"dispatch.retention_interval", c.Dispatch.RetentionInterval},
		{"dispatch.retention_horizon", c.Dispatch.RetentionHorizon},
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}
	if len(c.Campaign) > 0 {
		if _, err := campaign.New(c.Campaign); err != nil {
			return err
		}
	}
	return nil
}

// CampaignOrDefault returns the configured campaign, or the built-in
// sequence when the config does not override it.
func (c *Config) CampaignOrDefault() (campaign.Campaign, error) {
	if len(c.Campaign) == 0 {
		return campaign.Default(), nil
	}
	return campaign.New(c.Campaign)
}

// coerceToJSONBytes converts YAML input to JSON bytes so the strict JSON
// decoder serves both formats.
func coerceToJSONBytes(path string, data []byte) ([]byte, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return data, nil
	}

	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("yaml unmarshal: %w", err)
	}
	v = normalizeYAML(v)

	j, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("yaml->json marshal: %w", err)
	}
	return j, nil
}

// normalizeYAML ensures all map keys are strings so the result can be
// JSON-marshaled.
func normalizeYAML(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = normalizeYAML(v)
		}
		return m
	case map[string]any:
		for k, v := range x {
			x[k] = normalizeYAML(v)
		}
		return x
	case []any:
		for i := range x {
			x[i] = normalizeYAML(x[i])
		}
		return x
	default:
		return in
	}
}

// ParseDurationField parses an optional Go duration string; empty means 0.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with a fallback for the
// zero/empty case.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
