package syncbridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/zombor/medscan/internal/ledger"
)

// ConfigKey is the blob key holding the serialized sync configuration
const ConfigKey = "medscan_sync_config"

// Config is the process-wide spreadsheet sync configuration
type Config struct {
	WebhookURL string `json:"webhook_url"`
	AutoSync   bool   `json:"auto_sync"`
}

// Configured reports whether the webhook URL passes the shape check
func (c Config) Configured() bool {
	return IsValidWebAppURL(c.WebhookURL)
}

// Settings holds the single Config instance and persists it on every change
type Settings struct {
	mu     sync.Mutex
	store  ledger.BlobStore
	config Config
}

// NewSettings creates Settings backed by store
func NewSettings(store ledger.BlobStore) *Settings {
	return &Settings{store: store}
}

// Load reads the persisted config. Anything unreadable resets to the zero Config.
func (s *Settings) Load() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.config = Config{}

	data, err := s.store.Get(ConfigKey)
	if errors.Is(err, ledger.ErrBlobNotFound) {
		return
	}
	if err != nil {
		slog.Error("Failed to read sync config", "error", err)
		return
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		slog.Error("Failed to parse sync config", "error", err)
		return
	}
	s.config = cfg
}

// Get returns the current config
func (s *Settings) Get() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config
}

// Update validates and stores a new config. An empty URL switches sync off.
func (s *Settings) Update(cfg Config) (Config, error) {
	cfg.WebhookURL = strings.TrimSpace(cfg.WebhookURL)
	if cfg.WebhookURL != "" && !IsValidWebAppURL(cfg.WebhookURL) {
		return Config{}, fmt.Errorf("%w: %s", ErrInvalidWebhookURL, Diagnose(cfg.WebhookURL))
	}

	data, err := json.Marshal(cfg)
	if err != nil {
		return Config{}, fmt.Errorf("marshaling sync config: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.config = cfg
	if err := s.store.Put(ConfigKey, data); err != nil {
		return cfg, fmt.Errorf("persisting sync config: %w", err)
	}
	return cfg, nil
}
