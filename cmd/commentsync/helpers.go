package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/momentic/commentsync"
)

// Environment overrides. A .env file in the working directory is loaded
// first but never replaces variables already set.
const (
	envBaseURL   = "COMMENTSYNC_BASE_URL"
	envStreamURL = "COMMENTSYNC_STREAM_URL"
	envToken     = "COMMENTSYNC_TOKEN"
	envLogLevel  = "COMMENTSYNC_LOG_LEVEL"
)

// settings is the effective configuration after environment overrides.
type settings struct {
	BaseURL   string
	StreamURL string
	Author    string
	AvatarURL string
	CacheDir  string
}

func resolveSettings(cfg *Config) (settings, error) {
	s := settings{
		BaseURL:   cfg.Default.BaseURL,
		StreamURL: cfg.Default.StreamURL,
		Author:    cfg.Default.Author,
		AvatarURL: cfg.Default.AvatarURL,
		CacheDir:  cfg.Default.CacheDir,
	}
	if v := os.Getenv(envBaseURL); v != "" {
		s.BaseURL = v
	}
	if v := os.Getenv(envStreamURL); v != "" {
		s.StreamURL = v
	}
	if s.StreamURL == "" && s.BaseURL != "" {
		s.StreamURL = commentsync.StreamURL(s.BaseURL)
	}
	if s.CacheDir == "" {
		dir, err := configDir()
		if err != nil {
			return s, err
		}
		s.CacheDir = filepath.Join(dir, "cache")
	}
	return s, nil
}

func loadSettings() (settings, error) {
	cfg, err := loadConfig()
	if err != nil {
		return settings{}, fmt.Errorf("failed to load config: %w", err)
	}
	s, err := resolveSettings(cfg)
	if err != nil {
		return s, err
	}
	if s.BaseURL == "" {
		return s, errors.New("no base URL configured; run 'commentsync init <base-url>' first")
	}
	return s, nil
}

// ============================================================================
// Token store
// ============================================================================

// configTokenStore keeps the access token in the [auth] section of the
// config file. COMMENTSYNC_TOKEN takes precedence when set.
type configTokenStore struct{}

var _ commentsync.TokenStore = configTokenStore{}

func (configTokenStore) Token() (string, error) {
	if v := os.Getenv(envToken); v != "" {
		return v, nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	return cfg.Auth.Token, nil
}

func (configTokenStore) SaveToken(token string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.Auth.Token = token
	return saveConfig(cfg)
}

func (configTokenStore) DeleteToken() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.Auth.Token = ""
	return saveConfig(cfg)
}

// ============================================================================
// Builders
// ============================================================================

func newClient(s settings) *commentsync.Client {
	return commentsync.NewClient(s.BaseURL,
		commentsync.WithTokenStore(configTokenStore{}),
		commentsync.WithLogger(logger),
	)
}

func openCache(s settings, metrics *commentsync.Metrics) (*commentsync.Cache, io.Closer, error) {
	storage, err := commentsync.OpenPebbleStorage(s.CacheDir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open cache: %w", err)
	}
	cache := commentsync.NewCache(storage, &commentsync.CacheOptions{
		Logger:  logger,
		Metrics: metrics,
	})
	return cache, storage, nil
}

// ============================================================================
// Output
// ============================================================================

func printMessage(w io.Writer, m commentsync.Message, now time.Time) {
	like := ""
	if m.LikeCount > 0 || m.LikedByMe {
		heart := "♡"
		if m.LikedByMe {
			heart = "♥"
		}
		like = fmt.Sprintf("  %s %d", heart, m.LikeCount)
	}
	fmt.Fprintf(w, "[%4s] %s: %s  (%s)%s\n", m.RelativeAge(now), m.Author, m.Text, m.ID, like)
}

// maskKey shows the first and last 4 characters of a secret.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
