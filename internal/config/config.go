package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application.
type Config struct {
	// Port is the HTTP server port. The server only listens on localhost.
	Port int

	// DBPath is the SQLite database file.
	DBPath string

	// MaxDBPages caps the database size in pages. Zero means unlimited.
	MaxDBPages int

	// User is the display name of the acting user.
	User string

	// MaxImageDim bounds post images and banners in both dimensions.
	MaxImageDim int

	// IconMaxDim bounds inline community icons in both dimensions.
	IconMaxDim int

	// LogLevel is the minimum level logged.
	LogLevel slog.Level

	// AllowedOrigins lists browser origins allowed to call the API.
	AllowedOrigins []string

	// LegacySnapshot is an optional key-value dump imported into an empty board.
	LegacySnapshot string
}

// Addr returns the listen address for the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf("127.0.0.1:%d", c.Port)
}

// Load reads configuration from environment variables with sensible defaults.
// Variables from a .env file in the working directory are applied first,
// without overriding ones already set.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	port, err := intEnv("PORT", 3000)
	if err != nil {
		return nil, err
	}
	maxPages, err := intEnv("PRIVY_MAX_DB_PAGES", 0)
	if err != nil {
		return nil, err
	}
	maxImage, err := intEnv("PRIVY_MAX_IMAGE_DIM", 1200)
	if err != nil {
		return nil, err
	}
	iconMax, err := intEnv("PRIVY_ICON_MAX_DIM", 800)
	if err != nil {
		return nil, err
	}
	if maxImage <= 0 || iconMax <= 0 {
		return nil, fmt.Errorf("image dimensions must be positive")
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(envOrDefault("PRIVY_LOG_LEVEL", "info"))); err != nil {
		return nil, fmt.Errorf("invalid PRIVY_LOG_LEVEL: %w", err)
	}

	return &Config{
		Port:           port,
		DBPath:         envOrDefault("PRIVY_DB_PATH", "privy.db"),
		MaxDBPages:     maxPages,
		User:           envOrDefault("PRIVY_USER", "Admin"),
		MaxImageDim:    maxImage,
		IconMaxDim:     iconMax,
		LogLevel:       level,
		AllowedOrigins: splitList(envOrDefault("PRIVY_ALLOWED_ORIGINS", "*")),
		LegacySnapshot: os.Getenv("PRIVY_LEGACY_SNAPSHOT"),
	}, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func intEnv(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("invalid %s: must not be negative", key)
	}
	return n, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
