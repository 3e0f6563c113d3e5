package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/alexjbarnes/chatsync/internal/models"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for chatsync.
type Config struct {
	// Base URL of the chat REST backend, e.g. http://ws.example.com
	APIBase string `env:"CHAT_API_BASE"`

	// Realtime endpoint. Derived from APIBase (http -> ws) when empty.
	WSURL string `env:"CHAT_WS_URL"`

	// Session credentials. When set they replace the stored session.
	Token   string `env:"CHAT_TOKEN"`
	AdminID string `env:"CHAT_ADMIN_ID"`

	// Role sent as user_type on outbound messages.
	SenderRole string `env:"CHAT_SENDER_ROLE" envDefault:"admin"`

	// Conversations opened at startup: "room:12,group:7".
	Conversations string `env:"CHAT_CONVERSATIONS"`

	// Where indirect attachment references are materialized. Defaults to
	// <os temp dir>/chatsync.
	ScratchDir string `env:"CHAT_SCRATCH_DIR"`

	// Optional drop folder. Files placed in <dir>/room-12/ are uploaded
	// to that conversation.
	DropDir string `env:"CHAT_DROP_DIR"`

	// State database location. Defaults to ~/.chatsync/state.db.
	StatePath string `env:"CHAT_STATE_PATH"`

	ReconnectMin    time.Duration `env:"CHAT_RECONNECT_MIN" envDefault:"5s"`
	ReconnectMax    time.Duration `env:"CHAT_RECONNECT_MAX" envDefault:"5m"`
	ReconcileWindow time.Duration `env:"CHAT_RECONCILE_WINDOW" envDefault:"2m"`

	// Try the original reference when staging an attachment fails.
	AllowDegradedUpload bool `env:"CHAT_ALLOW_DEGRADED_UPLOAD" envDefault:"false"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`

	// MCP tool server
	MCPEnabled    bool   `env:"MCP_ENABLED" envDefault:"false"`
	MCPListenAddr string `env:"MCP_LISTEN_ADDR" envDefault:":8090"`
	MCPAPIKeyHash string `env:"MCP_API_KEY_HASH"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing the session token to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.APIBase = strings.TrimRight(cfg.APIBase, "/")

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.WSURL == "" {
		cfg.WSURL = deriveWSURL(cfg.APIBase)
	}

	if cfg.ScratchDir == "" {
		cfg.ScratchDir = filepath.Join(os.TempDir(), "chatsync")
	}

	if cfg.DropDir != "" {
		absDir, err := filepath.Abs(cfg.DropDir)
		if err != nil {
			return nil, fmt.Errorf("resolving drop dir to absolute path: %w", err)
		}

		cfg.DropDir = absDir
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.APIBase == "" {
		return fmt.Errorf("CHAT_API_BASE is required")
	}

	u, err := url.Parse(c.APIBase)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("CHAT_API_BASE must be an http or https URL")
	}

	if c.WSURL != "" {
		wu, err := url.Parse(c.WSURL)
		if err != nil || (wu.Scheme != "ws" && wu.Scheme != "wss") || wu.Host == "" {
			return fmt.Errorf("CHAT_WS_URL must be a ws or wss URL")
		}
	}

	if c.SenderRole == "" {
		return fmt.Errorf("CHAT_SENDER_ROLE must not be empty")
	}

	if c.ReconnectMin <= 0 {
		return fmt.Errorf("CHAT_RECONNECT_MIN must be positive")
	}

	if c.ReconnectMax < c.ReconnectMin {
		return fmt.Errorf("CHAT_RECONNECT_MAX must not be less than CHAT_RECONNECT_MIN")
	}

	if c.ReconcileWindow <= 0 {
		return fmt.Errorf("CHAT_RECONCILE_WINDOW must be positive")
	}

	if _, err := c.ParseConversations(); err != nil {
		return err
	}

	if c.MCPEnabled {
		if c.MCPAPIKeyHash == "" {
			return fmt.Errorf("MCP_API_KEY_HASH is required when MCP is enabled (generate one with `chatsync hash-key`)")
		}

		if !strings.HasPrefix(c.MCPAPIKeyHash, "$2") {
			return fmt.Errorf("MCP_API_KEY_HASH must be a bcrypt hash")
		}
	}

	return nil
}

// deriveWSURL maps http(s)://host/path to ws(s)://host/path/ws.
func deriveWSURL(apiBase string) string {
	u, err := url.Parse(apiBase)
	if err != nil {
		return ""
	}

	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}

	u.Path = strings.TrimRight(u.Path, "/") + "/ws"

	return u.String()
}

// ParseConversations parses CHAT_CONVERSATIONS.
// Format: "room:12,group:7". Duplicates are rejected.
func (c *Config) ParseConversations() ([]models.ConversationRef, error) {
	if c.Conversations == "" {
		return nil, nil
	}

	seen := make(map[string]struct{})

	var refs []models.ConversationRef

	for _, part := range strings.Split(c.Conversations, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		ref, err := models.ParseConversationRef(part)
		if err != nil {
			return nil, fmt.Errorf("CHAT_CONVERSATIONS: %w", err)
		}

		if _, dup := seen[ref.Topic()]; dup {
			return nil, fmt.Errorf("duplicate conversation %q in CHAT_CONVERSATIONS", ref.Topic())
		}

		seen[ref.Topic()] = struct{}{}
		refs = append(refs, ref)
	}

	return refs, nil
}

// DefaultStatePath returns ~/.chatsync/state.db.
func DefaultStatePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".chatsync", "state.db"), nil
}

// ResolveStatePath returns StatePath, or the default location when unset.
func (c *Config) ResolveStatePath() (string, error) {
	if c.StatePath != "" {
		return filepath.Abs(c.StatePath)
	}

	return DefaultStatePath()
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
