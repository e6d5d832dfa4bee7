// Package config holds the server and client settings. Defaults cover every
// field; an optional TOML file overrides only the keys it defines.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	DefaultPort             = 7777
	DefaultMaxUsers         = 10
	DefaultHandshakeTimeout = 2 * time.Minute
	DefaultWriteTimeout     = 10 * time.Second
	DefaultDialTimeout      = 10 * time.Second
	DefaultOutboxSize       = 64
	DefaultAcceptWindow     = time.Minute

	ServerFileName = "chatserver.toml"
	ClientFileName = "chatclient.toml"
)

// ServerConfig configures the chat server.
type ServerConfig struct {
	Host     string
	Port     int
	MaxUsers int

	// HandshakeTimeout bounds how long a connection may take to get a name
	// approved. Zero waits forever.
	HandshakeTimeout time.Duration

	// WriteTimeout bounds a single frame write to a client. Zero disables it.
	WriteTimeout time.Duration

	// OutboxSize is the number of events queued per session before further
	// events for that session are dropped.
	OutboxSize int

	LogLevel string
	LogDir   string

	// AcceptLimit caps accepted connections per remote host within
	// AcceptWindow. Zero disables throttling.
	AcceptLimit  int
	AcceptWindow time.Duration
}

// DefaultServerConfig returns the settings used when no file is present.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Port:             DefaultPort,
		MaxUsers:         DefaultMaxUsers,
		HandshakeTimeout: DefaultHandshakeTimeout,
		WriteTimeout:     DefaultWriteTimeout,
		OutboxSize:       DefaultOutboxSize,
		LogLevel:         "info",
		AcceptWindow:     DefaultAcceptWindow,
	}
}

// Address returns the listen address.
func (c ServerConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Validate reports the first invalid setting.
func (c ServerConfig) Validate() error {
	switch {
	case c.Port < 0 || c.Port > 65535:
		return fmt.Errorf("port %d out of range", c.Port)
	case c.MaxUsers < 1:
		return fmt.Errorf("max_users must be positive, got %d", c.MaxUsers)
	case c.HandshakeTimeout < 0:
		return errors.New("handshake_timeout must not be negative")
	case c.WriteTimeout < 0:
		return errors.New("write_timeout must not be negative")
	case c.OutboxSize < 1:
		return fmt.Errorf("outbox_size must be positive, got %d", c.OutboxSize)
	case c.AcceptLimit < 0:
		return fmt.Errorf("accept_limit must not be negative, got %d", c.AcceptLimit)
	case c.AcceptLimit > 0 && c.AcceptWindow <= 0:
		return errors.New("accept_window must be positive when accept_limit is set")
	}

	return nil
}

type serverFile struct {
	Host             string `toml:"host"`
	Port             int    `toml:"port"`
	MaxUsers         int    `toml:"max_users"`
	HandshakeTimeout string `toml:"handshake_timeout"`
	WriteTimeout     string `toml:"write_timeout"`
	OutboxSize       int    `toml:"outbox_size"`
	LogLevel         string `toml:"log_level"`
	LogDir           string `toml:"log_dir"`
	AcceptLimit      int    `toml:"accept_limit"`
	AcceptWindow     string `toml:"accept_window"`
}

// LoadServerConfig overlays the TOML file at path onto the defaults. A
// missing file is not an error and yields the defaults.
//
// Parameters:
//   - path: Path of the TOML file
//
// Returns:
//   - The merged, validated configuration
//   - An error if the file cannot be parsed or a value is invalid
func LoadServerConfig(path string) (ServerConfig, error) {
	cfg := DefaultServerConfig()

	var raw serverFile
	meta, err := decodeOptional(path, &raw)
	if err != nil {
		return ServerConfig{}, fmt.Errorf("load server config: %w", err)
	}

	if meta == nil {
		return cfg, nil
	}

	if meta.IsDefined("host") {
		cfg.Host = strings.TrimSpace(raw.Host)
	}

	if meta.IsDefined("port") {
		cfg.Port = raw.Port
	}

	if meta.IsDefined("max_users") {
		cfg.MaxUsers = raw.MaxUsers
	}

	if meta.IsDefined("handshake_timeout") {
		if cfg.HandshakeTimeout, err = parseDuration("handshake_timeout", raw.HandshakeTimeout); err != nil {
			return ServerConfig{}, err
		}
	}

	if meta.IsDefined("write_timeout") {
		if cfg.WriteTimeout, err = parseDuration("write_timeout", raw.WriteTimeout); err != nil {
			return ServerConfig{}, err
		}
	}

	if meta.IsDefined("outbox_size") {
		cfg.OutboxSize = raw.OutboxSize
	}

	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}

	if meta.IsDefined("log_dir") {
		cfg.LogDir = strings.TrimSpace(raw.LogDir)
	}

	if meta.IsDefined("accept_limit") {
		cfg.AcceptLimit = raw.AcceptLimit
	}

	if meta.IsDefined("accept_window") {
		if cfg.AcceptWindow, err = parseDuration("accept_window", raw.AcceptWindow); err != nil {
			return ServerConfig{}, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return ServerConfig{}, fmt.Errorf("load server config: %w", err)
	}

	return cfg, nil
}

// ClientConfig configures the terminal client.
type ClientConfig struct {
	Host         string
	Port         int
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	LogLevel     string
}

// DefaultClientConfig returns the settings used when no file is present.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Host:         "localhost",
		Port:         DefaultPort,
		DialTimeout:  DefaultDialTimeout,
		WriteTimeout: DefaultWriteTimeout,
		LogLevel:     "warn",
	}
}

// Address returns the server address to dial.
func (c ClientConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

type clientFile struct {
	Host         string `toml:"host"`
	Port         int    `toml:"port"`
	DialTimeout  string `toml:"dial_timeout"`
	WriteTimeout string `toml:"write_timeout"`
	LogLevel     string `toml:"log_level"`
}

// LoadClientConfig overlays the TOML file at path onto the client defaults.
// A missing file yields the defaults.
func LoadClientConfig(path string) (ClientConfig, error) {
	cfg := DefaultClientConfig()

	var raw clientFile
	meta, err := decodeOptional(path, &raw)
	if err != nil {
		return ClientConfig{}, fmt.Errorf("load client config: %w", err)
	}

	if meta == nil {
		return cfg, nil
	}

	if meta.IsDefined("host") {
		cfg.Host = strings.TrimSpace(raw.Host)
	}

	if meta.IsDefined("port") {
		if raw.Port < 1 || raw.Port > 65535 {
			return ClientConfig{}, fmt.Errorf("load client config: port %d out of range", raw.Port)
		}
		cfg.Port = raw.Port
	}

	if meta.IsDefined("dial_timeout") {
		if cfg.DialTimeout, err = parseDuration("dial_timeout", raw.DialTimeout); err != nil {
			return ClientConfig{}, err
		}
	}

	if meta.IsDefined("write_timeout") {
		if cfg.WriteTimeout, err = parseDuration("write_timeout", raw.WriteTimeout); err != nil {
			return ClientConfig{}, err
		}
	}

	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}

	return cfg, nil
}

func decodeOptional(path string, v any) (*toml.MetaData, error) {
	meta, err := toml.DecodeFile(path, v)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}

		return nil, err
	}

	return &meta, nil
}

func parseDuration(key, value string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}

	return d, nil
}

// Exists reports whether a regular file exists at path.
func Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
