package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Relay struct {
	Port      string `yaml:"port"`
	RedisURL  string `yaml:"redisUrl"`
	JWTSecret string `yaml:"jwtSecret"`
	// ReceiptIndexSize bounds how many message ids the relay remembers for
	// routing read receipts back to their sender.
	ReceiptIndexSize int `yaml:"receiptIndexSize"`
}

type Client struct {
	RelayURL       string        `yaml:"relayUrl"`
	Room           string        `yaml:"room"`
	Peer           string        `yaml:"peer"`
	Token          string        `yaml:"token"`
	StoreBackend   string        `yaml:"storeBackend"` // memory|sqlite|redis
	StorePath      string        `yaml:"storePath"`
	StoreRedisURL  string        `yaml:"storeRedisUrl"`
	StoreKey       string        `yaml:"storeKey"`
	ICEServers     []string      `yaml:"iceServers"`
	ReconnectDelay time.Duration `yaml:"reconnectDelay"`
}

type Logging struct {
	Env       string `yaml:"env"`     // dev|stage|prod
	Service   string `yaml:"service"` // relay|client
	Version   string `yaml:"version"`
	Backend   string `yaml:"backend"` // std|zap
	Level     string `yaml:"level"`   // debug|info|warn|error
	AddSource bool   `yaml:"addSource"`
}

type Config struct {
	Relay   Relay   `yaml:"relay"`
	Client  Client  `yaml:"client"`
	Logging Logging `yaml:"logging"`
}

// Load reads the optional YAML file named by CONFIG_PATH, then applies
// environment overrides and defaults.
func Load() (*Config, error) {
	var cfg Config

	if path := os.Getenv("CONFIG_PATH"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	c.Relay.Port = getEnv("PORT", c.Relay.Port)
	c.Relay.RedisURL = getEnv("REDIS_URL", c.Relay.RedisURL)
	c.Relay.JWTSecret = getEnv("JWT_SECRET", c.Relay.JWTSecret)
	c.Relay.ReceiptIndexSize = getEnvInt("RECEIPT_INDEX_SIZE", c.Relay.ReceiptIndexSize)

	c.Client.RelayURL = getEnv("RELAY_URL", c.Client.RelayURL)
	c.Client.Room = getEnv("ROOM", c.Client.Room)
	c.Client.Peer = getEnv("PEER", c.Client.Peer)
	c.Client.Token = getEnv("TOKEN", c.Client.Token)
	c.Client.StoreBackend = getEnv("STORE_BACKEND", c.Client.StoreBackend)
	c.Client.StorePath = getEnv("STORE_PATH", c.Client.StorePath)
	c.Client.StoreKey = getEnv("STORE_KEY", c.Client.StoreKey)
	c.Client.StoreRedisURL = getEnv("STORE_REDIS_URL", c.Client.StoreRedisURL)
	if v := getEnv("ICE_SERVERS", ""); v != "" {
		c.Client.ICEServers = strings.Split(v, ",")
	}
	c.Client.ReconnectDelay = parseDurationOr(c.Client.ReconnectDelay, getEnv("RECONNECT_DELAY", ""))

	c.Logging.Env = getEnv("APP_ENV", c.Logging.Env)
	c.Logging.Level = getEnv("LOG_LEVEL", c.Logging.Level)
	c.Logging.Backend = getEnv("LOG_BACKEND", c.Logging.Backend)
}

func (c *Config) validate() error {
	if c.Relay.Port == "" {
		c.Relay.Port = "8080"
	}
	if c.Relay.RedisURL == "" {
		c.Relay.RedisURL = "redis://localhost:6379"
	}
	if c.Relay.ReceiptIndexSize <= 0 {
		c.Relay.ReceiptIndexSize = 10000
	}

	if c.Client.RelayURL == "" {
		c.Client.RelayURL = "ws://localhost:8080/ws"
	}
	switch c.Client.StoreBackend {
	case "":
		c.Client.StoreBackend = "sqlite"
	case "memory", "sqlite", "redis":
	default:
		return fmt.Errorf("unknown store backend %q", c.Client.StoreBackend)
	}
	if c.Client.StoreBackend == "sqlite" && c.Client.StorePath == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			return errors.New("client.storePath is required")
		}
		c.Client.StorePath = dir + "/go-signaling"
	}
	if c.Client.StoreBackend == "redis" && c.Client.StoreRedisURL == "" {
		c.Client.StoreRedisURL = c.Relay.RedisURL
	}
	if c.Client.StoreKey == "" {
		c.Client.StoreKey = "activeCall"
	}
	if len(c.Client.ICEServers) == 0 {
		c.Client.ICEServers = []string{"stun:stun.l.google.com:19302"}
	}
	if c.Client.ReconnectDelay <= 0 {
		c.Client.ReconnectDelay = 1500 * time.Millisecond
	}

	if c.Logging.Env == "" {
		c.Logging.Env = "dev"
	}
	if c.Logging.Version == "" {
		c.Logging.Version = "v0.1.0"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func parseDurationOr(def time.Duration, s string) time.Duration {
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	return def
}
