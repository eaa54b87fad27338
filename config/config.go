// Package config loads server settings from defaults, an optional YAML file
// and the environment, in that order of precedence (later wins). Command
// line flags are applied on top by the cli package.
package config

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"

	"golang.org/x/oauth2"
	"gopkg.in/yaml.v3"
)

const (
	StoreSqlite   = "sqlite"
	StoreDynamoDB = "dynamodb"

	CacheRedis  = "redis"
	CacheMemory = "memory"

	QueueSQS  = "sqs"
	QueueNone = "none"
)

type Config struct {
	Port           string   `yaml:"port"`
	DevMode        bool     `yaml:"devMode"`
	LogLevel       string   `yaml:"logLevel"`
	LogFormat      string   `yaml:"logFormat"`
	AllowAnonymous bool     `yaml:"allowAnonymous"`
	AllowedOrigins []string `yaml:"allowedOrigins"`
	CounterFlushMs int      `yaml:"counterFlushMs"`
	// JWTSecret is base64 encoded.
	JWTSecret string `yaml:"jwtSecret"`

	Store StoreConfig                   `yaml:"store"`
	Cache CacheConfig                   `yaml:"cache"`
	Queue QueueConfig                   `yaml:"queue"`
	OAuth map[string]OAuthProviderConfig `yaml:"oauth"`
}

type StoreConfig struct {
	Backend          string `yaml:"backend"`
	SqlitePath       string `yaml:"sqlitePath"`
	DynamoDBEndpoint string `yaml:"dynamodbEndpoint"`
	DynamoDBTable    string `yaml:"dynamodbTable"`
}

type CacheConfig struct {
	Backend       string `yaml:"backend"`
	RedisEndpoint string `yaml:"redisEndpoint"`
}

type QueueConfig struct {
	Backend     string `yaml:"backend"`
	SQSEndpoint string `yaml:"sqsEndpoint"`
	SQSQueue    string `yaml:"sqsQueue"`
}

type OAuthProviderConfig struct {
	ClientID     string `yaml:"clientId"`
	ClientSecret string `yaml:"clientSecret"`
	RedirectURL  string `yaml:"redirectUrl"`
}

func Default() *Config {
	return &Config{
		Port:           "8080",
		LogLevel:       "info",
		LogFormat:      "text",
		CounterFlushMs: 60000,
		Store: StoreConfig{
			Backend:       StoreSqlite,
			SqlitePath:    "drawcast.db",
			DynamoDBTable: "Drawcast",
		},
		Cache: CacheConfig{
			Backend: CacheMemory,
		},
		Queue: QueueConfig{
			Backend:  QueueNone,
			SQSQueue: "AnonymizeUserStepsQueue",
		},
		OAuth: map[string]OAuthProviderConfig{},
	}
}

// Load returns the defaults overridden by the YAML file at path (skipped
// when path is empty) and then by environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		decoder := yaml.NewDecoder(bytes.NewReader(raw))
		decoder.KnownFields(true)
		if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (cfg *Config) applyEnv() error {
	cfg.Port = getEnv("PORT", cfg.Port)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnv("LOG_FORMAT", cfg.LogFormat)
	cfg.JWTSecret = getEnv("JWT_SECRET", cfg.JWTSecret)

	cfg.Store.Backend = getEnv("STORE_BACKEND", cfg.Store.Backend)
	cfg.Store.SqlitePath = getEnv("SQLITE_PATH", cfg.Store.SqlitePath)
	cfg.Store.DynamoDBEndpoint = getEnv("DYNAMODB_ENDPOINT", cfg.Store.DynamoDBEndpoint)
	cfg.Store.DynamoDBTable = getEnv("DYNAMODB_TABLE", cfg.Store.DynamoDBTable)
	cfg.Cache.Backend = getEnv("CACHE_BACKEND", cfg.Cache.Backend)
	cfg.Cache.RedisEndpoint = getEnv("REDIS_ENDPOINT", cfg.Cache.RedisEndpoint)
	cfg.Queue.Backend = getEnv("QUEUE_BACKEND", cfg.Queue.Backend)
	cfg.Queue.SQSEndpoint = getEnv("SQS_ENDPOINT", cfg.Queue.SQSEndpoint)
	cfg.Queue.SQSQueue = getEnv("SQS_QUEUE", cfg.Queue.SQSQueue)

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = splitList(origins)
	}

	var err error
	if cfg.DevMode, err = getEnvBool("DEV_MODE", cfg.DevMode); err != nil {
		return err
	}
	if cfg.AllowAnonymous, err = getEnvBool("ALLOW_ANONYMOUS", cfg.AllowAnonymous); err != nil {
		return err
	}
	if v := os.Getenv("COUNTER_FLUSH_MS"); v != "" {
		if cfg.CounterFlushMs, err = strconv.Atoi(v); err != nil {
			return fmt.Errorf("COUNTER_FLUSH_MS: %w", err)
		}
	}

	redirectURL := os.Getenv("OAUTH_REDIRECT_URL")
	for _, provider := range []string{"github", "google"} {
		prefix := strings.ToUpper(provider) + "_"
		p := cfg.OAuth[provider]
		p.ClientID = getEnv(prefix+"CLIENT_ID", p.ClientID)
		p.ClientSecret = getEnv(prefix+"CLIENT_SECRET", p.ClientSecret)
		p.RedirectURL = getEnv(prefix+"REDIRECT_URL", p.RedirectURL)
		if p.RedirectURL == "" {
			p.RedirectURL = redirectURL
		}
		if p.ClientID == "" && p.ClientSecret == "" {
			continue
		}
		if cfg.OAuth == nil {
			cfg.OAuth = map[string]OAuthProviderConfig{}
		}
		cfg.OAuth[provider] = p
	}

	return nil
}

func (cfg *Config) Validate() error {
	var errs []error

	if cfg.Port == "" {
		errs = append(errs, errors.New("port is required"))
	}
	if !slices.Contains([]string{StoreSqlite, StoreDynamoDB}, cfg.Store.Backend) {
		errs = append(errs, fmt.Errorf("unknown store backend %q", cfg.Store.Backend))
	}
	if cfg.Store.Backend == StoreSqlite && cfg.Store.SqlitePath == "" {
		errs = append(errs, errors.New("sqlite store needs a path"))
	}
	if cfg.Store.Backend == StoreDynamoDB && cfg.Store.DynamoDBTable == "" {
		errs = append(errs, errors.New("dynamodb store needs a table name"))
	}
	if !slices.Contains([]string{CacheRedis, CacheMemory}, cfg.Cache.Backend) {
		errs = append(errs, fmt.Errorf("unknown cache backend %q", cfg.Cache.Backend))
	}
	if !slices.Contains([]string{QueueSQS, QueueNone}, cfg.Queue.Backend) {
		errs = append(errs, fmt.Errorf("unknown queue backend %q", cfg.Queue.Backend))
	}
	if cfg.Queue.Backend == QueueSQS && cfg.Queue.SQSQueue == "" {
		errs = append(errs, errors.New("sqs queue needs a queue name"))
	}
	if !slices.Contains([]string{"text", "json"}, cfg.LogFormat) {
		errs = append(errs, fmt.Errorf("unknown log format %q", cfg.LogFormat))
	}
	if cfg.CounterFlushMs <= 0 {
		errs = append(errs, errors.New("counterFlushMs must be positive"))
	}
	if _, err := cfg.JWTSecretBytes(); err != nil {
		errs = append(errs, err)
	}
	for provider, p := range cfg.OAuth {
		if p.ClientID == "" || p.ClientSecret == "" {
			errs = append(errs, fmt.Errorf("oauth provider %s needs a client id and secret", provider))
		}
	}

	return errors.Join(errs...)
}

const minJWTSecretBytes = 32

func (cfg *Config) JWTSecretBytes() ([]byte, error) {
	if cfg.JWTSecret == "" {
		return nil, errors.New("jwt secret is required")
	}
	secret, err := base64.StdEncoding.DecodeString(cfg.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("jwt secret is not valid base64: %w", err)
	}
	if len(secret) < minJWTSecretBytes {
		return nil, fmt.Errorf("jwt secret must be at least %d bytes", minJWTSecretBytes)
	}
	return secret, nil
}

// OAuthConfigs builds the client configs of the configured providers.
// Endpoints and scopes are filled in by the service.
func (cfg *Config) OAuthConfigs() map[string]*oauth2.Config {
	configs := make(map[string]*oauth2.Config, len(cfg.OAuth))
	for provider, p := range cfg.OAuth {
		configs[provider] = &oauth2.Config{
			ClientID:     p.ClientID,
			ClientSecret: p.ClientSecret,
			RedirectURL:  p.RedirectURL,
		}
	}
	return configs
}

// getEnv returns the environment variable, or defaultValue when unset or empty
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

func splitList(value string) []string {
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}
