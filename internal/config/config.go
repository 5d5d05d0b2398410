package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds runtime configuration values for the API service.
type Config struct {
	AppName                string
	AppEnv                 string
	AppPort                string
	LogLevel               string
	DatabaseDriver         string
	DatabaseURL            string
	RedisURL               string
	NATSURL                string
	ChannelBase            string
	JWTSecret              string
	CloudinaryCloudName    string
	CloudinaryAPIKey       string
	CloudinaryAPISecret    string
	CloudinaryUploadFolder string
	UploadMaxMB            int
	SearchRateLimit        int
	UploadRateLimit        int
	ShutdownTimeout        time.Duration
}

// ClientConfig holds settings for the terminal chat client.
type ClientConfig struct {
	ServerURL            string
	Token                string
	LogLevel             string
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
	TypingIdleWindow     time.Duration
	RemoteTypingTTL      time.Duration
	RequestTimeout       time.Duration
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

func newViper() *viper.Viper {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("GEMA")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	return v
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	v := newViper()

	v.SetDefault("app.name", "GEMA Notes API")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("channel.base", "gema")
	v.SetDefault("cloudinary.folder", "gema/chat")
	v.SetDefault("upload.max_mb", 10)
	v.SetDefault("rate_limit.search", 30)
	v.SetDefault("rate_limit.upload", 10)
	v.SetDefault("shutdown.timeout", "10s")

	shutdown, err := parseDuration(v, "shutdown.timeout")
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		AppName:                v.GetString("app.name"),
		AppEnv:                 v.GetString("app.env"),
		AppPort:                v.GetString("app.port"),
		LogLevel:               strings.ToLower(v.GetString("log.level")),
		DatabaseDriver:         strings.ToLower(v.GetString("database.driver")),
		DatabaseURL:            v.GetString("database.url"),
		RedisURL:               v.GetString("redis.url"),
		NATSURL:                v.GetString("nats.url"),
		ChannelBase:            v.GetString("channel.base"),
		JWTSecret:              v.GetString("jwt.secret"),
		CloudinaryCloudName:    v.GetString("cloudinary.cloud_name"),
		CloudinaryAPIKey:       v.GetString("cloudinary.api_key"),
		CloudinaryAPISecret:    v.GetString("cloudinary.api_secret"),
		CloudinaryUploadFolder: v.GetString("cloudinary.folder"),
		UploadMaxMB:            v.GetInt("upload.max_mb"),
		SearchRateLimit:        v.GetInt("rate_limit.search"),
		UploadRateLimit:        v.GetInt("rate_limit.upload"),
		ShutdownTimeout:        shutdown,
	}

	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("jwt secret must be provided")
	}

	switch cfg.DatabaseDriver {
	case "postgres", "sqlite":
	default:
		return Config{}, fmt.Errorf("unsupported database driver %q", cfg.DatabaseDriver)
	}

	if cfg.UploadMaxMB <= 0 {
		cfg.UploadMaxMB = 10
	}

	return cfg, nil
}

// LoadClient reads the chat client configuration.
func LoadClient() (ClientConfig, error) {
	v := newViper()

	v.SetDefault("client.server_url", "http://localhost:8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("client.reconnect_attempts", 5)
	v.SetDefault("client.reconnect_delay", "1s")
	v.SetDefault("client.typing_idle", "1s")
	v.SetDefault("client.typing_ttl", "3s")
	v.SetDefault("client.request_timeout", "10s")

	cfg := ClientConfig{
		ServerURL:            strings.TrimRight(v.GetString("client.server_url"), "/"),
		Token:                v.GetString("client.token"),
		LogLevel:             strings.ToLower(v.GetString("log.level")),
		MaxReconnectAttempts: v.GetInt("client.reconnect_attempts"),
	}

	var err error
	if cfg.ReconnectDelay, err = parseDuration(v, "client.reconnect_delay"); err != nil {
		return ClientConfig{}, err
	}
	if cfg.TypingIdleWindow, err = parseDuration(v, "client.typing_idle"); err != nil {
		return ClientConfig{}, err
	}
	if cfg.RemoteTypingTTL, err = parseDuration(v, "client.typing_ttl"); err != nil {
		return ClientConfig{}, err
	}
	if cfg.RequestTimeout, err = parseDuration(v, "client.request_timeout"); err != nil {
		return ClientConfig{}, err
	}

	if cfg.Token == "" {
		return ClientConfig{}, fmt.Errorf("client token must be provided")
	}
	if cfg.MaxReconnectAttempts < 0 {
		return ClientConfig{}, fmt.Errorf("reconnect attempts must not be negative")
	}

	return cfg, nil
}

func parseDuration(v *viper.Viper, key string) (time.Duration, error) {
	d, err := time.ParseDuration(v.GetString(key))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return d, nil
}
