package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds runtime configuration values for the support-chat client.
type Config struct {
	AppName     string `validate:"required"`
	AppEnv      string
	APIBaseURL  string `validate:"required,url"`
	RealtimeURL string `validate:"required"`
	AuthToken   string
	UserID      int64
	AdminID     int64
	RoomID      int64
	Role        string `validate:"required,oneof=USER ADMIN"`
	MetricsPort string

	TypingDebounce    time.Duration `validate:"gt=0"`
	TypingIdleTimeout time.Duration `validate:"gt=0"`
	TypingRemoteTTL   time.Duration `validate:"gt=0"`

	ReconnectBaseDelay   time.Duration `validate:"gt=0"`
	ReconnectMaxDelay    time.Duration `validate:"gt=0"`
	ReconnectMaxAttempts int           `validate:"gt=0"`
	HeartbeatInterval    time.Duration `validate:"gt=0"`

	RequestTimeout    time.Duration `validate:"gt=0"`
	AccessDeniedDelay time.Duration `validate:"gt=0"`
}

// MetricsAddress returns the address the metrics endpoint should listen on.
func (c Config) MetricsAddress() string {
	if strings.HasPrefix(c.MetricsPort, ":") {
		return c.MetricsPort
	}

	return fmt.Sprintf(":%s", c.MetricsPort)
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("SUPPORT")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("app.name", "support-chat")
	v.SetDefault("app.env", "development")
	v.SetDefault("api.base_url", "http://localhost:8080")
	v.SetDefault("realtime.url", "ws://localhost:8080/ws/chat")
	v.SetDefault("role", "USER")
	v.SetDefault("metrics.port", "9090")
	v.SetDefault("typing.debounce", "300ms")
	v.SetDefault("typing.idle_timeout", "2s")
	v.SetDefault("typing.remote_ttl", "5s")
	v.SetDefault("reconnect.base_delay", "1s")
	v.SetDefault("reconnect.max_delay", "30s")
	v.SetDefault("reconnect.max_attempts", 5)
	v.SetDefault("heartbeat.interval", "30s")
	v.SetDefault("request.timeout", "10s")
	v.SetDefault("access_denied.delay", "3s")

	cfg := Config{
		AppName:              v.GetString("app.name"),
		AppEnv:               v.GetString("app.env"),
		APIBaseURL:           v.GetString("api.base_url"),
		RealtimeURL:          v.GetString("realtime.url"),
		AuthToken:            v.GetString("auth.token"),
		UserID:               v.GetInt64("user.id"),
		AdminID:              v.GetInt64("admin.id"),
		RoomID:               v.GetInt64("room.id"),
		Role:                 strings.ToUpper(v.GetString("role")),
		MetricsPort:          v.GetString("metrics.port"),
		TypingDebounce:       v.GetDuration("typing.debounce"),
		TypingIdleTimeout:    v.GetDuration("typing.idle_timeout"),
		TypingRemoteTTL:      v.GetDuration("typing.remote_ttl"),
		ReconnectBaseDelay:   v.GetDuration("reconnect.base_delay"),
		ReconnectMaxDelay:    v.GetDuration("reconnect.max_delay"),
		ReconnectMaxAttempts: v.GetInt("reconnect.max_attempts"),
		HeartbeatInterval:    v.GetDuration("heartbeat.interval"),
		RequestTimeout:       v.GetDuration("request.timeout"),
		AccessDeniedDelay:    v.GetDuration("access_denied.delay"),
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}
