package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Instrument InstrumentConfig `mapstructure:"instrument"`
	Settings   SettingsConfig   `mapstructure:"settings"`
	Plans      PlansConfig      `mapstructure:"plans"`
	Retention  RetentionConfig  `mapstructure:"retention"`
	MQTT       MQTTConfig       `mapstructure:"mqtt"`
}

type ServerConfig struct {
	GRPCPort        int           `mapstructure:"grpc_port"`
	HTTPPort        int           `mapstructure:"http_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
}

// Auth Configuration
type AuthConfig struct {
	JWTSecretEnv           string        `mapstructure:"jwt_secret_env"`
	AccessTokenTTL         time.Duration `mapstructure:"access_token_ttl"`
	RefreshTokenTTL        time.Duration `mapstructure:"refresh_token_ttl"`
	MaxFailedLoginAttempts int           `mapstructure:"max_failed_login_attempts"`
	AccountLockDuration    time.Duration `mapstructure:"account_lock_duration"`
	BootstrapAdmin         string        `mapstructure:"bootstrap_admin"`
	BootstrapPasswordEnv   string        `mapstructure:"bootstrap_password_env"`
}

// InstrumentConfig describes the SCPI instrument bound to the default surface.
type InstrumentConfig struct {
	ID                 string        `mapstructure:"id"`
	Address            string        `mapstructure:"address"`
	Timeout            time.Duration `mapstructure:"timeout"`
	StatusPollInterval time.Duration `mapstructure:"status_poll_interval"`
	DigitalLines       bool          `mapstructure:"digital_lines"`
	Surface            string        `mapstructure:"surface"`
	BindOnStart        bool          `mapstructure:"bind_on_start"`
}

// SettingsConfig holds the digital output settings applied at bind time.
type SettingsConfig struct {
	StrobeLineNumber uint          `mapstructure:"strobe_line_number"`
	StrobeDuration   time.Duration `mapstructure:"strobe_duration"`
	BinLineNumber    uint          `mapstructure:"bin_line_number"`
	BinDuration      time.Duration `mapstructure:"bin_duration"`
}

type PlansConfig struct {
	SearchPaths []string `mapstructure:"search_paths"`
	Default     string   `mapstructure:"default"`
}

// RetentionConfig controls the periodic cleanup of stored history. Schedule
// is a cron expression with a seconds field.
type RetentionConfig struct {
	Schedule        string        `mapstructure:"schedule"`
	PlanEventMaxAge time.Duration `mapstructure:"plan_event_max_age"`
	AuthEventMaxAge time.Duration `mapstructure:"auth_event_max_age"`
}

// MQTTConfig enables publishing surface events to a broker. An empty broker
// disables it.
type MQTTConfig struct {
	Broker      string `mapstructure:"broker"`
	ClientID    string `mapstructure:"client_id"`
	TopicPrefix string `mapstructure:"topic_prefix"`
	QoS         byte   `mapstructure:"qos"`
}

func (m *MQTTConfig) Enabled() bool {
	return strings.TrimSpace(m.Broker) != ""
}

func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	setDefaults(v)

	// Environment Variables mit Prefix OSC_ (z.B. OSC_INSTRUMENT_ADDRESS)
	v.SetEnvPrefix("OSC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.grpc_port", 50051)
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "openscancore")
	v.SetDefault("database.max_connections", 10)

	// Auth Defaults
	v.SetDefault("auth.jwt_secret_env", "JWT_SECRET")
	v.SetDefault("auth.access_token_ttl", "60m")
	v.SetDefault("auth.refresh_token_ttl", "168h")
	v.SetDefault("auth.max_failed_login_attempts", 5)
	v.SetDefault("auth.account_lock_duration", "15m")
	v.SetDefault("auth.bootstrap_admin", "admin")
	v.SetDefault("auth.bootstrap_password_env", "OSC_ADMIN_PASSWORD")

	v.SetDefault("instrument.id", "dmm-1")
	v.SetDefault("instrument.timeout", "2s")
	v.SetDefault("instrument.status_poll_interval", "100ms")
	v.SetDefault("instrument.surface", "main")
	v.SetDefault("instrument.bind_on_start", true)

	v.SetDefault("settings.strobe_line_number", 1)
	v.SetDefault("settings.strobe_duration", "10us")
	v.SetDefault("settings.bin_line_number", 2)
	v.SetDefault("settings.bin_duration", "10us")

	v.SetDefault("plans.search_paths", []string{"configs/plans"})
	v.SetDefault("plans.default", "")

	v.SetDefault("retention.schedule", "0 0 3 * * *")
	v.SetDefault("retention.plan_event_max_age", "720h")
	v.SetDefault("retention.auth_event_max_age", "2160h")

	v.SetDefault("mqtt.broker", "")
	v.SetDefault("mqtt.client_id", "openscancore")
	v.SetDefault("mqtt.topic_prefix", "osc")
	v.SetDefault("mqtt.qos", 1)
}

func (c *Config) Validate() error {
	if c.Instrument.StatusPollInterval <= 0 {
		return fmt.Errorf("instrument.status_poll_interval must be positive")
	}
	if c.Instrument.Timeout <= 0 {
		return fmt.Errorf("instrument.timeout must be positive")
	}
	if c.Instrument.Surface == "" {
		return fmt.Errorf("instrument.surface must not be empty")
	}
	if c.Settings.StrobeDuration < 0 || c.Settings.BinDuration < 0 {
		return fmt.Errorf("settings durations must not be negative")
	}
	if c.Retention.PlanEventMaxAge < 0 || c.Retention.AuthEventMaxAge < 0 {
		return fmt.Errorf("retention ages must not be negative")
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
	}
	return nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// JWT Secret aus Environment Variable laden
func (a *AuthConfig) GetJWTSecret() string {
	envVar := a.JWTSecretEnv
	if envVar == "" {
		envVar = "JWT_SECRET"
	}

	secret := os.Getenv(envVar)
	if secret == "" {
		// Development Fallback (MIT WARNING!)
		return devSecret
	}
	return secret
}

// BootstrapPassword liest das Passwort des ersten Admins aus der Umgebung.
func (a *AuthConfig) BootstrapPassword() string {
	if a.BootstrapPasswordEnv == "" {
		return ""
	}
	return os.Getenv(a.BootstrapPasswordEnv)
}

const devSecret = "dev-secret-change-in-production-min-32-chars"

func (a *AuthConfig) IsProductionReady() bool {
	secret := a.GetJWTSecret()
	return secret != devSecret && len(secret) >= 32
}
