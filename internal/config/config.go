// Package config loads the bridge configuration from the environment and the
// device roster from a YAML file.
package config

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Broker   BrokerConfig
	Webhook  WebhookConfig
	Jobs     JobsConfig
	Presence PresenceConfig
	Storage  StorageConfig
	API      APIConfig
	Log      LogConfig
}

type BrokerConfig struct {
	Host      string `envconfig:"LAMP_MQTT_HOST" required:"true"`
	Port      int    `envconfig:"LAMP_MQTT_PORT" default:"8883"`
	Username  string `envconfig:"LAMP_MQTT_USER" required:"true"`
	Password  string `envconfig:"LAMP_MQTT_PASSWORD" required:"true"`
	ClientID  string `envconfig:"LAMP_MQTT_CLIENT_ID" default:"lampbridge"`
	Namespace string `envconfig:"LAMP_MQTT_NAMESPACE" required:"true"`

	KeepAlive     time.Duration `envconfig:"LAMP_MQTT_KEEP_ALIVE" default:"5s"`
	PublishPerSec int           `envconfig:"LAMP_MQTT_PUBLISH_PER_SEC" default:"0"`
}

type WebhookConfig struct {
	SwitchURL string `envconfig:"LAMP_NOTIFY_SWITCH_URL" required:"true"`
	StatusURL string `envconfig:"LAMP_NOTIFY_STATUS_URL" required:"true"`

	SwitchTimeout time.Duration `envconfig:"LAMP_NOTIFY_SWITCH_TIMEOUT" default:"5s"`
	StatusTimeout time.Duration `envconfig:"LAMP_NOTIFY_STATUS_TIMEOUT" default:"5s"`
}

type JobsConfig struct {
	MaxRetry int `envconfig:"LAMP_TASK_RETRY_MAX_COUNT" default:"6"`

	SwitchPollInterval time.Duration `envconfig:"LAMP_SWITCH_POLL_INTERVAL" default:"15s"`
	StatusPollInterval time.Duration `envconfig:"LAMP_STATUS_POLL_INTERVAL" default:"5s"`
}

type PresenceConfig struct {
	Staleness  time.Duration `envconfig:"LAMP_PRESENCE_STALENESS" default:"60s"`
	RosterPath string        `envconfig:"LAMP_DEVICE_ROSTER" required:"true"`

	// Six-field cron specs (with seconds), matching the per-second probing
	// the fleet expects.
	ProbeSpec string `envconfig:"LAMP_PROBE_SPEC" default:"*/1 * * * * *"`
	SweepSpec string `envconfig:"LAMP_SWEEP_SPEC" default:"*/1 * * * * *"`
}

type StorageConfig struct {
	Path        string        `envconfig:"LAMP_DB_PATH" default:"./lampbridge.db"`
	BusyTimeout time.Duration `envconfig:"LAMP_DB_BUSY_TIMEOUT" default:"5s"`
}

type APIConfig struct {
	Enabled   bool          `envconfig:"LAMP_API_ENABLED" default:"true"`
	Addr      string        `envconfig:"LAMP_API_ADDR" default:":8080"`
	JWTSecret string        `envconfig:"LAMP_API_JWT_SECRET" default:""`
	TokenTTL  time.Duration `envconfig:"LAMP_API_TOKEN_TTL" default:"24h"`
}

type LogConfig struct {
	Level string `envconfig:"LAMP_LOG_LEVEL" default:"info"`
	File  string `envconfig:"LAMP_LOG_FILE" default:""`
}

// Load reads configuration from the environment. Validation failures are
// startup-fatal: the process must not serve half-configured.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, errors.Wrap(err, "process env config")
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Jobs.MaxRetry < 0 {
		return errors.New("LAMP_TASK_RETRY_MAX_COUNT must be >= 0")
	}
	if c.Presence.Staleness <= 0 {
		return errors.New("LAMP_PRESENCE_STALENESS must be > 0")
	}
	if c.API.Enabled && c.API.JWTSecret == "" {
		return errors.New("LAMP_API_JWT_SECRET is required when the API is enabled")
	}
	return nil
}
