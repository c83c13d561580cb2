package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "POSTFLOW"

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Log        LogConfig        `mapstructure:"log"`
	Scanner    ScannerConfig    `mapstructure:"scanner"`
	Executor   ExecutorConfig   `mapstructure:"executor"`
	Transfer   TransferConfig   `mapstructure:"transfer"`
	Automation AutomationConfig `mapstructure:"automation"`
	Device     DeviceConfig     `mapstructure:"device"`
	Cleanup    CleanupConfig    `mapstructure:"cleanup"`
	Notify     NotifyConfig     `mapstructure:"notify"`
}

type ServerConfig struct {
	Addr        string   `mapstructure:"addr" validate:"required"`
	Debug       bool     `mapstructure:"debug"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path" validate:"required"`
}

type LogConfig struct {
	Level   string `mapstructure:"level" validate:"oneof=trace debug info warn error fatal"`
	Console bool   `mapstructure:"console"`
}

type ScannerConfig struct {
	Interval time.Duration `mapstructure:"interval" validate:"gte=1s"`
}

type ExecutorConfig struct {
	MaxRetries int           `mapstructure:"max_retries" validate:"gte=1"`
	RetryDelay time.Duration `mapstructure:"retry_delay" validate:"gte=0"`
	Timeout    time.Duration `mapstructure:"timeout" validate:"gt=0"`
	KillGrace  time.Duration `mapstructure:"kill_grace" validate:"gte=0"`
}

type TransferConfig struct {
	Concurrency int `mapstructure:"concurrency" validate:"gte=1"`
}

type AutomationConfig struct {
	Concurrency int `mapstructure:"concurrency" validate:"gte=1"`
	Workers     int `mapstructure:"workers" validate:"gte=1"`
}

type DeviceConfig struct {
	ADBPath           string        `mapstructure:"adb_path" validate:"required"`
	UploadDir         string        `mapstructure:"upload_dir" validate:"required"`
	Timezone          string        `mapstructure:"timezone" validate:"omitempty,timezone"`
	AutomationCommand string        `mapstructure:"automation_command"`
	StepDelay         time.Duration `mapstructure:"step_delay" validate:"gte=0"`
}

type CleanupConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Interval        time.Duration `mapstructure:"interval" validate:"gte=1s"`
	ExpirationHours int           `mapstructure:"expiration_hours" validate:"gte=1"`
}

type NotifyConfig struct {
	WebhookURL string        `mapstructure:"webhook_url" validate:"omitempty,url"`
	Timeout    time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.debug", false)
	v.SetDefault("server.cors_origins", []string{})
	v.SetDefault("database.path", "postflow.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.console", true)
	v.SetDefault("scanner.interval", 30*time.Second)
	v.SetDefault("executor.max_retries", 3)
	v.SetDefault("executor.retry_delay", 2*time.Second)
	v.SetDefault("executor.timeout", 300*time.Second)
	v.SetDefault("executor.kill_grace", 5*time.Second)
	v.SetDefault("transfer.concurrency", 5)
	v.SetDefault("automation.concurrency", 5)
	v.SetDefault("automation.workers", 5)
	v.SetDefault("device.adb_path", "adb")
	v.SetDefault("device.upload_dir", "uploads")
	v.SetDefault("device.timezone", "")
	v.SetDefault("device.automation_command", "autopost")
	v.SetDefault("device.step_delay", 500*time.Millisecond)
	v.SetDefault("cleanup.enabled", true)
	v.SetDefault("cleanup.interval", time.Hour)
	v.SetDefault("cleanup.expiration_hours", 72)
	v.SetDefault("notify.webhook_url", "")
	v.SetDefault("notify.timeout", 10*time.Second)
}

// Load reads defaults, then the optional config file, then a .env file in the
// working directory, then POSTFLOW_* environment variables, later sources
// winning. An empty path skips the config file.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Expiration is how long after its time a finished task is kept.
func (c CleanupConfig) Expiration() time.Duration {
	return time.Duration(c.ExpirationHours) * time.Hour
}
