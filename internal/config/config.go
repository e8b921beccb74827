package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all process configuration.
type Config struct {
	App      AppConfig
	Database DatabaseConfig
	Log      LogConfig
	Redis    RedisConfig
	Sweep    SweepConfig
	Blob     BlobConfig
	Ops      OpsConfig
}

// AppConfig holds application identity settings.
type AppConfig struct {
	Name string
	Env  string
}

// DatabaseConfig holds Postgres pool settings.
type DatabaseConfig struct {
	URL      string
	MaxConns int32
	MinConns int32
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Output string // stdout, stderr, or file path
}

// RedisConfig holds the connection used for the sweep lock.
type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
}

// SweepConfig controls the periodic batch jobs.
type SweepConfig struct {
	Enabled       bool
	Interval      time.Duration
	BatchSize     int
	LockTTL       time.Duration
	FollowUpTasks bool
}

// BlobConfig selects where document content is stored.
type BlobConfig struct {
	Driver      string // memory, s3
	S3Bucket    string
	S3Region    string
	S3Endpoint  string
	S3PathStyle bool

	// Static credentials; when empty the default AWS chain is used.
	S3AccessKeyID     string
	S3SecretAccessKey string
}

// OpsConfig holds the health/metrics listener.
type OpsConfig struct {
	Addr string
}

// Load reads .env (if present), an optional config.toml, and LAND_* environment variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/land-office")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("LAND")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// DATABASE_URL predates the LAND_ prefix and is still what deployments set.
	_ = v.BindEnv("database.url", "LAND_DATABASE_URL", "DATABASE_URL")

	cfg := fromViper(v)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "land-office")
	v.SetDefault("app.env", "development")

	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 1)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output", "stdout")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("sweep.enabled", true)
	v.SetDefault("sweep.interval", time.Hour)
	v.SetDefault("sweep.batch_size", 100)
	v.SetDefault("sweep.lock_ttl", 10*time.Minute)
	v.SetDefault("sweep.follow_up_tasks", true)

	v.SetDefault("blob.driver", "memory")
	v.SetDefault("blob.s3_region", "us-east-1")

	v.SetDefault("ops.addr", ":9090")
}

func fromViper(v *viper.Viper) *Config {
	return &Config{
		App: AppConfig{
			Name: v.GetString("app.name"),
			Env:  v.GetString("app.env"),
		},
		Database: DatabaseConfig{
			URL:      v.GetString("database.url"),
			MaxConns: v.GetInt32("database.max_conns"),
			MinConns: v.GetInt32("database.min_conns"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		Redis: RedisConfig{
			Enabled:  v.GetBool("redis.enabled"),
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Sweep: SweepConfig{
			Enabled:       v.GetBool("sweep.enabled"),
			Interval:      v.GetDuration("sweep.interval"),
			BatchSize:     v.GetInt("sweep.batch_size"),
			LockTTL:       v.GetDuration("sweep.lock_ttl"),
			FollowUpTasks: v.GetBool("sweep.follow_up_tasks"),
		},
		Blob: BlobConfig{
			Driver:      strings.ToLower(v.GetString("blob.driver")),
			S3Bucket:    v.GetString("blob.s3_bucket"),
			S3Region:    v.GetString("blob.s3_region"),
			S3Endpoint:  v.GetString("blob.s3_endpoint"),
			S3PathStyle: v.GetBool("blob.s3_path_style"),

			S3AccessKeyID:     v.GetString("blob.s3_access_key_id"),
			S3SecretAccessKey: v.GetString("blob.s3_secret_access_key"),
		},
		Ops: OpsConfig{
			Addr: v.GetString("ops.addr"),
		},
	}
}

// Validate checks the settings the process cannot start without.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database url is required (set DATABASE_URL or LAND_DATABASE_URL)")
	}
	if c.Database.MaxConns < 1 {
		return fmt.Errorf("database max_conns must be positive, got %d", c.Database.MaxConns)
	}
	if c.Sweep.BatchSize < 1 {
		return fmt.Errorf("sweep batch_size must be positive, got %d", c.Sweep.BatchSize)
	}
	if c.Sweep.Interval <= 0 {
		return fmt.Errorf("sweep interval must be positive, got %s", c.Sweep.Interval)
	}
	switch c.Blob.Driver {
	case "memory":
	case "s3":
		if c.Blob.S3Bucket == "" {
			return fmt.Errorf("blob s3_bucket is required for the s3 driver")
		}
	default:
		return fmt.Errorf("unknown blob driver %q", c.Blob.Driver)
	}
	return nil
}

// IsProduction reports whether the app runs with production defaults.
func (c *Config) IsProduction() bool {
	return c.App.Env == "production"
}
