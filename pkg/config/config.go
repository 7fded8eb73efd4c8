package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds conductor runtime settings.
type Config struct {
	// Hostname identifies this conductor in the registry and in node
	// reservations. Defaults to the OS hostname.
	Hostname string `mapstructure:"hostname"`

	// ConductorGroup restricts this conductor to nodes in the same group.
	// Empty means the default group.
	ConductorGroup string `mapstructure:"conductor_group"`

	// DataDir is where the bbolt database lives.
	DataDir string `mapstructure:"data_dir"`

	// HealthAddr is the listen address for health and metrics endpoints.
	HealthAddr string `mapstructure:"health_addr"`

	// WorkerPoolSize bounds the number of concurrent background tasks.
	WorkerPoolSize int `mapstructure:"worker_pool_size"`

	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	ConductorTimeout  time.Duration `mapstructure:"conductor_timeout"`

	// Wait-state timeouts. Zero disables the corresponding sweep.
	DeployCallbackTimeout time.Duration `mapstructure:"deploy_callback_timeout"`
	CleanCallbackTimeout  time.Duration `mapstructure:"clean_callback_timeout"`
	RescueCallbackTimeout time.Duration `mapstructure:"rescue_callback_timeout"`
	SweepInterval         time.Duration `mapstructure:"sweep_interval"`

	// Lock retry behavior when a node is reserved by another operation.
	NodeLockedRetryAttempts int           `mapstructure:"node_locked_retry_attempts"`
	NodeLockedRetryInterval time.Duration `mapstructure:"node_locked_retry_interval"`

	FastTrack        bool          `mapstructure:"fast_track"`
	FastTrackTimeout time.Duration `mapstructure:"fast_track_timeout"`

	MetricsInterval time.Duration `mapstructure:"metrics_interval"`

	Image ImageConfig `mapstructure:"image"`
}

// ImageConfig holds Glance and Swift settings for the image service.
type ImageConfig struct {
	AuthURL     string `mapstructure:"auth_url"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	ProjectName string `mapstructure:"project_name"`
	DomainName  string `mapstructure:"domain_name"`
	Region      string `mapstructure:"region"`

	// SwiftTempURLKey signs temporary object URLs handed to the ramdisk.
	SwiftTempURLKey      string        `mapstructure:"swift_temp_url_key"`
	SwiftTempURLDuration time.Duration `mapstructure:"swift_temp_url_duration"`
	SwiftContainer       string        `mapstructure:"swift_container"`

	DownloadRetries       int           `mapstructure:"download_retries"`
	DownloadRetryInterval time.Duration `mapstructure:"download_retry_interval"`
}

func setDefaults(v *viper.Viper) {
	hostname, _ := os.Hostname()
	v.SetDefault("hostname", hostname)
	v.SetDefault("conductor_group", "")
	v.SetDefault("data_dir", "/var/lib/ferrum")
	v.SetDefault("health_addr", ":8080")
	v.SetDefault("worker_pool_size", 100)
	v.SetDefault("heartbeat_interval", 10*time.Second)
	v.SetDefault("conductor_timeout", 60*time.Second)
	v.SetDefault("deploy_callback_timeout", 30*time.Minute)
	v.SetDefault("clean_callback_timeout", 30*time.Minute)
	v.SetDefault("rescue_callback_timeout", 10*time.Minute)
	v.SetDefault("sweep_interval", 60*time.Second)
	v.SetDefault("node_locked_retry_attempts", 3)
	v.SetDefault("node_locked_retry_interval", time.Second)
	v.SetDefault("fast_track", false)
	v.SetDefault("fast_track_timeout", 5*time.Minute)
	v.SetDefault("metrics_interval", 30*time.Second)
	v.SetDefault("image.swift_temp_url_duration", 20*time.Minute)
	v.SetDefault("image.download_retries", 2)
	v.SetDefault("image.download_retry_interval", 5*time.Second)
}

// Load reads configuration from defaults, an optional YAML file, and
// FERRUM_* environment variables, in increasing precedence.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("FERRUM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(*os.PathError); !ok {
				return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Hostname == "" {
		return fmt.Errorf("hostname must not be empty")
	}
	if c.WorkerPoolSize < 1 {
		return fmt.Errorf("worker_pool_size must be at least 1")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat_interval must be positive")
	}
	if c.ConductorTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("conductor_timeout must be greater than heartbeat_interval")
	}
	if c.NodeLockedRetryAttempts < 1 {
		return fmt.Errorf("node_locked_retry_attempts must be at least 1")
	}
	return nil
}
