package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "PAIRSIGHT"
	defaultHTTPAddress  = "127.0.0.1:7430"
	defaultDatabasePath = "pairsight.db"
	defaultLogLevel     = "info"

	defaultLinesThreshold = 25
	defaultFilesThreshold = 5
	defaultMaxFileBytes   = 512 * 1024
	defaultIdleDelay      = 30 * time.Second
	defaultPollInterval   = time.Minute
	defaultWindow         = 5 * time.Minute
	defaultMinActivity    = 2
	defaultMaxActivity    = 50
	defaultCooldown       = time.Hour
)

// AppConfig captures runtime configuration for the agent.
type AppConfig struct {
	HTTPAddress   string
	DatabasePath  string
	WorkspaceRoot string
	LogLevel      string
	UserID        string

	LinesThreshold int
	FilesThreshold int
	MaxFileBytes   int64
	IdleDelay      time.Duration

	PollInterval     time.Duration
	ActivityWindow   time.Duration
	MinActivity      int
	MaxActivity      int
	NotifyCooldown   time.Duration
	CooldownDisabled bool
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("workspace.root", ".")
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("user.id", "")

	configViper.SetDefault("snapshot.lines_threshold", defaultLinesThreshold)
	configViper.SetDefault("snapshot.files_threshold", defaultFilesThreshold)
	configViper.SetDefault("snapshot.max_file_bytes", defaultMaxFileBytes)
	configViper.SetDefault("idle.delay", defaultIdleDelay)

	configViper.SetDefault("activity.poll_interval", defaultPollInterval)
	configViper.SetDefault("activity.window", defaultWindow)
	configViper.SetDefault("activity.min_threshold", defaultMinActivity)
	configViper.SetDefault("activity.max_threshold", defaultMaxActivity)
	configViper.SetDefault("activity.cooldown", defaultCooldown)
	configViper.SetDefault("activity.cooldown_disabled", false)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:   configViper.GetString("http.address"),
		DatabasePath:  configViper.GetString("database.path"),
		WorkspaceRoot: configViper.GetString("workspace.root"),
		LogLevel:      configViper.GetString("log.level"),
		UserID:        strings.TrimSpace(configViper.GetString("user.id")),

		LinesThreshold: configViper.GetInt("snapshot.lines_threshold"),
		FilesThreshold: configViper.GetInt("snapshot.files_threshold"),
		MaxFileBytes:   configViper.GetInt64("snapshot.max_file_bytes"),
		IdleDelay:      configViper.GetDuration("idle.delay"),

		PollInterval:     configViper.GetDuration("activity.poll_interval"),
		ActivityWindow:   configViper.GetDuration("activity.window"),
		MinActivity:      configViper.GetInt("activity.min_threshold"),
		MaxActivity:      configViper.GetInt("activity.max_threshold"),
		NotifyCooldown:   configViper.GetDuration("activity.cooldown"),
		CooldownDisabled: configViper.GetBool("activity.cooldown_disabled"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.WorkspaceRoot) == "" {
		return fmt.Errorf("workspace.root is required")
	}
	if c.LinesThreshold <= 0 {
		return fmt.Errorf("snapshot.lines_threshold must be positive")
	}
	if c.FilesThreshold <= 0 {
		return fmt.Errorf("snapshot.files_threshold must be positive")
	}
	if c.IdleDelay <= 0 {
		return fmt.Errorf("idle.delay must be positive")
	}
	if c.ActivityWindow <= 0 {
		return fmt.Errorf("activity.window must be positive")
	}
	if c.MinActivity <= 0 || c.MaxActivity < c.MinActivity {
		return fmt.Errorf("activity thresholds must satisfy 0 < min <= max")
	}
	return nil
}
