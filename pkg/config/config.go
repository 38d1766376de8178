// Package config provides centralized configuration for the fleetd daemon.
//
// Configuration is read from environment variables at startup. Every option
// has a sensible default; only the cloud template (image, subnet, security
// group) and the PlayFab secret must be provided by the operator.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Config holds all configuration for the fleetd daemon.
type Config struct {
	// Server configuration
	Server ServerConfig

	// Fleet sizing and reconcile policy
	Fleet FleetConfig

	// Worker agent configuration
	Worker WorkerConfig

	// Cloud credentials and VM template
	Cloud CloudConfig

	// Logging configuration
	Log LogConfig
}

// ServerConfig holds the HTTP API settings.
type ServerConfig struct {
	// Port is the HTTP listen port.
	Port int

	// PlayfabSecretKey is passed through to every start-match call.
	PlayfabSecretKey string
}

// FleetConfig holds fleet sizing and reconcile policy.
type FleetConfig struct {
	// FullMatchLimit is the advisory per-VM match capacity.
	FullMatchLimit int

	// MaxBackupVMs is the pool ceiling.
	MaxBackupVMs int

	// MinBackupVMs is the pool floor kept warm for fast match start.
	MinBackupVMs int

	// NearCapacityThreshold is the total-free-slots level at or below
	// which the reconciler launches another VM.
	NearCapacityThreshold int

	// UnreachableTerminateThreshold is how many consecutive failed probes
	// make a VM eligible for termination.
	UnreachableTerminateThreshold int

	// VMAgeTerminateAfter is the minimum age before a VM may be
	// terminated for being idle or unreachable.
	VMAgeTerminateAfter time.Duration

	// UpdateInterval is the reconciler period.
	UpdateInterval time.Duration

	// ProtectedIdleRotateAfter is how long the protected VM may go without
	// a successful probe before protection rotates to the oldest
	// non-protected VM.
	ProtectedIdleRotateAfter time.Duration

	// MatchRetention is how long a match record outlives its VM before the
	// reconciler purges it. Zero disables purging.
	MatchRetention time.Duration

	// LaunchMaxPoll is how many DescribeInstances polls a launch makes
	// before giving up and terminating the stuck instance.
	LaunchMaxPoll int
}

// WorkerConfig holds worker agent client settings.
type WorkerConfig struct {
	// Port is the port the worker agent listens on, on every VM.
	Port int

	// StatusTimeout bounds every status probe.
	StatusTimeout time.Duration

	// StartMatchTimeout bounds every start-match call.
	StartMatchTimeout time.Duration
}

// CloudConfig holds cloud credentials and the fixed VM launch template.
type CloudConfig struct {
	Region           string
	AccessKeyID      string
	SecretAccessKey  string
	ImageID          string
	InstanceType     string
	Zone             string
	SubnetID         string
	SecurityGroupIDs []string

	// InstanceNamePrefix names launched instances; the launcher appends a
	// monotonic timestamp suffix. The same value tags instances so
	// DescribeAll only sees this fleet.
	InstanceNamePrefix string
}

// LogConfig holds logging configuration.
type LogConfig struct {
	// Level is the log level: debug, info, warn, error.
	Level string

	// Format is the log format: text, json.
	Format string
}

// Default returns a Config with the documented defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 7777,
		},
		Fleet: FleetConfig{
			FullMatchLimit:                5,
			MaxBackupVMs:                  10,
			MinBackupVMs:                  1,
			NearCapacityThreshold:         1,
			UnreachableTerminateThreshold: 2,
			VMAgeTerminateAfter:           5 * time.Minute,
			UpdateInterval:                30 * time.Second,
			ProtectedIdleRotateAfter:      60 * time.Minute,
			MatchRetention:                60 * time.Minute,
			LaunchMaxPoll:                 40,
		},
		Worker: WorkerConfig{
			Port:              7777,
			StatusTimeout:     5 * time.Second,
			StartMatchTimeout: 15 * time.Second,
		},
		Cloud: CloudConfig{
			InstanceType:       "c5.large",
			InstanceNamePrefix: "match-server",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load returns the default configuration overridden from the environment.
func Load() *Config {
	cfg := Default()
	LoadFromEnv(cfg)
	return cfg
}

// LoadFromEnv applies environment variable overrides to cfg.
func LoadFromEnv(cfg *Config) {
	// Server
	loadEnvInt(&cfg.Server.Port, "PORT")
	loadEnvString(&cfg.Server.PlayfabSecretKey, "PLAYFAB_SECRET_KEY")

	// Fleet
	loadEnvInt(&cfg.Fleet.FullMatchLimit, "FULL_MATCH_LIMIT")
	loadEnvInt(&cfg.Fleet.MaxBackupVMs, "MAX_BACKUP_VMS")
	loadEnvInt(&cfg.Fleet.MinBackupVMs, "MIN_BACKUP_VMS")
	loadEnvInt(&cfg.Fleet.NearCapacityThreshold, "NEAR_CAPACITY_THRESHOLD")
	loadEnvInt(&cfg.Fleet.UnreachableTerminateThreshold, "VM_UNREACHABLE_TERMINATE_THRESHOLD")
	loadEnvMinutes(&cfg.Fleet.VMAgeTerminateAfter, "VM_AGE_TERMINATE_MINUTES")
	loadEnvMillis(&cfg.Fleet.UpdateInterval, "UPDATE_INTERVAL_MS")
	loadEnvMinutes(&cfg.Fleet.ProtectedIdleRotateAfter, "PROTECTED_IDLE_ROTATE_MINUTES")
	loadEnvMinutes(&cfg.Fleet.MatchRetention, "MATCH_RETENTION_MINUTES")
	loadEnvInt(&cfg.Fleet.LaunchMaxPoll, "LAUNCH_MAX_POLL")

	// Worker
	loadEnvInt(&cfg.Worker.Port, "WORKER_PORT")
	loadEnvMillis(&cfg.Worker.StatusTimeout, "STATUS_TIMEOUT_MS")

	// Cloud
	loadEnvString(&cfg.Cloud.Region, "AWS_REGION")
	loadEnvString(&cfg.Cloud.AccessKeyID, "AWS_ACCESS_KEY_ID")
	loadEnvString(&cfg.Cloud.SecretAccessKey, "AWS_SECRET_ACCESS_KEY")
	loadEnvString(&cfg.Cloud.ImageID, "VM_IMAGE_ID")
	loadEnvString(&cfg.Cloud.InstanceType, "VM_INSTANCE_TYPE")
	loadEnvString(&cfg.Cloud.Zone, "VM_ZONE")
	loadEnvString(&cfg.Cloud.SubnetID, "VM_SUBNET_ID")
	loadEnvStringSlice(&cfg.Cloud.SecurityGroupIDs, "VM_SECURITY_GROUP_IDS")
	loadEnvString(&cfg.Cloud.InstanceNamePrefix, "VM_NAME_PREFIX")

	// Logging
	loadEnvString(&cfg.Log.Level, "LOG_LEVEL")
	loadEnvString(&cfg.Log.Format, "LOG_FORMAT")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid PORT: %d", c.Server.Port)
	}
	if c.Fleet.FullMatchLimit < 1 {
		return fmt.Errorf("FULL_MATCH_LIMIT must be at least 1, got %d", c.Fleet.FullMatchLimit)
	}
	if c.Fleet.MinBackupVMs < 0 {
		return fmt.Errorf("MIN_BACKUP_VMS must not be negative, got %d", c.Fleet.MinBackupVMs)
	}
	if c.Fleet.MinBackupVMs > c.Fleet.MaxBackupVMs {
		return fmt.Errorf("MIN_BACKUP_VMS (%d) > MAX_BACKUP_VMS (%d)",
			c.Fleet.MinBackupVMs, c.Fleet.MaxBackupVMs)
	}
	if c.Fleet.UpdateInterval <= 0 {
		return fmt.Errorf("UPDATE_INTERVAL_MS must be positive")
	}
	if c.Fleet.LaunchMaxPoll < 1 {
		return fmt.Errorf("LAUNCH_MAX_POLL must be at least 1, got %d", c.Fleet.LaunchMaxPoll)
	}
	if c.Worker.StatusTimeout <= 0 {
		return fmt.Errorf("STATUS_TIMEOUT_MS must be positive")
	}

	if c.Cloud.Region == "" {
		return fmt.Errorf("AWS_REGION is required")
	}
	if c.Cloud.ImageID == "" {
		return fmt.Errorf("VM_IMAGE_ID is required")
	}
	if c.Cloud.SubnetID == "" {
		return fmt.Errorf("VM_SUBNET_ID is required")
	}
	if len(c.Cloud.SecurityGroupIDs) == 0 {
		return fmt.Errorf("VM_SECURITY_GROUP_IDS is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	return nil
}

// ApplyToLogger applies logging configuration.
func (c *Config) ApplyToLogger(log *logrus.Logger) {
	switch c.Log.Level {
	case "debug":
		log.SetLevel(logrus.DebugLevel)
	case "info":
		log.SetLevel(logrus.InfoLevel)
	case "warn":
		log.SetLevel(logrus.WarnLevel)
	case "error":
		log.SetLevel(logrus.ErrorLevel)
	default:
		log.SetLevel(logrus.InfoLevel)
	}

	switch c.Log.Format {
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	default:
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

func loadEnvString(target *string, key string) {
	if val := os.Getenv(key); val != "" {
		*target = val
	}
}

func loadEnvStringSlice(target *[]string, key string) {
	if val := os.Getenv(key); val != "" {
		var out []string
		for _, part := range strings.Split(val, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		*target = out
	}
}

func loadEnvInt(target *int, key string) {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			*target = i
		}
	}
}

func loadEnvMillis(target *time.Duration, key string) {
	if val := os.Getenv(key); val != "" {
		if ms, err := strconv.Atoi(val); err == nil {
			*target = time.Duration(ms) * time.Millisecond
		}
	}
}

func loadEnvMinutes(target *time.Duration, key string) {
	if val := os.Getenv(key); val != "" {
		if m, err := strconv.Atoi(val); err == nil {
			*target = time.Duration(m) * time.Minute
		}
	}
}
