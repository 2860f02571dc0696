// Package config loads windusb settings from defaults, an optional YAML
// file, WINDUSB_* environment variables and bound command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	units "github.com/docker/go-units"
	"github.com/spf13/viper"

	"github.com/Broly1/windusb"
	"github.com/Broly1/windusb/disktool"
	"github.com/Broly1/windusb/flash"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "WINDUSB"

// fat32Limit is the largest file FAT32 can hold.
const fat32Limit = 4096 * units.MiB

// LogConfig configures logrus.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// Config holds all application configuration.
type Config struct {
	SevenZip string `mapstructure:"seven_zip"`
	Wimlib   string `mapstructure:"wimlib"`

	// Sizes accept human units ("3400MiB", "10MB").
	SplitChunk     string `mapstructure:"split_chunk"`
	DirtyThreshold string `mapstructure:"dirty_threshold"`

	SettleDelay   time.Duration `mapstructure:"settle_delay"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`

	MountPrefix     string `mapstructure:"mount_prefix"`
	ProcRoot        string `mapstructure:"proc_root"`
	LockFile        string `mapstructure:"lock_file"`
	MetricsTextfile string `mapstructure:"metrics_textfile"`

	// KillOwnGroup makes the exit cleanup SIGKILL the whole process group.
	KillOwnGroup bool `mapstructure:"kill_own_group"`

	Log LogConfig `mapstructure:"log"`
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("seven_zip", disktool.SevenZipPath(os.Getenv("APPDIR")))
	v.SetDefault("wimlib", "wimlib-imagex")
	v.SetDefault("split_chunk", "3400MiB")
	v.SetDefault("dirty_threshold", "10MiB")
	v.SetDefault("settle_delay", 2*time.Second)
	v.SetDefault("poll_interval", 500*time.Millisecond)
	v.SetDefault("flush_interval", 200*time.Millisecond)
	v.SetDefault("mount_prefix", windusb.DefaultMountPrefix)
	v.SetDefault("proc_root", "/proc")
	v.SetDefault("lock_file", "/run/lock/windusb.lock")
	v.SetDefault("metrics_textfile", "")
	v.SetDefault("kill_own_group", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.file", "")
}

// Load reads configuration into a Config. cfgFile may be empty, in which
// case the standard locations are searched and a missing file is fine.
func Load(v *viper.Viper, cfgFile string) (*Config, error) {
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/windusb")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "windusb"))
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	chunk, err := units.RAMInBytes(c.SplitChunk)
	if err != nil {
		return fmt.Errorf("split_chunk: %w", err)
	}
	if chunk < units.MiB || chunk >= fat32Limit {
		return fmt.Errorf("split_chunk must be between 1MiB and 4096MiB, got %s", c.SplitChunk)
	}
	dirty, err := units.RAMInBytes(c.DirtyThreshold)
	if err != nil {
		return fmt.Errorf("dirty_threshold: %w", err)
	}
	if dirty <= 0 {
		return fmt.Errorf("dirty_threshold must be positive")
	}
	if c.SettleDelay < 0 {
		return fmt.Errorf("settle_delay must be non-negative")
	}
	if c.PollInterval <= 0 || c.FlushInterval <= 0 {
		return fmt.Errorf("poll_interval and flush_interval must be positive")
	}
	if c.MountPrefix == "" || !filepath.IsAbs(c.MountPrefix) {
		return fmt.Errorf("mount_prefix must be an absolute path prefix")
	}
	if c.SevenZip == "" || c.Wimlib == "" {
		return fmt.Errorf("seven_zip and wimlib cannot be empty")
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("log.format must be json or text, got %q", c.Log.Format)
	}
	return nil
}

// Flash converts the settings into a controller configuration.
// Call Validate first.
func (c *Config) Flash() flash.Config {
	chunk, _ := units.RAMInBytes(c.SplitChunk)
	dirty, _ := units.RAMInBytes(c.DirtyThreshold)
	return flash.Config{
		SplitChunkMB:   int(chunk / units.MiB),
		SettleDelay:    c.SettleDelay,
		PollInterval:   c.PollInterval,
		FlushInterval:  c.FlushInterval,
		DirtyThreshold: uint64(dirty),
		MountPrefix:    c.MountPrefix,
	}
}

// DiskTool converts the settings into tool client options.
func (c *Config) DiskTool() disktool.Options {
	return disktool.Options{
		SevenZip: c.SevenZip,
		Wimlib:   c.Wimlib,
		ProcRoot: c.ProcRoot,
	}
}
