package device

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/deploymenttheory/go-fwdl/internal/types"
)

// Config holds device and service configuration
type Config struct {
	ImagePath            string        `mapstructure:"image_path"`
	ReadOnly             bool          `mapstructure:"read_only"`
	ListenAddress        string        `mapstructure:"listen_address"`
	ChunkSize            int           `mapstructure:"chunk_size"`
	PartitionTableOffset uint32        `mapstructure:"partition_table_offset"`
	BootloaderOffset     uint32        `mapstructure:"bootloader_offset"`
	BootloaderSize       uint32        `mapstructure:"bootloader_size"`
	RestartDelay         time.Duration `mapstructure:"restart_delay"`
	YieldEvery           int           `mapstructure:"yield_every"`
	RedactUserData       bool          `mapstructure:"redact_user_data"`
	RedactLabels         []string      `mapstructure:"redact_labels"`
	DumpEndpoint         string        `mapstructure:"dump_endpoint"`
	DumpFilename         string        `mapstructure:"dump_filename"`
}

// SetDefaults registers the default values on v
func SetDefaults(v *viper.Viper) {
	v.SetDefault("image_path", "flash.bin")
	v.SetDefault("read_only", false)
	v.SetDefault("listen_address", ":8080")
	v.SetDefault("chunk_size", 4096)
	v.SetDefault("partition_table_offset", types.PartitionTableOffset)
	v.SetDefault("bootloader_offset", types.BootloaderOffset)
	v.SetDefault("bootloader_size", types.BootloaderSize)
	v.SetDefault("restart_delay", 2*time.Second)
	v.SetDefault("yield_every", 16)
	v.SetDefault("redact_user_data", false)
	v.SetDefault("redact_labels", []string{"nvs", "spiffs", "littlefs"})
	v.SetDefault("dump_endpoint", "/dumpflash")
	v.SetDefault("dump_filename", "fullclone.bin")
}

// LoadConfig loads configuration using Viper. An explicit configFile takes
// precedence over the search path.
func LoadConfig(v *viper.Viper, configFile string) (*Config, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("fwdl-config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("$HOME/.fwdl")
		v.AddConfigPath("/etc/fwdl")
	}

	SetDefaults(v)

	// Allow environment variables
	v.SetEnvPrefix("FWDL")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || configFile != "" {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate checks the values that would otherwise fail deep inside a request
func (c *Config) Validate() error {
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk_size must be positive, got %d", c.ChunkSize)
	}
	if c.YieldEvery <= 0 {
		return fmt.Errorf("yield_every must be positive, got %d", c.YieldEvery)
	}
	if c.RestartDelay < 0 {
		return fmt.Errorf("restart_delay cannot be negative")
	}
	if c.DumpFilename == "" {
		return fmt.Errorf("dump_filename cannot be empty")
	}
	return nil
}
