package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/deploymenttheory/go-fwdl/internal/device"
)

var (
	// Global output flags
	verbose      bool
	quiet        bool
	outputFormat string
	logFormat    string

	// Device selection
	configFile string
	imagePath  string

	// Resolved in PersistentPreRunE
	cfg    *device.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "fwdl",
	Short: "Flash image streaming, redaction and partition flashing service",
	Long: `fwdl serves the flash of an ESP32-style device image over HTTP.

It streams the whole flash, single partitions or the bootloader as
downloads, blanks sensitive partitions in secure dumps, accepts firmware
uploads into the inactive application slot and clones the running image
into the other slot.

Commands:
  serve       Run the HTTP download/upload service
  partitions  Show the partition map
  dump        Write a flash range to a file
  clone       Copy the running application into another slot
  activate    Point the next boot at an application partition
  mkimage     Create an empty flash image with a partition table
  digest      Print the BLAKE3 digest of a partition or range`,
	Version:       "0.1.0-dev",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initConfig(cmd)
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress output except errors")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "output format (table, json, yaml)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default: fwdl-config.yaml in the search path)")
	rootCmd.PersistentFlags().StringVarP(&imagePath, "image", "i", "", "flash image file")
}

// initConfig loads the configuration and builds the logger
func initConfig(cmd *cobra.Command) error {
	v := viper.New()
	if err := v.BindPFlag("image_path", cmd.Flags().Lookup("image")); err != nil {
		return fmt.Errorf("failed to bind image flag: %w", err)
	}
	if f := cmd.Flags().Lookup("listen"); f != nil {
		if err := v.BindPFlag("listen_address", f); err != nil {
			return fmt.Errorf("failed to bind listen flag: %w", err)
		}
	}

	loaded, err := device.LoadConfig(v, configFile)
	if err != nil {
		return err
	}
	cfg = loaded

	lg, err := newLogger(os.Stderr, logFormat, verbose, quiet)
	if err != nil {
		return err
	}
	logger = lg
	slog.SetDefault(logger)

	if used := v.ConfigFileUsed(); used != "" {
		logger.Debug("loaded config", "file", used)
	}
	return nil
}
