package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/benmeehan/ota-agent/internal/logger"
	"github.com/benmeehan/ota-agent/internal/utils"
	"github.com/benmeehan/ota-agent/pkg/file"
	"github.com/benmeehan/ota-agent/pkg/identity"
)

var configFile string

func main() {
	var rootCmd = &cobra.Command{
		Use:           "ota-agent",
		Short:         "Checks for, downloads and applies A/B system updates.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/config.yaml", "path to the configuration file")

	// Add commands
	rootCmd.AddCommand(NewRunCommand())
	rootCmd.AddCommand(NewCheckCommand())
	rootCmd.AddCommand(NewInspectCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup loads the configuration, the root logger and the device identity.
func setup() (*utils.Config, file.FileOperations, identity.DeviceInfoInterface, zerolog.Logger, error) {
	fileClient := file.NewFileService()

	config, err := utils.LoadConfig(configFile, fileClient)
	if err != nil {
		return nil, nil, nil, zerolog.Nop(), fmt.Errorf("failed to load configuration: %w", err)
	}

	log := logger.New(logger.Options{
		Level:      config.Log.Level,
		File:       config.Log.File,
		MaxSizeMB:  config.Log.MaxSizeMB,
		MaxBackups: config.Log.MaxBackups,
		MaxAgeDays: config.Log.MaxAgeDays,
		Compress:   config.Log.Compress,
	})

	deviceInfo := identity.NewDeviceInfo(config.Identity.PropertyFiles, fileClient)
	if err := deviceInfo.LoadDeviceInfo(); err != nil {
		log.Error().Err(err).Msg("Failed to load device information")
		return nil, nil, nil, log, err
	}
	log = log.With().Str("device_id", deviceInfo.GetDeviceID()).Logger()

	return config, fileClient, deviceInfo, log, nil
}
