package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/benmeehan/ota-agent/internal/constants"
	"github.com/benmeehan/ota-agent/internal/service_registry"
)

func NewCheckCommand() *cobra.Command {
	var channel string

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Run a single update cycle in the foreground.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			config, fileClient, deviceInfo, log, err := setup()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			serviceRegistry := service_registry.NewServiceRegistry(nil, fileClient, nil, log)
			updateService, err := serviceRegistry.NewUpdateService(config, deviceInfo)
			if err != nil {
				return err
			}
			if channel != "" {
				if err := updateService.SetChannel(channel); err != nil {
					return err
				}
			}

			outcome, err := updateService.RunCycle(ctx)
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", outcome)
			if err != nil {
				return err
			}
			if outcome == constants.OutcomeApplied {
				fmt.Fprintln(cmd.OutOrStdout(), "Reboot to finish the update.")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&channel, "channel", "", "switch to this update channel before checking")
	return cmd
}
