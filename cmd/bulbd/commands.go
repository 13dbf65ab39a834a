package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dokzlo13/bulbd/internal/app"
	"github.com/dokzlo13/bulbd/internal/device"
	"github.com/dokzlo13/bulbd/internal/group"
	"github.com/dokzlo13/bulbd/internal/lights"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the command environment and exit",
	Long:  `Checks the interpreter version, required packages and that every light command script exists.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		commands := app.NewCommandService(cfg)
		defer commands.Close(context.Background())

		if err := commands.Check(cmd.Context()); err != nil {
			return fmt.Errorf("environment check failed: %w", err)
		}
		log.Info().Str("dir", cfg.Commands.Dir).Msg("Environment check passed")
		return nil
	},
}

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Run discovery once and print the found lights as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		commands := app.NewCommandService(cfg)
		defer commands.Close(context.Background())

		devices := device.NewRegistry()
		svc := lights.NewService(commands.Pool, devices, group.New(devices),
			lights.WithDiscoveryOptions(commands.DiscoveryOptions()...),
		)

		res, err := svc.Discover(lights.WithSource(cmd.Context(), "cli"))
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
		if !res.Success {
			return fmt.Errorf("discovery reported failure")
		}
		return nil
	},
}
