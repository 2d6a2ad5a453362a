// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Roomcast Contributors

package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roomcast/roomcast/internal/config"
	"github.com/roomcast/roomcast/internal/xdg"
)

// NewRootCmd creates the root command for the roomcast CLI. Every
// configuration key is a persistent flag so subcommands share one layering.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "roomcast",
		Short: "Roomcast - real-time presence and room broadcast",
		Long: `Roomcast keeps WebSocket clients informed about who is online,
who is in which room and who is typing, across every instance that shares
the same Redis.`,
		SilenceUsage: true,
	}

	config.RegisterFlags(cmd.PersistentFlags())

	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewMigrateCmd())
	cmd.AddCommand(NewStatusCmd())
	cmd.AddCommand(NewConfigCmd())

	return cmd
}

// defaultConfigPath returns the XDG config file, or "" when no home
// directory can be determined.
func defaultConfigPath() string {
	path, err := xdg.ConfigFile()
	if err != nil {
		slog.Debug("no default config path", "error", err)
		return ""
	}
	return path
}

// resolveConfig layers file, flags and environment without validating.
func resolveConfig(cmd *cobra.Command) (*config.Config, error) {
	return config.Resolve(cmd.Flags(), defaultConfigPath())
}

// loadConfig resolves and validates the configuration.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	return config.Load(cmd.Flags(), defaultConfigPath())
}
