// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Roomcast Contributors

package main

import (
	"os"
	"path/filepath"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/roomcast/roomcast/internal/config"
	"github.com/roomcast/roomcast/internal/xdg"
)

// NewConfigCmd creates the config subcommand.
func NewConfigCmd() *cobra.Command {
	var (
		write  bool
		output string
		force  bool
	)

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long: `Print the configuration serve would run with, after layering the
config file, flags and environment, with secrets redacted. Problems that
would stop serve are listed after the document.

With --write the configuration is saved without its secrets, which are then
expected from the environment.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}

			if write {
				return writeConfig(cmd, *cfg, output, force)
			}

			out, err := cfg.Redacted().YAML()
			if err != nil {
				return err
			}
			cmd.Print(string(out))

			if err := cfg.Validate(); err != nil {
				cmd.PrintErrln("configuration is invalid:")
				if o, ok := oops.AsOops(err); ok {
					if problems, ok := o.Context()["problems"].([]string); ok {
						for _, p := range problems {
							cmd.PrintErrln("  - " + p)
						}
					}
				}
				return err
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&write, "write", false, "save the configuration instead of printing it")
	cmd.Flags().StringVar(&output, "output", "", "file written by --write (default $XDG_CONFIG_HOME/roomcast/config.yaml)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	return cmd
}

// writeConfig saves cfg without secrets. An empty path means the XDG file.
func writeConfig(cmd *cobra.Command, cfg config.Config, path string, force bool) error {
	if path == "" {
		p, err := xdg.ConfigFile()
		if err != nil {
			return err
		}
		path = p
	}
	if _, err := os.Stat(path); err == nil && !force {
		return oops.Code("CONFIG_EXISTS").With("path", path).Errorf("%s exists; pass --force to overwrite", path)
	}

	cfg.Redis.Password = ""
	cfg.Auth.JWTSecret = ""
	cfg.Push.Secret = ""
	cfg.Database.URL = ""
	out, err := cfg.YAML()
	if err != nil {
		return err
	}

	if err := xdg.EnsureDir(filepath.Dir(path)); err != nil {
		return err
	}
	if err := os.WriteFile(path, out, 0o600); err != nil {
		return oops.Code("CONFIG_WRITE_FAILED").With("path", path).Wrap(err)
	}
	cmd.Printf("Wrote %s\n", path)
	return nil
}
