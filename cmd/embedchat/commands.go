// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"github.com/spf13/cobra"

	"github.com/AleutianAI/embedchat/pkg/logging"
	"github.com/AleutianAI/embedchat/services/gateway/config"
	"github.com/AleutianAI/embedchat/services/gateway/handlers"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// cliOptions holds the persistent flags.
type cliOptions struct {
	configPath string

	// lookup reads the environment; tests replace it.
	lookup config.LookupFunc
}

func newRootCmd() *cobra.Command {
	return newRootCmdWithEnv(nil)
}

// newRootCmdWithEnv builds the command tree. A nil lookup uses the process
// environment.
func newRootCmdWithEnv(lookup config.LookupFunc) *cobra.Command {
	opts := &cliOptions{lookup: lookup}

	rootCmd := &cobra.Command{
		Use:   "embedchat",
		Short: "Identity-aware streaming gateway for the embedded chat assistant",
		Long: `embedchat resolves every caller to a verified identity, seals it into a
short-lived signed assertion, and relays model replies to the browser widget
over Server-Sent Events or a WebSocket.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "",
		"path to the YAML config file (environment variables override it)")

	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Issue and inspect identity assertions",
	}
	tokenCmd.AddCommand(newTokenIssueCmd(opts), newTokenVerifyCmd(opts))

	rootCmd.AddCommand(newServeCmd(opts), tokenCmd, newConfigCmd(opts))
	return rootCmd
}

// load reads the configuration named by --config.
func (o *cliOptions) load() (*config.Config, error) {
	if o.lookup != nil {
		return config.LoadWithEnv(o.configPath, o.lookup)
	}
	return config.Load(o.configPath)
}

// newLogger builds the process logger from cfg.
func newLogger(cfg *config.Config) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	return logging.New(logging.Config{
		Level:   level,
		Format:  logging.Format(cfg.Logging.Format),
		LogDir:  cfg.Logging.Dir,
		Service: handlers.ServiceName,
	}), nil
}
