// RelayClaw - Telegram channel relay with text replacement
// License: MIT
//
// Copyright (c) 2026 RelayClaw contributors

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tinyland-inc/relayclaw/cmd/relayclaw/internal"
	"github.com/tinyland-inc/relayclaw/cmd/relayclaw/internal/auth"
	"github.com/tinyland-inc/relayclaw/cmd/relayclaw/internal/console"
	"github.com/tinyland-inc/relayclaw/cmd/relayclaw/internal/gateway"
	"github.com/tinyland-inc/relayclaw/cmd/relayclaw/internal/migrate"
	"github.com/tinyland-inc/relayclaw/cmd/relayclaw/internal/status"
	"github.com/tinyland-inc/relayclaw/cmd/relayclaw/internal/version"
)

func NewRelayclawCommand() *cobra.Command {
	short := fmt.Sprintf("%s relayclaw - Telegram channel relay v%s\n\n", internal.Logo, internal.GetVersion())

	cmd := &cobra.Command{
		Use:     "relayclaw",
		Short:   short,
		Example: "relayclaw gateway",
	}

	cmd.PersistentFlags().StringVarP(&internal.ConfigPath, "config", "c", "",
		"Config file path (default: ~/.relayclaw/config.json)")

	cmd.AddCommand(
		gateway.NewGatewayCommand(),
		console.NewConsoleCommand(),
		status.NewStatusCommand(),
		migrate.NewMigrateCommand(),
		auth.NewAuthCommand(),
		version.NewVersionCommand(),
	)

	return cmd
}

func main() {
	cmd := NewRelayclawCommand()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
