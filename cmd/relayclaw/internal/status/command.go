package status

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/tinyland-inc/relayclaw/cmd/relayclaw/internal"
	"github.com/tinyland-inc/relayclaw/pkg/admin"
	"github.com/tinyland-inc/relayclaw/pkg/auth"
)

func NewStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		Aliases: []string{"s"},
		Short:   "Show configuration and forwarding state",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return statusCmd(cmd.OutOrStdout())
		},
	}
}

func statusCmd(out io.Writer) error {
	configPath := internal.GetConfigPath()
	cfg, err := internal.LoadConfig()
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	fmt.Fprintf(out, "%s relayclaw Status\n", internal.Logo)
	fmt.Fprintf(out, "Version: %s\n\n", internal.FormatVersion())

	if _, err := os.Stat(configPath); err == nil {
		fmt.Fprintf(out, "Config: %s ✓\n", configPath)
	} else {
		fmt.Fprintf(out, "Config: %s (not found, using defaults)\n", configPath)
	}
	fmt.Fprintf(out, "Data dir: %s\n", cfg.DataPath())
	fmt.Fprintf(out, "Mode: %s\n", cfg.Relay.Mode)
	if cfg.Telegram.Token != "" {
		fmt.Fprintf(out, "Bot token: %s\n", auth.Redact(cfg.Telegram.Token))
	} else {
		fmt.Fprintln(out, "Bot token: not set (run `relayclaw auth`)")
	}
	fmt.Fprintf(out, "Admins: %d\n\n", len(cfg.Telegram.Admins))

	stores, err := internal.OpenStores(cfg)
	if err != nil {
		return err
	}
	reply := admin.NewHandler(admin.Options{
		Settings: stores.Settings,
		Rules:    stores.Rules,
		Cursors:  stores.Cursors,
	}).Handle(context.Background(), admin.Command{Text: "/status"})
	fmt.Fprintln(out, reply.Text)
	return nil
}
