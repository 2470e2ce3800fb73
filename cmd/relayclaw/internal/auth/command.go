package auth

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/tinyland-inc/relayclaw/cmd/relayclaw/internal"
	"github.com/tinyland-inc/relayclaw/pkg/auth"
	"github.com/tinyland-inc/relayclaw/pkg/config"
)

func NewAuthCommand() *cobra.Command {
	var token string

	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Store the Telegram bot token in the config file",
		Example: `  relayclaw auth
  relayclaw auth --token 123456789:AA...`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return authCmd(token, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&token, "token", "", "Bot token (prompted for when omitted)")

	return cmd
}

func authCmd(token string, in io.Reader, out io.Writer) error {
	if token == "" {
		var err error
		token, err = auth.LoginPasteToken(in, out)
		if err != nil {
			return err
		}
	} else if err := auth.ValidateBotToken(token); err != nil {
		return err
	}

	path := internal.GetConfigPath()
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	cfg.Telegram.Token = token
	if err := config.SaveConfig(path, cfg); err != nil {
		return fmt.Errorf("error saving config: %w", err)
	}

	fmt.Fprintf(out, "\n✓ Bot token %s saved to %s\n", auth.Redact(token), path)
	if len(cfg.Telegram.Admins) == 0 {
		fmt.Fprintln(out, "  Add your Telegram user id to telegram.admins before starting the gateway.")
	}
	return nil
}
