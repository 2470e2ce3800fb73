package console

import (
	"github.com/spf13/cobra"
)

func NewConsoleCommand() *cobra.Command {
	var online bool

	cmd := &cobra.Command{
		Use:   "console",
		Short: "Interactive admin console over the local state files",
		Long: `Runs the same commands as the admin bot (/addsource, /addword, /status, ...)
directly against the data directory. Stop the gateway first, or use the bot,
to avoid two writers.`,
		Example: `  relayclaw console
  relayclaw console --online`,
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return consoleCmd(online)
		},
	}

	cmd.Flags().BoolVar(&online, "online", false,
		"Resolve channel handles through the Bot API (needs telegram.token)")

	return cmd
}
