package migrate

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tinyland-inc/relayclaw/cmd/relayclaw/internal"
	"github.com/tinyland-inc/relayclaw/pkg/migrate"
	"github.com/tinyland-inc/relayclaw/pkg/state"
)

func NewMigrateCommand() *cobra.Command {
	var opts migrate.Options

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Import state files from an earlier forwarder deployment",
		Long: fmt.Sprintf(`Reads %s, %s, %s and %s
from --from and writes settings, replacements and cursors into the data directory.`,
			migrate.LegacyConfigFile, migrate.LegacyBotConfigFile,
			migrate.LegacyReplacementsFile, migrate.LegacyStateFile),
		Example: `  relayclaw migrate --from /srv/old-forwarder
  relayclaw migrate --from . --dry-run
  relayclaw migrate --from . --force`,
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := internal.LoadConfig()
			if err != nil {
				return fmt.Errorf("error loading config: %w", err)
			}
			if opts.DataDir == "" {
				opts.DataDir = cfg.DataPath()
			}
			opts.Window = cfg.Relay.DedupWindow

			if !opts.DryRun {
				lock, err := state.LockDir(opts.DataDir)
				if err != nil {
					return err
				}
				defer lock.Unlock()
			}

			result, err := migrate.Run(opts)
			if err != nil {
				return err
			}
			if !opts.DryRun {
				migrate.PrintSummary(result)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.SourceDir, "from", ".",
		"Directory holding the legacy JSON files")
	cmd.Flags().StringVar(&opts.DataDir, "data-dir", "",
		"Override the data directory (default: relay.data_dir from config)")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false,
		"Show what would be imported without writing")
	cmd.Flags().BoolVar(&opts.Force, "force", false,
		"Overwrite existing state files")

	return cmd
}
