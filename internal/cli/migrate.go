package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/catface996/aiops-executor/internal/repository"
)

func newMigrateCommand() *cobra.Command {
	migrateCmd := &cobra.Command{
		Use:       "migrate [up|down|version]",
		Short:     "Manage the database schema",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"up", "down", "version"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			action := "up"
			if len(args) == 1 {
				action = args[0]
			}

			m, err := repository.OpenMigrator(cfg.Database.Driver, cfg.Database.URL)
			if err != nil {
				return err
			}
			defer m.Close()

			out := cmd.OutOrStdout()
			switch action {
			case "up":
				if err := m.Up(); err != nil {
					return err
				}
				fmt.Fprintln(out, "Migrations applied successfully")
			case "down":
				steps, _ := cmd.Flags().GetInt("steps")
				if err := m.Down(steps); err != nil {
					return err
				}
				fmt.Fprintf(out, "Rolled back %d migration(s)\n", max(steps, 1))
			}

			version, dirty, err := m.Version()
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Schema version: %d (dirty=%t)\n", version, dirty)
			return nil
		},
	}
	migrateCmd.Flags().Int("steps", 1, "Number of migrations to roll back with down")
	return migrateCmd
}
