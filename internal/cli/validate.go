package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/catface996/aiops-executor/internal/graph"
	"github.com/catface996/aiops-executor/internal/teams"
)

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <team-file>",
		Short: "Check a YAML or JSON team definition without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			team, err := teams.LoadFile(args[0])
			if err != nil {
				return err
			}
			order, err := graph.New(graph.FromTeam(team)).TopologicalOrder()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Team %q is valid: %d sub-team(s)\n", team.Name, len(team.SubTeams))
			fmt.Fprintf(out, "Dispatch order: %s\n", strings.Join(order, " -> "))
			return nil
		},
	}
}
