package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/catface996/aiops-executor/internal/transport/rpc"
)

func newStatusCommand() *cobra.Command {
	statusCmd := &cobra.Command{
		Use:   "status <execution-id>",
		Short: "Show an execution's progress through a running executor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("rpc")
			view, err := rpc.NewClient(addr).GetExecution(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("failed to get execution: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Execution %s (team %s): %s, %d%% (%d/%d nodes)\n",
				view.ExecutionID, view.TeamID, view.Status, view.Progress, view.NodesCompleted, view.TotalNodes)
			if view.Error != "" {
				fmt.Fprintf(out, "Error: %s\n", view.Error)
			}
			for _, n := range view.Nodes {
				fmt.Fprintf(out, "- %s [%s] %s\n", n.NodeID, n.Kind, n.Status)
			}
			return nil
		},
	}
	statusCmd.Flags().String("rpc", "localhost:8082", "Address of the executor JSON-RPC server")
	return statusCmd
}
