package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"ktask/internal/job"
)

func newScenariosCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scenarios",
		Short: "List the workloads run accepts",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-12s  %s\n", "NAME", "DESCRIPTION")
			fmt.Fprintf(out, "%-12s  %s\n", "----", "-----------")
			for _, s := range job.All() {
				fmt.Fprintf(out, "%-12s  %s\n", s.Name, s.Description)
			}
			return nil
		},
	}
}
