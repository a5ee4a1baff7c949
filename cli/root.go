package cli

import (
	"github.com/spf13/cobra"
)

func RootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "flapi",
		Short: "Declarative SQL-to-HTTP API gateway",
	}

	root.AddCommand(
		ServeCmd(),
	)

	return root
}
