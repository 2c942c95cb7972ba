// Package commands implements rendezctl's cobra command tree.
package commands

import (
	"github.com/spf13/cobra"
)

var format string

// Root builds the rendezctl root command.
func Root() *cobra.Command {
	root := &cobra.Command{
		Use:   "rendezctl",
		Short: "Operator tool for a running rendezd instance",
	}
	root.PersistentFlags().StringVar(&format, "format", "table", "output format: table or json")
	root.AddCommand(statusCmd())
	return root
}
