package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mattsolo1/grove-narrative/pkg/narrative"
)

// NewSchemaCmd prints the JSON schema of narrative definition documents.
func NewSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON schema for narrative definition documents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := narrative.Schema()
			if err != nil {
				return fmt.Errorf("failed to generate schema: %w", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return err
		},
	}
}
