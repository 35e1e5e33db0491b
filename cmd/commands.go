package cmd

import "github.com/spf13/cobra"

// Commands returns every top-level narrate subcommand.
func Commands() []*cobra.Command {
	return []*cobra.Command{
		NewRunCmd(),
		NewCarouselCmd(),
		NewValidateCmd(),
		NewStateCmd(),
		NewSchemaCmd(),
		NewVersionCmd(),
	}
}
