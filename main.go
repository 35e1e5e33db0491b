package main

import (
	"os"

	"github.com/mattsolo1/grove-core/cli"

	"github.com/mattsolo1/grove-narrative/cmd"
)

func main() {
	rootCmd := cli.NewStandardCommand(
		"narrate",
		"Run declarative narratives of generation, bot command and table steps",
	)

	for _, c := range cmd.Commands() {
		rootCmd.AddCommand(c)
	}

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
