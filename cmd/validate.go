package cmd

import (
	"fmt"

	grovelogging "github.com/mattsolo1/grove-core/logging"
	"github.com/spf13/cobra"
)

// NewValidateCmd statically checks narrative definitions.
func NewValidateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "validate [file-or-dir...]",
		Short: "Check narrative definitions without running them",
		Long: `Load narrative definitions and report every problem at once: unknown or
duplicate acts, forward and self references in templates, unknown resource
refs, and missing or cyclic narrative compositions.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			pretty := grovelogging.NewPrettyLogger()
			cfg, err := loadAppConfig(configPath)
			if err != nil {
				return err
			}
			lib, err := loadLibrary(cfg, args)
			if err != nil {
				return err
			}
			for _, w := range lib.Warnings() {
				pretty.WarnPretty(w)
			}
			if err := lib.Validate(); err != nil {
				problems := flattenErrors(err)
				for _, p := range problems {
					pretty.ErrorPretty(p.Error(), nil)
				}
				return fmt.Errorf("%d validation problem(s)", len(problems))
			}
			pretty.Success(fmt.Sprintf("%d narrative(s) valid", len(lib.Names())))
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "Path to narrate.yml")
	return cmd
}

func flattenErrors(err error) []error {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		return joined.Unwrap()
	}
	return []error{err}
}
