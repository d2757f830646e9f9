package main

import (
	"github.com/spf13/cobra"
)

func newPatternsCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "patterns",
		Short: "Inspect the pattern registry",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "dump",
		Short: "Print the effective pattern registry as YAML",
		Long: `Print the effective registry (built-in patterns, or the file given by
--patterns / patterns.file) in the same YAML format the loader accepts.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := opts.load()
			if err != nil {
				return err
			}
			data, err := e.registry.Dump()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	})
	return cmd
}
