package main

import (
	"fmt"

	"github.com/jingkaihe/skillbox/pkg/version"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version information",
	Long:  `Print the version information of skillbox in JSON format.`,
	Args:  cobra.NoArgs,
	PersistentPreRunE: func(*cobra.Command, []string) error {
		return nil
	},
	RunE: func(cmd *cobra.Command, _ []string) error {
		json, err := version.Get().JSON()
		if err != nil {
			return errors.Wrap(err, "failed to format version info")
		}
		fmt.Fprintln(cmd.OutOrStdout(), json)
		return nil
	},
}
