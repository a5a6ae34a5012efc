package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/jingkaihe/skillbox/pkg/config"
	"github.com/jingkaihe/skillbox/pkg/presenter"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the effective configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as YAML",
	Long:  `Print the configuration after merging defaults, the config file, SKILLBOX_* variables, flags and the active profile.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return showConfig(cmd.OutOrStdout(), cfg)
	},
}

var configSchemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the JSON schema of the config file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return writeJSON(cmd.OutOrStdout(), config.Schema())
	},
}

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Manage policy profiles",
	Long:  `Policy profiles are named overrides under profiles.<name> applied on top of the base configuration.`,
}

var profileListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the profiles defined in the config file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return listProfiles(cmd.OutOrStdout(), cfg)
	},
}

var profileCurrentCmd = &cobra.Command{
	Use:   "current",
	Short: "Show the active profile",
	Args:  cobra.NoArgs,
	Run: func(_ *cobra.Command, _ []string) {
		if cfg.Profile == "" {
			presenter.Info("Using the base configuration (no profile active)")
			return
		}
		presenter.Success(fmt.Sprintf("Current profile: %s", cfg.Profile))
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSchemaCmd)

	profileCmd.AddCommand(profileListCmd)
	profileCmd.AddCommand(profileCurrentCmd)
}

func showConfig(out io.Writer, c config.Config) error {
	// Profiles have already been applied; printing them again would be noise.
	c.Profiles = nil
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return errors.Wrap(err, "failed to encode configuration")
	}
	return enc.Close()
}

func listProfiles(out io.Writer, c config.Config) error {
	names := c.ProfileNames()
	if len(names) == 0 {
		presenter.Info("No profiles defined")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSTATUS\tOVERRIDES")
	fmt.Fprintln(tw, "----\t------\t---------")
	for _, name := range names {
		status := ""
		if name == c.Profile {
			status = "ACTIVE"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\n", name, status, countLeaves(c.Profiles[name]))
	}
	return tw.Flush()
}

// countLeaves counts the settings a profile overrides.
func countLeaves(m map[string]any) int {
	n := 0
	for _, v := range m {
		if nested, ok := v.(map[string]any); ok {
			n += countLeaves(nested)
			continue
		}
		n++
	}
	return n
}
