package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/jingkaihe/skillbox/pkg/handle"
	"github.com/jingkaihe/skillbox/pkg/logger"
	"github.com/jingkaihe/skillbox/pkg/presenter"
	"github.com/jingkaihe/skillbox/pkg/security"
	"github.com/jingkaihe/skillbox/pkg/session"
	"github.com/jingkaihe/skillbox/pkg/skills"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const maxDescriptionWidth = 60

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List discovered skills",
	Long:  `List every skill found in the configured skill directories, using the metadata cache when it is fresh.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		format, _ := cmd.Flags().GetString("format")
		return withApp(cmd, func(ctx context.Context, a *app) error {
			return listSkills(ctx, a, cmd.OutOrStdout(), format)
		})
	},
}

var showCmd = &cobra.Command{
	Use:   "show <skill>",
	Short: "Show a skill's metadata and instructions",
	Long: `Activate a skill and print its descriptor followed by the SKILL.md body.

Examples:
  skillbox show pdf
  skillbox show pdf --format yaml`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		return withApp(cmd, func(ctx context.Context, a *app) error {
			return showSkill(ctx, a, cmd.OutOrStdout(), args[0], format)
		})
	},
}

var readCmd = &cobra.Command{
	Use:   "read <skill> <path>",
	Short: "Read a reference or asset of a skill",
	Long: `Read a file under the skill's references/ or assets/ directory, subject to the resource policy.

Examples:
  skillbox read pdf references/forms.md
  skillbox read pdf assets/template.txt --max-bytes 4096
  skillbox read pdf assets/logo.png --binary --output logo.png`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := readOptions{path: args[1]}
		opts.maxBytes, _ = cmd.Flags().GetInt("max-bytes")
		opts.binary, _ = cmd.Flags().GetBool("binary")
		opts.output, _ = cmd.Flags().GetString("output")
		return withApp(cmd, func(ctx context.Context, a *app) error {
			return readResource(ctx, a, cmd.OutOrStdout(), args[0], opts)
		})
	},
}

var resourcesCmd = &cobra.Command{
	Use:   "resources <skill> [references|assets|scripts]...",
	Short: "List the files a skill exposes",
	Long: `List the files under a skill's references/, assets/ and scripts/ directories.

Examples:
  skillbox resources pdf
  skillbox resources pdf references --pattern "**/*.md"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pattern, _ := cmd.Flags().GetString("pattern")
		return withApp(cmd, func(ctx context.Context, a *app) error {
			return listResources(ctx, a, cmd.OutOrStdout(), args[0], args[1:], pattern)
		})
	},
}

func init() {
	listCmd.Flags().String("format", "table", "Output format (table or json)")
	showCmd.Flags().String("format", "text", "Output format (text, yaml or json)")

	readCmd.Flags().Int("max-bytes", 0, "Read at most this many characters (bytes with --binary); 0 uses the policy limit")
	readCmd.Flags().Bool("binary", false, "Read an asset as raw bytes (requires resource.allow_binary_assets)")
	readCmd.Flags().StringP("output", "o", "", "Write the content to this file instead of stdout")

	resourcesCmd.Flags().String("pattern", "**", "Doublestar pattern matched against paths inside each directory")
}

// withApp builds the app for a command and closes it afterwards.
func withApp(cmd *cobra.Command, f func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.G(ctx).WithError(err).Debug("failed to close database")
		}
	}()
	return f(ctx, a)
}

func listSkills(ctx context.Context, a *app, out io.Writer, format string) error {
	found, err := a.allowedSkills(ctx)
	if err != nil {
		return err
	}
	names := skills.SortedKeys(found)

	switch format {
	case "json":
		list := make([]*skills.Descriptor, 0, len(names))
		for _, name := range names {
			list = append(list, found[name])
		}
		return writeJSON(out, list)
	case "table", "":
	default:
		return errors.Errorf("unknown format %q", format)
	}

	if len(names) == 0 {
		presenter.Info("No skills found")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tDESCRIPTION\tPATH")
	fmt.Fprintln(tw, "----\t-----------\t----")
	for _, name := range names {
		skill := found[name]
		fmt.Fprintf(tw, "%s\t%s\t%s\n", name, truncate(skill.Description, maxDescriptionWidth), skill.Path)
	}
	return tw.Flush()
}

// skillView is the yaml and json form printed by `show`.
type skillView struct {
	skills.Descriptor `yaml:",inline"`
	Instructions      string `json:"instructions" yaml:"instructions"`
}

func showSkill(ctx context.Context, a *app, out io.Writer, name, format string) error {
	switch format {
	case "text", "yaml", "json", "":
	default:
		return errors.Errorf("unknown format %q", format)
	}

	h, s, err := a.open(ctx, name)
	if err != nil {
		return err
	}

	instructions, err := h.Instructions(ctx)
	if err == nil {
		err = s.Transition(session.StateInstructionsLoaded)
	}
	if err := a.finish(ctx, s, err); err != nil {
		return err
	}

	descriptor := h.Descriptor()
	switch format {
	case "json":
		return writeJSON(out, skillView{Descriptor: *descriptor, Instructions: instructions})
	case "yaml":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(skillView{Descriptor: *descriptor, Instructions: instructions}); err != nil {
			return errors.Wrap(err, "failed to encode skill")
		}
		return enc.Close()
	}

	p := presenter.NewWithOptions(out, os.Stderr, presenter.ColorAuto)
	p.Section(descriptor.Name)
	p.Field("Description", descriptor.Description)
	p.Field("Path", descriptor.Path)
	p.Field("License", descriptor.License)
	p.Field("Compatibility", descriptor.Compatibility)
	p.Field("Allowed tools", strings.Join(descriptor.AllowedTools, ", "))
	for _, key := range skills.SortedKeys(descriptor.Metadata) {
		p.Field("Metadata "+key, descriptor.Metadata[key])
	}
	p.Separator()
	fmt.Fprint(out, instructions)
	if !strings.HasSuffix(instructions, "\n") {
		fmt.Fprintln(out)
	}
	return nil
}

type readOptions struct {
	path     string
	maxBytes int
	binary   bool
	output   string
}

func readResource(ctx context.Context, a *app, out io.Writer, name string, opts readOptions) error {
	dir, rel, _ := strings.Cut(opts.path, "/")
	if dir != handle.ReferencesDir && dir != handle.AssetsDir {
		return security.NewPolicyViolation("%q is not under %s/ or %s/", opts.path, handle.ReferencesDir, handle.AssetsDir)
	}
	if opts.binary && dir != handle.AssetsDir {
		return errors.New("--binary only applies to assets")
	}

	h, s, err := a.open(ctx, name)
	if err != nil {
		return err
	}

	res, err := readThroughSession(ctx, h, s, dir, rel, opts)
	if err == nil {
		s.AddArtifact("resource", res.Path)
		s.AddArtifact("sha256", res.SHA256)
	}
	if err := a.finish(ctx, s, err); err != nil {
		return err
	}

	log := logger.G(ctx).WithField("path", res.Path).WithField("bytes", res.Size())
	if res.Truncated {
		log.Warn("content truncated by the resource policy")
	}
	log.WithField("session_bytes_read", h.BytesRead()).Debug("resource read")

	data := res.Data
	if data == nil {
		data = []byte(res.Content)
	}
	if opts.output != "" {
		if err := os.WriteFile(opts.output, data, 0o644); err != nil {
			return errors.Wrapf(err, "failed to write %s", opts.output)
		}
		presenter.Success(fmt.Sprintf("Wrote %d bytes to %s", len(data), opts.output))
		return nil
	}
	_, err = out.Write(data)
	return err
}

func readThroughSession(ctx context.Context, h *handle.Handle, s *session.Session, dir, rel string, opts readOptions) (*handle.Resource, error) {
	if _, err := h.Instructions(ctx); err != nil {
		return nil, err
	}
	if err := advance(s, session.StateInstructionsLoaded, session.StateResourceNeeded); err != nil {
		return nil, err
	}

	switch {
	case opts.binary:
		return h.ReadAssetBinary(ctx, rel, opts.maxBytes)
	case dir == handle.AssetsDir:
		return h.ReadAsset(ctx, rel, opts.maxBytes)
	default:
		return h.ReadReference(ctx, rel, opts.maxBytes)
	}
}

func listResources(ctx context.Context, a *app, out io.Writer, name string, dirs []string, pattern string) error {
	descriptor, err := a.skill(ctx, name)
	if err != nil {
		return err
	}
	h, err := handle.Open(descriptor, handle.WithResourcePolicy(a.cfg.Resource))
	if err != nil {
		return err
	}

	if len(dirs) == 0 {
		dirs = []string{handle.ReferencesDir, handle.AssetsDir, handle.ScriptsDir}
	}
	for _, dir := range dirs {
		paths, err := h.ListResources(ctx, dir, pattern)
		if err != nil {
			return err
		}
		for _, path := range paths {
			fmt.Fprintln(out, path)
		}
	}
	return nil
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return errors.Wrap(err, "failed to encode json")
	}
	return nil
}

func truncate(s string, width int) string {
	runes := []rune(s)
	if len(runes) <= width {
		return s
	}
	return string(runes[:width-3]) + "..."
}
