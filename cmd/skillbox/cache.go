package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/jingkaihe/skillbox/pkg/presenter"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the skill metadata cache",
	Long:  `Commands for inspecting and clearing the descriptor cache kept under cache.dir.`,
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every cache entry",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		yes, _ := cmd.Flags().GetBool("yes")
		if !yes {
			answer := presenter.Prompt(fmt.Sprintf("Remove all cache entries in %s?", cfg.Cache.Dir), "y", "N")
			if !strings.EqualFold(answer, "y") && !strings.EqualFold(answer, "yes") {
				presenter.Info("Aborted")
				return nil
			}
		}
		return withApp(cmd, clearCache)
	},
}

var cacheInvalidateCmd = &cobra.Command{
	Use:   "invalidate <skill>...",
	Short: "Drop the cache entries of specific skills",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			return invalidateCache(ctx, a, args)
		})
	},
}

func init() {
	cacheClearCmd.Flags().BoolP("yes", "y", false, "Do not ask for confirmation")

	cacheCmd.AddCommand(cacheClearCmd)
	cacheCmd.AddCommand(cacheInvalidateCmd)
}

var errCacheDisabled = errors.New("the metadata cache is disabled (cache.enabled is false)")

func clearCache(ctx context.Context, a *app) error {
	if a.cache == nil {
		return errCacheDisabled
	}
	if err := a.cache.Clear(ctx); err != nil {
		return errors.Wrap(err, "failed to clear cache")
	}
	presenter.Success(fmt.Sprintf("Cleared cache %s", a.cache.Dir()))
	return nil
}

func invalidateCache(ctx context.Context, a *app, names []string) error {
	if a.cache == nil {
		return errCacheDisabled
	}
	for _, name := range names {
		descriptor, err := a.skill(ctx, name)
		if err != nil {
			return err
		}
		if err := a.cache.Invalidate(ctx, descriptor.Path); err != nil {
			return errors.Wrapf(err, "failed to invalidate %s", name)
		}
		presenter.Success(fmt.Sprintf("Invalidated cache entry for '%s'", name))
	}
	return nil
}
