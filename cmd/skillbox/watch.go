package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jingkaihe/skillbox/pkg/presenter"
	"github.com/jingkaihe/skillbox/pkg/skills"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Invalidate cache entries as skills change",
	Long: `Watch every discovered skill and drop its metadata cache entry as soon as its SKILL.md
is written, replaced or removed. Runs until interrupted.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		cmd.SetContext(ctx)
		return withApp(cmd, watchSkills)
	},
}

func watchSkills(ctx context.Context, a *app) error {
	if a.cache == nil {
		return errCacheDisabled
	}

	watcher, err := newSkillWatcher(ctx, a)
	if err != nil {
		return err
	}
	defer watcher.Close()

	presenter.Info(fmt.Sprintf("Watching %d skill(s), press Ctrl+C to stop", watcher.Roots()))
	return watcher.Run(ctx)
}

func newSkillWatcher(ctx context.Context, a *app) (*skills.Watcher, error) {
	watcher, err := skills.NewWatcher(a.cache, skills.OnInvalidate(func(root string) {
		presenter.Info(fmt.Sprintf("Invalidated %s", root))
	}))
	if err != nil {
		return nil, err
	}

	found, err := a.allowedSkills(ctx)
	if err != nil {
		watcher.Close()
		return nil, err
	}
	for _, name := range skills.SortedKeys(found) {
		if err := watcher.Add(found[name].Path); err != nil {
			watcher.Close()
			return nil, errors.Wrapf(err, "failed to watch skill %s", name)
		}
	}
	return watcher, nil
}
