package main

import (
	"context"
	"slices"

	"github.com/hashicorp/go-multierror"
	"github.com/jingkaihe/skillbox/pkg/audit"
	"github.com/jingkaihe/skillbox/pkg/config"
	"github.com/jingkaihe/skillbox/pkg/db"
	"github.com/jingkaihe/skillbox/pkg/db/migrations"
	"github.com/jingkaihe/skillbox/pkg/handle"
	"github.com/jingkaihe/skillbox/pkg/logger"
	"github.com/jingkaihe/skillbox/pkg/security"
	"github.com/jingkaihe/skillbox/pkg/session"
	"github.com/jingkaihe/skillbox/pkg/skills"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

// app holds the components a command works with, built from the loaded
// configuration.
type app struct {
	cfg        config.Config
	cache      *skills.MetadataCache
	discovery  *skills.Discovery
	sink       audit.Sink
	sqliteSink *audit.SQLiteSink
	store      *session.SQLiteStore
	sessions   *session.Manager
	conn       *sqlx.DB
}

func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	a := &app{cfg: cfg}

	if cfg.Audit.SQLite || cfg.Sessions.Persist {
		conn, err := db.OpenMigrated(ctx, cfg.Database.Path, migrations.All())
		if err != nil {
			return nil, err
		}
		a.conn = conn
	}

	sinks := audit.MultiSink{}
	if cfg.Audit.File != "" {
		fileSink, err := audit.NewFileSink(cfg.Audit.File)
		if err != nil {
			a.Close()
			return nil, err
		}
		sinks = append(sinks, fileSink)
	}
	if cfg.Audit.SQLite {
		a.sqliteSink = audit.NewSQLiteSink(a.conn)
		sinks = append(sinks, a.sqliteSink)
	}
	if cfg.Audit.Log {
		sinks = append(sinks, audit.LogSink{})
	}
	a.sink = sinks

	var managerOpts []session.ManagerOption
	if cfg.Sessions.Persist {
		a.store = session.NewSQLiteStore(a.conn)
		managerOpts = append(managerOpts, session.WithStore(a.store))
	}
	a.sessions = session.NewManager(managerOpts...)

	discoveryOpts := []skills.Option{skills.WithAuditSink(a.sink)}
	if len(cfg.Skills.Dirs) > 0 {
		discoveryOpts = append(discoveryOpts, skills.WithSkillDirs(cfg.Skills.Dirs...))
	}
	for _, dir := range cfg.Skills.PluginDirs {
		discoveryOpts = append(discoveryOpts, skills.WithPluginsDir(dir))
	}
	if cfg.Cache.Enabled {
		cache, err := skills.NewMetadataCache(cfg.Cache.Dir)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.cache = cache
		discoveryOpts = append(discoveryOpts, skills.WithCache(cache))
	}

	discovery, err := skills.NewDiscovery(discoveryOpts...)
	if err != nil {
		a.Close()
		return nil, errors.Wrap(err, "failed to initialise skill discovery")
	}
	a.discovery = discovery

	return a, nil
}

// Close releases the database, if one was opened.
func (a *app) Close() error {
	if a.conn == nil {
		return nil
	}
	return a.conn.Close()
}

// allowedSkills returns every discovered skill that skills.allowed admits.
func (a *app) allowedSkills(ctx context.Context) (map[string]*skills.Descriptor, error) {
	all, err := a.discovery.DiscoverSkills(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to discover skills")
	}
	return skills.FilterByAllowlist(all, a.cfg.Skills.Allowed), nil
}

func (a *app) skill(ctx context.Context, name string) (*skills.Descriptor, error) {
	if len(a.cfg.Skills.Allowed) > 0 && !slices.Contains(a.cfg.Skills.Allowed, name) {
		return nil, security.NewPolicyViolation("skill %q is not in skills.allowed", name)
	}
	return a.discovery.GetSkill(ctx, name)
}

// open selects a skill: it starts a session for it and returns a handle
// bound to that session.
func (a *app) open(ctx context.Context, name string) (*handle.Handle, *session.Session, error) {
	descriptor, err := a.skill(ctx, name)
	if err != nil {
		return nil, nil, err
	}

	s, err := a.sessions.Create(ctx, descriptor.Name)
	if err != nil {
		return nil, nil, err
	}
	if err := s.Transition(session.StateSelected); err != nil {
		return nil, nil, err
	}

	h, err := handle.Open(descriptor,
		handle.WithResourcePolicy(a.cfg.Resource),
		handle.WithExecutionPolicy(a.cfg.Execution),
		handle.WithAuditSink(a.sink),
		handle.WithSession(s),
	)
	if err != nil {
		return nil, nil, a.finish(ctx, s, err)
	}
	return h, s, nil
}

// advance moves s through states in order.
func advance(s *session.Session, states ...session.State) error {
	for _, state := range states {
		if err := s.Transition(state); err != nil {
			return err
		}
	}
	return nil
}

// finish ends s as done, or failed when err is set, and persists it. err is
// returned unchanged.
func (a *app) finish(ctx context.Context, s *session.Session, err error) error {
	target := session.StateDone
	if err != nil {
		s.AddArtifact("error", err.Error())
		target = session.StateFailed
	}

	var result *multierror.Error
	if terr := s.Transition(target); terr != nil {
		result = multierror.Append(result, terr)
	}
	if serr := a.sessions.Save(ctx, s); serr != nil {
		result = multierror.Append(result, serr)
	}
	if ferr := result.ErrorOrNil(); ferr != nil {
		logger.G(ctx).WithError(ferr).WithField("session_id", s.ID).Warn("failed to finish session")
	}
	return err
}
