// Package registry reconciles the injection server's in-memory plugin
// registry with the locally persisted plugins and rules.
//
// A full Sync is delete-then-add: every persisted plugin is first deleted on
// the server, then re-registered with its rules when enabled. Running it twice
// leaves the server in the same state. Per-plugin failures are recorded in the
// Report and never abort the pass.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AlbatrossHook/AlbatrossManager/pkg/conn"
	"github.com/AlbatrossHook/AlbatrossManager/pkg/metrics"
	"github.com/AlbatrossHook/AlbatrossManager/pkg/model"
)

var (
	// ErrNotConnected is returned when no server connection is available.
	ErrNotConnected = errors.New("not connected to server")
	// ErrAppNotFound is returned by an AppResolver for uninstalled packages.
	ErrAppNotFound = errors.New("app not installed")
	// ErrPluginNotOnServer is returned when ModifyPlugin finds no such plugin.
	ErrPluginNotOnServer = errors.New("plugin not found on server")
	// ErrPluginIDRange is returned for ids the wire protocol cannot carry.
	ErrPluginIDRange = errors.New("plugin id out of range")
)

// wireID returns p.ID as the protocol's i32.
func wireID(p *model.Plugin) (int32, error) {
	if p.ID < 0 || p.ID > math.MaxInt32 {
		return 0, fmt.Errorf("%w: %d", ErrPluginIDRange, p.ID)
	}
	return int32(p.ID), nil
}

// Server is the subset of the connection used for reconciliation.
type Server interface {
	ConflictDetected() bool
	RegisterPlugin(ctx context.Context, id int32, codePath, className, params string, flags int32) (int8, error)
	ModifyPlugin(ctx context.Context, id int32, className, params string, flags int32) (int8, error)
	DeletePlugin(ctx context.Context, id int32) (int8, error)
	AddPluginRule(ctx context.Context, id int32, target string) (int8, error)
	DeletePluginRule(ctx context.Context, id int32, target string) (bool, error)
}

var _ Server = (*conn.Connection)(nil)

// AppResolver locates the installed code of a plugin package.
type AppResolver interface {
	// CodePath returns the package's code path, or ErrAppNotFound.
	CodePath(ctx context.Context, packageName string) (string, error)
}

// Store is the persistence the syncer reads and prunes.
type Store interface {
	model.PluginStore
	model.RuleStore
}

// Outcome classifies what happened to one plugin during a sync.
type Outcome string

const (
	OutcomeRegistered     Outcome = "registered"
	OutcomeDisabled       Outcome = "disabled"
	OutcomeRemovedLocally Outcome = "removed_locally"
	OutcomeFailed         Outcome = "failed"
)

// ItemResult is the per-plugin result of a sync.
type ItemResult struct {
	PluginID int64
	Package  string
	Outcome  Outcome
	Rules    int
	Err      error
}

// Report summarizes a sync pass.
type Report struct {
	ID       string
	Conflict bool
	Items    []ItemResult
	Duration time.Duration
}

// Failed returns the items that did not reconcile.
func (r Report) Failed() []ItemResult {
	var out []ItemResult
	for _, it := range r.Items {
		if it.Outcome == OutcomeFailed {
			out = append(out, it)
		}
	}
	return out
}

// Count returns the number of items with outcome o.
func (r Report) Count(o Outcome) int {
	n := 0
	for _, it := range r.Items {
		if it.Outcome == o {
			n++
		}
	}
	return n
}

// Syncer pushes persisted state to a server.
type Syncer struct {
	store      Store
	resolver   AppResolver
	logger     *slog.Logger
	metrics    metrics.Collector
	tracer     trace.Tracer
	onConflict func(ctx context.Context)
}

// Option configures a Syncer.
type Option func(*Syncer)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Syncer) {
		s.logger = logger
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(c metrics.Collector) Option {
	return func(s *Syncer) {
		s.metrics = c
	}
}

// WithConflictHandler is called when a sync is skipped because the server
// reported a conflicting framework.
func WithConflictHandler(fn func(ctx context.Context)) Option {
	return func(s *Syncer) {
		s.onConflict = fn
	}
}

// NewSyncer creates a Syncer.
func NewSyncer(store Store, resolver AppResolver, opts ...Option) *Syncer {
	s := &Syncer{
		store:    store,
		resolver: resolver,
		logger:   slog.Default(),
		metrics:  metrics.NewNoop(),
		tracer:   otel.Tracer("github.com/AlbatrossHook/AlbatrossManager/pkg/registry"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sync reconciles every persisted plugin with server. A conflicting framework
// on the server short-circuits the pass: the report has Conflict set and no
// server state is touched.
func (s *Syncer) Sync(ctx context.Context, server Server) (Report, error) {
	if server == nil {
		return Report{}, ErrNotConnected
	}

	report := Report{ID: uuid.NewString()}
	ctx, span := s.tracer.Start(ctx, "registry.sync", trace.WithAttributes(attribute.String("sync.id", report.ID)))
	defer span.End()

	start := time.Now()
	logger := s.logger.With("sync_id", report.ID)

	if server.ConflictDetected() {
		report.Conflict = true
		report.Duration = time.Since(start)
		span.SetAttributes(attribute.Bool("sync.conflict", true))
		logger.Warn("conflicting injection framework detected, skipping sync")
		if s.onConflict != nil {
			s.onConflict(ctx)
		}
		s.metrics.SyncDuration(report.Duration, true, nil)
		return report, nil
	}

	plugins, err := s.store.ListPlugins(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.metrics.SyncDuration(time.Since(start), false, err)
		return report, fmt.Errorf("list plugins: %w", err)
	}

	for _, p := range plugins {
		item := s.syncPlugin(ctx, server, p)
		s.metrics.SyncItem(string(item.Outcome))
		if item.Err != nil {
			logger.Warn("plugin sync failed", "plugin", p.PackageName, "id", p.ID, "error", item.Err)
		} else {
			logger.Debug("plugin synced", "plugin", p.PackageName, "id", p.ID, "outcome", item.Outcome)
		}
		report.Items = append(report.Items, item)
	}

	report.Duration = time.Since(start)
	span.SetAttributes(attribute.Int("sync.items", len(report.Items)))
	s.metrics.SyncDuration(report.Duration, false, nil)
	logger.Info("sync finished",
		"plugins", len(report.Items),
		"registered", report.Count(OutcomeRegistered),
		"removed", report.Count(OutcomeRemovedLocally),
		"failed", report.Count(OutcomeFailed))
	return report, nil
}

func (s *Syncer) syncPlugin(ctx context.Context, server Server, p *model.Plugin) ItemResult {
	item := ItemResult{PluginID: p.ID, Package: p.PackageName}
	id, err := wireID(p)
	if err != nil {
		item.Outcome, item.Err = OutcomeFailed, err
		return item
	}

	codePath, err := s.resolver.CodePath(ctx, p.PackageName)
	if errors.Is(err, ErrAppNotFound) {
		if err := s.store.DeletePlugin(ctx, p.PackageName); err != nil && !errors.Is(err, model.ErrNotFound) {
			item.Outcome, item.Err = OutcomeFailed, fmt.Errorf("remove uninstalled plugin: %w", err)
			return item
		}
		item.Outcome = OutcomeRemovedLocally
		return item
	}
	if err != nil {
		item.Outcome, item.Err = OutcomeFailed, fmt.Errorf("resolve app: %w", err)
		return item
	}

	if _, err := server.DeletePlugin(ctx, id); err != nil {
		item.Outcome, item.Err = OutcomeFailed, err
		return item
	}
	if !p.Enabled {
		item.Outcome = OutcomeDisabled
		return item
	}

	n, err := s.register(ctx, server, p, id, codePath)
	item.Rules = n
	if err != nil {
		item.Outcome, item.Err = OutcomeFailed, err
		return item
	}
	item.Outcome = OutcomeRegistered
	return item
}

// register registers p and its rules. It returns the number of rules pushed.
func (s *Syncer) register(ctx context.Context, server Server, p *model.Plugin, id int32, codePath string) (int, error) {
	code, err := server.RegisterPlugin(ctx, id, codePath, p.ClassName, p.Params, p.Flags)
	if err != nil {
		return 0, err
	}
	if !conn.RegisterOK(code) {
		return 0, fmt.Errorf("register plugin: status %d", code)
	}

	rules, err := s.store.ListRules(ctx, p.PackageName)
	if err != nil {
		return 0, fmt.Errorf("list rules: %w", err)
	}

	pushed := 0
	var errs []error
	for _, target := range rules {
		code, err := server.AddPluginRule(ctx, id, target)
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %s: %w", target, err))
			continue
		}
		if code != 0 {
			errs = append(errs, fmt.Errorf("rule %s: status %d", target, code))
			continue
		}
		pushed++
	}
	return pushed, errors.Join(errs...)
}
