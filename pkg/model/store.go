package model

import (
	"context"
	"errors"
)

// ErrNotFound is returned by stores when a keyed record does not exist.
var ErrNotFound = errors.New("not found")

// PluginStore persists plugin records keyed by package name.
type PluginStore interface {
	ListPlugins(ctx context.Context) ([]*Plugin, error)
	ListEnabledPlugins(ctx context.Context) ([]*Plugin, error)
	GetPlugin(ctx context.Context, packageName string) (*Plugin, error)
	// UpsertPlugin inserts or updates by package name and sets p.ID.
	UpsertPlugin(ctx context.Context, p *Plugin) error
	DeletePlugin(ctx context.Context, packageName string) error
}

// RuleStore persists plugin targeting rules.
type RuleStore interface {
	ListRules(ctx context.Context, pluginPackage string) ([]string, error)
	// AddRule returns false when the pair already existed.
	AddRule(ctx context.Context, pluginPackage, targetPackage string) (bool, error)
	// RemoveRule returns false when no such pair existed.
	RemoveRule(ctx context.Context, pluginPackage, targetPackage string) (bool, error)
	DeleteRulesForPlugin(ctx context.Context, pluginPackage string) error
}

// ServerStore exposes the server-version metadata the control plane needs.
type ServerStore interface {
	// CurrentServerVersion returns ErrNotFound when no version is current.
	CurrentServerVersion(ctx context.Context) (*ServerVersion, error)
	RootPath(ctx context.Context) (string, error)
}

// SuPathStore caches the discovered su binary location.
type SuPathStore interface {
	SuPath(ctx context.Context) (string, error)
	SaveSuPath(ctx context.Context, path string) error
}

// Store is the full collaborator surface consumed by the control plane.
type Store interface {
	PluginStore
	RuleStore
	ServerStore
}
