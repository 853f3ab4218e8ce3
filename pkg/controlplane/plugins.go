package controlplane

import (
	"context"
	"errors"
	"fmt"

	"github.com/AlbatrossHook/AlbatrossManager/pkg/conn"
	"github.com/AlbatrossHook/AlbatrossManager/pkg/model"
	"github.com/AlbatrossHook/AlbatrossManager/pkg/registry"
)

// Plugin edits persist first and are then mirrored to the live server. Without
// a connection the edit stays local and is applied by the next Sync.

// live treats a missing connection as a local-only edit and tears down a
// connection the push broke.
func (cp *ControlPlane) live(c *conn.Connection, err error) error {
	if errors.Is(err, registry.ErrNotConnected) {
		return nil
	}
	cp.checkBroken(c)
	return err
}

func (cp *ControlPlane) plugin(ctx context.Context, packageName string) (*model.Plugin, error) {
	p, err := cp.store.GetPlugin(ctx, packageName)
	if err != nil {
		return nil, fmt.Errorf("plugin %s: %w", packageName, err)
	}
	return p, nil
}

// AddPlugin stores p, replacing any plugin with the same package, and pushes
// it when enabled.
func (cp *ControlPlane) AddPlugin(ctx context.Context, p *model.Plugin) error {
	if p.SupportedApps == "" {
		p.SupportedApps = model.AllApps
	}
	return cp.run(ctx, "add plugin", func(ctx context.Context) error {
		if err := cp.store.UpsertPlugin(ctx, p); err != nil {
			return fmt.Errorf("save plugin: %w", err)
		}
		if !p.Enabled {
			return nil
		}
		c := cp.Get()
		return cp.live(c, cp.syncer.PushEnabled(ctx, cp.server(), p))
	})
}

// SetPluginEnabled toggles a plugin. Enabling registers it with its rules;
// disabling removes it from the server.
func (cp *ControlPlane) SetPluginEnabled(ctx context.Context, packageName string, enabled bool) error {
	return cp.run(ctx, "set plugin enabled", func(ctx context.Context) error {
		p, err := cp.plugin(ctx, packageName)
		if err != nil {
			return err
		}
		p.Enabled = enabled
		if err := cp.store.UpsertPlugin(ctx, p); err != nil {
			return fmt.Errorf("save plugin: %w", err)
		}
		c := cp.Get()
		err = cp.syncer.PushEnabled(ctx, cp.server(), p)
		if errors.Is(err, registry.ErrAppNotFound) {
			cp.notifier.Notify(ctx, Notice{
				Level:   LevelWarning,
				Message: fmt.Sprintf("removed plugin %s: app is no longer installed", packageName),
			})
		}
		return cp.live(c, err)
	})
}

// SetPluginParams updates params and flags. registry.ErrPluginNotOnServer is
// returned when the plugin is enabled but the server does not know it; the
// local change is kept.
func (cp *ControlPlane) SetPluginParams(ctx context.Context, packageName, params string, flags int32) error {
	return cp.run(ctx, "set plugin params", func(ctx context.Context) error {
		p, err := cp.plugin(ctx, packageName)
		if err != nil {
			return err
		}
		p.Params, p.Flags = params, flags
		if err := cp.store.UpsertPlugin(ctx, p); err != nil {
			return fmt.Errorf("save plugin: %w", err)
		}
		c := cp.Get()
		return cp.live(c, cp.syncer.PushParams(ctx, cp.server(), p))
	})
}

// AddRule targets a plugin at a package. On a connection with a conflicting
// framework the rule is saved and conn.ErrConflict is returned.
func (cp *ControlPlane) AddRule(ctx context.Context, packageName, target string) error {
	return cp.run(ctx, "add rule", func(ctx context.Context) error {
		p, err := cp.plugin(ctx, packageName)
		if err != nil {
			return err
		}
		if !p.SupportsApp(target) {
			cp.logger.Warn("plugin does not declare support for target", "plugin", packageName, "target", target)
		}
		added, err := cp.store.AddRule(ctx, packageName, target)
		if err != nil {
			return fmt.Errorf("save rule: %w", err)
		}
		if !added {
			return nil
		}
		c := cp.Get()
		err = cp.syncer.PushRuleAdded(ctx, cp.server(), p, target)
		if errors.Is(err, conn.ErrConflict) {
			cp.warnConflict(ctx)
		}
		return cp.live(c, err)
	})
}

// RemoveRule removes a rule locally and from the server.
func (cp *ControlPlane) RemoveRule(ctx context.Context, packageName, target string) error {
	return cp.run(ctx, "remove rule", func(ctx context.Context) error {
		p, err := cp.plugin(ctx, packageName)
		if err != nil {
			return err
		}
		removed, err := cp.store.RemoveRule(ctx, packageName, target)
		if err != nil {
			return fmt.Errorf("remove rule: %w", err)
		}
		if !removed {
			return fmt.Errorf("rule %s -> %s: %w", packageName, target, model.ErrNotFound)
		}
		c := cp.Get()
		return cp.live(c, cp.syncer.PushRuleRemoved(ctx, cp.server(), p, target))
	})
}

// DeletePlugin removes a plugin and its rules locally and from the server.
func (cp *ControlPlane) DeletePlugin(ctx context.Context, packageName string) error {
	return cp.run(ctx, "delete plugin", func(ctx context.Context) error {
		p, err := cp.plugin(ctx, packageName)
		if err != nil {
			return err
		}
		if err := cp.store.DeletePlugin(ctx, packageName); err != nil {
			return fmt.Errorf("delete plugin: %w", err)
		}
		c := cp.Get()
		return cp.live(c, cp.syncer.PushDeleted(ctx, cp.server(), p))
	})
}
