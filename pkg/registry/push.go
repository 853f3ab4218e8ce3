package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/AlbatrossHook/AlbatrossManager/pkg/conn"
	"github.com/AlbatrossHook/AlbatrossManager/pkg/model"
)

// Live edits. Each helper mirrors one local change onto a connected server.
// A nil server yields ErrNotConnected so callers can treat the edit as
// local-only until the next Sync.

// PushEnabled registers p with its rules when enabled, and removes it from the
// server otherwise. An uninstalled plugin app is deleted locally and reported
// as ErrAppNotFound.
func (s *Syncer) PushEnabled(ctx context.Context, server Server, p *model.Plugin) error {
	if server == nil {
		return ErrNotConnected
	}
	id, err := wireID(p)
	if err != nil {
		return err
	}
	if !p.Enabled {
		_, err := server.DeletePlugin(ctx, id)
		return err
	}

	codePath, err := s.resolver.CodePath(ctx, p.PackageName)
	if errors.Is(err, ErrAppNotFound) {
		if derr := s.store.DeletePlugin(ctx, p.PackageName); derr != nil && !errors.Is(derr, model.ErrNotFound) {
			return fmt.Errorf("remove uninstalled plugin: %w", derr)
		}
		return err
	}
	if err != nil {
		return fmt.Errorf("resolve app: %w", err)
	}

	_, err = s.register(ctx, server, p, id, codePath)
	return err
}

// PushParams updates class name, params and flags of an enabled plugin.
func (s *Syncer) PushParams(ctx context.Context, server Server, p *model.Plugin) error {
	if server == nil {
		return ErrNotConnected
	}
	id, err := wireID(p)
	if err != nil {
		return err
	}
	if !p.Enabled {
		return nil
	}
	code, err := server.ModifyPlugin(ctx, id, p.ClassName, p.Params, p.Flags)
	if err != nil {
		return err
	}
	if !conn.ModifyOK(code) {
		s.logger.Warn("plugin not registered on server", "plugin", p.PackageName, "id", p.ID)
		return ErrPluginNotOnServer
	}
	return nil
}

// PushRuleAdded adds one rule of an enabled plugin.
func (s *Syncer) PushRuleAdded(ctx context.Context, server Server, p *model.Plugin, target string) error {
	if server == nil {
		return ErrNotConnected
	}
	id, err := wireID(p)
	if err != nil {
		return err
	}
	if !p.Enabled {
		return nil
	}
	code, err := server.AddPluginRule(ctx, id, target)
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("add rule %s: status %d", target, code)
	}
	return nil
}

// PushRuleRemoved removes one rule of an enabled plugin.
func (s *Syncer) PushRuleRemoved(ctx context.Context, server Server, p *model.Plugin, target string) error {
	if server == nil {
		return ErrNotConnected
	}
	id, err := wireID(p)
	if err != nil {
		return err
	}
	if !p.Enabled {
		return nil
	}
	removed, err := server.DeletePluginRule(ctx, id, target)
	if err != nil {
		return err
	}
	if !removed {
		s.logger.Debug("rule was not registered on server", "plugin", p.PackageName, "target", target)
	}
	return nil
}

// PushDeleted removes p from the server.
func (s *Syncer) PushDeleted(ctx context.Context, server Server, p *model.Plugin) error {
	if server == nil {
		return ErrNotConnected
	}
	id, err := wireID(p)
	if err != nil {
		return err
	}
	_, err = server.DeletePlugin(ctx, id)
	return err
}
