package controlplane

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/AlbatrossHook/AlbatrossManager/pkg/conn"
	"github.com/AlbatrossHook/AlbatrossManager/pkg/registry"
)

// Inject loads a plugin into the running process of target. It works even
// when a conflicting framework is present.
func (cp *ControlPlane) Inject(ctx context.Context, packageName, target string) error {
	return cp.run(ctx, "inject", func(ctx context.Context) error {
		p, err := cp.plugin(ctx, packageName)
		if err != nil {
			return err
		}
		c, err := cp.connect(ctx)
		if err != nil {
			return err
		}
		codePath, err := cp.resolver.CodePath(ctx, p.PackageName)
		if err != nil {
			return err
		}
		code, err := c.DoInject(ctx, target, codePath, p.ClassName, p.Params, p.Flags)
		if err != nil {
			cp.checkBroken(c)
			return err
		}
		if msg := conn.InjectMessage(code); msg != "" {
			return fmt.Errorf("%w: %s: %s", ErrInjectFailed, target, msg)
		}
		cp.logger.Info("plugin injected", "plugin", packageName, "target", target, "status", code)
		return nil
	})
}

// InjectSystemPlugin loads a plugin into system_server.
func (cp *ControlPlane) InjectSystemPlugin(ctx context.Context, packageName string) error {
	return cp.run(ctx, "inject system plugin", func(ctx context.Context) error {
		p, err := cp.plugin(ctx, packageName)
		if err != nil {
			return err
		}
		c, err := cp.connect(ctx)
		if err != nil {
			return err
		}
		codePath, err := cp.resolver.CodePath(ctx, p.PackageName)
		if err != nil {
			return err
		}
		code, err := c.LoadSystemPlugin(ctx, codePath, p.ClassName, p.Params, p.Flags)
		if err != nil {
			cp.checkBroken(c)
			return err
		}
		if !conn.SystemLoadOK(code) {
			return fmt.Errorf("%w: system_server: status %d", ErrInjectFailed, code)
		}
		return nil
	})
}

var packageNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*(\.[A-Za-z0-9_]+)*$`)

func (cp *ControlPlane) appCommand(ctx context.Context, name, packageName, command string) error {
	if !packageNamePattern.MatchString(packageName) {
		return fmt.Errorf("invalid package name %q", packageName)
	}
	command += " " + packageName
	return cp.run(ctx, name, func(ctx context.Context) error {
		code, out, err := cp.runCommand(ctx, command)
		if err != nil {
			return err
		}
		if code != 0 {
			return fmt.Errorf("%s: exit code %d: %s", command, code, strings.TrimSpace(out))
		}
		return nil
	})
}

// FreezeApp disables a package.
func (cp *ControlPlane) FreezeApp(ctx context.Context, packageName string) error {
	return cp.appCommand(ctx, "freeze app", packageName, "pm disable")
}

// UnfreezeApp enables a package.
func (cp *ControlPlane) UnfreezeApp(ctx context.Context, packageName string) error {
	return cp.appCommand(ctx, "unfreeze app", packageName, "pm enable")
}

// ForceStopApp kills every process of a package.
func (cp *ControlPlane) ForceStopApp(ctx context.Context, packageName string) error {
	return cp.appCommand(ctx, "force stop app", packageName, "am force-stop")
}

// AppProcesses describes the running process of packageName. It needs a live
// connection and returns ErrAppNotRunning when there is no process.
func (cp *ControlPlane) AppProcesses(ctx context.Context, packageName string) (string, error) {
	c := cp.Get()
	if c == nil {
		return "", registry.ErrNotConnected
	}
	desc, err := c.GetPackageProcess(ctx, packageName)
	if err != nil {
		cp.checkBroken(c)
		return "", err
	}
	if desc == "" {
		return "", ErrAppNotRunning
	}
	return desc, nil
}
