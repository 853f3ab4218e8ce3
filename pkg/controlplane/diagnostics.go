package controlplane

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/AlbatrossHook/AlbatrossManager/pkg/model"
)

// DefaultLogLines is how much of the server log ServerLog shows by default.
const DefaultLogLines = 50

// ErrCommandFailed is returned when a diagnostic command exits non-zero.
var ErrCommandFailed = errors.New("command failed")

// SELinuxMode reports the device's SELinux mode as printed by getenforce,
// e.g. "Enforcing" or "Permissive".
func (cp *ControlPlane) SELinuxMode(ctx context.Context) (string, error) {
	var mode string
	err := cp.run(ctx, "selinux mode", func(ctx context.Context) error {
		code, out, err := cp.runCommand(ctx, "getenforce")
		if err != nil {
			return err
		}
		if code != 0 {
			return fmt.Errorf("%w: getenforce: exit %d", ErrCommandFailed, code)
		}
		mode = strings.TrimSpace(out)
		return nil
	})
	return mode, err
}

// ServerLog returns the last lines of the server's log file in the staging
// root.
func (cp *ControlPlane) ServerLog(ctx context.Context, lines int) ([]string, error) {
	if lines <= 0 {
		return nil, fmt.Errorf("line count must be positive, got %d", lines)
	}
	var out []string
	err := cp.run(ctx, "server log", func(ctx context.Context) error {
		root, err := cp.store.RootPath(ctx)
		if err != nil {
			return fmt.Errorf("load root path: %w", err)
		}
		path := model.Staged(root).Log
		code, text, err := cp.runCommand(ctx, fmt.Sprintf("tail -n %d %s", lines, path))
		if err != nil {
			return err
		}
		if code != 0 {
			return fmt.Errorf("%w: read %s: exit %d", ErrCommandFailed, path, code)
		}
		if text = strings.TrimRight(text, "\n"); text != "" {
			out = strings.Split(text, "\n")
		}
		return nil
	})
	return out, err
}
