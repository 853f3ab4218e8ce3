package registry

import (
	"context"
	"fmt"
	"strings"
)

// CommandFunc runs a shell command on the device.
type CommandFunc func(ctx context.Context, command string) (exitCode int, output string, err error)

// PackageManagerResolver resolves code paths with `pm path`.
type PackageManagerResolver struct {
	Run CommandFunc
}

// CodePath returns the first base code path reported by the package manager.
func (r PackageManagerResolver) CodePath(ctx context.Context, packageName string) (string, error) {
	if strings.ContainsAny(packageName, " ;&|'\"`$") {
		return "", fmt.Errorf("invalid package name %q", packageName)
	}
	code, out, err := r.Run(ctx, "pm path "+packageName)
	if err != nil {
		return "", fmt.Errorf("pm path %s: %w", packageName, err)
	}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if path, ok := strings.CutPrefix(line, "package:"); ok && path != "" {
			return path, nil
		}
	}
	if code != 0 || strings.TrimSpace(out) == "" {
		return "", ErrAppNotFound
	}
	return "", fmt.Errorf("pm path %s: unexpected output %q", packageName, out)
}

// StaticResolver maps package names to code paths.
type StaticResolver map[string]string

// CodePath implements AppResolver.
func (r StaticResolver) CodePath(_ context.Context, packageName string) (string, error) {
	if path, ok := r[packageName]; ok {
		return path, nil
	}
	return "", ErrAppNotFound
}
