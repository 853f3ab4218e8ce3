package controlplane

import (
	"context"
	"errors"

	"github.com/AlbatrossHook/AlbatrossManager/pkg/conn"
	"github.com/AlbatrossHook/AlbatrossManager/pkg/lifecycle"
	"github.com/AlbatrossHook/AlbatrossManager/pkg/registry"
)

// Level is the severity of a Notice.
type Level int

const (
	LevelInfo Level = iota
	LevelWarning
	LevelError
)

// Notice is a short user-facing message.
type Notice struct {
	Level   Level
	Message string
}

// Notifier delivers notices without blocking the caller.
type Notifier interface {
	Notify(ctx context.Context, n Notice)
}

type noopNotifier struct{}

func (noopNotifier) Notify(context.Context, Notice) {}

var (
	// ErrAppNotRunning is returned by AppProcesses when the app has no process.
	ErrAppNotRunning = errors.New("app not running")
	// ErrInjectFailed wraps non-success DoInject and LoadSystemPlugin codes.
	ErrInjectFailed = errors.New("injection failed")
	// ErrBridgeNotReady is returned when dialing before the search path patch.
	ErrBridgeNotReady = errors.New("core library not loaded")
)

// Message maps err to the short status string shown to users.
func Message(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, registry.ErrNotConnected):
		return "connect to the server first"
	case errors.Is(err, ErrAppNotRunning):
		return "app not running"
	case errors.Is(err, registry.ErrAppNotFound):
		return "app not installed"
	case errors.Is(err, registry.ErrPluginNotOnServer):
		return "plugin not found on server"
	case errors.Is(err, conn.ErrConflict):
		return "conflicting injection framework detected"
	case errors.Is(err, conn.ErrServerNotRunning), errors.Is(err, conn.ErrBroken):
		return "server not running"
	case errors.Is(err, lifecycle.ErrNoRoot):
		return "root access required"
	case errors.Is(err, ErrBridgeNotReady):
		return "core library not loaded"
	default:
		return err.Error()
	}
}
