package controlplane

import (
	"context"
	"errors"
	"fmt"

	"github.com/AlbatrossHook/AlbatrossManager/pkg/bridge"
	"github.com/AlbatrossHook/AlbatrossManager/pkg/lifecycle"
	"github.com/AlbatrossHook/AlbatrossManager/pkg/model"
)

// CoreStatus is the result of CoreCheck.
type CoreStatus struct {
	Version     string
	Tier        bridge.Tier
	BridgeReady bool
	LibraryName string
	Rooted      bool
}

// CoreCheck verifies that the current server version ships its agent code and
// native library, and that the search path patch is applied.
func (cp *ControlPlane) CoreCheck(ctx context.Context) (CoreStatus, error) {
	status := CoreStatus{Tier: cp.bridge.Tier()}

	v, err := cp.store.CurrentServerVersion(ctx)
	if errors.Is(err, model.ErrNotFound) {
		return status, lifecycle.ErrNoServerVersion()
	}
	if err != nil {
		return status, fmt.Errorf("load current server version: %w", err)
	}
	status.Version = v.Version

	if err := bridge.CheckArtifacts(v.AppAgentSource(), v.SystemAgentSource(), v.NativeLibPath); err != nil {
		return status, err
	}
	status.LibraryName = bridge.LibraryName(v.NativeLibPath)

	if err := cp.patchBridge(ctx); err != nil {
		return status, err
	}
	status.BridgeReady = cp.bridge.Ready()
	status.Rooted = cp.lifecycle.IsRooted(ctx)
	return status, nil
}
