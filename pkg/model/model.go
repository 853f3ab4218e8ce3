// Package model defines the persisted records shared by the control plane and
// the storage collaborators it consumes.
package model

import (
	"strings"
	"time"
)

// Artifact names staged under the root path.
const (
	ServerBinaryName    = "albatross_server"
	NativeLibName       = "libalbatross_base.so"
	Lib32DirName        = "32bit"
	AppAgentFile        = "app_agent.dex"
	SystemAgentFile     = "system_server.dex"
	ServerLogFile       = "albatross_manager.log"
	DefaultRootPath     = "/data/local/tmp/albatross/"
	DefaultServerAddr   = "albatross_manager"
	SystemServerPackage = "system_server"

	// AllApps is the SupportedApps sentinel meaning every application.
	AllApps = "*"
)

// Plugin is a unit of third-party code registered for injection.
type Plugin struct {
	ID            int64
	Name          string
	PackageName   string
	ClassName     string
	Description   string
	Author        string
	AppVersion    string
	Enabled       bool
	Params        string
	Flags         int32
	SupportedApps string
}

// SupportedAppList splits SupportedApps into package names.
// Returns nil when the plugin supports every app.
func (p *Plugin) SupportedAppList() []string {
	if p.SupportedApps == "" || p.SupportedApps == AllApps {
		return nil
	}
	var apps []string
	for _, app := range strings.Split(p.SupportedApps, ",") {
		if app = strings.TrimSpace(app); app != "" {
			apps = append(apps, app)
		}
	}
	return apps
}

// SupportsApp reports whether the plugin declares support for pkg.
// An empty declaration is treated like the all-apps sentinel.
func (p *Plugin) SupportsApp(pkg string) bool {
	apps := p.SupportedAppList()
	if apps == nil {
		return true
	}
	for _, app := range apps {
		if app == pkg {
			return true
		}
	}
	return false
}

// Rule declares that PluginPackage is injected into TargetPackage.
type Rule struct {
	PluginPackage string
	TargetPackage string
}

// ServerVersion describes one imported build of the injection server.
type ServerVersion struct {
	Version          string
	Description      string
	PrimaryArch      string
	Support32Bit     bool
	ServerBinaryPath string
	NativeLibPath    string
	NativeLib32Path  string // empty when the build ships no 32-bit library
	AgentDir         string
	ImportTime       time.Time
}

// Has32BitLib reports whether a 32-bit library should be staged.
func (v *ServerVersion) Has32BitLib() bool {
	return v.Support32Bit && v.NativeLib32Path != ""
}

// AppAgentSource is the source path of the app agent code module.
func (v *ServerVersion) AppAgentSource() string {
	return strings.TrimRight(v.AgentDir, "/") + "/" + AppAgentFile
}

// SystemAgentSource is the source path of the system agent code module.
func (v *ServerVersion) SystemAgentSource() string {
	return strings.TrimRight(v.AgentDir, "/") + "/" + SystemAgentFile
}

// NormalizeRootPath makes sure the root path ends with a separator.
func NormalizeRootPath(path string) string {
	if path == "" {
		return DefaultRootPath
	}
	if !strings.HasSuffix(path, "/") {
		path += "/"
	}
	return path
}

// StagedPaths lists the artifact locations under a root path.
type StagedPaths struct {
	Root        string
	Server      string
	NativeLib   string
	NativeLib32 string
	AppAgent    string
	SystemAgent string
	Log         string
}

// Staged computes the artifact locations under root.
func Staged(root string) StagedPaths {
	root = NormalizeRootPath(root)
	return StagedPaths{
		Root:        root,
		Server:      root + ServerBinaryName,
		NativeLib:   root + NativeLibName,
		NativeLib32: root + Lib32DirName + "/" + NativeLibName,
		AppAgent:    root + AppAgentFile,
		SystemAgent: root + SystemAgentFile,
		Log:         root + ServerLogFile,
	}
}
