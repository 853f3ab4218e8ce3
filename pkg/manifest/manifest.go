// Package manifest loads the YAML descriptors of server versions and plugins.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AlbatrossHook/AlbatrossManager/pkg/model"
)

// VersionFile is the descriptor name inside an extracted server version directory.
const VersionFile = "version.yaml"

// Version describes an extracted server build
type Version struct {
	// Version string, unique among imported versions
	Version string `yaml:"version"`

	// Optional: human-readable notes
	Description string `yaml:"description"`

	// ABI of the main binary (e.g., "arm64-v8a")
	PrimaryArch string `yaml:"primary_arch"`

	// Whether 32-bit processes can be injected
	Support32Bit bool `yaml:"support_32bit"`

	// Paths relative to the manifest directory
	Server      string `yaml:"server"`
	NativeLib   string `yaml:"native_lib"`
	NativeLib32 string `yaml:"native_lib32"`
	AgentDir    string `yaml:"agent_dir"`

	dir string `yaml:"-"`
}

// LoadVersion reads dir/version.yaml.
func LoadVersion(dir string) (*Version, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve version dir: %w", err)
	}

	data, err := os.ReadFile(filepath.Join(absDir, VersionFile))
	if err != nil {
		return nil, fmt.Errorf("read version manifest: %w", err)
	}

	var v Version
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("parse version manifest: %w", err)
	}
	v.dir = absDir

	if v.Server == "" {
		v.Server = model.ServerBinaryName
	}
	if v.NativeLib == "" {
		v.NativeLib = model.NativeLibName
	}
	if v.AgentDir == "" {
		v.AgentDir = "."
	}

	if err := v.Validate(); err != nil {
		return nil, fmt.Errorf("validate version manifest: %w", err)
	}
	return &v, nil
}

// Validate checks if the manifest is valid
func (v *Version) Validate() error {
	if v.Version == "" {
		return fmt.Errorf("version is required")
	}
	if v.NativeLib32 != "" && !v.Support32Bit {
		return fmt.Errorf("native_lib32 set but support_32bit is false")
	}
	return nil
}

func (v *Version) resolve(rel string) string {
	if rel == "" || filepath.IsAbs(rel) {
		return rel
	}
	return filepath.Join(v.dir, rel)
}

// ServerVersion converts the manifest into a record with absolute paths.
func (v *Version) ServerVersion() *model.ServerVersion {
	return &model.ServerVersion{
		Version:          v.Version,
		Description:      v.Description,
		PrimaryArch:      v.PrimaryArch,
		Support32Bit:     v.Support32Bit,
		ServerBinaryPath: v.resolve(v.Server),
		NativeLibPath:    v.resolve(v.NativeLib),
		NativeLib32Path:  v.resolve(v.NativeLib32),
		AgentDir:         v.resolve(v.AgentDir),
		ImportTime:       time.Now().UTC(),
	}
}

// Plugin describes an installable plugin
type Plugin struct {
	Package       string   `yaml:"package"`
	Name          string   `yaml:"name"`
	Class         string   `yaml:"class"`
	Description   string   `yaml:"description"`
	Author        string   `yaml:"author"`
	Version       string   `yaml:"version"`
	SupportedApps []string `yaml:"supported_apps"`
	Params        string   `yaml:"params"`
	Flags         int32    `yaml:"flags"`
	Enabled       bool     `yaml:"enabled"`
}

// LoadPlugin reads a plugin descriptor.
func LoadPlugin(path string) (*Plugin, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plugin manifest: %w", err)
	}

	var p Plugin
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse plugin manifest: %w", err)
	}
	if p.Package == "" {
		return nil, fmt.Errorf("validate plugin manifest: package is required")
	}
	if p.Class == "" {
		return nil, fmt.Errorf("validate plugin manifest: class is required")
	}
	return &p, nil
}

// Model converts the descriptor into a plugin record.
func (p *Plugin) Model() *model.Plugin {
	supported := model.AllApps
	if len(p.SupportedApps) > 0 {
		supported = strings.Join(p.SupportedApps, ",")
	}
	name := p.Name
	if name == "" {
		name = p.Package
	}
	return &model.Plugin{
		Name:          name,
		PackageName:   p.Package,
		ClassName:     p.Class,
		Description:   p.Description,
		Author:        p.Author,
		AppVersion:    p.Version,
		Enabled:       p.Enabled,
		Params:        p.Params,
		Flags:         p.Flags,
		SupportedApps: supported,
	}
}
