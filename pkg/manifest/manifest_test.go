package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AlbatrossHook/AlbatrossManager/pkg/model"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLoadVersion(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, VersionFile), `
version: "1.2.0"
description: stable
primary_arch: arm64-v8a
support_32bit: true
native_lib32: 32bit/libalbatross_base.so
agent_dir: agent
`)

	m, err := LoadVersion(dir)
	require.NoError(t, err)

	v := m.ServerVersion()
	assert.Equal(t, "1.2.0", v.Version)
	assert.Equal(t, filepath.Join(dir, "albatross_server"), v.ServerBinaryPath)
	assert.Equal(t, filepath.Join(dir, "libalbatross_base.so"), v.NativeLibPath)
	assert.Equal(t, filepath.Join(dir, "32bit", "libalbatross_base.so"), v.NativeLib32Path)
	assert.Equal(t, filepath.Join(dir, "agent"), v.AgentDir)
	assert.True(t, v.Has32BitLib())
	assert.False(t, v.ImportTime.IsZero())
}

func TestLoadVersionInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"missing version", "primary_arch: x86_64\n"},
		{"lib32 without support", "version: '1'\nnative_lib32: lib32.so\n"},
		{"bad yaml", "version: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeFile(t, filepath.Join(dir, VersionFile), tt.content)
			_, err := LoadVersion(dir)
			assert.Error(t, err)
		})
	}

	_, err := LoadVersion(t.TempDir())
	assert.Error(t, err)
}

func TestLoadPlugin(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plugin.yaml")
	writeFile(t, path, `
package: com.example.hook
class: com.example.hook.Entry
author: someone
supported_apps: [com.y, com.w]
flags: 2
`)

	m, err := LoadPlugin(path)
	require.NoError(t, err)

	p := m.Model()
	assert.Equal(t, "com.example.hook", p.Name)
	assert.Equal(t, "com.y,com.w", p.SupportedApps)
	assert.Equal(t, int32(2), p.Flags)
	assert.False(t, p.Enabled)

	m.SupportedApps = nil
	assert.Equal(t, model.AllApps, m.Model().SupportedApps)
}

func TestLoadPluginRequiresClass(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plugin.yaml")
	writeFile(t, path, "package: com.x\n")
	_, err := LoadPlugin(path)
	assert.ErrorContains(t, err, "class is required")
}
