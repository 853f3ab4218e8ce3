package manifest

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsPluginFile(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"hook.yaml", true},
		{"dir/hook.yml", true},
		{"version.yaml", false},
		{".hook.yaml.swp", false},
		{".hook.yaml", false},
		{"hook.json", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsPluginFile(tt.name), tt.name)
	}
}

func TestLoadPluginDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.yaml"), "package: com.a\nclass: com.a.Entry\n")
	writeFile(t, filepath.Join(dir, "broken.yaml"), "package: com.b\n")
	writeFile(t, filepath.Join(dir, "notes.txt"), "ignored")

	plugins, err := LoadPluginDir(dir)
	require.NoError(t, err)
	require.Len(t, plugins, 1)
	assert.Equal(t, "com.a", plugins[filepath.Join(dir, "a.yaml")].Package)

	_, err = LoadPluginDir(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestWatch(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var seen []string
	got := make(chan struct{}, 8)

	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, dir, 50*time.Millisecond, func(ctx context.Context, path string, p *Plugin) error {
			mu.Lock()
			seen = append(seen, p.Package)
			mu.Unlock()
			got <- struct{}{}
			return nil
		})
	}()

	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)
	writeFile(t, filepath.Join(dir, "hook.yaml"), "package: com.hook\nclass: com.hook.Entry\n")
	writeFile(t, filepath.Join(dir, "readme.txt"), "ignored")

	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not called")
	}

	cancel()
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, seen)
	for _, pkg := range seen {
		assert.Equal(t, "com.hook", pkg)
	}
}
