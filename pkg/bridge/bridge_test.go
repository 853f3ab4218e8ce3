package bridge

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTierForSDK(t *testing.T) {
	tests := []struct {
		sdk  int
		want Tier
	}{
		{19, TierLegacyArray},
		{22, TierLegacyArray},
		{23, TierListElements},
		{25, TierListElements},
		{26, TierListElementsV2},
		{34, TierListElementsV2},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, TierForSDK(tt.sdk), "sdk %d", tt.sdk)
		assert.Equal(t, tt.want, SelectExtender(tt.sdk).Tier(), "sdk %d", tt.sdk)
	}
}

func TestExtendersAppendWithoutDuplicates(t *testing.T) {
	base := SearchPath{
		CodeElements: []string{`dex file "/system/framework/base.dex"`},
		NativeDirs:   []string{"/system/lib64"},
	}

	for _, sdk := range []int{21, 24, 30} {
		ext := SelectExtender(sdk)
		t.Run(ext.Tier().String(), func(t *testing.T) {
			once, err := ext.Extend(base, "/data/local/tmp/albatross/app_agent.dex", "/data/local/tmp/albatross")
			require.NoError(t, err)
			twice, err := ext.Extend(once, "/data/local/tmp/albatross/app_agent.dex", "/data/local/tmp/albatross")
			require.NoError(t, err)

			assert.Equal(t, once, twice)
			assert.Equal(t, []string{"/system/lib64", "/data/local/tmp/albatross"}, twice.NativeDirs)
			assert.Len(t, twice.CodeElements, 2)
			assert.Equal(t, `dex file "/data/local/tmp/albatross/app_agent.dex"`, twice.CodeElements[1])

			if ext.Tier() == TierLegacyArray {
				assert.Empty(t, twice.NativeElements)
			} else {
				assert.Equal(t, []string{`directory "/data/local/tmp/albatross"`}, twice.NativeElements)
			}

			// input is untouched
			assert.Len(t, base.NativeDirs, 1)
		})
	}
}

func TestListElementsSuppressesRelativePaths(t *testing.T) {
	out, err := listElementsExtender{}.Extend(SearchPath{}, "agent.dex", "/lib")
	require.NoError(t, err)
	assert.Empty(t, out.CodeElements)
	require.Len(t, out.Suppressed, 1)
	assert.Contains(t, out.Suppressed[0], "agent.dex")
}

func TestListElementsV2RejectsRelativeNativeDir(t *testing.T) {
	_, err := listElementsV2Extender{}.Extend(SearchPath{}, "/agent.dex", "lib")
	assert.Error(t, err)
}

type failingLoader struct {
	readErr  error
	writeErr error
}

func (l *failingLoader) SearchPath() (SearchPath, error) { return SearchPath{}, l.readErr }
func (l *failingLoader) SetSearchPath(SearchPath) error  { return l.writeErr }

func TestBridgePatch(t *testing.T) {
	loader := NewMemoryLoader(SearchPath{NativeDirs: []string{"/system/lib"}})
	b := ForSDK(28)
	assert.False(t, b.Ready())

	require.NoError(t, b.Patch(loader, "/root/app_agent.dex", "/root"))
	require.NoError(t, b.Patch(loader, "/root/app_agent.dex", "/root"))
	assert.True(t, b.Ready())

	sp, err := loader.SearchPath()
	require.NoError(t, err)
	assert.Equal(t, []string{"/system/lib", "/root"}, sp.NativeDirs)
	assert.Len(t, sp.CodeElements, 1)
}

func TestBridgePatchFailures(t *testing.T) {
	boom := errors.New("boom")

	tests := []struct {
		name   string
		loader Loader
		code   string
		native string
		op     string
	}{
		{"nil loader", nil, "/a.dex", "/lib", "patch"},
		{"empty input", NewMemoryLoader(SearchPath{}), "", "/lib", "patch"},
		{"read fails", &failingLoader{readErr: boom}, "/a.dex", "/lib", "read search path"},
		{"write fails", &failingLoader{writeErr: boom}, "/a.dex", "/lib", "write search path"},
		{"extend fails", NewMemoryLoader(SearchPath{}), "/a.dex", "lib", "extend"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := ForSDK(30)
			err := b.Patch(tt.loader, tt.code, tt.native)

			var loadErr *BridgeLoadError
			require.ErrorAs(t, err, &loadErr)
			assert.Equal(t, tt.op, loadErr.Op)
			assert.Equal(t, TierListElementsV2, loadErr.Tier)
			assert.False(t, b.Ready())
		})
	}
}

func TestLibraryName(t *testing.T) {
	assert.Equal(t, "albatross_base", LibraryName("/data/local/tmp/albatross/libalbatross_base.so"))
	assert.Equal(t, "foo", LibraryName("foo.so"))
}

func TestCheckArtifacts(t *testing.T) {
	dir := t.TempDir()
	dex := filepath.Join(dir, "app_agent.dex")
	require.NoError(t, os.WriteFile(dex, []byte("dex"), 0o644))

	assert.NoError(t, CheckArtifacts(dex))

	err := CheckArtifacts(dex, filepath.Join(dir, "libalbatross_base.so"))
	require.ErrorIs(t, err, ErrArtifactMissing)
	assert.Contains(t, err.Error(), "libalbatross_base.so")
}
