package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AlbatrossHook/AlbatrossManager/pkg/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "albatross.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "albatross.db")
	s, err := Open(context.Background(), path)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, path, s.Path())
	require.NoError(t, s.Close())
}

func TestPluginCRUD(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	p := &model.Plugin{Name: "X", PackageName: "com.x", ClassName: "com.x.Entry", Enabled: true}
	require.NoError(t, s.UpsertPlugin(ctx, p))
	assert.NotZero(t, p.ID)
	assert.Equal(t, model.AllApps, p.SupportedApps)

	firstID := p.ID
	p.Params = "debug=1"
	p.Enabled = false
	require.NoError(t, s.UpsertPlugin(ctx, p))
	assert.Equal(t, firstID, p.ID)

	got, err := s.GetPlugin(ctx, "com.x")
	require.NoError(t, err)
	assert.Equal(t, "debug=1", got.Params)
	assert.False(t, got.Enabled)

	require.NoError(t, s.UpsertPlugin(ctx, &model.Plugin{PackageName: "com.z", Enabled: true}))

	all, err := s.ListPlugins(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	enabled, err := s.ListEnabledPlugins(ctx)
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	assert.Equal(t, "com.z", enabled[0].PackageName)

	_, err = s.GetPlugin(ctx, "com.missing")
	assert.ErrorIs(t, err, model.ErrNotFound)

	assert.Error(t, s.UpsertPlugin(ctx, &model.Plugin{}))
}

func TestRulesAndCascade(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertPlugin(ctx, &model.Plugin{PackageName: "com.x", SupportedApps: "com.y,com.w"}))

	added, err := s.AddRule(ctx, "com.x", "com.y")
	require.NoError(t, err)
	assert.True(t, added)
	added, err = s.AddRule(ctx, "com.x", "com.y")
	require.NoError(t, err)
	assert.False(t, added)
	_, err = s.AddRule(ctx, "com.x", "com.q")
	require.NoError(t, err)

	rules, err := s.ListRules(ctx, "com.x")
	require.NoError(t, err)
	assert.Equal(t, []string{"com.q", "com.y"}, rules)

	effective, err := s.PluginEffectiveApps(ctx, "com.x")
	require.NoError(t, err)
	assert.Equal(t, []string{"com.y"}, effective)

	removed, err := s.RemoveRule(ctx, "com.x", "com.q")
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = s.RemoveRule(ctx, "com.x", "com.q")
	require.NoError(t, err)
	assert.False(t, removed)

	require.NoError(t, s.DeletePlugin(ctx, "com.x"))
	rules, err = s.ListRules(ctx, "com.x")
	require.NoError(t, err)
	assert.Empty(t, rules)

	assert.ErrorIs(t, s.DeletePlugin(ctx, "com.x"), model.ErrNotFound)
}

func TestRuleRequiresPlugin(t *testing.T) {
	s := openTestStore(t)
	_, err := s.AddRule(context.Background(), "com.unknown", "com.y")
	assert.Error(t, err)
}

func TestRootAndSuPath(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	root, err := s.RootPath(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.DefaultRootPath, root)

	require.NoError(t, s.SaveRootPath(ctx, "/data/adb/albatross"))
	root, err = s.RootPath(ctx)
	require.NoError(t, err)
	assert.Equal(t, "/data/adb/albatross/", root)

	su, err := s.SuPath(ctx)
	require.NoError(t, err)
	assert.Empty(t, su)

	require.NoError(t, s.SaveSuPath(ctx, "/sbin/su"))
	su, err = s.SuPath(ctx)
	require.NoError(t, err)
	assert.Equal(t, "/sbin/su", su)
}

func newVersion(name string) *model.ServerVersion {
	return &model.ServerVersion{
		Version:          name,
		PrimaryArch:      "arm64-v8a",
		Support32Bit:     true,
		ServerBinaryPath: "/v/" + name + "/albatross_server",
		NativeLibPath:    "/v/" + name + "/libalbatross_base.so",
		AgentDir:         "/v/" + name + "/agent",
		ImportTime:       time.Now().UTC().Truncate(time.Second),
	}
}

func TestServerVersions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.CurrentServerVersion(ctx)
	assert.ErrorIs(t, err, model.ErrNotFound)

	require.NoError(t, s.AddServerVersion(ctx, newVersion("1.0"), false))
	_, err = s.CurrentServerVersion(ctx)
	assert.ErrorIs(t, err, model.ErrNotFound)

	v2 := newVersion("2.0")
	require.NoError(t, s.AddServerVersion(ctx, v2, true))

	cur, err := s.CurrentServerVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2.0", cur.Version)
	assert.True(t, cur.Support32Bit)
	assert.False(t, cur.Has32BitLib())
	assert.WithinDuration(t, v2.ImportTime, cur.ImportTime, time.Second)

	versions, err := s.ListServerVersions(ctx)
	require.NoError(t, err)
	assert.Len(t, versions, 2)

	assert.ErrorIs(t, s.SetCurrentServerVersion(ctx, "9.9"), model.ErrNotFound)
	require.NoError(t, s.SetCurrentServerVersion(ctx, "1.0"))

	// deleting a non-current version keeps the selection
	require.NoError(t, s.DeleteServerVersion(ctx, "2.0"))
	cur, err = s.CurrentServerVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1.0", cur.Version)

	require.NoError(t, s.DeleteServerVersion(ctx, "1.0"))
	_, err = s.CurrentServerVersion(ctx)
	assert.ErrorIs(t, err, model.ErrNotFound)

	assert.ErrorIs(t, s.DeleteServerVersion(ctx, "1.0"), model.ErrNotFound)
}
