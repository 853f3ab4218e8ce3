package registry

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AlbatrossHook/AlbatrossManager/pkg/conn"
	"github.com/AlbatrossHook/AlbatrossManager/pkg/model"
	"github.com/AlbatrossHook/AlbatrossManager/pkg/wire"
	"github.com/AlbatrossHook/AlbatrossManager/pkg/wire/wiretest"
)

// memStore is an in-memory Store
type memStore struct {
	mu      sync.Mutex
	plugins map[string]*model.Plugin
	rules   map[string]map[string]bool
}

func newMemStore() *memStore {
	return &memStore{
		plugins: make(map[string]*model.Plugin),
		rules:   make(map[string]map[string]bool),
	}
}

func (m *memStore) add(p model.Plugin, rules ...string) *model.Plugin {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := p
	m.plugins[p.PackageName] = &cp
	m.rules[p.PackageName] = make(map[string]bool)
	for _, r := range rules {
		m.rules[p.PackageName][r] = true
	}
	return &cp
}

func (m *memStore) ListPlugins(ctx context.Context) ([]*model.Plugin, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Plugin
	for _, p := range m.plugins {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) ListEnabledPlugins(ctx context.Context) ([]*model.Plugin, error) {
	all, _ := m.ListPlugins(ctx)
	var out []*model.Plugin
	for _, p := range all {
		if p.Enabled {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memStore) GetPlugin(ctx context.Context, packageName string) (*model.Plugin, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.plugins[packageName]
	if !ok {
		return nil, model.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *memStore) UpsertPlugin(ctx context.Context, p *model.Plugin) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.plugins[p.PackageName] = &cp
	return nil
}

func (m *memStore) DeletePlugin(ctx context.Context, packageName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.plugins[packageName]; !ok {
		return model.ErrNotFound
	}
	delete(m.plugins, packageName)
	delete(m.rules, packageName)
	return nil
}

func (m *memStore) ListRules(ctx context.Context, pluginPackage string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for r := range m.rules[pluginPackage] {
		out = append(out, r)
	}
	sort.Strings(out)
	return out, nil
}

func (m *memStore) AddRule(ctx context.Context, pluginPackage, targetPackage string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rules[pluginPackage] == nil {
		m.rules[pluginPackage] = make(map[string]bool)
	}
	if m.rules[pluginPackage][targetPackage] {
		return false, nil
	}
	m.rules[pluginPackage][targetPackage] = true
	return true, nil
}

func (m *memStore) RemoveRule(ctx context.Context, pluginPackage, targetPackage string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.rules[pluginPackage][targetPackage] {
		return false, nil
	}
	delete(m.rules[pluginPackage], targetPackage)
	return true, nil
}

func (m *memStore) DeleteRulesForPlugin(ctx context.Context, pluginPackage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rules, pluginPackage)
	return nil
}

func connect(t *testing.T, lsposed bool) (*wiretest.Server, *conn.Connection) {
	t.Helper()
	srv, err := wiretest.Start()
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })
	srv.SetLsposed(lsposed)

	c, err := conn.Dial(context.Background(), srv.Address(), conn.Options{CallTimeout: 2 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	srv.ResetCalls()
	return srv, c
}

func TestSyncRegistersEnabledPlugins(t *testing.T) {
	srv, c := connect(t, false)
	st := newMemStore()
	st.add(model.Plugin{ID: 1, PackageName: "com.a", ClassName: "com.a.Entry", Params: "p=1", Flags: 4, Enabled: true}, "com.t1", "com.t2")
	st.add(model.Plugin{ID: 2, PackageName: "com.b", ClassName: "com.b.Entry", Enabled: false}, "com.t3")
	srv.SeedPlugin(2, "com.b.Stale", "com.t3")

	resolver := StaticResolver{"com.a": "/data/app/com.a/base.apk", "com.b": "/data/app/com.b/base.apk"}
	report, err := NewSyncer(st, resolver).Sync(context.Background(), c)
	require.NoError(t, err)

	assert.NotEmpty(t, report.ID)
	assert.False(t, report.Conflict)
	require.Len(t, report.Items, 2)
	assert.Equal(t, OutcomeRegistered, report.Items[0].Outcome)
	assert.Equal(t, 2, report.Items[0].Rules)
	assert.Equal(t, OutcomeDisabled, report.Items[1].Outcome)
	assert.Empty(t, report.Failed())

	p, ok := srv.Plugin(1)
	require.True(t, ok)
	assert.Equal(t, "/data/app/com.a/base.apk", p.CodePath)
	assert.Equal(t, "com.a.Entry", p.ClassName)
	assert.Equal(t, "p=1", p.Params)
	assert.Equal(t, int32(4), p.Flags)
	assert.Equal(t, []string{"com.t1", "com.t2"}, srv.Rules(1))

	// the disabled plugin is removed and never registered
	_, ok = srv.Plugin(2)
	assert.False(t, ok)
	for _, call := range srv.CallsFor(wire.VerbRegisterPlugin) {
		assert.NotEqual(t, int32(2), call.ID)
	}
}

func TestSyncIsIdempotent(t *testing.T) {
	srv, c := connect(t, false)
	st := newMemStore()
	st.add(model.Plugin{ID: 1, PackageName: "com.a", ClassName: "A", Enabled: true}, "com.t1")
	st.add(model.Plugin{ID: 3, PackageName: "com.c", ClassName: "C", Enabled: true}, "com.t1", "com.t9")
	s := NewSyncer(st, StaticResolver{"com.a": "/a.apk", "com.c": "/c.apk"})

	_, err := s.Sync(context.Background(), c)
	require.NoError(t, err)
	firstIDs := srv.PluginIDs()
	firstRules := [][]string{srv.Rules(1), srv.Rules(3)}

	second, err := s.Sync(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, 2, second.Count(OutcomeRegistered))
	assert.Equal(t, firstIDs, srv.PluginIDs())
	assert.Equal(t, firstRules, [][]string{srv.Rules(1), srv.Rules(3)})
}

func TestSyncConflictMakesNoServerCalls(t *testing.T) {
	srv, c := connect(t, true)
	st := newMemStore()
	st.add(model.Plugin{ID: 1, PackageName: "com.a", ClassName: "A", Enabled: true}, "com.t1")

	notified := 0
	s := NewSyncer(st, StaticResolver{"com.a": "/a.apk"}, WithConflictHandler(func(ctx context.Context) {
		notified++
	}))
	report, err := s.Sync(context.Background(), c)
	require.NoError(t, err)

	assert.True(t, report.Conflict)
	assert.Empty(t, report.Items)
	assert.Equal(t, 1, notified)
	assert.Empty(t, srv.Calls())
}

func TestSyncRemovesUninstalledPluginLocally(t *testing.T) {
	srv, c := connect(t, false)
	st := newMemStore()
	st.add(model.Plugin{ID: 7, PackageName: "com.x", ClassName: "X", Enabled: true}, "com.y")

	report, err := NewSyncer(st, StaticResolver{}).Sync(context.Background(), c)
	require.NoError(t, err)

	require.Len(t, report.Items, 1)
	assert.Equal(t, OutcomeRemovedLocally, report.Items[0].Outcome)
	assert.Empty(t, srv.Calls())

	_, err = st.GetPlugin(context.Background(), "com.x")
	assert.ErrorIs(t, err, model.ErrNotFound)
	rules, _ := st.ListRules(context.Background(), "com.x")
	assert.Empty(t, rules)
}

type failingResolver struct{}

func (failingResolver) CodePath(context.Context, string) (string, error) {
	return "", errors.New("package manager unavailable")
}

func TestSyncRecordsPerItemFailures(t *testing.T) {
	_, c := connect(t, false)
	st := newMemStore()
	st.add(model.Plugin{ID: 1, PackageName: "com.a", ClassName: "A", Enabled: true})
	st.add(model.Plugin{ID: 2, PackageName: "com.b", ClassName: "B", Enabled: true})

	report, err := NewSyncer(st, failingResolver{}).Sync(context.Background(), c)
	require.NoError(t, err)
	assert.Len(t, report.Failed(), 2)

	// resolver errors other than not-installed keep the plugin
	_, err = st.GetPlugin(context.Background(), "com.a")
	assert.NoError(t, err)
}

func TestSyncWithoutServer(t *testing.T) {
	_, err := NewSyncer(newMemStore(), StaticResolver{}).Sync(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestPushHelpers(t *testing.T) {
	srv, c := connect(t, false)
	ctx := context.Background()
	st := newMemStore()
	p := st.add(model.Plugin{ID: 5, PackageName: "com.p", ClassName: "P", Enabled: true}, "com.t1")
	s := NewSyncer(st, StaticResolver{"com.p": "/p.apk"})

	// params on a plugin the server does not know
	assert.ErrorIs(t, s.PushParams(ctx, c, p), ErrPluginNotOnServer)

	require.NoError(t, s.PushEnabled(ctx, c, p))
	assert.Equal(t, []string{"com.t1"}, srv.Rules(5))

	p.Params = "verbose"
	require.NoError(t, s.PushParams(ctx, c, p))
	got, _ := srv.Plugin(5)
	assert.Equal(t, "verbose", got.Params)

	require.NoError(t, s.PushRuleAdded(ctx, c, p, "com.t2"))
	require.NoError(t, s.PushRuleRemoved(ctx, c, p, "com.t1"))
	assert.Equal(t, []string{"com.t2"}, srv.Rules(5))

	p.Enabled = false
	require.NoError(t, s.PushEnabled(ctx, c, p))
	_, ok := srv.Plugin(5)
	assert.False(t, ok)

	// disabled plugins are not touched by rule edits
	srv.ResetCalls()
	require.NoError(t, s.PushRuleAdded(ctx, c, p, "com.t3"))
	assert.Empty(t, srv.Calls())

	assert.ErrorIs(t, s.PushDeleted(ctx, nil, p), ErrNotConnected)
}

func TestPushEnabledUninstalledApp(t *testing.T) {
	srv, c := connect(t, false)
	st := newMemStore()
	p := st.add(model.Plugin{ID: 9, PackageName: "com.gone", ClassName: "G", Enabled: true})

	err := NewSyncer(st, StaticResolver{}).PushEnabled(context.Background(), c, p)
	assert.ErrorIs(t, err, ErrAppNotFound)
	assert.Empty(t, srv.Calls())
	_, err = st.GetPlugin(context.Background(), "com.gone")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestPluginIDOutOfRange(t *testing.T) {
	srv, c := connect(t, false)
	ctx := context.Background()
	st := newMemStore()
	st.add(model.Plugin{ID: 1, PackageName: "com.a", ClassName: "A", Enabled: true}, "com.t1")
	big := st.add(model.Plugin{ID: math.MaxInt32 + 1, PackageName: "com.big", ClassName: "B", Enabled: true}, "com.t1")
	s := NewSyncer(st, StaticResolver{"com.a": "/a.apk", "com.big": "/big.apk"})

	report, err := s.Sync(ctx, c)
	require.NoError(t, err)
	require.Len(t, report.Items, 2)
	assert.Equal(t, OutcomeRegistered, report.Items[0].Outcome)
	assert.Equal(t, OutcomeFailed, report.Items[1].Outcome)
	assert.ErrorIs(t, report.Items[1].Err, ErrPluginIDRange)
	assert.Equal(t, []int32{1}, srv.PluginIDs(), "the oversized id never reaches the server")

	srv.ResetCalls()
	assert.ErrorIs(t, s.PushEnabled(ctx, c, big), ErrPluginIDRange)
	assert.ErrorIs(t, s.PushParams(ctx, c, big), ErrPluginIDRange)
	assert.ErrorIs(t, s.PushRuleAdded(ctx, c, big, "com.t2"), ErrPluginIDRange)
	assert.ErrorIs(t, s.PushRuleRemoved(ctx, c, big, "com.t1"), ErrPluginIDRange)
	assert.ErrorIs(t, s.PushDeleted(ctx, c, big), ErrPluginIDRange)
	assert.ErrorIs(t, s.PushDeleted(ctx, c, &model.Plugin{ID: -1}), ErrPluginIDRange)
	assert.Empty(t, srv.Calls())
}

func TestPackageManagerResolver(t *testing.T) {
	tests := []struct {
		name    string
		code    int
		out     string
		want    string
		wantErr error
	}{
		{"installed", 0, "package:/data/app/~~x/com.a-1/base.apk\n", "/data/app/~~x/com.a-1/base.apk", nil},
		{"split apks", 0, "package:/data/app/a/base.apk\npackage:/data/app/a/split_config.apk\n", "/data/app/a/base.apk", nil},
		{"not installed", 1, "", "", ErrAppNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotCmd string
			r := PackageManagerResolver{Run: func(ctx context.Context, cmd string) (int, string, error) {
				gotCmd = cmd
				return tt.code, tt.out, nil
			}}
			path, err := r.CodePath(context.Background(), "com.a")
			assert.Equal(t, "pm path com.a", gotCmd)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, path)
		})
	}

	_, err := PackageManagerResolver{}.CodePath(context.Background(), "com.a; reboot")
	assert.Error(t, err)
}
