// Package store persists plugins, rules and server versions in SQLite.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/AlbatrossHook/AlbatrossManager/pkg/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	keyCurrentVersion = "current_version"
	keyRootPath       = "root_path"
	keySuPath         = "su_file_path"
)

// Store provides database operations for the manager.
type Store struct {
	db   *sql.DB
	path string
}

// DefaultPath returns the default database location.
func DefaultPath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "./albatross.db"
	}
	return filepath.Join(homeDir, ".albatross", "albatross.db")
}

// Open opens (creating if needed) the database at path and applies migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		path = DefaultPath()
	}
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// PRAGMAs are per connection; one connection keeps them in force.
	db.SetMaxOpenConns(1)

	_, err = db.ExecContext(ctx, `
		PRAGMA journal_mode=WAL;
		PRAGMA synchronous=NORMAL;
		PRAGMA foreign_keys=ON;
		PRAGMA busy_timeout=5000;
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure sqlite: %w", err)
	}

	s := &Store{db: db, path: path}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

func (s *Store) runMigrations() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	dbDriver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", dbDriver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Path returns the database file location.
func (s *Store) Path() string {
	return s.path
}

// Plugin operations

const pluginColumns = `id, package_name, name, class_name, description, author, app_version,
	enabled, params, flags, supported_apps`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPlugin(row rowScanner) (*model.Plugin, error) {
	var p model.Plugin
	err := row.Scan(&p.ID, &p.PackageName, &p.Name, &p.ClassName, &p.Description, &p.Author,
		&p.AppVersion, &p.Enabled, &p.Params, &p.Flags, &p.SupportedApps)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) queryPlugins(ctx context.Context, query string, args ...any) ([]*model.Plugin, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list plugins: %w", err)
	}
	defer rows.Close()

	var plugins []*model.Plugin
	for rows.Next() {
		p, err := scanPlugin(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan plugin: %w", err)
		}
		plugins = append(plugins, p)
	}
	return plugins, rows.Err()
}

func (s *Store) ListPlugins(ctx context.Context) ([]*model.Plugin, error) {
	return s.queryPlugins(ctx, `SELECT `+pluginColumns+` FROM plugins ORDER BY id`)
}

func (s *Store) ListEnabledPlugins(ctx context.Context) ([]*model.Plugin, error) {
	return s.queryPlugins(ctx, `SELECT `+pluginColumns+` FROM plugins WHERE enabled = 1 ORDER BY id`)
}

func (s *Store) GetPlugin(ctx context.Context, packageName string) (*model.Plugin, error) {
	p, err := scanPlugin(s.db.QueryRowContext(ctx,
		`SELECT `+pluginColumns+` FROM plugins WHERE package_name = ?`, packageName))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("plugin %s: %w", packageName, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plugin: %w", err)
	}
	return p, nil
}

func (s *Store) UpsertPlugin(ctx context.Context, p *model.Plugin) error {
	if p.PackageName == "" {
		return errors.New("plugin package name is required")
	}
	supported := p.SupportedApps
	if supported == "" {
		supported = model.AllApps
	}

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO plugins (package_name, name, class_name, description, author, app_version,
			enabled, params, flags, supported_apps, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(package_name) DO UPDATE SET
			name = excluded.name,
			class_name = excluded.class_name,
			description = excluded.description,
			author = excluded.author,
			app_version = excluded.app_version,
			enabled = excluded.enabled,
			params = excluded.params,
			flags = excluded.flags,
			supported_apps = excluded.supported_apps,
			updated_at = CURRENT_TIMESTAMP
		RETURNING id
	`, p.PackageName, p.Name, p.ClassName, p.Description, p.Author, p.AppVersion,
		p.Enabled, p.Params, p.Flags, supported).Scan(&p.ID)
	if err != nil {
		return fmt.Errorf("failed to upsert plugin: %w", err)
	}
	p.SupportedApps = supported
	return nil
}

// DeletePlugin removes a plugin and its rules.
func (s *Store) DeletePlugin(ctx context.Context, packageName string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM plugin_rules WHERE plugin_package = ?`, packageName); err != nil {
		return fmt.Errorf("failed to delete rules: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM plugins WHERE package_name = ?`, packageName)
	if err != nil {
		return fmt.Errorf("failed to delete plugin: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("plugin %s: %w", packageName, model.ErrNotFound)
	}
	return tx.Commit()
}

// Rule operations

func (s *Store) ListRules(ctx context.Context, pluginPackage string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT target_package FROM plugin_rules
		WHERE plugin_package = ?
		ORDER BY target_package
	`, pluginPackage)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var targets []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		targets = append(targets, t)
	}
	return targets, rows.Err()
}

func (s *Store) AddRule(ctx context.Context, pluginPackage, targetPackage string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO plugin_rules (plugin_package, target_package) VALUES (?, ?)
	`, pluginPackage, targetPackage)
	if err != nil {
		return false, fmt.Errorf("failed to add rule: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) RemoveRule(ctx context.Context, pluginPackage, targetPackage string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM plugin_rules WHERE plugin_package = ? AND target_package = ?
	`, pluginPackage, targetPackage)
	if err != nil {
		return false, fmt.Errorf("failed to remove rule: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) DeleteRulesForPlugin(ctx context.Context, pluginPackage string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM plugin_rules WHERE plugin_package = ?`, pluginPackage)
	if err != nil {
		return fmt.Errorf("failed to delete rules: %w", err)
	}
	return nil
}

// PluginEffectiveApps returns the rule targets the plugin declares support for.
func (s *Store) PluginEffectiveApps(ctx context.Context, pluginPackage string) ([]string, error) {
	p, err := s.GetPlugin(ctx, pluginPackage)
	if err != nil {
		return nil, err
	}
	rules, err := s.ListRules(ctx, pluginPackage)
	if err != nil {
		return nil, err
	}
	var apps []string
	for _, r := range rules {
		if p.SupportsApp(r) {
			apps = append(apps, r)
		}
	}
	return apps, nil
}

// Config operations

func (s *Store) getConfig(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM server_config WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", model.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", key, err)
	}
	return v, nil
}

func (s *Store) setConfig(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO server_config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

// RootPath returns the staging root, defaulting when unset.
func (s *Store) RootPath(ctx context.Context) (string, error) {
	v, err := s.getConfig(ctx, keyRootPath)
	if errors.Is(err, model.ErrNotFound) {
		return model.DefaultRootPath, nil
	}
	if err != nil {
		return "", err
	}
	return model.NormalizeRootPath(v), nil
}

// SaveRootPath stores the staging root with a trailing separator.
func (s *Store) SaveRootPath(ctx context.Context, path string) error {
	return s.setConfig(ctx, keyRootPath, model.NormalizeRootPath(path))
}

func (s *Store) SuPath(ctx context.Context) (string, error) {
	v, err := s.getConfig(ctx, keySuPath)
	if errors.Is(err, model.ErrNotFound) {
		return "", nil
	}
	return v, err
}

func (s *Store) SaveSuPath(ctx context.Context, path string) error {
	return s.setConfig(ctx, keySuPath, path)
}

// Server version operations

const versionColumns = `version, description, primary_arch, support_32bit, server_binary_path,
	native_lib_path, native_lib32_path, agent_dir, import_time`

func scanVersion(row rowScanner) (*model.ServerVersion, error) {
	var v model.ServerVersion
	err := row.Scan(&v.Version, &v.Description, &v.PrimaryArch, &v.Support32Bit, &v.ServerBinaryPath,
		&v.NativeLibPath, &v.NativeLib32Path, &v.AgentDir, &v.ImportTime)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// AddServerVersion inserts or replaces a version, optionally making it current.
func (s *Store) AddServerVersion(ctx context.Context, v *model.ServerVersion, setCurrent bool) error {
	if v.Version == "" {
		return errors.New("server version is required")
	}
	if v.ImportTime.IsZero() {
		v.ImportTime = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO server_versions (`+versionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(version) DO UPDATE SET
			description = excluded.description,
			primary_arch = excluded.primary_arch,
			support_32bit = excluded.support_32bit,
			server_binary_path = excluded.server_binary_path,
			native_lib_path = excluded.native_lib_path,
			native_lib32_path = excluded.native_lib32_path,
			agent_dir = excluded.agent_dir,
			import_time = excluded.import_time
	`, v.Version, v.Description, v.PrimaryArch, v.Support32Bit, v.ServerBinaryPath,
		v.NativeLibPath, v.NativeLib32Path, v.AgentDir, v.ImportTime)
	if err != nil {
		return fmt.Errorf("failed to add server version: %w", err)
	}

	if setCurrent {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO server_config (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value
		`, keyCurrentVersion, v.Version)
		if err != nil {
			return fmt.Errorf("failed to set current version: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Store) ListServerVersions(ctx context.Context) ([]*model.ServerVersion, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+versionColumns+` FROM server_versions ORDER BY import_time DESC, version`)
	if err != nil {
		return nil, fmt.Errorf("failed to list server versions: %w", err)
	}
	defer rows.Close()

	var versions []*model.ServerVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan server version: %w", err)
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func (s *Store) GetServerVersion(ctx context.Context, version string) (*model.ServerVersion, error) {
	v, err := scanVersion(s.db.QueryRowContext(ctx,
		`SELECT `+versionColumns+` FROM server_versions WHERE version = ?`, version))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("server version %s: %w", version, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get server version: %w", err)
	}
	return v, nil
}

// CurrentServerVersion returns the selected version or ErrNotFound.
func (s *Store) CurrentServerVersion(ctx context.Context) (*model.ServerVersion, error) {
	name, err := s.getConfig(ctx, keyCurrentVersion)
	if err != nil {
		return nil, err
	}
	return s.GetServerVersion(ctx, name)
}

// SetCurrentServerVersion selects an existing version.
func (s *Store) SetCurrentServerVersion(ctx context.Context, version string) error {
	if _, err := s.GetServerVersion(ctx, version); err != nil {
		return err
	}
	return s.setConfig(ctx, keyCurrentVersion, version)
}

// DeleteServerVersion removes a version and clears the current selection
// when it pointed at it.
func (s *Store) DeleteServerVersion(ctx context.Context, version string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM server_versions WHERE version = ?`, version)
	if err != nil {
		return fmt.Errorf("failed to delete server version: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("server version %s: %w", version, model.ErrNotFound)
	}
	_, err = tx.ExecContext(ctx, `DELETE FROM server_config WHERE key = ? AND value = ?`, keyCurrentVersion, version)
	if err != nil {
		return fmt.Errorf("failed to clear current version: %w", err)
	}
	return tx.Commit()
}

var (
	_ model.Store       = (*Store)(nil)
	_ model.SuPathStore = (*Store)(nil)
)
