package bridge

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// BridgeLoadError reports a failed search-path patch.
type BridgeLoadError struct {
	Op   string
	Tier Tier
	Err  error
}

func (e *BridgeLoadError) Error() string {
	return fmt.Sprintf("bridge %s (%s): %v", e.Op, e.Tier, e.Err)
}

func (e *BridgeLoadError) Unwrap() error {
	return e.Err
}

// ErrArtifactMissing is returned by CheckArtifacts.
var ErrArtifactMissing = errors.New("file not exists")

// Loader reads and replaces the host runtime's search path.
type Loader interface {
	SearchPath() (SearchPath, error)
	SetSearchPath(SearchPath) error
}

// MemoryLoader is a Loader holding the search path in process memory.
type MemoryLoader struct {
	mu   sync.Mutex
	path SearchPath
}

// NewMemoryLoader returns a loader seeded with initial.
func NewMemoryLoader(initial SearchPath) *MemoryLoader {
	return &MemoryLoader{path: initial.Clone()}
}

func (l *MemoryLoader) SearchPath() (SearchPath, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.path.Clone(), nil
}

func (l *MemoryLoader) SetSearchPath(sp SearchPath) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.path = sp.Clone()
	return nil
}

// Bridge applies a CodePathExtender to a Loader and remembers success.
type Bridge struct {
	extender CodePathExtender
	logger   *slog.Logger

	mu    sync.Mutex
	ready bool
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bridge) {
		b.logger = logger
	}
}

// New creates a Bridge using ext.
func New(ext CodePathExtender, opts ...Option) *Bridge {
	b := &Bridge{
		extender: ext,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// ForSDK creates a Bridge with the extender matching the runtime SDK level.
func ForSDK(sdk int, opts ...Option) *Bridge {
	return New(SelectExtender(sdk), opts...)
}

// Tier returns the tier of the configured extender.
func (b *Bridge) Tier() Tier {
	return b.extender.Tier()
}

// Ready reports whether a Patch has succeeded.
func (b *Bridge) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ready
}

// Patch appends codeModulePath and nativeLibraryDir to the loader's search
// path. Repeated calls are safe: entries already present are not duplicated.
func (b *Bridge) Patch(loader Loader, codeModulePath, nativeLibraryDir string) error {
	tier := b.extender.Tier()
	if loader == nil {
		return &BridgeLoadError{Op: "patch", Tier: tier, Err: errors.New("no loader")}
	}
	if codeModulePath == "" || nativeLibraryDir == "" {
		return &BridgeLoadError{Op: "patch", Tier: tier, Err: errors.New("code module and native directory are required")}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	current, err := loader.SearchPath()
	if err != nil {
		return &BridgeLoadError{Op: "read search path", Tier: tier, Err: err}
	}

	suppressedBefore := len(current.Suppressed)
	next, err := b.extender.Extend(current, codeModulePath, nativeLibraryDir)
	if err != nil {
		return &BridgeLoadError{Op: "extend", Tier: tier, Err: err}
	}
	for _, s := range next.Suppressed[suppressedBefore:] {
		b.logger.Warn("suppressed path element", "tier", tier.String(), "reason", s)
	}

	if err := loader.SetSearchPath(next); err != nil {
		return &BridgeLoadError{Op: "write search path", Tier: tier, Err: err}
	}

	b.ready = true
	b.logger.Debug("search path patched",
		"tier", tier.String(),
		"code_module", codeModulePath,
		"native_dir", nativeLibraryDir,
		"code_elements", len(next.CodeElements),
		"native_dirs", len(next.NativeDirs))
	return nil
}

// LibraryName derives the load name of a native library from its file name,
// e.g. /x/libalbatross_base.so -> albatross_base.
func LibraryName(path string) string {
	name := filepath.Base(path)
	name = strings.TrimPrefix(name, "lib")
	if i := strings.LastIndex(name, ".so"); i >= 0 {
		name = name[:i]
	}
	return name
}

// CheckArtifacts verifies that every path exists. The returned error wraps
// ErrArtifactMissing and names the first missing file.
func CheckArtifacts(paths ...string) error {
	for _, p := range paths {
		if p == "" {
			return fmt.Errorf("%w: empty path", ErrArtifactMissing)
		}
		if _, err := os.Stat(p); err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("%w: %s", ErrArtifactMissing, p)
			}
			return fmt.Errorf("stat %s: %w", p, err)
		}
	}
	return nil
}
