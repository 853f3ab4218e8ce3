// Package bridge extends the manager process's code and native-library search
// paths so the native bridge library and the agent code module resolve as if
// they had been on the launch classpath.
//
// The host runtime keeps its search path in private structures whose shape
// changed across platform releases. Each shape is handled by one
// CodePathExtender, selected once from the runtime SDK level. Extenders are
// pure transformations over a SearchPath value; a Loader moves that value in
// and out of the host runtime.
package bridge

import (
	"fmt"
	"path/filepath"
)

// Tier identifies the runtime search-path layout.
type Tier int

const (
	// TierLegacyArray keeps native directories in a plain array (SDK <= 22).
	TierLegacyArray Tier = iota
	// TierListElements keeps native directories in a list and requires path
	// elements built by the three-argument factory (SDK 23-25).
	TierListElements
	// TierListElementsV2 is TierListElements with the one-argument native
	// element factory (SDK >= 26).
	TierListElementsV2
)

// String returns the string representation of a Tier
func (t Tier) String() string {
	switch t {
	case TierLegacyArray:
		return "legacy-array"
	case TierListElements:
		return "list-elements"
	case TierListElementsV2:
		return "list-elements-v2"
	default:
		return "unknown"
	}
}

// TierForSDK maps a runtime SDK level to its search-path tier.
func TierForSDK(sdk int) Tier {
	switch {
	case sdk > 25:
		return TierListElementsV2
	case sdk >= 23:
		return TierListElements
	default:
		return TierLegacyArray
	}
}

// SearchPath is a snapshot of the runtime's code and native search paths.
type SearchPath struct {
	// CodeElements are the code-module path elements, in lookup order.
	CodeElements []string
	// NativeDirs are the native library directories, in lookup order.
	NativeDirs []string
	// NativeElements are the native path elements. Unused by TierLegacyArray.
	NativeElements []string
	// Suppressed records element construction failures that did not abort.
	Suppressed []string
}

// Clone returns a deep copy.
func (sp SearchPath) Clone() SearchPath {
	return SearchPath{
		CodeElements:   append([]string(nil), sp.CodeElements...),
		NativeDirs:     append([]string(nil), sp.NativeDirs...),
		NativeElements: append([]string(nil), sp.NativeElements...),
		Suppressed:     append([]string(nil), sp.Suppressed...),
	}
}

// CodePathExtender appends a code module and a native library directory to a
// search path. Implementations append, never overwrite, and skip entries that
// are already present.
type CodePathExtender interface {
	Tier() Tier
	Extend(sp SearchPath, codeModule, nativeDir string) (SearchPath, error)
}

// SelectExtender returns the extender for the given SDK level.
func SelectExtender(sdk int) CodePathExtender {
	switch TierForSDK(sdk) {
	case TierListElementsV2:
		return listElementsV2Extender{}
	case TierListElements:
		return listElementsExtender{}
	default:
		return legacyArrayExtender{}
	}
}

func codeElement(path string) string { return fmt.Sprintf("dex file %q", path) }

func nativeElement(dir string) string { return fmt.Sprintf("directory %q", dir) }

// makePathElements mirrors the three-argument factory: failures are collected
// into suppressed rather than returned.
func makePathElements(paths []string, suppressed *[]string) []string {
	var elements []string
	for _, p := range paths {
		if !filepath.IsAbs(p) {
			*suppressed = append(*suppressed, fmt.Sprintf("not an absolute path: %q", p))
			continue
		}
		elements = append(elements, codeElementOrDir(p))
	}
	return elements
}

func codeElementOrDir(p string) string {
	if filepath.Ext(p) == "" {
		return nativeElement(p)
	}
	return codeElement(p)
}

// makeNativeLibraryElements mirrors the one-argument factory.
func makeNativeLibraryElements(dirs []string) ([]string, error) {
	elements := make([]string, 0, len(dirs))
	for _, d := range dirs {
		if !filepath.IsAbs(d) {
			return nil, fmt.Errorf("not an absolute path: %q", d)
		}
		elements = append(elements, nativeElement(d))
	}
	return elements, nil
}

func appendUnique(list []string, items ...string) []string {
	for _, item := range items {
		found := false
		for _, existing := range list {
			if existing == item {
				found = true
				break
			}
		}
		if !found {
			list = append(list, item)
		}
	}
	return list
}

type legacyArrayExtender struct{}

func (legacyArrayExtender) Tier() Tier { return TierLegacyArray }

func (legacyArrayExtender) Extend(sp SearchPath, codeModule, nativeDir string) (SearchPath, error) {
	out := sp.Clone()
	out.NativeDirs = appendUnique(out.NativeDirs, nativeDir)
	out.CodeElements = appendUnique(out.CodeElements, makePathElements([]string{codeModule}, &out.Suppressed)...)
	return out, nil
}

type listElementsExtender struct{}

func (listElementsExtender) Tier() Tier { return TierListElements }

func (listElementsExtender) Extend(sp SearchPath, codeModule, nativeDir string) (SearchPath, error) {
	out := sp.Clone()
	out.NativeDirs = appendUnique(out.NativeDirs, nativeDir)
	out.NativeElements = appendUnique(out.NativeElements, makePathElements([]string{nativeDir}, &out.Suppressed)...)
	out.CodeElements = appendUnique(out.CodeElements, makePathElements([]string{codeModule}, &out.Suppressed)...)
	return out, nil
}

type listElementsV2Extender struct{}

func (listElementsV2Extender) Tier() Tier { return TierListElementsV2 }

func (listElementsV2Extender) Extend(sp SearchPath, codeModule, nativeDir string) (SearchPath, error) {
	out := sp.Clone()
	native, err := makeNativeLibraryElements([]string{nativeDir})
	if err != nil {
		return sp, err
	}
	out.NativeDirs = appendUnique(out.NativeDirs, nativeDir)
	out.NativeElements = appendUnique(out.NativeElements, native...)
	out.CodeElements = appendUnique(out.CodeElements, makePathElements([]string{codeModule}, &out.Suppressed)...)
	return out, nil
}
