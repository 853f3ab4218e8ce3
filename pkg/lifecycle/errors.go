package lifecycle

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Error is a lifecycle failure carrying a code, key/value details, the
// underlying cause and a hint for the user.
type Error struct {
	Code       ErrorCode
	Message    string
	Context    map[string]any
	Cause      error
	Suggestion string
}

// ErrorCode classifies an Error.
type ErrorCode string

const (
	ErrorCodeNoRoot          ErrorCode = "NO_ROOT"
	ErrorCodeNoServerVersion ErrorCode = "NO_SERVER_VERSION"
	ErrorCodeArtifactMissing ErrorCode = "ARTIFACT_MISSING"
	ErrorCodeStageFailed     ErrorCode = "STAGE_FAILED"
	ErrorCodeLaunchFailed    ErrorCode = "LAUNCH_FAILED"
	ErrorCodeNotReady        ErrorCode = "NOT_READY"
)

// ErrNoRoot is returned by Start and Stage on a device without su.
var ErrNoRoot = NewError(ErrorCodeNoRoot, "device is not rooted").
	WithSuggestion("Grant root access to the manager and retry")

// Error renders "[CODE] message; k=v, ...; cause: ...". The suggestion is
// left out; callers print it separately with GetSuggestion.
func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Code, e.Message)

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(";")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(",")
			}
			fmt.Fprintf(&b, " %s=%v", k, e.Context[k])
		}
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, "; cause: %v", e.Cause)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches errors with the same code, so errors.Is(err, ErrNoRoot) holds
// for any NO_ROOT error.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Code == e.Code
	}
	return false
}

func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithContext records a detail under key.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

func (e *Error) WithSuggestion(suggestion string) *Error {
	e.Suggestion = suggestion
	return e
}

// ErrNoServerVersion is returned when no server version is marked current.
func ErrNoServerVersion() *Error {
	return NewError(ErrorCodeNoServerVersion, "no server version selected").
		WithSuggestion("Import a server version and select it:\n" +
			"  albatrossctl version import <dir>\n" +
			"  albatrossctl version use <version>")
}

// ErrArtifactMissing names a source artifact that does not exist.
func ErrArtifactMissing(role, path string) *Error {
	return NewError(ErrorCodeArtifactMissing,
		fmt.Sprintf("%s not found", role)).
		WithContext("path", path).
		WithSuggestion("Re-import the server version; its files were moved or deleted")
}

// ErrStageFailed reports an install script that did not confirm success.
func ErrStageFailed(rootPath string, cause error) *Error {
	return NewError(ErrorCodeStageFailed, "failed to stage server files").
		WithContext("root_path", rootPath).
		WithCause(cause).
		WithSuggestion(fmt.Sprintf("Check that %s is writable by root", rootPath))
}

// ErrLaunchFailed reports a launch script that could not be run.
func ErrLaunchFailed(cause error) *Error {
	return NewError(ErrorCodeLaunchFailed, "failed to launch server").
		WithCause(cause)
}

func asError(err error) *Error {
	var lErr *Error
	if errors.As(err, &lErr) {
		return lErr
	}
	return nil
}

// IsErrorCode reports whether err is, or wraps, an Error with code.
func IsErrorCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code && code != ""
}

// GetErrorCode returns the code of the first Error in err's chain.
func GetErrorCode(err error) ErrorCode {
	if lErr := asError(err); lErr != nil {
		return lErr.Code
	}
	return ""
}

// GetSuggestion returns the user hint of the first Error in err's chain.
func GetSuggestion(err error) string {
	if lErr := asError(err); lErr != nil {
		return lErr.Suggestion
	}
	return ""
}
