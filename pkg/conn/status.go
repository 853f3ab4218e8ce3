package conn

import "fmt"

// DoInject and LoadSystemPlugin status codes.
const (
	StatusProcessNotFound int8 = -2
	StatusInjectFailed    int8 = -1
	StatusDexLoaded       int8 = 20
	StatusDexLoadedAgain  int8 = 21
)

// InjectMessage maps a DoInject status to a user-facing message. It returns
// "" on success.
func InjectMessage(code int8) string {
	switch code {
	case StatusDexLoaded, StatusDexLoadedAgain:
		return ""
	case StatusProcessNotFound:
		return "process not found"
	case StatusInjectFailed:
		return "injection failed"
	default:
		return fmt.Sprintf("injection failed: %d", code)
	}
}

// SystemLoadOK reports whether LoadSystemPlugin succeeded.
func SystemLoadOK(code int8) bool {
	return code == StatusDexLoaded
}

// RegisterOK reports whether RegisterPlugin succeeded (0 new, 1 replaced).
func RegisterOK(code int8) bool {
	return code == 0 || code == 1
}

// ModifyOK reports whether ModifyPlugin found the plugin.
func ModifyOK(code int8) bool {
	return code != 0
}
