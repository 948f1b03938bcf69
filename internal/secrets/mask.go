package secrets

import (
	"strings"
)

// DefaultVisibleChars is the number of trailing characters Mask keeps.
const DefaultVisibleChars = 4

// secretNamePatterns are name fragments that mark a value as sensitive.
var secretNamePatterns = []string{
	"password",
	"secret",
	"key",
	"token",
	"credential",
	"auth",
}

// Mask hides all but the last visible characters of value behind a fixed
// "****" prefix. Values no longer than visible are fully starred.
func Mask(value string, visible int) string {
	if visible < 0 {
		visible = 0
	}
	runes := []rune(value)
	if len(runes) <= visible {
		return strings.Repeat("*", len(runes))
	}
	return "****" + string(runes[len(runes)-visible:])
}

// Prefix returns the first n characters of value followed by "...", the form
// used to identify a token in failure logs without revealing it. At most half
// of value is shown, and values no longer than n are fully starred.
func Prefix(value string, n int) string {
	runes := []rune(value)
	if len(runes) <= n {
		return strings.Repeat("*", len(runes))
	}
	if half := len(runes) / 2; n > half {
		n = half
	}
	return string(runes[:n]) + "..."
}

// IsSecretName reports whether a configuration name looks like it holds a
// secret value.
func IsSecretName(name string) bool {
	lower := strings.ToLower(name)
	for _, pattern := range secretNamePatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}
