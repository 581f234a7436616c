// Package stringutil holds small string helpers shared across components.
package stringutil

// Truncate returns s cut to at most max runes.
func Truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

// Preview returns s cut to at most max runes, with a trailing ellipsis when
// anything was cut. Used for log and UI previews of prompts and messages.
func Preview(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	if max < 4 {
		return Truncate(s, max)
	}
	return string(runes[:max-3]) + "..."
}
