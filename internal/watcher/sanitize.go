// SPDX-License-Identifier: MIT

package watcher

import (
	"strings"
)

// SanitizeFileName rewrites a filename so it is safe to carry through shell
// invocations and output-tree moves: ASCII alphanumerics, underscore, dash
// and dot survive; spaces and everything else (Unicode, control characters)
// become underscores, with runs collapsed to one. Path-traversal sequences
// are neutralized first. A name reduced to nothing becomes "file".
//
// "My Notes 📝.mp3" -> "My_Notes_.mp3"
func SanitizeFileName(name string) string {
	// Collapse traversal sequences before the character filter so "..%2f"
	// style names cannot smuggle separators through.
	name = strings.ReplaceAll(name, "..", "_")

	var b strings.Builder
	b.Grow(len(name))
	lastUnderscore := false
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '.':
			b.WriteRune(r)
			lastUnderscore = false
		case r == '_':
			if !lastUnderscore {
				b.WriteByte('_')
			}
			lastUnderscore = true
		default:
			if !lastUnderscore {
				b.WriteByte('_')
			}
			lastUnderscore = true
		}
	}
	out := b.String()
	// A bare dot-name would vanish into the extension; give it a stem.
	if strings.Trim(out, "._ ") == "" {
		return "file"
	}
	return out
}
