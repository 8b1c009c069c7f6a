package domain

import (
	"fmt"
	"strings"
	"time"
	"unicode"
)

func slugRunes(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

func collapseUnderscores(s string) string {
	for strings.Contains(s, "__") {
		s = strings.ReplaceAll(s, "__", "_")
	}
	return strings.Trim(s, "_")
}

// StableID derives a bus entity id from stack and container name. Docker
// ids are deliberately avoided so the id survives container recreation,
// which keeps the automation hub from registering duplicate entities.
func StableID(stack, name string) string {
	if stack == "" {
		stack = NoStack
	}
	if name == "" {
		name = "container"
	}
	slug := collapseUnderscores(slugRunes(stack + "__" + name))
	if slug == "" {
		return "container"
	}
	return slug
}

// Slug builds the per-container topic segment from name and short id.
// Unlike StableID it includes the id, so topics never collide even when
// two containers share a name across recreations.
func Slug(name string, id ResourceID) string {
	base := collapseUnderscores(slugRunes(name))
	if base == "" {
		base = "container"
	}
	return base + "_" + id.Short()
}

// FormatUptime renders a duration the way the overview displays it:
// "2d 3h 5m", dropping leading zero units, never empty.
func FormatUptime(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d.Seconds())
	days := total / 86400
	hours := (total % 86400) / 3600
	minutes := (total % 3600) / 60

	var parts []string
	if days > 0 {
		parts = append(parts, fmt.Sprintf("%dd", days))
	}
	if hours > 0 {
		parts = append(parts, fmt.Sprintf("%dh", hours))
	}
	if minutes > 0 || len(parts) == 0 {
		parts = append(parts, fmt.Sprintf("%dm", minutes))
	}
	return strings.Join(parts, " ")
}
