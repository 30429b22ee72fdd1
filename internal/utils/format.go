package utils

import (
	"fmt"
	"strings"
	"time"
)

// FormatAge formats the elapsed time since t in a human-readable format
// Examples: "just now", "45s ago", "5m ago", "1h 15m ago"
func FormatAge(t time.Time, now time.Time) string {
	d := now.Sub(t)
	if d < 10*time.Second {
		return "just now"
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	}
	minutes := int(d.Minutes())
	if minutes < 60 {
		return fmt.Sprintf("%dm ago", minutes)
	}
	hours := minutes / 60
	minutes = minutes % 60
	if minutes > 0 {
		return fmt.Sprintf("%dh %dm ago", hours, minutes)
	}
	return fmt.Sprintf("%dh ago", hours)
}

// TruncateText truncates text to maxLen characters, adding "..." if truncated
// Also removes newlines for single-line display
func TruncateText(text string, maxLen int) string {
	text = strings.ReplaceAll(text, "\n", " ")
	text = strings.TrimSpace(text)

	if len(text) <= maxLen {
		return text
	}
	if maxLen <= 3 {
		return text[:maxLen]
	}
	return text[:maxLen-3] + "..."
}

// TitleCaseAddress converts an all-caps CAD address to display case.
// Short directionals and route tokens stay upper-case.
// Example: "1420 N MAIN ST" -> "1420 N Main St"
func TitleCaseAddress(address string) string {
	upperTokens := map[string]bool{
		"N": true, "S": true, "E": true, "W": true,
		"NE": true, "NW": true, "SE": true, "SW": true,
		"US": true, "SR": true, "I": true,
	}

	words := strings.Fields(address)
	for i, w := range words {
		upper := strings.ToUpper(w)
		if upperTokens[upper] {
			words[i] = upper
			continue
		}
		lower := strings.ToLower(w)
		if len(lower) > 0 && lower[0] >= 'a' && lower[0] <= 'z' {
			words[i] = strings.ToUpper(lower[:1]) + lower[1:]
		} else {
			words[i] = lower
		}
	}
	return strings.Join(words, " ")
}

// FormatUnitCount formats a unit count for display
// Examples: 0 -> "no units", 1 -> "1 unit", 3 -> "3 units"
func FormatUnitCount(n int) string {
	switch n {
	case 0:
		return "no units"
	case 1:
		return "1 unit"
	default:
		return fmt.Sprintf("%d units", n)
	}
}
