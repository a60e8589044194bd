package usage

import "fmt"

// FormatPercentage renders a confidence or cache-hit percentage for usage
// tables. Precision tapers as the value grows so small rates stay legible.
func FormatPercentage(value float64) string {
	switch {
	case value < 1:
		return fmt.Sprintf("%.2f%%", value)
	case value < 10:
		return fmt.Sprintf("%.1f%%", value)
	default:
		return fmt.Sprintf("%.0f%%", value)
	}
}

// FormatDurationMs renders an execution duration compactly: milliseconds
// under a second, then seconds, minutes, hours.
func FormatDurationMs(ms int64) string {
	switch {
	case ms < 1_000:
		return fmt.Sprintf("%dms", ms)
	case ms < 60_000:
		return fmt.Sprintf("%.1fs", float64(ms)/1_000)
	case ms < 3_600_000:
		return fmt.Sprintf("%.1fm", float64(ms)/60_000)
	default:
		return fmt.Sprintf("%.1fh", float64(ms)/3_600_000)
	}
}

// FormatHitRate renders a record's cache-hit rate (a fraction in [0,1])
// as a percentage.
func FormatHitRate(rate float64) string {
	return FormatPercentage(rate * 100)
}
