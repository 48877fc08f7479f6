package tracker

import "fmt"

// FormatDuration renders elapsed seconds for the presence timer UI:
// "H h M m" above an hour, "M m S s" above a minute, "S s" below.
func FormatDuration(seconds int64) string {
	if seconds < 0 {
		seconds = 0
	}
	switch {
	case seconds >= 3600:
		return fmt.Sprintf("%d h %d m", seconds/3600, (seconds%3600)/60)
	case seconds >= 60:
		return fmt.Sprintf("%d m %d s", seconds/60, seconds%60)
	default:
		return fmt.Sprintf("%d s", seconds)
	}
}
