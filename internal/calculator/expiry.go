package calculator

import (
	"time"

	"ClusterBank/internal/model"
)

// DaysUntilExpiry returns the whole days from today until end. Zero or negative means expired.
func DaysUntilExpiry(today, end time.Time) int {
	return model.DaysBetween(today, end)
}

// InWarningWindow reports whether an unexpired end date falls within window days of today.
func InWarningWindow(daysUntilExpiry, window int) bool {
	return daysUntilExpiry > 0 && daysUntilExpiry <= window
}
