package utils

import "time"

// TimestampLayout is the yyyyMMdd_HHmmss layout used in image file names.
const TimestampLayout = "20060102_150405"

func FormatTimestamp(t time.Time) string {
	return t.Format(TimestampLayout)
}
