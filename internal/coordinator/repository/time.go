package repository

import "time"

// Timestamps are stored as integer unix microseconds in both backends so
// lease-expiry comparisons are plain integer comparisons.

func toMicros(t time.Time) int64 {
	return t.UnixMicro()
}

func fromMicros(us int64) time.Time {
	return time.UnixMicro(us).UTC()
}
