// Package clock works with the UTC unix-nano timestamps that runs and
// checkpoints are stored with.
package clock

import "time"

// NowUnixNano returns the current UTC time in unix nanoseconds.
func NowUnixNano() int64 {
	return time.Now().UTC().UnixNano()
}

// Ago returns the unix-nano timestamp d before now.
func Ago(d time.Duration) int64 {
	return NowUnixNano() - int64(d)
}

// Time converts a stored timestamp back to a UTC time.
func Time(unixNano int64) time.Time {
	return time.Unix(0, unixNano).UTC()
}

// Since returns the time elapsed since the stored timestamp.
// Timestamps in the future yield zero.
func Since(unixNano int64) time.Duration {
	elapsed := time.Duration(NowUnixNano() - unixNano)
	if elapsed < 0 {
		return 0
	}
	return elapsed
}
