package xfer

import "time"

// TimeLimit is a monotonic deadline handed to progress functions. The zero
// value never expires.
type TimeLimit struct {
	deadline time.Time
}

// WorkFor returns a limit that expires d from now.
func WorkFor(d time.Duration) TimeLimit {
	return TimeLimit{deadline: time.Now().Add(d)}
}

// NoTimeLimit returns a limit that never expires.
func NoTimeLimit() TimeLimit {
	return TimeLimit{}
}

// Expired reports whether the deadline has passed.
func (t TimeLimit) Expired() bool {
	if t.deadline.IsZero() {
		return false
	}
	return !time.Now().Before(t.deadline)
}
