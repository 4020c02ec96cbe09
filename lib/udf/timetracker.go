package udf

import "time"

// TimeTracker is installed into the script engine for one master-apply call
// so the engine can poll whether it has run past its deadline, per spec.md
// §4.8 ("a tracker with an end_time callback ... the script engine
// periodically polls and aborts if past end-time"). One tracker is created
// per apply and discarded on every exit path.
type TimeTracker struct {
	deadline time.Time
}

func NewTimeTracker(deadline time.Time) *TimeTracker {
	return &TimeTracker{deadline: deadline}
}

// Expired reports whether the tracker's deadline has passed.
func (t *TimeTracker) Expired() bool {
	return !t.deadline.IsZero() && time.Now().After(t.deadline)
}

// Remaining returns the time left until the deadline, or the largest
// representable duration if no deadline was set.
func (t *TimeTracker) Remaining() time.Duration {
	if t.deadline.IsZero() {
		return time.Duration(1<<63 - 1)
	}
	return time.Until(t.deadline)
}
