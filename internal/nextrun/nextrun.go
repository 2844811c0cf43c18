// Package nextrun computes a ScheduledTask's next firing time from its
// schedule_type/schedule_value pair (spec §4.5 "next_run computation").
// It is shared by the IPC task dispatcher (which computes the first
// next_run on schedule_task) and the scheduler loop (which recomputes
// it after every run), so neither package depends on the other.
package nextrun

import (
	"fmt"
	"strconv"
	"time"

	"github.com/adhocore/gronx"
)

// Compute returns the next firing time for a task given its schedule
// type/value, evaluated in tz relative to now. For "once" it is the
// parsed absolute timestamp (even if in the past — callers treat a
// past "once" time as immediately due). Invalid values return an error
// so the caller can reject task creation without persisting anything.
func Compute(scheduleType, scheduleValue string, tz *time.Location, now time.Time) (time.Time, error) {
	if tz == nil {
		tz = time.UTC
	}
	switch scheduleType {
	case "cron":
		ref := now.In(tz)
		next, err := gronx.NextTickAfter(scheduleValue, ref, false)
		if err != nil {
			return time.Time{}, fmt.Errorf("nextrun: invalid cron expression %q: %w", scheduleValue, err)
		}
		return next, nil

	case "interval":
		ms, err := strconv.ParseInt(scheduleValue, 10, 64)
		if err != nil || ms <= 0 {
			return time.Time{}, fmt.Errorf("nextrun: invalid interval value %q", scheduleValue)
		}
		return now.Add(time.Duration(ms) * time.Millisecond), nil

	case "once":
		t, err := time.Parse(time.RFC3339, scheduleValue)
		if err != nil {
			return time.Time{}, fmt.Errorf("nextrun: invalid once timestamp %q: %w", scheduleValue, err)
		}
		return t, nil

	default:
		return time.Time{}, fmt.Errorf("nextrun: unknown schedule type %q", scheduleType)
	}
}
