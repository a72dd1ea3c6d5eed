// Package syncer composes the window calculator, resource fetchers and
// upsert writer into sync runs with auto, forced and batch entry points.
package syncer

import "time"

// backdate is the deliberate one-day overlap applied when a prior sync
// exists, tolerating clock skew and late-arriving provider data. The upsert
// writer's idempotence makes re-fetching the overlapped day safe.
const backdate = 24 * time.Hour

// Window is the inclusive date range of one sync run.
type Window struct {
	Start time.Time
	End   time.Time
}

// ComputeWindow decides the date range for the next pull. With no prior sync
// the window covers the default lookback; otherwise it runs from one day
// before the last sync through now.
func ComputeWindow(lastSyncedAt *time.Time, now time.Time, lookbackDays int) Window {
	if lastSyncedAt == nil {
		return Window{Start: now.AddDate(0, 0, -lookbackDays), End: now}
	}
	return Window{Start: lastSyncedAt.Add(-backdate), End: now}
}

// ForcedWindow covers an explicit number of days ending at end, widened to
// reach one day before the last sync so a short manual window can't leave a
// gap.
func ForcedWindow(lastSyncedAt *time.Time, end time.Time, days int) Window {
	start := end.AddDate(0, 0, -days)
	if lastSyncedAt != nil {
		if backdated := lastSyncedAt.Add(-backdate); backdated.Before(start) {
			start = backdated
		}
	}
	return Window{Start: start, End: end}
}

// Days lists the calendar dates (UTC midnights) the window touches,
// inclusive of both endpoints.
func (w Window) Days() []time.Time {
	start := dateOnly(w.Start)
	end := dateOnly(w.End)
	var days []time.Time
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		days = append(days, d)
	}
	return days
}

func dateOnly(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
