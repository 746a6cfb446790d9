package models

import "time"

// Window is the half-open range [Start, End) evaluated by one run.
type Window struct {
	Start time.Time
	End   time.Time
}

// NextWindow derives the window for a run at now. A job that never ran looks back by lookback.
func NextWindow(lastExecution *time.Time, now time.Time, lookback time.Duration) Window {
	start := now.Add(-lookback)
	if lastExecution != nil {
		start = *lastExecution
	}
	return Window{Start: start.UTC(), End: now.UTC()}
}

// Empty reports whether the window contains no instant.
func (w Window) Empty() bool {
	return !w.Start.Before(w.End)
}
