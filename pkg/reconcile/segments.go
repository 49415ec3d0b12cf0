package reconcile

import (
	"strings"
	"time"

	"f1livesession/pkg/envelope"
	"f1livesession/pkg/state"
)

// Default segment lengths in seconds. The feed does not announce these; they
// are the sporting-regulation values and the extrapolated clock corrects any
// drift once the segment is underway.
var segmentDurations = map[string]float64{
	"Q1":  18 * 60,
	"Q2":  15 * 60,
	"Q3":  12 * 60,
	"SQ1": 12 * 60,
	"SQ2": 10 * 60,
	"SQ3": 8 * 60,
}

var pausedStatuses = map[string]bool{
	"Aborted":   true,
	"Inactive":  true,
	"Suspended": true,
}

// SegmentTimer drives the qualifying segment machine and the session
// countdown sync points. It keeps no state of its own; everything lives in
// the SessionState so a store reset also resets the timer.
type SegmentTimer struct{}

func NewSegmentTimer() *SegmentTimer {
	return &SegmentTimer{}
}

// segmentOrder returns the ordered segment labels for a session type, or nil
// for sessions without segments (practice and races).
func segmentOrder(details state.SessionDetails) []string {
	name := strings.ToLower(details.Name)
	switch {
	case strings.Contains(name, "sprint qualifying"), strings.Contains(name, "sprint shootout"):
		return []string{"SQ1", "SQ2", "SQ3"}
	case strings.Contains(strings.ToLower(details.Type), "qualifying"):
		return []string{"Q1", "Q2", "Q3"}
	}
	return nil
}

func isPractice(details state.SessionDetails) bool {
	return strings.Contains(strings.ToLower(details.Type), "practice")
}

// ResetSession clears segment and clock anchors when the session identity
// changes mid-stream.
func (t *SegmentTimer) ResetSession(s *state.SessionState) {
	s.Segment = state.SegmentState{
		Previous: state.SegmentUnknown,
		Current:  state.SegmentUnknown,
	}
	s.Clock.Anchor = time.Time{}
	s.Clock.Anchored = false
}

// OnSessionStatus advances the segment machine for one status entry. The
// caller passes entries in document order; s.Details.Status still holds the
// status before this one.
func (t *SegmentTimer) OnSessionStatus(s *state.SessionState, status, utc string, wallNow time.Time) {
	seg := &s.Segment
	seg.JustResumed = false

	switch status {
	case "Started":
		t.onStarted(s, wallNow)
	case "Finished", "Ends":
		t.onFinished(s)
	case "Aborted", "Inactive", "Suspended":
		t.onPaused(s, utc, wallNow)
	}
	s.Segment.CapturedStatus = status
}

func (t *SegmentTimer) onStarted(s *state.SessionState, wallNow time.Time) {
	seg := &s.Segment

	// A Started after a pause resumes the frozen countdown without advancing
	// the machine.
	if pausedStatuses[s.Details.Status] && !isSentinel(seg.Current) {
		seg.CapturedAt = t.captureInstant(s, wallNow)
		seg.CaptureSpeed = s.Clock.Speed
		seg.JustResumed = true
		return
	}

	// A repeated Started while already inside a segment is the feed
	// re-affirming state; the machine stays pinned.
	if !isSentinel(seg.Current) {
		return
	}

	if isPractice(s.Details) {
		seg.Previous = seg.Current
		seg.Current = state.SegmentPractice
		seg.Remaining = s.Details.ScheduledLength.Seconds()
		seg.CapturedAt = time.Time{}
		s.Clock.Anchored = false
		return
	}

	order := segmentOrder(s.Details)
	if order == nil {
		return
	}
	next := nextSegment(order, seg.Previous)
	seg.Previous = seg.Current
	seg.Current = next
	seg.Remaining = segmentDurations[next]
	// CapturedAt stays zero until the first extrapolated clock sync.
	seg.CapturedAt = time.Time{}
	s.Clock.Anchored = false
}

func (t *SegmentTimer) onFinished(s *state.SessionState) {
	seg := &s.Segment
	if isPractice(s.Details) {
		seg.Previous = seg.Current
		seg.Current = state.SegmentPracticeEnded
		seg.Remaining = 0
		seg.CapturedAt = time.Time{}
		return
	}
	if isSentinel(seg.Current) {
		return
	}
	order := segmentOrder(s.Details)
	seg.Previous = seg.Current
	if order != nil && seg.Previous == order[len(order)-1] {
		seg.Current = state.SegmentEnded
	} else {
		seg.Current = state.SegmentBetween
	}
	seg.Remaining = 0
	seg.CapturedAt = time.Time{}
}

// onPaused freezes the countdown. In replay the elapsed portion is computed
// from the feed's own clock so different speeds converge on one answer; in
// live mode the wall-clock sync point is simply closed out.
func (t *SegmentTimer) onPaused(s *state.SessionState, utc string, wallNow time.Time) {
	seg := &s.Segment
	if isSentinel(seg.Current) || seg.CapturedAt.IsZero() {
		return
	}
	now := t.captureInstant(s, wallNow)
	if at, err := envelope.ParseTimestamp(utc); err == nil && !s.Clock.Live {
		now = at
	}
	elapsed := now.Sub(seg.CapturedAt).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	seg.Remaining -= elapsed
	if seg.Remaining < 0 {
		seg.Remaining = 0
	}
	seg.CapturedAt = now
}

// OnExtrapolatedClock re-syncs the countdown from the feed's authoritative
// remaining time. Ignored while the session is paused, so an abort cannot
// restart the clock.
func (t *SegmentTimer) OnExtrapolatedClock(s *state.SessionState, utc, remaining string, wallNow time.Time) {
	seg := &s.Segment
	if pausedStatuses[seg.CapturedStatus] {
		return
	}
	secs, ok := state.ParseClock(remaining)
	if !ok {
		return
	}
	if !s.Clock.Anchored {
		if at, err := envelope.ParseTimestamp(utc); err == nil {
			s.Clock.Anchor = at
			s.Clock.Anchored = true
		}
	}
	seg.Remaining = secs
	seg.CapturedAt = t.captureInstant(s, wallNow)
	seg.CaptureSpeed = s.Clock.Speed
	seg.JustResumed = false
}

// captureInstant is the timebase for countdown sync points: the feed clock in
// replay, the wall clock live.
func (t *SegmentTimer) captureInstant(s *state.SessionState, wallNow time.Time) time.Time {
	if !s.Clock.Live && !s.Clock.FeedNow.IsZero() {
		return s.Clock.FeedNow
	}
	return wallNow
}

func isSentinel(label string) bool {
	switch label {
	case "", state.SegmentUnknown, state.SegmentBetween, state.SegmentEnded, state.SegmentPracticeEnded:
		return true
	}
	return false
}

// nextSegment picks the segment that follows prev, or the first segment when
// prev does not name one.
func nextSegment(order []string, prev string) string {
	for i, label := range order {
		if label == prev {
			if i+1 < len(order) {
				return order[i+1]
			}
			return order[len(order)-1]
		}
	}
	return order[0]
}
