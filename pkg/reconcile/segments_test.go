package reconcile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"f1livesession/pkg/state"
)

func qualiState() *state.SessionState {
	s := &state.SessionState{
		Segment: state.SegmentState{Previous: state.SegmentUnknown, Current: state.SegmentUnknown},
		Clock:   state.ReplayClock{Live: true, Speed: 1},
	}
	s.Details.Type = "Qualifying"
	s.Details.Name = "Qualifying"
	return s
}

func applyStatuses(t *testing.T, timer *SegmentTimer, s *state.SessionState, statuses ...string) {
	t.Helper()
	now := time.Date(2024, 5, 25, 16, 0, 0, 0, time.UTC)
	for _, status := range statuses {
		timer.OnSessionStatus(s, status, "", now)
		s.Details.PreviousStatus = s.Details.Status
		s.Details.Status = status
		now = now.Add(time.Minute)
	}
}

func TestQualifyingSegmentOrder(t *testing.T) {
	timer := NewSegmentTimer()
	s := qualiState()

	steps := []struct {
		status string
		want   string
	}{
		{"Started", "Q1"},
		{"Finished", state.SegmentBetween},
		{"Started", "Q2"},
		{"Finished", state.SegmentBetween},
		{"Started", "Q3"},
		{"Finished", state.SegmentEnded},
	}
	now := time.Date(2024, 5, 25, 16, 0, 0, 0, time.UTC)
	for _, step := range steps {
		timer.OnSessionStatus(s, step.status, "", now)
		s.Details.PreviousStatus = s.Details.Status
		s.Details.Status = step.status
		assert.Equal(t, step.want, s.Segment.Current, "after %s", step.status)
		now = now.Add(time.Minute)
	}
}

func TestSegmentDefaultDurations(t *testing.T) {
	timer := NewSegmentTimer()
	s := qualiState()

	applyStatuses(t, timer, s, "Started")
	assert.InDelta(t, 18*60, s.Segment.Remaining, 1e-9)

	applyStatuses(t, timer, s, "Finished", "Started")
	assert.Equal(t, "Q2", s.Segment.Current)
	assert.InDelta(t, 15*60, s.Segment.Remaining, 1e-9)

	applyStatuses(t, timer, s, "Finished", "Started")
	assert.Equal(t, "Q3", s.Segment.Current)
	assert.InDelta(t, 12*60, s.Segment.Remaining, 1e-9)
}

func TestSprintShootoutDurations(t *testing.T) {
	timer := NewSegmentTimer()
	s := qualiState()
	s.Details.Name = "Sprint Shootout"

	applyStatuses(t, timer, s, "Started")
	assert.Equal(t, "SQ1", s.Segment.Current)
	assert.InDelta(t, 12*60, s.Segment.Remaining, 1e-9)
}

func TestRepeatedStartedStaysPinned(t *testing.T) {
	timer := NewSegmentTimer()
	s := qualiState()

	applyStatuses(t, timer, s, "Started", "Started")
	assert.Equal(t, "Q1", s.Segment.Current)
}

func TestPauseFreezesAndResumeContinues(t *testing.T) {
	timer := NewSegmentTimer()
	s := qualiState()
	s.Clock = state.ReplayClock{Live: false, Speed: 1}

	base := time.Date(2024, 5, 25, 16, 0, 0, 0, time.UTC)
	s.Clock.FeedNow = base
	timer.OnSessionStatus(s, "Started", "2024-05-25T16:00:00Z", base)
	s.Details.Status = "Started"
	require.Equal(t, "Q1", s.Segment.Current)

	// feed clock sync point three minutes in
	s.Clock.FeedNow = base.Add(3 * time.Minute)
	timer.OnExtrapolatedClock(s, "2024-05-25T16:03:00Z", "00:15:00", base.Add(3*time.Minute))
	assert.InDelta(t, 15*60, s.Segment.Remaining, 1e-9)

	// red flag two minutes later, remaining computed from feed time
	s.Clock.FeedNow = base.Add(5 * time.Minute)
	timer.OnSessionStatus(s, "Aborted", "2024-05-25T16:05:00Z", base.Add(5*time.Minute))
	s.Details.Status = "Aborted"
	assert.InDelta(t, 13*60, s.Segment.Remaining, 1e-9)

	// the clock stream must not thaw a paused countdown
	timer.OnExtrapolatedClock(s, "2024-05-25T16:06:00Z", "00:09:00", base.Add(6*time.Minute))
	assert.InDelta(t, 13*60, s.Segment.Remaining, 1e-9)

	// restart resumes the frozen value in the same segment
	s.Clock.FeedNow = base.Add(20 * time.Minute)
	timer.OnSessionStatus(s, "Started", "2024-05-25T16:20:00Z", base.Add(20*time.Minute))
	s.Details.Status = "Started"
	assert.Equal(t, "Q1", s.Segment.Current)
	assert.InDelta(t, 13*60, s.Segment.Remaining, 1e-9)
	assert.True(t, s.Segment.JustResumed)
}

func TestExtrapolatedClockAnchorsOnce(t *testing.T) {
	timer := NewSegmentTimer()
	s := qualiState()

	applyStatuses(t, timer, s, "Started")
	require.False(t, s.Clock.Anchored)

	now := time.Date(2024, 5, 25, 16, 1, 0, 0, time.UTC)
	timer.OnExtrapolatedClock(s, "2024-05-25T16:01:00Z", "00:17:00", now)
	require.True(t, s.Clock.Anchored)
	anchor := s.Clock.Anchor

	timer.OnExtrapolatedClock(s, "2024-05-25T16:02:00Z", "00:16:00", now.Add(time.Minute))
	assert.True(t, s.Clock.Anchor.Equal(anchor))
	assert.InDelta(t, 16*60, s.Segment.Remaining, 1e-9)
}

func TestPracticeUsesScheduledLength(t *testing.T) {
	timer := NewSegmentTimer()
	s := qualiState()
	s.Details.Type = "Practice"
	s.Details.Name = "Practice 1"
	s.Details.ScheduledLength = time.Hour

	applyStatuses(t, timer, s, "Started")
	assert.Equal(t, state.SegmentPractice, s.Segment.Current)
	assert.InDelta(t, 3600, s.Segment.Remaining, 1e-9)

	applyStatuses(t, timer, s, "Finished")
	assert.Equal(t, state.SegmentPracticeEnded, s.Segment.Current)
}

func TestRaceSessionHasNoSegments(t *testing.T) {
	timer := NewSegmentTimer()
	s := qualiState()
	s.Details.Type = "Race"
	s.Details.Name = "Race"

	applyStatuses(t, timer, s, "Started")
	assert.Equal(t, state.SegmentUnknown, s.Segment.Current)
}

func TestResetSessionClearsAnchors(t *testing.T) {
	timer := NewSegmentTimer()
	s := qualiState()
	applyStatuses(t, timer, s, "Started")
	timer.OnExtrapolatedClock(s, "2024-05-25T16:01:00Z", "00:17:00", time.Now())
	require.True(t, s.Clock.Anchored)

	timer.ResetSession(s)
	assert.Equal(t, state.SegmentUnknown, s.Segment.Current)
	assert.False(t, s.Clock.Anchored)
}
