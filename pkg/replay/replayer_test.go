package replay

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"f1livesession/pkg/envelope"
	"f1livesession/pkg/queues"
)

func writeReplayFile(t *testing.T, dir, name string, lines []string) {
	t.Helper()
	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

// runInstrumented plays the file with a virtual clock and captures the
// requested sleep durations instead of actually sleeping.
func runInstrumented(t *testing.T, r *Replayer) []time.Duration {
	t.Helper()
	var sleeps []time.Duration
	clock := time.Date(2024, 5, 26, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return clock }
	r.sleep = func(ctx context.Context, d time.Duration) bool {
		sleeps = append(sleeps, d)
		clock = clock.Add(d)
		return true
	}
	require.NoError(t, r.Run(context.Background()))
	return sleeps
}

func drain(q *queues.Queue[envelope.Triple]) []envelope.Triple {
	var out []envelope.Triple
	for {
		tr, ok := q.Pop(10 * time.Millisecond)
		if !ok {
			return out
		}
		out = append(out, tr)
	}
}

func TestReplayPacingAtDoubleSpeed(t *testing.T) {
	dir := t.TempDir()
	writeReplayFile(t, dir, "session.data.txt", []string{
		`["TrackStatus",{"Status":"1"},"2024-05-26T14:00:00Z"]`,
		`["TrackStatus",{"Status":"1"},"2024-05-26T14:00:01Z"]`,
		`["TrackStatus",{"Status":"2"},"2024-05-26T14:00:02.5Z"]`,
	})
	q := queues.NewQueue[envelope.Triple](16)
	r := NewReplayer(dir, "session.data.txt", 2.0, q)

	sleeps := runInstrumented(t, r)

	// first line never waits; the 1s and 1.5s gaps halve at 2x
	require.Len(t, sleeps, 2)
	assert.Equal(t, 500*time.Millisecond, sleeps[0])
	assert.Equal(t, 750*time.Millisecond, sleeps[1])
	assert.Len(t, drain(q), 3)
}

func TestReplayTimestampRegressionSkipsSleep(t *testing.T) {
	dir := t.TempDir()
	writeReplayFile(t, dir, "session.data.txt", []string{
		`["TrackStatus",{"Status":"1"},"2024-05-26T14:00:05Z"]`,
		`["TrackStatus",{"Status":"1"},"2024-05-26T14:00:01Z"]`,
	})
	q := queues.NewQueue[envelope.Triple](16)
	r := NewReplayer(dir, "session.data.txt", 1.0, q)

	sleeps := runInstrumented(t, r)
	assert.Empty(t, sleeps)
	assert.Len(t, drain(q), 2)
}

func TestReplaySleepCap(t *testing.T) {
	dir := t.TempDir()
	writeReplayFile(t, dir, "session.data.txt", []string{
		`["TrackStatus",{"Status":"1"},"2024-05-26T14:00:00Z"]`,
		`["TrackStatus",{"Status":"1"},"2024-05-26T15:00:00Z"]`,
	})
	q := queues.NewQueue[envelope.Triple](16)
	r := NewReplayer(dir, "session.data.txt", 1.0, q)

	sleeps := runInstrumented(t, r)
	require.Len(t, sleeps, 1)
	assert.Equal(t, maxSleep, sleeps[0])
}

func TestReplayBatchedFramesPaceFromLastFeedTimestamp(t *testing.T) {
	dir := t.TempDir()
	writeReplayFile(t, dir, "session.data.txt", []string{
		`{"M":[{"H":"Streaming","M":"feed","A":["WeatherData",{"AirTemp":"24"},"2024-05-26T14:00:00Z"]}]}`,
		`{"M":[{"H":"Streaming","M":"feed","A":["WeatherData",{"AirTemp":"25"},"2024-05-26T14:00:02Z"]}]}`,
	})
	q := queues.NewQueue[envelope.Triple](16)
	r := NewReplayer(dir, "session.data.txt", 1.0, q)

	sleeps := runInstrumented(t, r)
	require.Len(t, sleeps, 1)
	assert.Equal(t, 2*time.Second, sleeps[0])
}

func TestReplaySkipsMalformedLines(t *testing.T) {
	dir := t.TempDir()
	writeReplayFile(t, dir, "session.data.txt", []string{
		`not json at all`,
		``,
		`["TrackStatus",{"Status":"1"},"2024-05-26T14:00:00Z"]`,
	})
	q := queues.NewQueue[envelope.Triple](16)
	r := NewReplayer(dir, "session.data.txt", 1.0, q)

	runInstrumented(t, r)
	assert.Len(t, drain(q), 1)
}

func TestReplayMissingFileIsTerminal(t *testing.T) {
	q := queues.NewQueue[envelope.Triple](16)
	r := NewReplayer(t.TempDir(), "nope.data.txt", 1.0, q)
	assert.Error(t, r.Run(context.Background()))
}

func TestReplayCancellationStopsPlayback(t *testing.T) {
	dir := t.TempDir()
	writeReplayFile(t, dir, "session.data.txt", []string{
		`["TrackStatus",{"Status":"1"},"2024-05-26T14:00:00Z"]`,
		`["TrackStatus",{"Status":"1"},"2024-05-26T14:00:04Z"]`,
		`["TrackStatus",{"Status":"1"},"2024-05-26T14:00:08Z"]`,
	})
	q := queues.NewQueue[envelope.Triple](16)
	r := NewReplayer(dir, "session.data.txt", 1.0, q)

	ctx, cancel := context.WithCancel(context.Background())
	sleepCount := 0
	r.sleep = func(sleepCtx context.Context, d time.Duration) bool {
		sleepCount++
		if sleepCount == 2 {
			cancel()
			return false
		}
		return true
	}
	require.NoError(t, r.Run(ctx))
	// cancelled during the delay before the third line, so it never played
	assert.Len(t, drain(q), 2)
}

func TestInvalidSpeedFallsBackToRealTime(t *testing.T) {
	q := queues.NewQueue[envelope.Triple](1)
	r := NewReplayer(t.TempDir(), "x", -3, q)
	assert.Equal(t, 1.0, r.Speed())
	r.SetSpeed(0)
	assert.Equal(t, 1.0, r.Speed())
	r.SetSpeed(2.5)
	assert.Equal(t, 2.5, r.Speed())
}

func TestListFilesFiltersAndSorts(t *testing.T) {
	dir := t.TempDir()
	writeReplayFile(t, dir, "b.data.txt", []string{"{}"})
	writeReplayFile(t, dir, "a.data.txt", []string{"{}"})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))

	files, err := ListFiles(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.data.txt", "b.data.txt"}, files)
}

func TestRecorderRoundTrip(t *testing.T) {
	dir := t.TempDir()
	rec, err := NewRecorder(dir, "Monaco Grand Prix_Qualifying")
	require.NoError(t, err)
	require.NoError(t, rec.WriteFrame([]byte(`{"C":"d-1"}`), time.Now()))
	require.NoError(t, rec.WriteFrame([]byte(`["TrackStatus",{"Status":"1"},"2024-05-26T14:00:00Z"]`), time.Now()))
	require.NoError(t, rec.Close())

	data, err := os.ReadFile(rec.Path())
	require.NoError(t, err)
	assert.Contains(t, string(data), `{"C":"d-1"}`+"\n")

	assert.Error(t, rec.WriteFrame([]byte("{}"), time.Now()))

	files, err := ListFiles(dir)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Contains(t, files[0], "Monaco_Grand_Prix_Qualifying")
}
