package session

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"f1livesession/pkg/config"
	"f1livesession/pkg/envelope"
	"f1livesession/pkg/queues"
	"f1livesession/pkg/state"
)

func newTestManager(t *testing.T) (*Manager, *state.Store, *queues.Queue[envelope.Triple], string) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Config{
		ReplayDir:     dir,
		QueueCapacity: 1024,
	}
	store := state.NewStore()
	queue := queues.NewQueue[envelope.Triple](cfg.QueueCapacity)
	return NewManager(cfg, store, queue, nil), store, queue, dir
}

func writeReplay(t *testing.T, dir, name string, lines ...string) {
	t.Helper()
	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func waitForStatus(t *testing.T, m *Manager, want Status) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		if m.Status().Status == want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("status never reached %s, is %s", want, m.Status().Status)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestReplayRunsToCompletion(t *testing.T) {
	m, store, queue, dir := newTestManager(t)
	writeReplay(t, dir, "short.data.txt",
		`["TrackStatus",{"Status":"1"},"2024-05-26T14:00:00Z"]`,
		`["TrackStatus",{"Status":"2"},"2024-05-26T14:00:00.050Z"]`,
	)

	require.NoError(t, m.StartReplay(context.Background(), "short.data.txt", 10))
	assert.Equal(t, StatusReplaying, m.Status().Status)

	clock := store.Clock()
	assert.False(t, clock.Live)
	assert.Equal(t, 10.0, clock.Speed)

	waitForStatus(t, m, StatusPlaybackComplete)
	assert.Equal(t, 2, queue.Len())
}

func TestReplayMissingFileReportsError(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	require.NoError(t, m.StartReplay(context.Background(), "ghost.data.txt", 1))
	waitForStatus(t, m, StatusError)
	assert.Contains(t, m.Status().Detail, "ghost.data.txt")
}

func TestStopHaltsReplay(t *testing.T) {
	m, _, _, dir := newTestManager(t)
	// a long gap keeps the replayer sleeping until stopped
	writeReplay(t, dir, "long.data.txt",
		`["TrackStatus",{"Status":"1"},"2024-05-26T14:00:00Z"]`,
		`["TrackStatus",{"Status":"2"},"2024-05-26T14:30:00Z"]`,
		`["TrackStatus",{"Status":"4"},"2024-05-26T15:00:00Z"]`,
	)
	require.NoError(t, m.StartReplay(context.Background(), "long.data.txt", 1))
	waitForStatus(t, m, StatusReplaying)

	m.Stop()
	assert.Equal(t, StatusStopped, m.Status().Status)
}

func TestStartingNewProducerJoinsOldOne(t *testing.T) {
	m, _, _, dir := newTestManager(t)
	writeReplay(t, dir, "long.data.txt",
		`["TrackStatus",{"Status":"1"},"2024-05-26T14:00:00Z"]`,
		`["TrackStatus",{"Status":"2"},"2024-05-26T14:30:00Z"]`,
	)
	writeReplay(t, dir, "short.data.txt",
		`["TrackStatus",{"Status":"1"},"2024-05-26T14:00:00Z"]`,
	)

	require.NoError(t, m.StartReplay(context.Background(), "long.data.txt", 1))
	waitForStatus(t, m, StatusReplaying)

	// the second start replaces the first producer
	require.NoError(t, m.StartReplay(context.Background(), "short.data.txt", 1))
	assert.Equal(t, "short.data.txt", m.Status().File)
	waitForStatus(t, m, StatusPlaybackComplete)
}

func TestSetReplaySpeed(t *testing.T) {
	m, store, _, dir := newTestManager(t)

	assert.Error(t, m.SetReplaySpeed(2.0))

	writeReplay(t, dir, "long.data.txt",
		`["TrackStatus",{"Status":"1"},"2024-05-26T14:00:00Z"]`,
		`["TrackStatus",{"Status":"2"},"2024-05-26T14:30:00Z"]`,
	)
	require.NoError(t, m.StartReplay(context.Background(), "long.data.txt", 1))
	waitForStatus(t, m, StatusReplaying)

	require.NoError(t, m.SetReplaySpeed(4.0))
	assert.Equal(t, 4.0, m.Status().Speed)
	assert.Equal(t, 4.0, store.Clock().Speed)
	m.Stop()
}

func TestReplayResetsStore(t *testing.T) {
	m, store, _, dir := newTestManager(t)
	store.Update(func(s *state.SessionState) {
		s.Drivers["44"] = state.NewDriver("44")
	})
	writeReplay(t, dir, "short.data.txt",
		`["TrackStatus",{"Status":"1"},"2024-05-26T14:00:00Z"]`,
	)
	require.NoError(t, m.StartReplay(context.Background(), "short.data.txt", 1))
	assert.Empty(t, store.Drivers())
	waitForStatus(t, m, StatusPlaybackComplete)
}

func TestConcurrentStartsLeaveSingleProducer(t *testing.T) {
	m, _, queue, dir := newTestManager(t)
	lines := make([]string, 50)
	base := time.Date(2024, 5, 26, 14, 0, 0, 0, time.UTC)
	for i := range lines {
		ts := base.Add(time.Duration(i) * 200 * time.Millisecond)
		lines[i] = fmt.Sprintf(`["TrackStatus",{"Status":"1"},"%s"]`, ts.Format("2006-01-02T15:04:05.000Z"))
	}
	writeReplay(t, dir, "long.data.txt", lines...)

	require.NoError(t, m.StartReplay(context.Background(), "long.data.txt", 1))
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, m.StartReplay(context.Background(), "long.data.txt", 1))
		}()
	}
	wg.Wait()

	m.Stop()
	assert.Equal(t, StatusStopped, m.Status().Status)

	// drain whatever was pushed before the stop, then make sure nothing
	// keeps arriving from a leftover producer
	for {
		if _, ok := queue.Pop(50 * time.Millisecond); !ok {
			break
		}
	}
	time.Sleep(300 * time.Millisecond)
	assert.Zero(t, queue.Len())
}

func TestStartLiveHoldsConnectingUntilOpen(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	cfg := config.Config{
		NegotiateURLBase: srv.URL,
		HubName:          "Streaming",
		ReplayDir:        t.TempDir(),
		QueueCapacity:    16,
	}
	store := state.NewStore()
	queue := queues.NewQueue[envelope.Triple](cfg.QueueCapacity)
	m := NewManager(cfg, store, queue, nil)

	require.NoError(t, m.StartLive(context.Background(), false))
	assert.Equal(t, StatusConnecting, m.Status().Status)

	// negotiate is stalled, so the session must not report Live
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, StatusConnecting, m.Status().Status)

	m.Stop()
	assert.Equal(t, StatusStopped, m.Status().Status)
}

func TestReplayFilesListing(t *testing.T) {
	m, _, _, dir := newTestManager(t)
	writeReplay(t, dir, "a.data.txt", "{}")
	files, err := m.ReplayFiles()
	require.NoError(t, err)
	assert.Equal(t, []string{"a.data.txt"}, files)
}
