package tracks

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"f1livesession/pkg/state"
)

const circuitJSON = `{
	"x":[0,10,20],"y":[0,5,0],
	"corners":[{"number":1,"trackPosition":{"x":10,"y":5}}],
	"marshalSectors":[{"number":1},{"number":2}],
	"rotation":90
}`

func waitForGeometry(t *testing.T, store *state.Store) state.TrackGeometry {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		geo := store.TrackGeometrySnapshot()
		if len(geo.X) > 0 {
			return geo
		}
		select {
		case <-deadline:
			t.Fatal("geometry never applied")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestEnsureTrackFetchesAndApplies(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "/22/2024", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(circuitJSON))
	}))
	defer srv.Close()

	store := state.NewStore()
	store.Update(func(s *state.SessionState) {
		s.Details.SessionKey = "2024_22"
	})
	f := NewFetcher(store)
	f.apiBase = srv.URL

	f.EnsureTrack("2024_22", "2024", 22)
	geo := waitForGeometry(t, store)
	assert.Equal(t, []float64{0, 10, 20}, geo.X)
	assert.Equal(t, []int{1}, geo.CornerNumbers)
	assert.Equal(t, []int{1, 2}, geo.MarshalSectors)
	assert.Equal(t, 90.0, geo.Rotation)
	assert.Equal(t, int32(1), hits.Load())
}

func TestEnsureTrackDropsStaleResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(circuitJSON))
	}))
	defer srv.Close()

	store := state.NewStore()
	store.Update(func(s *state.SessionState) {
		s.Details.SessionKey = "2024_7" // session moved on already
	})
	f := NewFetcher(store)
	f.apiBase = srv.URL

	f.EnsureTrack("2024_22", "2024", 22)
	time.Sleep(200 * time.Millisecond)
	assert.Empty(t, store.TrackGeometrySnapshot().X)
}

func TestEnsureTrackIgnoresIncompleteKeys(t *testing.T) {
	f := NewFetcher(state.NewStore())
	require.NotPanics(t, func() {
		f.EnsureTrack("", "2024", 22)
		f.EnsureTrack("2024_22", "", 22)
		f.EnsureTrack("2024_22", "2024", 0)
	})
}
