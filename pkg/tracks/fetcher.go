// Package tracks resolves circuit geometry for the session map view. Fetches
// run asynchronously; results are dropped when the session has moved on.
package tracks

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"

	"f1livesession/pkg/state"
)

const defaultAPIBase = "https://api.multiviewer.app/api/v1/circuits"

type circuitResponse struct {
	X       []float64 `json:"x"`
	Y       []float64 `json:"y"`
	Corners []struct {
		Number      int `json:"number"`
		TrackPosition struct {
			X float64 `json:"x"`
			Y float64 `json:"y"`
		} `json:"trackPosition"`
	} `json:"corners"`
	MarshalSectors []struct {
		Number int `json:"number"`
	} `json:"marshalSectors"`
	Rotation float64 `json:"rotation"`
}

// Fetcher downloads circuit geometry on session changes. One fetch per
// session key; repeats are deduplicated.
type Fetcher struct {
	store      *state.Store
	httpClient *http.Client
	apiBase    string

	mu       sync.Mutex
	inflight map[string]bool
}

func NewFetcher(store *state.Store) *Fetcher {
	return &Fetcher{
		store:      store,
		httpClient: &http.Client{Timeout: 20 * time.Second},
		apiBase:    defaultAPIBase,
		inflight:   make(map[string]bool),
	}
}

// EnsureTrack kicks off a background fetch for the session's circuit. Returns
// immediately; the result is applied to the store when it arrives, unless the
// session key changed in the meantime.
func (f *Fetcher) EnsureTrack(sessionKey string, year string, circuitKey int) {
	if sessionKey == "" || year == "" || circuitKey == 0 {
		return
	}
	f.mu.Lock()
	if f.inflight[sessionKey] {
		f.mu.Unlock()
		return
	}
	f.inflight[sessionKey] = true
	f.mu.Unlock()

	go func() {
		defer func() {
			f.mu.Lock()
			delete(f.inflight, sessionKey)
			f.mu.Unlock()
		}()
		geo, err := f.fetch(sessionKey, year, circuitKey)
		if err != nil {
			log.Printf("tracks: fetch %s: %v", sessionKey, err)
			return
		}
		if !f.store.ApplyTrackGeometry(geo) {
			log.Printf("tracks: discarding stale geometry for %s", sessionKey)
			return
		}
		log.Printf("tracks: loaded geometry for %s (%d points)", sessionKey, len(geo.X))
	}()
}

func (f *Fetcher) fetch(sessionKey, year string, circuitKey int) (state.TrackGeometry, error) {
	url := fmt.Sprintf("%s/%d/%s", f.apiBase, circuitKey, year)
	resp, err := f.httpClient.Get(url)
	if err != nil {
		return state.TrackGeometry{}, errors.Wrap(err, "circuit api")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return state.TrackGeometry{}, errors.Errorf("circuit api: status %d", resp.StatusCode)
	}
	var body circuitResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return state.TrackGeometry{}, errors.Wrap(err, "circuit api body")
	}
	if len(body.X) == 0 || len(body.X) != len(body.Y) {
		return state.TrackGeometry{}, errors.New("circuit api: empty or mismatched track outline")
	}

	geo := state.TrackGeometry{
		SessionKey: sessionKey,
		X:          body.X,
		Y:          body.Y,
		Rotation:   body.Rotation,
	}
	for _, c := range body.Corners {
		geo.CornerNumbers = append(geo.CornerNumbers, c.Number)
		geo.CornerX = append(geo.CornerX, c.TrackPosition.X)
		geo.CornerY = append(geo.CornerY, c.TrackPosition.Y)
	}
	for _, ms := range body.MarshalSectors {
		geo.MarshalSectors = append(geo.MarshalSectors, ms.Number)
	}
	return geo, nil
}
