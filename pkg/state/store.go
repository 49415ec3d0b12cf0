package state

import (
	"sort"
	"sync"
)

const (
	maxRaceControlMessages = 50
	maxRadioCaptures       = 25
)

// SessionState is the unprotected aggregate of everything reconstructed from
// the feed. It is only ever touched through Store.Update, which holds the
// store lock for the duration of the callback.
type SessionState struct {
	Drivers    map[string]*Driver
	Stints     map[string][]Stint
	LapHistory map[string][]LapHistoryEntry
	Telemetry  map[string]map[int]*TelemetryLap

	Details SessionDetails
	Segment SegmentState
	Bests   SessionBests
	Clock   ReplayClock

	Weather       Weather
	TrackStatus   TrackStatus
	RaceControl   []RaceControlMessage
	YellowSectors map[int]bool
	TeamRadio     []RadioCapture
	LastHeartbeat string
	Geometry      TrackGeometry

	// Unhandled keeps the latest payload of streams without a semantic
	// handler, for observability only.
	Unhandled map[string]RawStream
}

func newSessionState() *SessionState {
	return &SessionState{
		Drivers:       make(map[string]*Driver),
		Stints:        make(map[string][]Stint),
		LapHistory:    make(map[string][]LapHistoryEntry),
		Telemetry:     make(map[string]map[int]*TelemetryLap),
		YellowSectors: make(map[int]bool),
		Unhandled:     make(map[string]RawStream),
		Segment:       SegmentState{Previous: SegmentUnknown, Current: SegmentUnknown},
		Clock:         ReplayClock{Live: true, Speed: 1.0},
	}
}

// AddRaceControl prepends msg to the bounded recent-message ring.
func (s *SessionState) AddRaceControl(msg RaceControlMessage) {
	s.RaceControl = append([]RaceControlMessage{msg}, s.RaceControl...)
	if len(s.RaceControl) > maxRaceControlMessages {
		s.RaceControl = s.RaceControl[:maxRaceControlMessages]
	}
}

// AddTeamRadio prepends one radio capture to its bounded ring.
func (s *SessionState) AddTeamRadio(c RadioCapture) {
	s.TeamRadio = append([]RadioCapture{c}, s.TeamRadio...)
	if len(s.TeamRadio) > maxRadioCaptures {
		s.TeamRadio = s.TeamRadio[:maxRadioCaptures]
	}
}

// Store is the single authoritative owner of the session state. The
// reconciler is the only long-lived writer; readers get copies.
type Store struct {
	mu sync.Mutex
	s  *SessionState
}

func NewStore() *Store {
	return &Store{s: newSessionState()}
}

// Update runs fn under the store lock. fn must be CPU-bound and must not
// perform I/O.
func (st *Store) Update(fn func(*SessionState)) {
	st.mu.Lock()
	defer st.mu.Unlock()
	fn(st.s)
}

// Reset replaces the whole aggregate atomically, used when a new session or
// replay begins.
func (st *Store) Reset() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.s = newSessionState()
}

// ApplyTrackGeometry installs fetched geometry only if the session it was
// fetched for is still the current one; a stale result is discarded.
func (st *Store) ApplyTrackGeometry(geo TrackGeometry) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if geo.SessionKey == "" || geo.SessionKey != st.s.Details.SessionKey {
		return false
	}
	st.s.Geometry = geo
	return true
}

// --- Copy-on-read snapshot accessors ---

func cloneDriver(d *Driver) Driver {
	out := *d
	if d.PositionData != nil {
		p := *d.PositionData
		out.PositionData = &p
	}
	if d.PrevPositionData != nil {
		p := *d.PrevPositionData
		out.PrevPositionData = &p
	}
	return out
}

// Drivers returns a copy of every driver, sorted by racing number.
func (st *Store) Drivers() []Driver {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]Driver, 0, len(st.s.Drivers))
	for _, d := range st.s.Drivers {
		out = append(out, cloneDriver(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RacingNumber < out[j].RacingNumber })
	return out
}

func (st *Store) Driver(num string) (Driver, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	d, ok := st.s.Drivers[num]
	if !ok {
		return Driver{}, false
	}
	return cloneDriver(d), true
}

func (st *Store) DriverStints(num string) []Stint {
	st.mu.Lock()
	defer st.mu.Unlock()
	return append([]Stint(nil), st.s.Stints[num]...)
}

func (st *Store) DriverLaps(num string) []LapHistoryEntry {
	st.mu.Lock()
	defer st.mu.Unlock()
	return append([]LapHistoryEntry(nil), st.s.LapHistory[num]...)
}

// DriverTelemetry returns the sample buffers for one lap of one car.
func (st *Store) DriverTelemetry(num string, lap int) (TelemetryLap, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	laps, ok := st.s.Telemetry[num]
	if !ok {
		return TelemetryLap{}, false
	}
	t, ok := laps[lap]
	if !ok {
		return TelemetryLap{}, false
	}
	return TelemetryLap{
		Timestamps: append([]string(nil), t.Timestamps...),
		RPM:        append([]int(nil), t.RPM...),
		Speed:      append([]int(nil), t.Speed...),
		Gear:       append([]int(nil), t.Gear...),
		Throttle:   append([]int(nil), t.Throttle...),
		Brake:      append([]int(nil), t.Brake...),
		DRS:        append([]int(nil), t.DRS...),
	}, true
}

func (st *Store) Details() SessionDetails {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.s.Details
}

func (st *Store) Segment() SegmentState {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.s.Segment
}

func (st *Store) Bests() SessionBests {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.s.Bests
}

func (st *Store) Clock() ReplayClock {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.s.Clock
}

func (st *Store) WeatherSnapshot() Weather {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.s.Weather
}

func (st *Store) TrackStatusSnapshot() TrackStatus {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.s.TrackStatus
}

func (st *Store) RaceControlLog() []RaceControlMessage {
	st.mu.Lock()
	defer st.mu.Unlock()
	return append([]RaceControlMessage(nil), st.s.RaceControl...)
}

// YellowFlagSectors lists the sectors currently under a local yellow.
func (st *Store) YellowFlagSectors() []int {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]int, 0, len(st.s.YellowSectors))
	for sector := range st.s.YellowSectors {
		out = append(out, sector)
	}
	sort.Ints(out)
	return out
}

func (st *Store) TeamRadioLog() []RadioCapture {
	st.mu.Lock()
	defer st.mu.Unlock()
	return append([]RadioCapture(nil), st.s.TeamRadio...)
}

func (st *Store) Heartbeat() string {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.s.LastHeartbeat
}

func (st *Store) TrackGeometrySnapshot() TrackGeometry {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.s.Geometry
}
