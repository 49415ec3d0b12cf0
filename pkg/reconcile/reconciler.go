package reconcile

import (
	"context"
	"encoding/json"
	"log"
	"strconv"
	"strings"
	"time"

	"f1livesession/pkg/envelope"
	"f1livesession/pkg/queues"
	"f1livesession/pkg/state"
)

const popTimeout = 200 * time.Millisecond

// TrackFetcher resolves circuit geometry for a session. Implementations must
// not block; the reconciler calls it inline while holding the state lock's
// caller path.
type TrackFetcher interface {
	EnsureTrack(sessionKey string, year string, circuitKey int)
}

// Reconciler consumes decoded feed messages and folds them into the session
// state. It is the only writer of the store while running.
type Reconciler struct {
	store  *state.Store
	queue  *queues.Queue[envelope.Triple]
	tracks TrackFetcher
	timer  *SegmentTimer

	// nowWall is the wall clock, injectable for tests.
	nowWall func() time.Time

	// pendingTrack carries a geometry request out of the locked dispatch.
	pendingTrack *trackRequest
}

type trackRequest struct {
	sessionKey string
	year       string
	circuitKey int
}

func NewReconciler(store *state.Store, queue *queues.Queue[envelope.Triple], tracks TrackFetcher) *Reconciler {
	return &Reconciler{
		store:   store,
		queue:   queue,
		tracks:  tracks,
		timer:   NewSegmentTimer(),
		nowWall: time.Now,
	}
}

// Run consumes the queue until the context is cancelled. Malformed or
// panicking messages are logged and skipped, never fatal.
func (r *Reconciler) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		triple, ok := r.queue.Pop(popTimeout)
		if !ok {
			continue
		}
		r.Dispatch(triple)
	}
}

// Dispatch applies a single decoded message to the store.
func (r *Reconciler) Dispatch(t envelope.Triple) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("reconcile: panic handling %s: %v", t.Stream, rec)
		}
	}()
	r.pendingTrack = nil
	r.store.Update(func(s *state.SessionState) {
		r.apply(s, t)
	})
	if req := r.pendingTrack; req != nil && r.tracks != nil {
		r.tracks.EnsureTrack(req.sessionKey, req.year, req.circuitKey)
	}
}

func (r *Reconciler) apply(s *state.SessionState, t envelope.Triple) {
	if !s.Clock.Live {
		if ts, err := envelope.ParseTimestamp(t.Timestamp); err == nil {
			s.Clock.FeedNow = ts
		}
	}
	switch t.Stream {
	case "Heartbeat":
		r.applyHeartbeat(s, t.Data)
	case "DriverList":
		r.applyDriverList(s, t.Data)
	case "TimingData":
		r.applyTimingData(s, t.Data)
	case "TimingAppData":
		r.applyTimingAppData(s, t.Data)
	case "SessionInfo":
		r.applySessionInfo(s, t.Data)
	case "SessionData":
		r.applySessionData(s, t.Data)
	case "TrackStatus":
		r.applyTrackStatus(s, t.Data)
	case "CarData", "CarData.z":
		r.applyCarData(s, t.Data)
	case "Position", "Position.z":
		r.applyPosition(s, t.Data)
	case "WeatherData":
		r.applyWeather(s, t.Data)
	case "RaceControlMessages":
		r.applyRaceControl(s, t.Data)
	case "TeamRadio":
		r.applyTeamRadio(s, t.Data)
	case "ExtrapolatedClock":
		r.applyExtrapolatedClock(s, t.Data)
	default:
		s.Unhandled[t.Stream] = state.RawStream{Data: t.Data, Timestamp: t.Timestamp}
	}
}

func (r *Reconciler) applyHeartbeat(s *state.SessionState, data json.RawMessage) {
	var msg heartbeatMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Printf("reconcile: bad heartbeat: %v", err)
		return
	}
	if msg.Utc != "" {
		s.LastHeartbeat = msg.Utc
	}
}

func (r *Reconciler) applyDriverList(s *state.SessionState, data json.RawMessage) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		log.Printf("reconcile: bad driver list: %v", err)
		return
	}
	for num, entry := range raw {
		if strings.HasPrefix(num, "_") {
			continue
		}
		var info driverInfo
		if err := json.Unmarshal(entry, &info); err != nil {
			log.Printf("reconcile: bad driver entry %s: %v", num, err)
			continue
		}
		d, ok := s.Drivers[num]
		if !ok {
			d = state.NewDriver(num)
			s.Drivers[num] = d
		}
		if info.Tla != nil && !isPlaceholder(*info.Tla) {
			d.Tla = *info.Tla
		}
		if info.FullName != nil && !isPlaceholder(*info.FullName) {
			d.FullName = *info.FullName
		}
		if info.TeamName != nil && !isPlaceholder(*info.TeamName) {
			d.TeamName = *info.TeamName
		}
		if info.TeamColour != nil {
			d.TeamColour = *info.TeamColour
		}
		if info.CountryCode != nil {
			d.CountryCode = *info.CountryCode
		}
		if info.Line != nil {
			d.Line = int(*info.Line)
		}
	}
}

// isPlaceholder reports whether an identity value should not overwrite an
// already known one. The feed occasionally re-sends rosters with blanked
// names mid-session.
func isPlaceholder(v string) bool {
	return v == "" || v == "N/A"
}

func (r *Reconciler) applyTimingData(s *state.SessionState, data json.RawMessage) {
	var msg timingData
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Printf("reconcile: bad timing data: %v", err)
		return
	}
	for num, line := range msg.Lines {
		d, ok := s.Drivers[num]
		if !ok {
			continue
		}
		r.applyTimingLine(s, d, line)
	}
	resweepOverallBests(s)
}

func (r *Reconciler) applyTimingLine(s *state.SessionState, d *state.Driver, line timingLine) {
	prevLaps := d.NumberOfLaps
	prevInPit := d.InPit

	if line.Position != nil {
		d.Position = string(*line.Position)
	}
	if line.Time != nil {
		d.Time = string(*line.Time)
	}
	if line.GapToLeader != nil {
		d.GapToLeader = string(*line.GapToLeader)
	}
	if line.IntervalToPositionAhead != nil && line.IntervalToPositionAhead.Value != nil {
		d.Interval = *line.IntervalToPositionAhead.Value
	}
	if line.InPit != nil {
		d.InPit = *line.InPit
	}
	if line.Retired != nil {
		d.Retired = *line.Retired
	}
	if line.Stopped != nil {
		d.Stopped = *line.Stopped
	}
	if line.PitOut != nil {
		d.PitOut = *line.PitOut
	}
	if line.NumberOfLaps != nil {
		d.NumberOfLaps = int(*line.NumberOfLaps)
	}
	if line.NumberOfPitStops != nil {
		d.NumberOfPitStops = int(*line.NumberOfPitStops)
	}

	mergeTime(&d.LastLap, line.LastLapTime)
	mergeTime(&d.BestLap, line.BestLapTime)
	for _, idx := range line.Sectors.sortedKeys() {
		if idx < 0 || idx >= len(d.Sectors) {
			continue
		}
		upd := line.Sectors[idx]
		if upd == nil {
			continue
		}
		mergeTime(&d.Sectors[idx], upd)
		if upd.Value != nil {
			if secs, ok := state.ParseLapTime(*upd.Value); ok {
				if d.BestSectorSeconds[idx] == 0 || secs < d.BestSectorSeconds[idx] {
					d.BestSectorSeconds[idx] = secs
				}
				best := &s.Bests.OverallBestSectors[idx]
				if best.Seconds == 0 || secs < best.Seconds {
					*best = state.BestRecord{Value: *upd.Value, Seconds: secs, Driver: d.RacingNumber}
				}
			}
		}
	}

	if line.BestLapTime != nil && line.BestLapTime.Value != nil {
		if secs, ok := state.ParseLapTime(*line.BestLapTime.Value); ok {
			if d.BestLapSeconds == 0 || secs <= d.BestLapSeconds {
				d.BestLapSeconds = secs
			}
		}
	}

	lapSeconds := 0.0
	lapParsed := false
	if line.LastLapTime != nil && line.LastLapTime.Value != nil {
		lapSeconds, lapParsed = state.ParseLapTime(*line.LastLapTime.Value)
	}
	eligible := !d.InPit && !d.PitOut && !d.Stopped
	if lapParsed {
		if d.BestLapSeconds == 0 || lapSeconds < d.BestLapSeconds {
			d.BestLapSeconds = lapSeconds
			d.BestLap.Value = *line.LastLapTime.Value
		}
		if eligible {
			best := &s.Bests.OverallBestLap
			if best.Seconds == 0 || lapSeconds < best.Seconds {
				*best = state.BestRecord{Value: *line.LastLapTime.Value, Seconds: lapSeconds, Driver: d.RacingNumber}
			}
		}
	}

	if line.NumberOfLaps != nil && d.NumberOfLaps > prevLaps {
		recordLap(s, d, lapSeconds, lapParsed && eligible)
	}

	if line.InPit != nil {
		switch {
		case !prevInPit && d.InPit:
			d.PitEntryAt = r.nowWall()
			d.PitEntrySpeed = s.Clock.Speed
		case prevInPit && !d.InPit:
			if !d.PitEntryAt.IsZero() {
				d.LastPitDuration = r.nowWall().Sub(d.PitEntryAt).Seconds() * d.PitEntrySpeed
				d.PitEntryAt = time.Time{}
			}
		}
	}

	d.Status = driverStatusText(d)
}

func mergeTime(dst *state.TimeEntry, upd *timeUpdate) {
	if upd == nil {
		return
	}
	if upd.Value != nil {
		dst.Value = *upd.Value
	}
	if upd.PersonalFastest != nil {
		dst.PersonalFastest = *upd.PersonalFastest
	}
	if upd.OverallFastest != nil {
		dst.OverallFastest = *upd.OverallFastest
	}
}

// recordLap appends a history entry for a newly completed lap. Lap numbers
// must be strictly increasing; stale or duplicate counters are ignored.
func recordLap(s *state.SessionState, d *state.Driver, seconds float64, valid bool) {
	history := s.LapHistory[d.RacingNumber]
	lap := d.NumberOfLaps
	if len(history) > 0 && history[len(history)-1].Lap >= lap {
		return
	}
	s.LapHistory[d.RacingNumber] = append(history, state.LapHistoryEntry{
		Lap:      lap,
		Seconds:  seconds,
		Compound: d.TyreCompound,
		Valid:    valid,
	})
}

func resweepOverallBests(s *state.SessionState) {
	for num, d := range s.Drivers {
		d.OverallBestLapHolder = s.Bests.OverallBestLap.Driver == num && num != ""
		for i := range d.OverallBestSectorHolder {
			d.OverallBestSectorHolder[i] = s.Bests.OverallBestSectors[i].Driver == num && num != ""
		}
	}
}

func driverStatusText(d *state.Driver) string {
	var parts []string
	if d.Retired {
		parts = append(parts, "Retired")
	}
	if d.Stopped {
		parts = append(parts, "Stopped")
	}
	if d.InPit {
		parts = append(parts, "In Pit")
	}
	if d.PitOut {
		parts = append(parts, "Pit Out")
	}
	if len(parts) == 0 {
		return "On Track"
	}
	return strings.Join(parts, ", ")
}

func (r *Reconciler) applyTimingAppData(s *state.SessionState, data json.RawMessage) {
	var msg timingAppData
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Printf("reconcile: bad timing app data: %v", err)
		return
	}
	for num, line := range msg.Lines {
		d, ok := s.Drivers[num]
		if !ok {
			continue
		}
		for _, key := range line.Stints.sortedKeys() {
			applyStint(s, d, key, line.Stints[key])
		}
		syncTyreSnapshot(s, d)
	}
}

func applyStint(s *state.SessionState, d *state.Driver, key int, upd stintUpdate) {
	stints := s.Stints[d.RacingNumber]
	keyStr := strconv.Itoa(key)

	for i := range stints {
		if stints[i].Key != keyStr {
			continue
		}
		st := &stints[i]
		if upd.Compound != nil && *upd.Compound != "" {
			st.Compound = strings.ToUpper(*upd.Compound)
		}
		if upd.New != nil {
			st.New = *upd.New == "true"
		}
		if upd.TyresNotChanged != nil {
			st.TyresNotChanged = *upd.TyresNotChanged == "true"
		}
		if upd.TotalLaps != nil {
			st.TotalLaps = int(*upd.TotalLaps)
		}
		if d.NumberOfLaps > st.EndLap {
			st.EndLap = d.NumberOfLaps
		}
		return
	}

	if upd.Compound == nil || *upd.Compound == "" {
		log.Printf("reconcile: stint %d for driver %s has no compound, skipping", key, d.RacingNumber)
		return
	}

	startLap := d.NumberOfLaps + 1
	if startLap < 1 {
		startLap = 1
	}
	if len(stints) > 0 {
		prev := &stints[len(stints)-1]
		end := d.NumberOfLaps
		if startLap-1 > end {
			end = startLap - 1
		}
		if end > prev.EndLap {
			prev.EndLap = end
		}
	}

	st := state.Stint{
		Number:   len(stints) + 1,
		Key:      keyStr,
		Compound: strings.ToUpper(*upd.Compound),
		StartLap: startLap,
		EndLap:   startLap,
	}
	if upd.New != nil {
		st.New = *upd.New == "true"
	}
	if upd.TyresNotChanged != nil {
		st.TyresNotChanged = *upd.TyresNotChanged == "true"
	}
	if upd.TotalLaps != nil {
		st.TotalLaps = int(*upd.TotalLaps)
	}
	switch {
	case st.New:
		st.StartAge = 0
	case st.TyresNotChanged && len(stints) > 0:
		prev := stints[len(stints)-1]
		st.StartAge = prev.StartAge + prev.EndLap - prev.StartLap + 1
	case upd.StartLaps != nil:
		st.StartAge = int(*upd.StartLaps)
	case upd.TotalLaps != nil:
		st.StartAge = int(*upd.TotalLaps)
	}
	s.Stints[d.RacingNumber] = append(stints, st)
}

// syncTyreSnapshot mirrors the latest stint onto the driver record so
// presentation does not need the stint list for the common case.
func syncTyreSnapshot(s *state.SessionState, d *state.Driver) {
	stints := s.Stints[d.RacingNumber]
	if len(stints) == 0 {
		return
	}
	last := stints[len(stints)-1]
	d.TyreCompound = last.Compound
	d.TyreIsNew = last.New
	if last.TotalLaps > 0 {
		d.TyreAge = last.TotalLaps
	} else {
		d.TyreAge = last.StartAge + d.NumberOfLaps - last.StartLap + 1
	}
	if d.TyreAge < 0 {
		d.TyreAge = 0
	}
}

func (r *Reconciler) applySessionInfo(s *state.SessionState, data json.RawMessage) {
	var msg sessionInfoMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Printf("reconcile: bad session info: %v", err)
		return
	}
	typeChanged := msg.Type != "" && msg.Type != s.Details.Type

	if msg.Meeting.Name != "" {
		s.Details.MeetingName = msg.Meeting.Name
	}
	if msg.Meeting.Country.Name != "" {
		s.Details.CountryName = msg.Meeting.Country.Name
	}
	if msg.Meeting.Circuit.ShortName != "" {
		s.Details.CircuitShortName = msg.Meeting.Circuit.ShortName
	}
	if msg.Meeting.Circuit.Key != 0 {
		s.Details.CircuitKey = msg.Meeting.Circuit.Key
	}
	if msg.Name != "" {
		s.Details.Name = msg.Name
	}
	if msg.Type != "" {
		s.Details.Type = msg.Type
	}
	if msg.Path != "" {
		s.Details.Path = msg.Path
	}
	if msg.StartDate != "" {
		s.Details.StartDate = msg.StartDate
		if len(msg.StartDate) >= 4 {
			s.Details.Year = msg.StartDate[:4]
		}
	}
	if msg.EndDate != "" {
		s.Details.EndDate = msg.EndDate
	}
	if start, err := time.Parse("2006-01-02T15:04:05", msg.StartDate); err == nil {
		if end, err := time.Parse("2006-01-02T15:04:05", msg.EndDate); err == nil && end.After(start) {
			s.Details.ScheduledLength = end.Sub(start)
		}
	}

	if typeChanged {
		r.timer.ResetSession(s)
	}

	if s.Details.Year != "" && s.Details.CircuitKey != 0 {
		key := s.Details.Year + "_" + strconv.Itoa(s.Details.CircuitKey)
		if key != s.Details.SessionKey {
			s.Details.SessionKey = key
			r.pendingTrack = &trackRequest{
				sessionKey: key,
				year:       s.Details.Year,
				circuitKey: s.Details.CircuitKey,
			}
		}
	}
}

func (r *Reconciler) applySessionData(s *state.SessionState, data json.RawMessage) {
	var msg sessionDataMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Printf("reconcile: bad session data: %v", err)
		return
	}
	for _, key := range msg.StatusSeries.sortedKeys() {
		entry := msg.StatusSeries[key]
		if entry.SessionStatus == "" {
			continue
		}
		r.timer.OnSessionStatus(s, entry.SessionStatus, entry.Utc, r.nowWall())
		s.Details.PreviousStatus = s.Details.Status
		s.Details.Status = entry.SessionStatus
	}
}

func (r *Reconciler) applyTrackStatus(s *state.SessionState, data json.RawMessage) {
	var msg trackStatusMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Printf("reconcile: bad track status: %v", err)
		return
	}
	if msg.Status != "" {
		s.TrackStatus.Status = msg.Status
	}
	if msg.Message != "" {
		s.TrackStatus.Message = msg.Message
	}
}

func (r *Reconciler) applyCarData(s *state.SessionState, data json.RawMessage) {
	var msg carDataMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Printf("reconcile: bad car data: %v", err)
		return
	}
	for _, entry := range msg.Entries {
		for num, car := range entry.Cars {
			d, ok := s.Drivers[num]
			if !ok {
				continue
			}
			ch := &d.Car
			ch.Utc = entry.Utc
			for idx, value := range car.Channels {
				switch channelMap[idx] {
				case "RPM":
					ch.RPM = int(value)
				case "Speed":
					ch.Speed = int(value)
				case "Gear":
					ch.Gear = int(value)
				case "Throttle":
					ch.Throttle = int(value)
				case "Brake":
					ch.Brake = int(value)
				case "DRS":
					ch.DRS = int(value)
				}
			}
			recordTelemetry(s, d, entry.Utc)
		}
	}
}

// recordTelemetry appends the driver's current channel values to the buffer
// for the lap in progress.
func recordTelemetry(s *state.SessionState, d *state.Driver, utc string) {
	lap := d.NumberOfLaps + 1
	if lap < 1 {
		lap = 1
	}
	byLap := s.Telemetry[d.RacingNumber]
	if byLap == nil {
		byLap = make(map[int]*state.TelemetryLap)
		s.Telemetry[d.RacingNumber] = byLap
	}
	tl := byLap[lap]
	if tl == nil {
		tl = &state.TelemetryLap{}
		byLap[lap] = tl
	}
	tl.Timestamps = append(tl.Timestamps, utc)
	tl.RPM = append(tl.RPM, d.Car.RPM)
	tl.Speed = append(tl.Speed, d.Car.Speed)
	tl.Gear = append(tl.Gear, d.Car.Gear)
	tl.Throttle = append(tl.Throttle, d.Car.Throttle)
	tl.Brake = append(tl.Brake, d.Car.Brake)
	tl.DRS = append(tl.DRS, d.Car.DRS)
}

func (r *Reconciler) applyPosition(s *state.SessionState, data json.RawMessage) {
	var msg positionMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Printf("reconcile: bad position data: %v", err)
		return
	}
	for _, sample := range msg.Position {
		for num, entry := range sample.Entries {
			d, ok := s.Drivers[num]
			if !ok {
				continue
			}
			d.PrevPositionData = d.PositionData
			d.PositionData = &state.PositionSample{
				X:         entry.X,
				Y:         entry.Y,
				Status:    entry.Status,
				Timestamp: sample.Timestamp,
			}
		}
	}
}

func (r *Reconciler) applyWeather(s *state.SessionState, data json.RawMessage) {
	var msg weatherMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Printf("reconcile: bad weather data: %v", err)
		return
	}
	if msg.AirTemp != nil {
		s.Weather.AirTemp = *msg.AirTemp
	}
	if msg.TrackTemp != nil {
		s.Weather.TrackTemp = *msg.TrackTemp
	}
	if msg.Humidity != nil {
		s.Weather.Humidity = *msg.Humidity
	}
	if msg.Pressure != nil {
		s.Weather.Pressure = *msg.Pressure
	}
	if msg.Rainfall != nil {
		s.Weather.Rainfall = *msg.Rainfall
	}
	if msg.WindDirection != nil {
		s.Weather.WindDirection = *msg.WindDirection
	}
	if msg.WindSpeed != nil {
		s.Weather.WindSpeed = *msg.WindSpeed
	}
}

func (r *Reconciler) applyRaceControl(s *state.SessionState, data json.RawMessage) {
	var msg raceControlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Printf("reconcile: bad race control data: %v", err)
		return
	}
	for _, key := range msg.Messages.sortedKeys() {
		entry := msg.Messages[key]
		rcm := state.RaceControlMessage{
			Utc:      entry.Utc,
			Category: entry.Category,
			Flag:     entry.Flag,
			Scope:    entry.Scope,
			Message:  entry.Message,
		}
		if entry.Lap != nil {
			rcm.Lap = int(*entry.Lap)
		}
		if entry.Sector != nil {
			rcm.Sector = int(*entry.Sector)
		}
		s.AddRaceControl(rcm)
		updateYellowSectors(s, rcm)
	}
}

func updateYellowSectors(s *state.SessionState, m state.RaceControlMessage) {
	flag := strings.ToUpper(m.Flag)
	switch {
	case (flag == "YELLOW" || flag == "DOUBLE YELLOW") && m.Scope == "Sector" && m.Sector > 0:
		s.YellowSectors[m.Sector] = true
	case flag == "CLEAR" && m.Scope == "Sector" && m.Sector > 0:
		delete(s.YellowSectors, m.Sector)
	case (flag == "GREEN" || flag == "CLEAR") && m.Scope != "Sector":
		for k := range s.YellowSectors {
			delete(s.YellowSectors, k)
		}
	case strings.Contains(strings.ToUpper(m.Message), "TRACK CLEAR"):
		for k := range s.YellowSectors {
			delete(s.YellowSectors, k)
		}
	}
}

func (r *Reconciler) applyTeamRadio(s *state.SessionState, data json.RawMessage) {
	var msg teamRadioMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Printf("reconcile: bad team radio data: %v", err)
		return
	}
	for _, key := range msg.Captures.sortedKeys() {
		c := msg.Captures[key]
		s.AddTeamRadio(state.RadioCapture{
			Utc:          c.Utc,
			RacingNumber: c.RacingNumber,
			Path:         c.Path,
		})
	}
}

func (r *Reconciler) applyExtrapolatedClock(s *state.SessionState, data json.RawMessage) {
	var msg extrapolatedClockMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Printf("reconcile: bad extrapolated clock: %v", err)
		return
	}
	r.timer.OnExtrapolatedClock(s, msg.Utc, msg.Remaining, r.nowWall())
}
