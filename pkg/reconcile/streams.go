package reconcile

import (
	"bytes"
	"encoding/json"
	"sort"
	"strconv"
)

// Incoming stream payloads. The feed sends partial updates, so every field
// that may be absent is a pointer: nil means "not in this message", which is
// how a merge knows to leave the current value alone.

// flexString tolerates the feed's habit of sending the same field as either
// a JSON string or a bare number.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	*f = flexString(b)
	return nil
}

// flexInt tolerates numbers arriving as strings.
type flexInt int

func (f *flexInt) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return err
		}
		*f = flexInt(n)
		return nil
	}
	var n int
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexInt(n)
	return nil
}

// timeUpdate is a lap/sector time field. A structured update carries
// sub-fields; a bare scalar is folded into Value, the conventional sub-key.
type timeUpdate struct {
	Value           *string `json:"Value"`
	PersonalFastest *bool   `json:"PersonalFastest"`
	OverallFastest  *bool   `json:"OverallFastest"`
}

func (t *timeUpdate) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	if b[0] == '{' {
		type alias timeUpdate
		var a alias
		if err := json.Unmarshal(b, &a); err != nil {
			return err
		}
		*t = timeUpdate(a)
		return nil
	}
	var s flexString
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v := string(s)
	t.Value = &v
	return nil
}

// indexedMap decodes the feed's "object keyed by numeric index" collections,
// which snapshots flatten into plain arrays, into an index-keyed map.
type indexedMap[T any] map[int]T

func (m *indexedMap[T]) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	out := make(map[int]T)
	if b[0] == '[' {
		var list []T
		if err := json.Unmarshal(b, &list); err != nil {
			return err
		}
		for i, v := range list {
			out[i] = v
		}
		*m = out
		return nil
	}
	var raw map[string]T
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	for k, v := range raw {
		idx, err := strconv.Atoi(k)
		if err != nil {
			continue
		}
		out[idx] = v
	}
	*m = out
	return nil
}

// sortedKeys returns the indices in ascending order, the document order the
// feed assigns them.
func (m indexedMap[T]) sortedKeys() []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

type heartbeatMessage struct {
	Utc string `json:"Utc"`
}

type driverInfo struct {
	RacingNumber *string  `json:"RacingNumber"`
	Tla          *string  `json:"Tla"`
	FullName     *string  `json:"FullName"`
	TeamName     *string  `json:"TeamName"`
	TeamColour   *string  `json:"TeamColour"`
	CountryCode  *string  `json:"CountryCode"`
	Line         *flexInt `json:"Line"`
}

type timingLine struct {
	Position                *flexString `json:"Position"`
	Time                    *flexString `json:"Time"`
	GapToLeader             *flexString `json:"GapToLeader"`
	IntervalToPositionAhead *timeUpdate `json:"IntervalToPositionAhead"`
	LastLapTime             *timeUpdate `json:"LastLapTime"`
	BestLapTime             *timeUpdate `json:"BestLapTime"`
	Sectors                 indexedMap[*timeUpdate] `json:"Sectors"`
	InPit                   *bool       `json:"InPit"`
	Retired                 *bool       `json:"Retired"`
	Stopped                 *bool       `json:"Stopped"`
	PitOut                  *bool       `json:"PitOut"`
	NumberOfLaps            *flexInt    `json:"NumberOfLaps"`
	NumberOfPitStops        *flexInt    `json:"NumberOfPitStops"`
}

type timingData struct {
	Lines map[string]timingLine `json:"Lines"`
}

type stintUpdate struct {
	Compound        *string  `json:"Compound"`
	New             *string  `json:"New"`
	TyresNotChanged *string  `json:"TyresNotChanged"`
	TotalLaps       *flexInt `json:"TotalLaps"`
	StartLaps       *flexInt `json:"StartLaps"`
	LapNumber       *flexInt `json:"LapNumber"`
}

type timingAppLine struct {
	Stints indexedMap[stintUpdate] `json:"Stints"`
}

type timingAppData struct {
	Lines map[string]timingAppLine `json:"Lines"`
}

type sessionInfoMessage struct {
	Meeting struct {
		Name    string `json:"Name"`
		Circuit struct {
			Key       int    `json:"Key"`
			ShortName string `json:"ShortName"`
		} `json:"Circuit"`
		Country struct {
			Name string `json:"Name"`
		} `json:"Country"`
	} `json:"Meeting"`
	Name      string `json:"Name"`
	Type      string `json:"Type"`
	StartDate string `json:"StartDate"`
	EndDate   string `json:"EndDate"`
	GmtOffset string `json:"GmtOffset"`
	Path      string `json:"Path"`
}

type statusEntry struct {
	Utc           string `json:"Utc"`
	SessionStatus string `json:"SessionStatus"`
	TrackStatus   string `json:"TrackStatus"`
}

type sessionDataMessage struct {
	StatusSeries indexedMap[statusEntry] `json:"StatusSeries"`
}

type trackStatusMessage struct {
	Status  string `json:"Status"`
	Message string `json:"Message"`
}

type carDataMessage struct {
	Entries []struct {
		Utc  string `json:"Utc"`
		Cars map[string]struct {
			Channels map[string]float64 `json:"Channels"`
		} `json:"Cars"`
	} `json:"Entries"`
}

type positionMessage struct {
	Position []struct {
		Timestamp string `json:"Timestamp"`
		Entries   map[string]struct {
			X      float64 `json:"X"`
			Y      float64 `json:"Y"`
			Status string  `json:"Status"`
		} `json:"Entries"`
	} `json:"Position"`
}

type weatherMessage struct {
	AirTemp       *string `json:"AirTemp"`
	TrackTemp     *string `json:"TrackTemp"`
	Humidity      *string `json:"Humidity"`
	Pressure      *string `json:"Pressure"`
	Rainfall      *string `json:"Rainfall"`
	WindDirection *string `json:"WindDirection"`
	WindSpeed     *string `json:"WindSpeed"`
}

type raceControlEntry struct {
	Utc      string   `json:"Utc"`
	Lap      *flexInt `json:"Lap"`
	Category string   `json:"Category"`
	Flag     string   `json:"Flag"`
	Scope    string   `json:"Scope"`
	Sector   *flexInt `json:"Sector"`
	Message  string   `json:"Message"`
}

type raceControlMessage struct {
	Messages indexedMap[raceControlEntry] `json:"Messages"`
}

type teamRadioMessage struct {
	Captures indexedMap[struct {
		Utc          string `json:"Utc"`
		RacingNumber string `json:"RacingNumber"`
		Path         string `json:"Path"`
	}] `json:"Captures"`
}

type extrapolatedClockMessage struct {
	Utc           string `json:"Utc"`
	Remaining     string `json:"Remaining"`
	Extrapolating bool   `json:"Extrapolating"`
}

// channelMap maps feed channel indices to named telemetry channels.
var channelMap = map[string]string{
	"0":  "RPM",
	"2":  "Speed",
	"3":  "Gear",
	"4":  "Throttle",
	"5":  "Brake",
	"45": "DRS",
}
