// Package state holds the reconstructed session state: one mutable,
// lock-guarded aggregate owned by the reconciler and read by everything else
// through copy-on-read snapshots.
package state

import (
	"encoding/json"
	"time"
)

// TimeEntry is a feed-formatted time value plus the best-flags the feed
// attaches to it.
type TimeEntry struct {
	Value           string `json:"Value"`
	PersonalFastest bool   `json:"PersonalFastest"`
	OverallFastest  bool   `json:"OverallFastest"`
}

// PositionSample is one on-track position fix for a car.
type PositionSample struct {
	X         float64 `json:"X"`
	Y         float64 `json:"Y"`
	Status    string  `json:"Status"`
	Timestamp string  `json:"Timestamp"`
}

// CarChannels is the latest decoded telemetry sample for a car.
type CarChannels struct {
	RPM      int    `json:"RPM"`
	Speed    int    `json:"Speed"`
	Gear     int    `json:"Gear"`
	Throttle int    `json:"Throttle"`
	Brake    int    `json:"Brake"`
	DRS      int    `json:"DRS"`
	Utc      string `json:"Utc"`
}

// Driver is the consolidated timing state for one competitor, keyed in the
// aggregate by racing number string.
type Driver struct {
	RacingNumber string `json:"RacingNumber"`
	Tla          string `json:"Tla"`
	FullName     string `json:"FullName"`
	TeamName     string `json:"TeamName"`
	TeamColour   string `json:"TeamColour"`
	CountryCode  string `json:"CountryCode"`
	Line         int    `json:"Line"`

	Position         string `json:"Position"`
	Time             string `json:"Time"`
	GapToLeader      string `json:"GapToLeader"`
	Interval         string `json:"Interval"`
	Status           string `json:"Status"`
	InPit            bool   `json:"InPit"`
	Retired          bool   `json:"Retired"`
	Stopped          bool   `json:"Stopped"`
	PitOut           bool   `json:"PitOut"`
	NumberOfLaps     int    `json:"NumberOfLaps"`
	NumberOfPitStops int    `json:"NumberOfPitStops"`

	LastLap TimeEntry    `json:"LastLapTime"`
	BestLap TimeEntry    `json:"BestLapTime"`
	Sectors [3]TimeEntry `json:"Sectors"`

	// Numeric derivations of the formatted fields above. Zero means unknown.
	BestLapSeconds          float64    `json:"BestLapSeconds"`
	BestSectorSeconds       [3]float64 `json:"BestSectorSeconds"`
	OverallBestLapHolder    bool       `json:"OverallBestLapHolder"`
	OverallBestSectorHolder [3]bool    `json:"OverallBestSectorHolder"`

	TyreCompound string `json:"TyreCompound"`
	TyreAge      int    `json:"TyreAge"`
	TyreIsNew    bool   `json:"TyreIsNew"`

	// Pit timing working fields. PitEntryAt is the wall-clock instant the car
	// entered the pit lane; PitEntrySpeed is the replay speed multiplier in
	// effect at that instant.
	PitEntryAt      time.Time `json:"-"`
	PitEntrySpeed   float64   `json:"-"`
	LastPitDuration float64   `json:"LastPitDuration"`

	Car              CarChannels     `json:"CarData"`
	PositionData     *PositionSample `json:"PositionData,omitempty"`
	PrevPositionData *PositionSample `json:"PreviousPositionData,omitempty"`
}

// NewDriver returns a roster entry with the placeholder values used before
// the feed has said anything about the car.
func NewDriver(racingNumber string) *Driver {
	return &Driver{
		RacingNumber: racingNumber,
		Position:     "-",
		Status:       "On Track",
	}
}

// Stint is one continuous run on a set of tyres.
type Stint struct {
	Number          int    `json:"Number"`
	Key             string `json:"Key"`
	Compound        string `json:"Compound"`
	New             bool   `json:"New"`
	StartLap        int    `json:"StartLap"`
	EndLap          int    `json:"EndLap"`
	StartAge        int    `json:"StartAge"`
	TotalLaps       int    `json:"TotalLaps"`
	TyresNotChanged bool   `json:"TyresNotChanged"`
}

// LapHistoryEntry records one completed lap for a driver.
type LapHistoryEntry struct {
	Lap      int     `json:"Lap"`
	Seconds  float64 `json:"Seconds"`
	Compound string  `json:"Compound"`
	Valid    bool    `json:"Valid"`
}

// TelemetryLap holds parallel sample arrays for one lap of one car. Buckets
// are append-only: never merged, never truncated.
type TelemetryLap struct {
	Timestamps []string `json:"Timestamps"`
	RPM        []int    `json:"RPM"`
	Speed      []int    `json:"Speed"`
	Gear       []int    `json:"Gear"`
	Throttle   []int    `json:"Throttle"`
	Brake      []int    `json:"Brake"`
	DRS        []int    `json:"DRS"`
}

// SessionDetails mirrors the SessionInfo stream plus fields derived from it.
type SessionDetails struct {
	Type             string        `json:"Type"`
	Name             string        `json:"Name"`
	MeetingName      string        `json:"MeetingName"`
	CircuitKey       int           `json:"CircuitKey"`
	CircuitShortName string        `json:"CircuitShortName"`
	CountryName      string        `json:"CountryName"`
	StartDate        string        `json:"StartDate"`
	EndDate          string        `json:"EndDate"`
	GmtOffset        string        `json:"GmtOffset"`
	Path             string        `json:"Path"`
	Year             string        `json:"Year"`
	SessionKey       string        `json:"SessionKey"`
	ScheduledLength  time.Duration `json:"ScheduledLength"`

	// Status is the latest feed-reported session status; PreviousStatus is the
	// one before it, kept for segment-transition edge detection.
	Status         string `json:"Status"`
	PreviousStatus string `json:"PreviousStatus"`
}

// SegmentState tracks the qualifying/practice phase machine. Remaining and
// CapturedAt form one sync point and are only ever written together.
type SegmentState struct {
	Previous string `json:"Previous"`
	Current  string `json:"Current"`

	Remaining      float64   `json:"Remaining"`
	CapturedAt     time.Time `json:"CapturedAt"`
	CaptureSpeed   float64   `json:"CaptureSpeed"`
	JustResumed    bool      `json:"JustResumed"`
	CapturedStatus string    `json:"CapturedStatus"`
}

// Sentinel segment labels. Named segments (Q1..Q3, SQ1..SQ3) come from the
// session-type order list in the reconcile package.
const (
	SegmentUnknown       = "Unknown"
	SegmentBetween       = "Between Segments"
	SegmentEnded         = "Ended"
	SegmentPractice      = "Practice"
	SegmentPracticeEnded = "Practice Ended"
)

// BestRecord is a session-wide best time and who holds it.
type BestRecord struct {
	Value   string  `json:"Value"`
	Seconds float64 `json:"Seconds"`
	Driver  string  `json:"Driver"`
}

// SessionBests only ever improves: a candidate replaces a record only when
// strictly faster.
type SessionBests struct {
	OverallBestLap     BestRecord    `json:"OverallBestLap"`
	OverallBestSectors [3]BestRecord `json:"OverallBestSectors"`
}

// ReplayClock anchors feed-paced countdowns. In live mode Live is true and
// Speed is 1; in replay mode FeedNow advances with each processed message
// timestamp and Speed carries the replay multiplier.
type ReplayClock struct {
	Live     bool      `json:"Live"`
	Speed    float64   `json:"Speed"`
	FeedNow  time.Time `json:"FeedNow"`
	Anchor   time.Time `json:"Anchor"`
	Anchored bool      `json:"Anchored"`
}

// RaceControlMessage is one stewards' message.
type RaceControlMessage struct {
	Utc      string `json:"Utc"`
	Lap      int    `json:"Lap"`
	Category string `json:"Category"`
	Flag     string `json:"Flag"`
	Scope    string `json:"Scope"`
	Sector   int    `json:"Sector"`
	Message  string `json:"Message"`
}

// RadioCapture is one team radio clip reference.
type RadioCapture struct {
	Utc          string `json:"Utc"`
	RacingNumber string `json:"RacingNumber"`
	Path         string `json:"Path"`
}

// Weather is the latest WeatherData payload; the feed sends every channel as
// a formatted string.
type Weather struct {
	AirTemp       string `json:"AirTemp"`
	TrackTemp     string `json:"TrackTemp"`
	Humidity      string `json:"Humidity"`
	Pressure      string `json:"Pressure"`
	Rainfall      string `json:"Rainfall"`
	WindDirection string `json:"WindDirection"`
	WindSpeed     string `json:"WindSpeed"`
}

// TrackStatus is the global flag state.
type TrackStatus struct {
	Status  string `json:"Status"`
	Message string `json:"Message"`
}

// TrackGeometry is circuit outline data fetched by the tracks collaborator,
// accepted only while its SessionKey matches the current session.
type TrackGeometry struct {
	SessionKey     string    `json:"SessionKey"`
	X              []float64 `json:"X"`
	Y              []float64 `json:"Y"`
	CornerX        []float64 `json:"CornerX"`
	CornerY        []float64 `json:"CornerY"`
	CornerNumbers  []int     `json:"CornerNumbers"`
	MarshalSectors []int     `json:"MarshalSectors"`
	Rotation       float64   `json:"Rotation"`
}

// RawStream keeps the last payload of a stream that has no semantic handler.
type RawStream struct {
	Data      json.RawMessage `json:"Data"`
	Timestamp string          `json:"Timestamp"`
}
