package envelope

import (
	"bytes"
	"compress/flate"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2024, 5, 26, 14, 0, 0, 0, time.UTC)

func nowFn() time.Time { return fixedNow }

func deflateBase64(t *testing.T, payload string) string {
	t.Helper()
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	require.NoError(t, err)
	_, err = w.Write([]byte(payload))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func TestDecodeDirectArray(t *testing.T) {
	raw := []byte(`["TimingData",{"Lines":{"44":{"Position":"1"}}},"2024-05-26T14:03:21.123Z"]`)
	triples := Decode(raw, nowFn)
	require.Len(t, triples, 1)
	assert.Equal(t, "TimingData", triples[0].Stream)
	assert.Equal(t, "2024-05-26T14:03:21.123Z", triples[0].Timestamp)
	assert.JSONEq(t, `{"Lines":{"44":{"Position":"1"}}}`, string(triples[0].Data))
}

func TestDecodeBatchedFrame(t *testing.T) {
	raw := []byte(`{"C":"d-1","M":[
		{"H":"Streaming","M":"feed","A":["WeatherData",{"AirTemp":"24.1"},"2024-05-26T14:00:01Z"]},
		{"H":"Streaming","M":"feed","A":["TrackStatus",{"Status":"2"},"2024-05-26T14:00:02Z"]}
	]}`)
	triples := Decode(raw, nowFn)
	require.Len(t, triples, 2)
	assert.Equal(t, "WeatherData", triples[0].Stream)
	assert.Equal(t, "TrackStatus", triples[1].Stream)
	assert.Equal(t, "2024-05-26T14:00:02Z", triples[1].Timestamp)
}

func TestDecodeSnapshotFrame(t *testing.T) {
	raw := []byte(`{"R":{
		"Heartbeat":{"Utc":"2024-05-26T13:59:58Z"},
		"DriverList":{"44":{"Tla":"HAM"}},
		"_kf":true
	},"I":"1"}`)
	triples := Decode(raw, nowFn)
	require.Len(t, triples, 2)

	byStream := map[string]Triple{}
	for _, tr := range triples {
		byStream[tr.Stream] = tr
	}
	require.Contains(t, byStream, "Heartbeat")
	require.Contains(t, byStream, "DriverList")
	// timestamps come from the snapshot's own heartbeat
	assert.Equal(t, "2024-05-26T13:59:58Z", byStream["DriverList"].Timestamp)
}

func TestDecodeSnapshotOrdersReferenceStreamsFirst(t *testing.T) {
	raw := []byte(`{"R":{
		"WeatherData":{"AirTemp":"24.1"},
		"TimingData":{"Lines":{"44":{"Position":"3"}}},
		"SessionInfo":{"Name":"Qualifying"},
		"Heartbeat":{"Utc":"2024-05-26T13:59:58Z"},
		"DriverList":{"44":{"Tla":"HAM"}}
	}}`)
	// consumers see the roster before any per-car stream, every time
	for i := 0; i < 20; i++ {
		triples := Decode(raw, nowFn)
		require.Len(t, triples, 5)
		streams := make([]string, len(triples))
		for j, tr := range triples {
			streams[j] = tr.Stream
		}
		assert.Equal(t, []string{"DriverList", "SessionInfo", "Heartbeat", "TimingData", "WeatherData"}, streams)
	}
}

func TestDecodeSnapshotWithoutHeartbeatUsesNow(t *testing.T) {
	raw := []byte(`{"R":{"TrackStatus":{"Status":"1"}}}`)
	triples := Decode(raw, nowFn)
	require.Len(t, triples, 1)
	ts, err := ParseTimestamp(triples[0].Timestamp)
	require.NoError(t, err)
	assert.True(t, ts.Equal(fixedNow))
}

func TestDecodeCompressedStream(t *testing.T) {
	payload := `{"Entries":[{"Utc":"2024-05-26T14:00:00Z","Cars":{"44":{"Channels":{"0":11000,"2":287}}}}]}`
	encoded := deflateBase64(t, payload)
	raw, err := json.Marshal([]any{"CarData.z", encoded, "2024-05-26T14:00:00Z"})
	require.NoError(t, err)

	triples := Decode(raw, nowFn)
	require.Len(t, triples, 1)
	// the compression suffix is stripped once the payload is inflated
	assert.Equal(t, "CarData", triples[0].Stream)
	assert.JSONEq(t, payload, string(triples[0].Data))
}

func TestDecodeCompressedStreamMissingPadding(t *testing.T) {
	payload := `{"Position":[]}`
	encoded := deflateBase64(t, payload)
	trimmed := encoded
	for len(trimmed) > 0 && trimmed[len(trimmed)-1] == '=' {
		trimmed = trimmed[:len(trimmed)-1]
	}
	raw, err := json.Marshal([]any{"Position.z", trimmed, "2024-05-26T14:00:00Z"})
	require.NoError(t, err)

	triples := Decode(raw, nowFn)
	require.Len(t, triples, 1)
	assert.JSONEq(t, payload, string(triples[0].Data))
}

func TestDecodeIgnoresControlAndKeepAlive(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"keep-alive", `{}`},
		{"control only", `{"C":"d-5","S":1}`},
		{"groups token", `{"G":"token"}`},
		{"invocation result", `{"I":"2"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Empty(t, Decode([]byte(tt.raw), nowFn))
		})
	}
}

func TestDecodeBadSubMessageDoesNotAbortBatch(t *testing.T) {
	raw := []byte(`{"M":[
		{"H":"Streaming","M":"feed","A":["OnlyOneArg"]},
		{"H":"Streaming","M":"feed","A":["TrackStatus",{"Status":"1"},"2024-05-26T14:00:02Z"]}
	]}`)
	triples := Decode(raw, nowFn)
	require.Len(t, triples, 1)
	assert.Equal(t, "TrackStatus", triples[0].Stream)
}

func TestDecodeCorruptCompressedPayloadDropped(t *testing.T) {
	raw := []byte(`["CarData.z","not-valid-base64!!!","2024-05-26T14:00:00Z"]`)
	assert.Empty(t, Decode(raw, nowFn))
}

func TestParseTimestampFormats(t *testing.T) {
	tests := []struct {
		name  string
		input string
		ok    bool
	}{
		{"rfc3339 with zone", "2024-05-26T14:03:21.123Z", true},
		{"no zone", "2024-05-26T14:03:21.1234567", true},
		{"garbage", "yesterday", false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts, err := ParseTimestamp(tt.input)
			if !tt.ok {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 2024, ts.Year())
		})
	}
}
