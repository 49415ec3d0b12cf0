// Package envelope decodes the framing used by the live timing hub. A single
// wire frame can carry an initial full snapshot ("R" block), a batch of
// incremental feed messages ("M" block), or one direct [stream, data, ts]
// triple. Payloads for stream names ending in ".z" are base64 + raw-deflate
// compressed JSON.
package envelope

import (
	"bytes"
	"compress/flate"
	"encoding/base64"
	"encoding/json"
	"io"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const compressedSuffix = ".z"

// Triple is one logical feed message: the stream it belongs to, its decoded
// JSON payload and the timestamp the hub attached to it (ISO-8601 text, empty
// if the frame carried none).
type Triple struct {
	Stream    string
	Data      json.RawMessage
	Timestamp string
}

type feedInvocation struct {
	Hub    string            `json:"H"`
	Method string            `json:"M"`
	Args   []json.RawMessage `json:"A"`
}

// frame covers both block shapes; control frames (C/S/I/E/G keys) and
// keep-alives decode to a frame with neither field set.
type frame struct {
	Snapshot map[string]json.RawMessage `json:"R"`
	Batch    []feedInvocation           `json:"M"`
}

// Decode turns one raw frame into zero or more triples. Keep-alive frames,
// control frames and unrecognized shapes yield an empty slice without error.
// A sub-message that fails to decompress is dropped with a logged warning and
// does not abort the rest of the batch.
func Decode(raw []byte, now func() time.Time) []Triple {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil
	}

	if raw[0] == '[' {
		if t, ok := decodeDirect(raw); ok {
			return []Triple{t}
		}
		return nil
	}

	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		log.Printf("envelope: undecodable frame (skipped): %s", err)
		return nil
	}

	switch {
	case f.Snapshot != nil:
		return decodeSnapshot(f.Snapshot, now)
	case f.Batch != nil:
		return decodeBatch(f.Batch, now)
	default:
		// Keep-alive {} or control frames (C/S/I/E/G); not errors.
		return nil
	}
}

func decodeDirect(raw []byte) (Triple, bool) {
	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil || len(parts) < 2 {
		return Triple{}, false
	}
	return tripleFromArgs(parts)
}

func decodeBatch(batch []feedInvocation, now func() time.Time) []Triple {
	triples := make([]Triple, 0, len(batch))
	for _, inv := range batch {
		if inv.Method != "feed" || len(inv.Args) < 2 {
			continue
		}
		t, ok := tripleFromArgs(inv.Args)
		if !ok {
			continue
		}
		if t.Timestamp == "" {
			t.Timestamp = now().UTC().Format(time.RFC3339Nano)
		}
		triples = append(triples, t)
	}
	return triples
}

// snapshotPriority forces reference streams to the front of a decoded
// snapshot: the per-car streams must not reach a consumer before the roster
// that introduces their car numbers.
var snapshotPriority = map[string]int{
	"DriverList":  0,
	"SessionInfo": 1,
}

func decodeSnapshot(snapshot map[string]json.RawMessage, now func() time.Time) []Triple {
	ts := snapshotTimestamp(snapshot, now)
	names := make([]string, 0, len(snapshot))
	for name := range snapshot {
		if strings.HasPrefix(name, "_") {
			continue
		}
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		pi, iok := snapshotPriority[names[i]]
		pj, jok := snapshotPriority[names[j]]
		switch {
		case iok && jok:
			return pi < pj
		case iok || jok:
			return iok
		}
		return names[i] < names[j]
	})

	triples := make([]Triple, 0, len(names))
	for _, name := range names {
		stream, data, err := unwrapPayload(name, snapshot[name])
		if err != nil {
			log.Printf("envelope: dropping snapshot stream %q: %s", name, err)
			continue
		}
		triples = append(triples, Triple{Stream: stream, Data: data, Timestamp: ts})
	}
	return triples
}

// snapshotTimestamp prefers the heartbeat timestamp contained in the snapshot
// so replayed snapshots anchor to feed time rather than wall time.
func snapshotTimestamp(snapshot map[string]json.RawMessage, now func() time.Time) string {
	if hb, ok := snapshot["Heartbeat"]; ok {
		var beat struct {
			Utc string `json:"Utc"`
		}
		if err := json.Unmarshal(hb, &beat); err == nil && beat.Utc != "" {
			return beat.Utc
		}
	}
	return now().UTC().Format(time.RFC3339Nano)
}

func tripleFromArgs(args []json.RawMessage) (Triple, bool) {
	var name string
	if err := json.Unmarshal(args[0], &name); err != nil || name == "" {
		return Triple{}, false
	}
	stream, data, err := unwrapPayload(name, args[1])
	if err != nil {
		log.Printf("envelope: dropping message for stream %q: %s", name, err)
		return Triple{}, false
	}
	t := Triple{Stream: stream, Data: data}
	if len(args) > 2 {
		// Trailing timestamp is optional and may be null.
		_ = json.Unmarshal(args[2], &t.Timestamp)
	}
	return t, true
}

// unwrapPayload strips the compression suffix and inflates the payload when
// the stream name asks for it.
func unwrapPayload(name string, payload json.RawMessage) (string, json.RawMessage, error) {
	if !strings.HasSuffix(name, compressedSuffix) {
		return name, payload, nil
	}
	var encoded string
	if err := json.Unmarshal(payload, &encoded); err != nil {
		return "", nil, errors.Wrap(err, "compressed payload is not a string")
	}
	data, err := inflate(encoded)
	if err != nil {
		return "", nil, err
	}
	return strings.TrimSuffix(name, compressedSuffix), data, nil
}

// inflate reverses the feed's base64 + raw-deflate (no zlib header) encoding.
func inflate(encoded string) (json.RawMessage, error) {
	if padding := len(encoded) % 4; padding != 0 {
		encoded += strings.Repeat("=", 4-padding)
	}
	compressed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, errors.Wrap(err, "base64 decode")
	}
	r := flate.NewReader(bytes.NewReader(compressed))
	defer r.Close()
	inflated, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "inflate")
	}
	if !json.Valid(inflated) {
		return nil, errors.New("inflated payload is not valid JSON")
	}
	return json.RawMessage(inflated), nil
}

// ParseTimestamp parses the hub's ISO-8601 timestamps. The feed is sloppy
// about fractional digits and sometimes omits the zone designator.
func ParseTimestamp(ts string) (time.Time, error) {
	if ts == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02T15:04:05.999999999", ts)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "unparsable timestamp %q", ts)
	}
	return t.UTC(), nil
}
