package replay

import (
	"bufio"
	"context"
	"encoding/json"
	"log"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"f1livesession/pkg/envelope"
	"f1livesession/pkg/queues"
)

const (
	// maxSleep caps one inter-line delay so a timestamp jump in the recording
	// cannot stall playback.
	maxSleep = 5 * time.Second
	// minSleep is the threshold below which we do not bother sleeping.
	minSleep = time.Millisecond
	// maxLineBytes bounds one recorded frame; snapshots can be large.
	maxLineBytes = 16 * 1024 * 1024
)

// DataFileSuffix is the extension recorded sessions are saved with.
const DataFileSuffix = ".data.txt"

// ListFiles returns the recorded session files in dir, sorted by name.
func ListFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "scan replay dir %s", dir)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), DataFileSuffix) {
			continue
		}
		files = append(files, e.Name())
	}
	sort.Strings(files)
	return files, nil
}

// Replayer feeds a recorded session file through the queue, pacing lines by
// the gaps between their embedded feed timestamps divided by the speed
// multiplier.
type Replayer struct {
	path  string
	queue *queues.Queue[envelope.Triple]

	mu    sync.Mutex
	speed float64

	// now and sleep are injectable for tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) bool
}

func NewReplayer(dir, filename string, speed float64, queue *queues.Queue[envelope.Triple]) *Replayer {
	r := &Replayer{
		path:  filepath.Join(dir, filename),
		queue: queue,
		now:   time.Now,
		sleep: sleepCtx,
	}
	r.SetSpeed(speed)
	return r
}

// SetSpeed changes the playback multiplier. Takes effect from the next
// inter-line delay; invalid values fall back to 1.0.
func (r *Replayer) SetSpeed(speed float64) {
	if speed <= 0 || math.IsNaN(speed) || math.IsInf(speed, 0) {
		log.Printf("replay: invalid speed %v, using 1.0", speed)
		speed = 1.0
	}
	r.mu.Lock()
	r.speed = speed
	r.mu.Unlock()
}

func (r *Replayer) Speed() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.speed
}

// Run plays the file to the end or until the context is cancelled. A nil
// return means either outcome; the caller inspects ctx to tell them apart.
// A missing or unreadable file is the only terminal error.
func (r *Replayer) Run(ctx context.Context) error {
	f, err := os.Open(r.path)
	if err != nil {
		return errors.Wrapf(err, "open replay file %s", r.path)
	}
	defer f.Close()
	log.Printf("replay: playing %s at %.1fx", r.path, r.Speed())

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	var lastStamp time.Time
	first := true
	lineNum := 0
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		lineStart := r.now()

		// The delay for a line elapses before its messages are pushed, so the
		// gaps between pushes track the recorded gaps divided by the speed.
		if stamp, ok := extractDelayTimestamp([]byte(line)); ok {
			switch {
			case first:
				first = false
			case !lastStamp.IsZero():
				gap := stamp.Sub(lastStamp)
				if gap < 0 {
					log.Printf("replay: line %d timestamp regressed by %s", lineNum, -gap)
					gap = 0
				}
				if gap > 0 {
					target := time.Duration(float64(gap) / r.Speed())
					target -= r.now().Sub(lineStart)
					if target > maxSleep {
						target = maxSleep
					}
					if target > minSleep {
						if !r.sleep(ctx, target) {
							return nil
						}
					}
				}
			}
			lastStamp = stamp
		}

		for _, t := range envelope.Decode([]byte(line), r.now) {
			if err := r.queue.Push(ctx, t); err != nil {
				return nil
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrapf(err, "read replay file %s", r.path)
	}
	log.Printf("replay: %s finished after %d lines", r.path, lineNum)
	return nil
}

// extractDelayTimestamp finds the feed timestamp that paces this line: the
// third argument of the last batched feed invocation, or index two of a
// direct array frame. Snapshot frames carry no pacing timestamp.
func extractDelayTimestamp(raw []byte) (time.Time, bool) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return time.Time{}, false
	}
	if trimmed[0] == '[' {
		var args []json.RawMessage
		if err := json.Unmarshal(raw, &args); err != nil || len(args) < 3 {
			return time.Time{}, false
		}
		return parseStampArg(args[2])
	}
	var frame struct {
		Batch []struct {
			Method string            `json:"M"`
			Args   []json.RawMessage `json:"A"`
		} `json:"M"`
	}
	if err := json.Unmarshal(raw, &frame); err != nil {
		return time.Time{}, false
	}
	for i := len(frame.Batch) - 1; i >= 0; i-- {
		inv := frame.Batch[i]
		if inv.Method != "feed" || len(inv.Args) < 3 {
			continue
		}
		if ts, ok := parseStampArg(inv.Args[2]); ok {
			return ts, true
		}
	}
	return time.Time{}, false
}

func parseStampArg(arg json.RawMessage) (time.Time, bool) {
	var s string
	if err := json.Unmarshal(arg, &s); err != nil || s == "" {
		return time.Time{}, false
	}
	ts, err := envelope.ParseTimestamp(s)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
