package replay

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Recorder appends raw live frames to a session file that the Replayer can
// play back later. Safe for use from the transport's read goroutine.
type Recorder struct {
	mu   sync.Mutex
	f    *os.File
	path string
}

// NewRecorder opens a timestamped recording file under dir. The prefix is
// usually "<meeting>_<session>"; it falls back to a generic name when the
// session is not yet known.
func NewRecorder(dir, prefix string) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create replay dir %s", dir)
	}
	if prefix == "" {
		prefix = "F1LiveData"
	}
	name := sanitizeFilename(prefix) + "_" + time.Now().UTC().Format("20060102_150405") + DataFileSuffix
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "open recording file %s", path)
	}
	return &Recorder{f: f, path: path}, nil
}

func (r *Recorder) Path() string {
	return r.path
}

// WriteFrame appends one raw frame as a line.
func (r *Recorder) WriteFrame(raw []byte, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return errors.New("recorder closed")
	}
	if _, err := r.f.Write(append(raw, '\n')); err != nil {
		return errors.Wrap(err, "write frame")
	}
	return nil
}

func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f = nil
	return err
}

func sanitizeFilename(s string) string {
	return strings.Map(func(c rune) rune {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
			return c
		case c == ' ':
			return '_'
		}
		return -1
	}, s)
}
