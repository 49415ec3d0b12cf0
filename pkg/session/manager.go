package session

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/pkg/errors"

	"f1livesession/pkg/config"
	"f1livesession/pkg/envelope"
	"f1livesession/pkg/pubsub"
	"f1livesession/pkg/queues"
	"f1livesession/pkg/replay"
	"f1livesession/pkg/settings"
	"f1livesession/pkg/signalr"
	"f1livesession/pkg/state"
)

// Status is the lifecycle state of the feed producer.
type Status string

const (
	StatusIdle             Status = "Idle"
	StatusConnecting       Status = "Connecting"
	StatusLive             Status = "Live"
	StatusReplaying        Status = "Replaying"
	StatusStopping         Status = "Stopping"
	StatusStopped          Status = "Stopped"
	StatusError            Status = "Error"
	StatusPlaybackComplete Status = "Playback Complete"
)

// StatusTopic is the pubsub topic status transitions are published on.
const StatusTopic = "status"

// StatusUpdate is published on every status transition.
type StatusUpdate struct {
	Status Status  `json:"status"`
	Detail string  `json:"detail,omitempty"`
	File   string  `json:"file,omitempty"`
	Speed  float64 `json:"speed,omitempty"`
}

// Manager owns the single active feed producer, live client or replayer, and
// serializes producer switches. At most one producer runs at a time; starting
// a new one first stops and joins the old one.
type Manager struct {
	cfg   config.Config
	store *state.Store
	queue *queues.Queue[envelope.Triple]
	prefs *settings.Manager

	Updates *pubsub.PubSub[StatusUpdate]

	// switchMu serializes producer switches. stopLocked releases mu while
	// joining the outgoing producer, so without this a second concurrent
	// start could slip past the stop phase and install a second producer.
	switchMu sync.Mutex

	mu       sync.Mutex
	status   StatusUpdate
	cancel   context.CancelFunc
	done     chan struct{}
	replayer *replay.Replayer
	recorder *replay.Recorder
}

// NewManager wires the producer controller. prefs may be nil when preference
// persistence is not wanted, tests mostly.
func NewManager(cfg config.Config, store *state.Store, queue *queues.Queue[envelope.Triple], prefs *settings.Manager) *Manager {
	return &Manager{
		cfg:     cfg,
		store:   store,
		queue:   queue,
		prefs:   prefs,
		Updates: pubsub.NewPubSub[StatusUpdate](),
		status:  StatusUpdate{Status: StatusIdle},
	}
}

func (m *Manager) Status() StatusUpdate {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// setStatus must be called with the lock held.
func (m *Manager) setStatus(u StatusUpdate) {
	m.status = u
	m.Updates.Publish(StatusTopic, u)
	log.Printf("session: %s %s", u.Status, u.Detail)
}

// StartLive connects to the live feed. When record is true every raw frame is
// also appended to a file in the replay directory.
func (m *Manager) StartLive(ctx context.Context, record bool) error {
	m.switchMu.Lock()
	defer m.switchMu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()

	m.store.Reset()
	m.store.Update(func(s *state.SessionState) {
		s.Clock = state.ReplayClock{Live: true, Speed: 1}
	})

	opts := signalr.Options{
		NegotiateURLBase: m.cfg.NegotiateURLBase,
		WebSocketURLBase: m.cfg.WebSocketURLBase,
		HubName:          m.cfg.HubName,
		Streams:          m.cfg.Streams,
		KeepAlive:        time.Duration(m.cfg.KeepAliveSeconds) * time.Second,
		PongTimeout:      time.Duration(m.cfg.PongTimeoutSecond) * time.Second,
		// The client reports open once subscribed; Connecting holds until
		// then, and again across mid-session reconnects.
		OnOpen: func() {
			m.mu.Lock()
			if m.status.Status == StatusConnecting {
				m.setStatus(StatusUpdate{Status: StatusLive})
			}
			m.mu.Unlock()
		},
	}
	if record {
		rec, err := replay.NewRecorder(m.cfg.ReplayDir, "F1LiveData")
		if err != nil {
			m.setStatus(StatusUpdate{Status: StatusError, Detail: err.Error()})
			return err
		}
		m.recorder = rec
		opts.Sink = rec
		log.Printf("session: recording to %s", rec.Path())
	}
	if m.prefs != nil {
		if err := m.prefs.SetRecordLive(record); err != nil {
			log.Printf("session: saving record preference: %v", err)
		}
	}
	client := signalr.NewClient(opts, m.queue)

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.setStatus(StatusUpdate{Status: StatusConnecting})

	go func() {
		defer close(m.done)
		err := client.Run(runCtx)
		m.mu.Lock()
		defer m.mu.Unlock()
		m.closeRecorderLocked()
		switch {
		case err != nil:
			m.setStatus(StatusUpdate{Status: StatusError, Detail: err.Error()})
		case m.status.Status != StatusStopping:
			m.setStatus(StatusUpdate{Status: StatusStopped})
		}
	}()
	return nil
}

// StartReplay plays a recorded file through the pipeline at the given speed.
func (m *Manager) StartReplay(ctx context.Context, filename string, speed float64) error {
	m.switchMu.Lock()
	defer m.switchMu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()

	rep := replay.NewReplayer(m.cfg.ReplayDir, filename, speed, m.queue)
	m.store.Reset()
	m.store.Update(func(s *state.SessionState) {
		s.Clock = state.ReplayClock{Live: false, Speed: rep.Speed()}
	})
	m.replayer = rep
	if m.prefs != nil {
		if err := m.prefs.SetLastReplayFile(filename); err != nil {
			log.Printf("session: saving replay preference: %v", err)
		}
		if err := m.prefs.SetReplaySpeed(rep.Speed()); err != nil {
			log.Printf("session: saving speed preference: %v", err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.setStatus(StatusUpdate{Status: StatusReplaying, File: filename, Speed: rep.Speed()})

	go func() {
		defer close(m.done)
		err := rep.Run(runCtx)
		m.mu.Lock()
		defer m.mu.Unlock()
		m.replayer = nil
		switch {
		case err != nil:
			m.setStatus(StatusUpdate{Status: StatusError, Detail: err.Error(), File: filename})
		case runCtx.Err() != nil:
			if m.status.Status == StatusStopping {
				m.setStatus(StatusUpdate{Status: StatusStopped})
			}
		default:
			m.setStatus(StatusUpdate{Status: StatusPlaybackComplete, File: filename})
		}
	}()
	return nil
}

// SetReplaySpeed changes the multiplier of the running replay. Takes effect
// from the next paced delay.
func (m *Manager) SetReplaySpeed(speed float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.replayer == nil {
		return errors.New("no replay in progress")
	}
	m.replayer.SetSpeed(speed)
	applied := m.replayer.Speed()
	m.store.Update(func(s *state.SessionState) {
		s.Clock.Speed = applied
	})
	m.status.Speed = applied
	m.Updates.Publish(StatusTopic, m.status)
	if m.prefs != nil {
		if err := m.prefs.SetReplaySpeed(applied); err != nil {
			log.Printf("session: saving speed preference: %v", err)
		}
	}
	return nil
}

// Stop halts whichever producer is running and waits for it to exit.
func (m *Manager) Stop() {
	m.switchMu.Lock()
	defer m.switchMu.Unlock()
	m.mu.Lock()
	m.stopLocked()
	if m.status.Status != StatusIdle && m.status.Status != StatusError &&
		m.status.Status != StatusPlaybackComplete {
		m.setStatus(StatusUpdate{Status: StatusStopped})
	}
	m.mu.Unlock()
}

// stopLocked cancels the current producer and joins its goroutine. mu is
// released while waiting so the producer's final status write can take it;
// the caller must hold switchMu so no other switch runs in that window.
func (m *Manager) stopLocked() {
	if m.cancel == nil {
		return
	}
	m.setStatus(StatusUpdate{Status: StatusStopping})
	m.cancel()
	done := m.done
	m.mu.Unlock()
	<-done
	m.mu.Lock()
	m.cancel = nil
	m.done = nil
	m.replayer = nil
	m.closeRecorderLocked()
}

func (m *Manager) closeRecorderLocked() {
	if m.recorder == nil {
		return
	}
	if err := m.recorder.Close(); err != nil {
		log.Printf("session: closing recording: %v", err)
	}
	m.recorder = nil
}

// ReplayFiles lists the recorded sessions available for playback.
func (m *Manager) ReplayFiles() ([]string, error) {
	return replay.ListFiles(m.cfg.ReplayDir)
}
