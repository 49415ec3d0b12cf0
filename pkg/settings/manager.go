// Package settings persists user preferences between runs in a small sqlite
// database: last replayed file, playback speed, whether live sessions are
// recorded.
package settings

import (
	"log"
	"strconv"
	"sync"

	"database/sql"

	_ "github.com/mattn/go-sqlite3"
)

const (
	KeyLastReplayFile = "last_replay_file"
	KeyReplaySpeed    = "replay_speed"
	KeyRecordLive     = "record_live"
)

type Manager struct {
	db *sql.DB
	mu sync.Mutex
}

func NewManager(dbPath string) (*Manager, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		log.Printf("error opening database: %s\n", err)
		return nil, err
	}
	if _, err := db.Exec(buildCreateSettingsTable()); err != nil {
		log.Printf("error creating settings table: %s\n", err)
		db.Close()
		return nil, err
	}
	return &Manager{db: db}, nil
}

func (m *Manager) Close() error {
	return m.db.Close()
}

func (m *Manager) Get(key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows, err := m.db.Query(buildSelectSettingCommand(), key)
	if err != nil {
		return "", false, err
	}
	return processSelectSettingRows(rows)
}

func (m *Manager) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.db.Exec(buildUpsertSettingCommand(), key, value)
	return err
}

func (m *Manager) ReplaySpeed() float64 {
	value, ok, err := m.Get(KeyReplaySpeed)
	if err != nil || !ok {
		return 1.0
	}
	speed, err := strconv.ParseFloat(value, 64)
	if err != nil || speed <= 0 {
		return 1.0
	}
	return speed
}

func (m *Manager) SetReplaySpeed(speed float64) error {
	return m.Set(KeyReplaySpeed, strconv.FormatFloat(speed, 'f', -1, 64))
}

func (m *Manager) LastReplayFile() string {
	value, _, _ := m.Get(KeyLastReplayFile)
	return value
}

func (m *Manager) SetLastReplayFile(name string) error {
	return m.Set(KeyLastReplayFile, name)
}

func (m *Manager) RecordLive() bool {
	value, ok, err := m.Get(KeyRecordLive)
	if err != nil || !ok {
		return false
	}
	return value == "1" || value == "true"
}

func (m *Manager) SetRecordLive(enabled bool) error {
	if enabled {
		return m.Set(KeyRecordLive, "1")
	}
	return m.Set(KeyRecordLive, "0")
}
