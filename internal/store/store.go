package store

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Store keeps the last known state of charge and persists it to a JSON
// file so it survives restarts.
type Store struct {
	mu          sync.RWMutex
	path        string
	soc         *float64
	lastChanged time.Time
}

type fileData struct {
	SOC         *float64   `json:"soc"`
	LastChanged *time.Time `json:"lastChanged"`
}

// Open creates a Store backed by path and loads whatever is saved there.
// A missing or corrupt file yields an empty store.
func Open(path string) *Store {
	s := &Store{path: path}
	s.load()
	return s
}

func (s *Store) load() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		log.Printf("[store] no saved soc at %s", s.path)
		return
	}
	var fd fileData
	if err := json.Unmarshal(data, &fd); err != nil {
		log.Printf("[store] error parsing %s: %v", s.path, err)
		return
	}
	s.soc = fd.SOC
	if fd.LastChanged != nil {
		s.lastChanged = *fd.LastChanged
	}
	if s.soc != nil {
		log.Printf("[store] loaded soc=%.1f%% from %s", *s.soc, s.path)
	}
}

// SetSOC stores a new value with the current time and writes the file.
func (s *Store) SetSOC(soc float64) error {
	return s.set(soc, time.Now())
}

func (s *Store) set(soc float64, at time.Time) error {
	s.mu.Lock()
	s.soc = &soc
	s.lastChanged = at
	fd := fileData{SOC: &soc, LastChanged: &at}
	s.mu.Unlock()

	data, err := json.MarshalIndent(fd, "", "    ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(s.path, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", s.path, err)
	}
	return nil
}

// SOC returns the last stored value and when it was stored. ok is false if
// nothing was ever stored.
func (s *Store) SOC() (soc float64, lastChanged time.Time, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.soc == nil {
		return 0, time.Time{}, false
	}
	return *s.soc, s.lastChanged, true
}
