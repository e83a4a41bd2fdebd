package logger

import (
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/shaunagostinho/obdsoc/internal/poller"
)

// History records every committed polling cycle to CSV files with
// automatic rotation.
type History struct {
	mu      sync.Mutex
	dir     string
	enabled bool

	file   *os.File
	writer *csv.Writer
	rows   int
}

// Config holds history configuration.
type Config struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

const (
	maxRowsPerFile = 100_000 // ~70 days at one row per minute
)

var csvHeader = []string{
	"timestamp", "state", "soc_found", "soc_pct", "error_counter", "error",
}

// NewHistory creates a new History.
func NewHistory(cfg Config) *History {
	if cfg.Path == "" {
		cfg.Path = "/var/log/obdsoc"
	}
	return &History{
		dir:     cfg.Path,
		enabled: cfg.Enabled,
	}
}

// SetEnabled allows toggling recording at runtime.
func (h *History) SetEnabled(on bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.enabled = on
	if !on && h.file != nil {
		h.closeFile()
	}
}

// IsEnabled returns whether recording is active.
func (h *History) IsEnabled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.enabled
}

// CycleCompleted writes one row per cycle.
func (h *History) CycleCompleted(out poller.Outcome) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.enabled {
		return
	}

	now := out.At
	if now.IsZero() {
		now = time.Now()
	}

	if h.writer == nil || h.rows >= maxRowsPerFile {
		if err := h.rotateFile(now); err != nil {
			log.Printf("[history] rotate failed: %v", err)
			return
		}
	}

	if err := h.writer.Write(buildRow(now, out)); err != nil {
		log.Printf("[history] write failed: %v", err)
		return
	}
	h.writer.Flush()
	h.rows++
}

// Close flushes and closes the current file.
func (h *History) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closeFile()
}

func (h *History) rotateFile(now time.Time) error {
	h.closeFile()

	if err := os.MkdirAll(h.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", h.dir, err)
	}

	filename := fmt.Sprintf("soc_%s.csv", now.Format("2006-01-02_150405"))
	path := filepath.Join(h.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	h.file = f
	h.writer = csv.NewWriter(f)
	h.rows = 0

	if err := h.writer.Write(csvHeader); err != nil {
		return err
	}
	h.writer.Flush()

	log.Printf("[history] opened %s", path)
	return nil
}

func (h *History) closeFile() {
	if h.writer != nil {
		h.writer.Flush()
		h.writer = nil
	}
	if h.file != nil {
		h.file.Close()
		h.file = nil
	}
}

func buildRow(ts time.Time, out poller.Outcome) []string {
	row := make([]string, len(csvHeader))
	row[0] = ts.Format(time.RFC3339)
	row[1] = out.State.String()
	row[2] = boolStr(out.SOCFound)
	if out.SOCFound {
		row[3] = fmt.Sprintf("%.1f", out.SOC)
	}
	row[4] = strconv.Itoa(out.ErrorCounter)
	if out.Err != nil {
		row[5] = out.Err.Error()
	}
	return row
}

func boolStr(v bool) string {
	if v {
		return "1"
	}
	return "0"
}
