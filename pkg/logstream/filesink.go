package logstream

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileSink appends events to a daily log file (orch-YYYY-MM-DD.log) under
// the configured directory. The file is switched when the date changes.
// Durability is whatever the filesystem provides; a write failure closes
// the sink so the hub drops it.
type FileSink struct {
	mu      sync.Mutex
	dir     string
	day     string
	file    *os.File
	encoder *json.Encoder
}

// NewFileSink creates the log directory if needed and opens today's file.
func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir %s: %w", dir, err)
	}
	s := &FileSink{dir: dir}
	if err := s.rotate(time.Now()); err != nil {
		return nil, err
	}
	return s, nil
}

// Send writes the event as a JSON line. Init frames are skipped; the file
// already holds everything published before the sink attached.
func (s *FileSink) Send(frame Frame) error {
	if frame.Type != "log" || frame.Log == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := frame.Log.Timestamp
	if now.IsZero() {
		now = time.Now()
	}
	if day := now.Format("2006-01-02"); day != s.day {
		if err := s.rotate(now); err != nil {
			return err
		}
	}
	return s.encoder.Encode(frame.Log)
}

// Path returns the file currently being written. Used when a notification
// needs to attach the live log.
func (s *FileSink) Path() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return ""
	}
	return s.file.Name()
}

// Close flushes and closes the underlying file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

func (s *FileSink) rotate(now time.Time) error {
	if s.file != nil {
		_ = s.file.Close()
	}
	day := now.Format("2006-01-02")
	path := filepath.Join(s.dir, fmt.Sprintf("orch-%s.log", day))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file %s: %w", path, err)
	}
	s.day = day
	s.file = file
	s.encoder = json.NewEncoder(file)
	return nil
}
