// Package recording writes the two audio legs of a call to raw μ-law files.
package recording

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/square-key-labs/strawgo-bridge/src/logger"
)

// Recorder holds the caller and AI sinks of one call
type Recorder struct {
	caller *Sink
	ai     *Sink
}

// New creates <dir>/<callID>-caller.ulaw and <dir>/<callID>-ai.ulaw
func New(dir, callID string) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create recording directory: %w", err)
	}
	caller, err := newSink(filepath.Join(dir, callID+"-caller.ulaw"))
	if err != nil {
		return nil, err
	}
	ai, err := newSink(filepath.Join(dir, callID+"-ai.ulaw"))
	if err != nil {
		caller.close()
		return nil, err
	}
	return &Recorder{caller: caller, ai: ai}, nil
}

// Caller returns the sink for inbound RTP payloads
func (r *Recorder) Caller() *Sink {
	return r.caller
}

// AI returns the sink for provider audio
func (r *Recorder) AI() *Sink {
	return r.ai
}

// Close closes both files. Safe to call multiple times.
func (r *Recorder) Close() error {
	err1 := r.caller.close()
	err2 := r.ai.close()
	if err1 != nil {
		return err1
	}
	return err2
}

// Sink is an io.Writer over one file. The first write error is logged and
// disables the sink; later writes are discarded.
type Sink struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	failed bool
	closed bool
}

func newSink(path string) (*Sink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create recording %s: %w", path, err)
	}
	return &Sink{path: path, file: f}, nil
}

// Write appends p. It never returns an error so the media path is not
// disturbed by a failing disk.
func (s *Sink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.failed {
		return len(p), nil
	}
	if _, err := s.file.Write(p); err != nil {
		s.failed = true
		logger.WithPrefix("Recording").Error("Write to %s failed, recording disabled: %v", s.path, err)
	}
	return len(p), nil
}

// Path returns the file path
func (s *Sink) Path() string {
	return s.path
}

func (s *Sink) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.file.Close()
}
