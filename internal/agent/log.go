// Package agent spawns the reviewer-family and executor-family CLIs as
// subprocesses, feeds them schema-constrained prompts, and collects one
// structured JSON payload per call.
package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FramedLog appends framed CLI segments to a shared log file. The framing
// (=== <iso-ts> <family> <PHASE> === ... === <family> exit <code> ===) is
// the stable contract consumed by the dashboard's activity parser, so the
// exact format must not drift.
type FramedLog struct {
	mu   sync.Mutex
	path string
}

// NewFramedLog creates a framed log writer for the given file path. An
// empty path yields a no-op log.
func NewFramedLog(path string) *FramedLog {
	return &FramedLog{path: path}
}

// Segment opens the log for one CLI invocation. The returned segment must
// be closed with Exit.
func (l *FramedLog) Segment(family, phase string) (*LogSegment, error) {
	if l == nil || l.path == "" {
		return &LogSegment{}, nil
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open agent log: %w", err)
	}
	seg := &LogSegment{parent: l, file: f, family: family}
	seg.writeLine(fmt.Sprintf("\n=== %s %s %s ===", time.Now().UTC().Format(time.RFC3339), family, phase))
	return seg, nil
}

// LogSegment is one open framed segment. Writes are serialized so stream
// lines and heartbeats never interleave.
type LogSegment struct {
	parent *FramedLog
	file   *os.File
	family string
}

func (s *LogSegment) writeLine(line string) {
	if s.file == nil {
		return
	}
	s.parent.mu.Lock()
	defer s.parent.mu.Unlock()
	fmt.Fprintln(s.file, line)
}

// Line appends one raw line to the segment.
func (s *LogSegment) Line(line string) {
	s.writeLine(line)
}

// Linef appends one formatted line to the segment.
func (s *LogSegment) Linef(format string, args ...any) {
	s.writeLine(fmt.Sprintf(format, args...))
}

// Writer returns the underlying file for subprocess stderr attachment, or
// nil for a no-op segment.
func (s *LogSegment) Writer() *os.File {
	return s.file
}

// Exit writes the closing frame and releases the file handle.
func (s *LogSegment) Exit(code int) {
	if s.file == nil {
		return
	}
	s.writeLine(fmt.Sprintf("=== %s exit %d ===", s.family, code))
	s.parent.mu.Lock()
	defer s.parent.mu.Unlock()
	s.file.Sync()
	s.file.Close()
	s.file = nil
}
