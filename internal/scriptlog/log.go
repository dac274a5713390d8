// SPDX-License-Identifier: MPL-2.0

// Package scriptlog provides the sequenced execution log: an append-only list
// of output lines numbered contiguously from zero. One backend appends while
// any number of status readers replay the tail from a sequence number.
//
// A log may mirror every line into a JSON-lines file so the output of a
// script survives an agent restart.
package scriptlog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/invowk/remexec/pkg/types"
)

// maxPersistedLine bounds a single persisted JSON line when reading back.
const maxPersistedLine = 4 * 1024 * 1024

// ErrClosed is returned by Append after Close.
var ErrClosed = errors.New("script log is closed")

// Log is an append-only sequence of ProcessOutputLine.
type Log struct {
	mu      sync.RWMutex
	lines   []types.ProcessOutputLine
	sink    io.WriteCloser
	enc     *json.Encoder
	sinkErr error
	closed  bool
	now     func() time.Time
}

// Option configures a Log.
type Option func(*Log)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// New creates an in-memory log.
func New(opts ...Option) *Log {
	l := &Log{now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Create creates a log mirrored into path. An existing file is truncated.
func Create(path string, opts ...Option) (*Log, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create script log: %w", err)
	}
	l := New(opts...)
	l.sink = f
	l.enc = json.NewEncoder(f)
	return l, nil
}

// Open loads a log persisted by Create. The returned log is closed for
// appends: it only serves replays of output written before a restart.
// A truncated final line is ignored.
func Open(path string) (*Log, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open script log: %w", err)
	}
	defer f.Close()

	l := New()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxPersistedLine)
	for scanner.Scan() {
		var line types.ProcessOutputLine
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			break
		}
		if line.Sequence != int64(len(l.lines)) {
			return nil, fmt.Errorf("script log %s: expected sequence %d, found %d", path, len(l.lines), line.Sequence)
		}
		l.lines = append(l.lines, line)
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, bufio.ErrTooLong) {
		return nil, fmt.Errorf("read script log %s: %w", path, err)
	}
	l.closed = true
	return l, nil
}

// Append adds a line and returns it with its assigned sequence number.
func (l *Log) Append(source types.OutputSource, text string) (types.ProcessOutputLine, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return types.ProcessOutputLine{}, ErrClosed
	}
	line := types.ProcessOutputLine{
		Sequence: int64(len(l.lines)),
		Source:   source,
		Text:     text,
		Occurred: l.now().UTC(),
	}
	l.lines = append(l.lines, line)
	if l.enc != nil && l.sinkErr == nil {
		l.sinkErr = l.enc.Encode(line)
	}
	return line, nil
}

// Diagnostic appends an agent-authored line. Errors are dropped: diagnostics
// after Close have nowhere to go.
func (l *Log) Diagnostic(format string, args ...any) {
	_, _ = l.Append(types.SourceDiagnostic, fmt.Sprintf(format, args...))
}

// GetOutput returns every line with sequence >= since, in order, and the
// sequence to request next. When nothing new exists the returned next equals
// since, so repeated calls with the same cursor are idempotent.
func (l *Log) GetOutput(since int64) ([]types.ProcessOutputLine, int64) {
	if since < 0 {
		since = 0
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	total := int64(len(l.lines))
	if since >= total {
		return nil, since
	}
	out := make([]types.ProcessOutputLine, total-since)
	copy(out, l.lines[since:])
	return out, total
}

// Len returns the number of lines appended so far.
func (l *Log) Len() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return int64(len(l.lines))
}

// Err returns the first error encountered while mirroring into the file.
func (l *Log) Err() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.sinkErr
}

// Close stops further appends and closes the mirror file. Lines remain
// readable. Close is idempotent.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	if l.sink == nil {
		return nil
	}
	err := l.sink.Close()
	l.sink = nil
	l.enc = nil
	return err
}
