// SPDX-License-Identifier: MPL-2.0

package scriptlog

import (
	"bytes"
	"io"
	"sync"

	"github.com/invowk/remexec/pkg/types"
)

// lineWriter splits a byte stream into log lines. A trailing partial line is
// held until the next newline or Close.
type lineWriter struct {
	mu     sync.Mutex
	log    *Log
	source types.OutputSource
	buf    bytes.Buffer
}

// Writer returns an io.WriteCloser that appends one line per newline-terminated
// chunk written to it. Carriage returns before the newline are trimmed.
// Close flushes a pending partial line.
func (l *Log) Writer(source types.OutputSource) io.WriteCloser {
	return &lineWriter{log: l, source: source}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	for {
		data := w.buf.Bytes()
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		text := string(bytes.TrimSuffix(data[:i], []byte{'\r'}))
		w.buf.Next(i + 1)
		if _, err := w.log.Append(w.source, text); err != nil {
			return len(p), err
		}
	}
	return len(p), nil
}

func (w *lineWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.buf.Len() == 0 {
		return nil
	}
	text := string(bytes.TrimSuffix(w.buf.Bytes(), []byte{'\r'}))
	w.buf.Reset()
	_, err := w.log.Append(w.source, text)
	return err
}
