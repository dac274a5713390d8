// SPDX-License-Identifier: MPL-2.0

package kube

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/invowk/remexec/pkg/types"
)

// EndOfScriptMarker is printed by the pod wrapper after the script exits,
// followed by markerSeparator and the exit code.
const (
	EndOfScriptMarker = "EOS-9C1D6E0A-4B8F-4F7A-A1E3-5D2C7B6F8E90"
	markerSeparator   = "<<>>"
)

// wrapperScript copies the shipped files into the working directory, runs
// the script body from $REMEXEC_SCRIPT with the container arguments and
// reports its exit code through the marker line.
var wrapperScript = `for f in ` + filesDir + `/* ` + filesDir + `/.[!.]*; do
  [ -f "$f" ] && cp "$f" .
done
printf '%s\n' "$REMEXEC_SCRIPT" > /tmp/remexec-script.sh
sh /tmp/remexec-script.sh "$@"
rc=$?
echo "` + EndOfScriptMarker + markerSeparator + `$rc"
exit $rc`

type (
	// LogSource opens a log stream of the script container. Lines must be
	// prefixed with an RFC 3339 timestamp, as returned with Timestamps=true.
	LogSource interface {
		StreamLogs(ctx context.Context, namespace, pod string, since *time.Time) (io.ReadCloser, error)
	}

	// ClientsetLogSource reads logs through the pods/log subresource.
	ClientsetLogSource struct {
		client kubernetes.Interface
	}

	// logCursor remembers the newest delivered remote timestamp and how many
	// lines carrying exactly that timestamp were delivered. The cluster only
	// honours SinceTime to the second, so every poll re-reads part of the
	// previous one and the cursor discards that prefix.
	logCursor struct {
		last time.Time
		seen int
	}

	// LogPoller follows the log of one pod until the end-of-script marker.
	LogPoller struct {
		source     LogSource
		namespace  string
		pod        string
		interval   time.Duration
		retryDelay time.Duration
		logger     *log.Logger
		emit       func(text string)
		cursor     logCursor
	}
)

// NewClientsetLogSource creates a LogSource backed by client.
func NewClientsetLogSource(client kubernetes.Interface) *ClientsetLogSource {
	return &ClientsetLogSource{client: client}
}

// StreamLogs implements LogSource.
func (s *ClientsetLogSource) StreamLogs(ctx context.Context, namespace, pod string, since *time.Time) (io.ReadCloser, error) {
	opts := &corev1.PodLogOptions{Container: ScriptContainerName, Timestamps: true}
	if since != nil {
		t := metav1.NewTime(*since)
		opts.SinceTime = &t
	}
	return s.client.CoreV1().Pods(namespace).GetLogs(pod, opts).Stream(ctx)
}

// NewLogPoller creates a poller for pod that hands every new script line to emit.
func (s *PodService) NewLogPoller(pod string, emit func(text string)) *LogPoller {
	return &LogPoller{
		source:     s.logs,
		namespace:  s.cfg.Namespace,
		pod:        pod,
		interval:   s.cfg.PollInterval,
		retryDelay: s.cfg.RetryDelay,
		logger:     s.logger.With("pod", pod),
		emit:       emit,
	}
}

// Run polls until the marker is read, returning the exit code it carries.
// When terminated yields a code first, one final poll drains the log and the
// terminated code is used if the marker never arrived.
func (p *LogPoller) Run(ctx context.Context, terminated <-chan types.ExitCode) (types.ExitCode, error) {
	for {
		code, found, err := p.Poll(ctx)
		if found {
			return code, nil
		}
		wait := p.interval
		if err != nil {
			if ctx.Err() != nil {
				return types.CanceledExitCode, ctx.Err()
			}
			if apierrors.IsBadRequest(err) {
				// The container is not ready yet.
				p.logger.Debug("pod log not available yet", "error", err)
			} else {
				p.logger.Warn("failed to read pod log", "error", err)
			}
			wait = p.retryDelay
		}

		select {
		case <-ctx.Done():
			return types.CanceledExitCode, ctx.Err()
		case exitCode := <-terminated:
			code, found, err := p.Poll(ctx)
			if found {
				return code, nil
			}
			if err != nil {
				p.logger.Warn("final pod log read failed", "error", err)
			}
			return exitCode, nil
		case <-time.After(wait):
		}
	}
}

// Poll performs one incremental read. It reports the marker's exit code when
// the marker was part of the read.
func (p *LogPoller) Poll(ctx context.Context) (types.ExitCode, bool, error) {
	stream, err := p.source.StreamLogs(ctx, p.namespace, p.pod, p.cursor.since())
	if err != nil {
		return 0, false, err
	}
	defer stream.Close()

	skip := p.cursor.seen
	start := p.cursor.last
	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		stamp, text := splitTimestamp(scanner.Text(), p.cursor.last)
		if stamp.Before(start) {
			continue
		}
		if stamp.Equal(start) && skip > 0 {
			skip--
			continue
		}
		p.cursor.advance(stamp)

		if code, ok := parseMarker(text); ok {
			return code, true, nil
		}
		p.emit(text)
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return 0, false, fmt.Errorf("read pod log: %w", err)
	}
	return 0, false, nil
}

func (c *logCursor) since() *time.Time {
	if c.last.IsZero() {
		return nil
	}
	t := c.last.Truncate(time.Second)
	return &t
}

func (c *logCursor) advance(stamp time.Time) {
	if stamp.Equal(c.last) {
		c.seen++
		return
	}
	c.last = stamp
	c.seen = 1
}

// splitTimestamp separates the timestamp prefix the cluster adds to each
// line. Lines without a parsable prefix inherit fallback.
func splitTimestamp(line string, fallback time.Time) (time.Time, string) {
	prefix, rest, ok := strings.Cut(line, " ")
	if !ok {
		prefix, rest = line, ""
	}
	stamp, err := time.Parse(time.RFC3339Nano, prefix)
	if err != nil {
		return fallback, line
	}
	return stamp, rest
}

func parseMarker(text string) (types.ExitCode, bool) {
	idx := strings.Index(text, EndOfScriptMarker)
	if idx < 0 {
		return 0, false
	}
	_, codeText, ok := strings.Cut(text[idx:], markerSeparator)
	if !ok {
		return types.UnknownResultExitCode, true
	}
	code, err := strconv.Atoi(strings.TrimSpace(codeText))
	if err != nil {
		return types.UnknownResultExitCode, true
	}
	return types.ExitCode(code), true
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
