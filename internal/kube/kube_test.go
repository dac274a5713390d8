// SPDX-License-Identifier: MPL-2.0

package kube

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

type (
	stampedLine struct {
		at   time.Time
		text string
	}

	// fakeLogSource serves a growing, timestamped log and honours SinceTime
	// the way the cluster does: every line at or after since is returned.
	fakeLogSource struct {
		mu      sync.Mutex
		lines   []stampedLine
		visible int
		errs    []error
		sinces  []*time.Time
	}

	emitted struct {
		mu    sync.Mutex
		texts []string
	}
)

func (f *fakeLogSource) StreamLogs(_ context.Context, _, _ string, since *time.Time) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.sinces = append(f.sinces, since)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return nil, err
	}
	var b strings.Builder
	for _, l := range f.lines[:f.visible] {
		if since != nil && l.at.Before(*since) {
			continue
		}
		fmt.Fprintf(&b, "%s %s\n", l.at.Format(time.RFC3339Nano), l.text)
	}
	return io.NopCloser(strings.NewReader(b.String())), nil
}

func (f *fakeLogSource) add(at time.Time, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lines = append(f.lines, stampedLine{at: at, text: text})
	f.visible = len(f.lines)
}

func (e *emitted) emit(text string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.texts = append(e.texts, text)
}

func (e *emitted) snapshot() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.texts...)
}

func newTestService(logs LogSource) (*PodService, *fake.Clientset) {
	client := fake.NewClientset()
	svc := NewPodService(client, logs, Config{
		Namespace:    "scripts",
		DefaultImage: "alpine:3",
		PollInterval: 5 * time.Millisecond,
		RetryDelay:   5 * time.Millisecond,
	}, log.New(io.Discard))
	return svc, client
}

func markPodTerminated(ctx context.Context, client *fake.Clientset, namespace, name string, phase corev1.PodPhase, code int32) error {
	for {
		pod, err := client.CoreV1().Pods(namespace).Get(ctx, name, metav1.GetOptions{})
		if err == nil {
			pod.Status.Phase = phase
			pod.Status.ContainerStatuses = []corev1.ContainerStatus{{
				Name:  ScriptContainerName,
				State: corev1.ContainerState{Terminated: &corev1.ContainerStateTerminated{ExitCode: code}},
			}}
			_, err = client.CoreV1().Pods(namespace).UpdateStatus(ctx, pod, metav1.UpdateOptions{})
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Millisecond):
		}
	}
}

func markerLine(code int) string {
	return EndOfScriptMarker + markerSeparator + fmt.Sprint(code)
}
