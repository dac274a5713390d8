// SPDX-License-Identifier: MPL-2.0

package kube

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/fields"
	"k8s.io/apimachinery/pkg/watch"

	"github.com/invowk/remexec/pkg/types"
)

// Run creates the pod for spec and follows it until the script finishes.
// Log lines go to emit. running, if not nil, is called once the pod reports
// the Running phase or its first log line arrives, whichever comes first.
// Cancelling ctx deletes the pod and returns CanceledExitCode. The pod itself
// is left in place on normal completion; callers delete it with Delete
// during cleanup.
func (s *PodService) Run(ctx context.Context, spec ScriptPod, emit func(text string), running func()) (types.ExitCode, error) {
	pod, err := s.Create(ctx, spec)
	if err != nil {
		return types.FatalExitCode, err
	}

	var once sync.Once
	markRunning := func() {
		if running != nil {
			once.Do(running)
		}
	}

	terminated := make(chan types.ExitCode, 1)
	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()

	var code types.ExitCode
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		exitCode, err := s.waitForTermination(watchCtx, pod.Name, markRunning)
		if err != nil {
			if watchCtx.Err() != nil {
				return nil
			}
			return err
		}
		terminated <- exitCode
		return nil
	})
	g.Go(func() error {
		defer stopWatch()
		var err error
		code, err = s.NewLogPoller(pod.Name, func(text string) {
			markRunning()
			emit(text)
		}).Run(gctx, terminated)
		return err
	})

	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			s.deleteAfterCancel(pod.Name)
			return types.CanceledExitCode, ctx.Err()
		}
		return types.FatalExitCode, err
	}
	return code, nil
}

func (s *PodService) deleteAfterCancel(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.Delete(ctx, name); err != nil {
		s.logger.Warn("failed to delete cancelled script pod", "pod", name, "error", err)
	}
}

// waitForTermination blocks until the pod reaches a terminal phase and returns
// the script container's exit code. A pod deleted from under the agent
// yields UnknownResultExitCode. The watch is opened before the pod is read so
// no transition falls between the two, and it is re-established when the
// server closes it.
func (s *PodService) waitForTermination(ctx context.Context, name string, running func()) (types.ExitCode, error) {
	pods := s.client.CoreV1().Pods(s.cfg.Namespace)
	for {
		w, err := pods.Watch(ctx, metav1.ListOptions{
			FieldSelector: fields.OneTermEqualSelector("metadata.name", name).String(),
		})
		if err != nil {
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			s.logger.Warn("failed to watch script pod", "pod", name, "error", err)
			if !sleep(ctx, s.cfg.RetryDelay) {
				return 0, ctx.Err()
			}
			continue
		}

		code, done, err := s.checkTerminated(ctx, name, running)
		if err == nil && !done {
			code, done, err = consumeWatch(ctx, w, name, running)
		}
		w.Stop()
		if err != nil || done {
			return code, err
		}
		if !sleep(ctx, s.cfg.RetryDelay) {
			return 0, ctx.Err()
		}
	}
}

func (s *PodService) checkTerminated(ctx context.Context, name string, running func()) (types.ExitCode, bool, error) {
	pod, found, err := s.TryGet(ctx, name)
	switch {
	case err != nil:
		if ctx.Err() != nil {
			return 0, false, ctx.Err()
		}
		s.logger.Warn("failed to read script pod", "pod", name, "error", err)
		return 0, false, nil
	case !found:
		return types.UnknownResultExitCode, true, nil
	default:
		observePhase(pod, running)
		code, done := terminalExitCode(pod)
		return code, done, nil
	}
}

func consumeWatch(ctx context.Context, w watch.Interface, name string, running func()) (types.ExitCode, bool, error) {
	for {
		select {
		case <-ctx.Done():
			return 0, false, ctx.Err()
		case ev, ok := <-w.ResultChan():
			if !ok {
				return 0, false, nil
			}
			pod, isPod := ev.Object.(*corev1.Pod)
			if !isPod || pod.Name != name {
				continue
			}
			if ev.Type == watch.Deleted {
				return types.UnknownResultExitCode, true, nil
			}
			observePhase(pod, running)
			if code, done := terminalExitCode(pod); done {
				return code, true, nil
			}
		}
	}
}

// observePhase calls running once the pod got past Pending.
func observePhase(pod *corev1.Pod, running func()) {
	switch pod.Status.Phase {
	case corev1.PodRunning, corev1.PodSucceeded, corev1.PodFailed:
		running()
	}
}

// terminalExitCode maps a finished pod to the exit code of its script container.
func terminalExitCode(pod *corev1.Pod) (types.ExitCode, bool) {
	switch pod.Status.Phase {
	case corev1.PodSucceeded, corev1.PodFailed:
	default:
		return 0, false
	}
	for _, cs := range pod.Status.ContainerStatuses {
		if cs.Name == ScriptContainerName && cs.State.Terminated != nil {
			return types.ExitCode(cs.State.Terminated.ExitCode), true
		}
	}
	if pod.Status.Phase == corev1.PodSucceeded {
		return 0, true
	}
	return types.FatalExitCode, true
}
