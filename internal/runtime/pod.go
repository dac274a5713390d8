// SPDX-License-Identifier: MPL-2.0

package runtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/invowk/remexec/internal/kube"
	"github.com/invowk/remexec/internal/workspace"
	"github.com/invowk/remexec/pkg/contracts"
	"github.com/invowk/remexec/pkg/types"
)

// PodBackend runs each script in its own cluster pod.
type PodBackend struct {
	pods *kube.PodService
}

// NewPodBackend creates a pod backend on top of pods.
func NewPodBackend(pods *kube.PodService) *PodBackend {
	return &PodBackend{pods: pods}
}

// Name returns the backend name.
func (b *PodBackend) Name() string { return BackendPod }

// CanExecute accepts pod contexts.
func (b *PodBackend) CanExecute(ec types.ExecutionContext) bool {
	return ec.EffectiveKind() == types.ExecutionKindPod
}

// Execute creates the pod in the background and follows it. Cleanup deletes it.
func (b *PodBackend) Execute(ctx context.Context, req *Request) (RunningScript, error) {
	cmd := req.Command
	if cmd.ExecutionContext.Pod == nil {
		return nil, errors.New("pod backend requires a pod execution context")
	}
	spec := kube.ScriptPod{
		Ticket:     cmd.Ticket,
		ScriptBody: cmd.ScriptBody,
		Arguments:  cmd.Arguments,
		TaskID:     cmd.TaskID,
		Context:    *cmd.ExecutionContext.Pod,
		Files:      podFiles(cmd),
	}
	if err := kube.CheckFiles(spec.Files); err != nil {
		return nil, err
	}
	name := kube.PodName(cmd.Ticket)
	logger := req.logger().With("pod", name)

	body := func(ctx context.Context, running func()) (types.ExitCode, error) {
		req.Log.Diagnostic("Running in pod %s/%s", b.pods.Namespace(), name)
		code, err := b.pods.Run(ctx, spec, func(text string) {
			if _, err := req.Log.Append(types.SourceStdout, text); err != nil {
				logger.Debug("dropped pod log line", "error", err)
			}
		}, running)
		if err != nil && ctx.Err() == nil {
			return code, fmt.Errorf("pod %s: %w", name, err)
		}
		return code, nil
	}
	cleanup := func(ctx context.Context) error {
		return b.pods.Delete(ctx, name)
	}
	return start(ctx, req, body, cleanup), nil
}

// podFiles collects the additional scripts and files the workspace would
// hold, under the same names.
func podFiles(cmd *contracts.StartScriptCommand) map[string][]byte {
	if len(cmd.Files) == 0 && len(cmd.AdditionalScripts) == 0 {
		return nil
	}
	files := make(map[string][]byte, len(cmd.Files)+len(cmd.AdditionalScripts))
	for scriptType, body := range cmd.AdditionalScripts {
		files[workspace.AdditionalScriptName(scriptType)] = []byte(body)
	}
	for _, f := range cmd.Files {
		files[f.Name] = f.Contents
	}
	return files
}
