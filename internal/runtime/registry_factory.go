// SPDX-License-Identifier: MPL-2.0

package runtime

import (
	"fmt"

	"github.com/charmbracelet/log"
	"k8s.io/client-go/kubernetes"

	"github.com/invowk/remexec/internal/config"
	"github.com/invowk/remexec/internal/kube"
)

const (
	// CodeNativeUnavailable means the configured host shell was not found.
	CodeNativeUnavailable InitDiagnosticCode = "native_backend_unavailable"
	// CodePodBackendInitFailed means no cluster client could be created.
	CodePodBackendInitFailed InitDiagnosticCode = "pod_backend_init_failed"
)

type (
	// BuildRegistryOptions configures registry construction.
	BuildRegistryOptions struct {
		Config *config.Config
		Logger *log.Logger
		// Clientset overrides the cluster client built from the kubeconfig.
		Clientset kubernetes.Interface
	}

	// InitDiagnosticCode categorizes non-fatal backend initialization problems.
	InitDiagnosticCode string

	// InitDiagnostic reports a backend that could not be registered.
	InitDiagnostic struct {
		Code    InitDiagnosticCode
		Message string
		Cause   error
	}

	// RegistryBuildResult holds the registry and what went wrong building it.
	RegistryBuildResult struct {
		Registry    *Registry
		Diagnostics []InitDiagnostic
	}
)

// String returns the code.
func (c InitDiagnosticCode) String() string { return string(c) }

// BuildRegistry registers the enabled backends in precedence order: native,
// virtual, then pod. A backend that cannot be initialized is skipped and
// reported in Diagnostics.
func BuildRegistry(opts BuildRegistryOptions) RegistryBuildResult {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	result := RegistryBuildResult{Registry: NewRegistry()}

	if cfg.Backends.Native.Enabled {
		native := NewNativeBackend(cfg.Backends.Native.Shell)
		if native.Available() {
			result.Registry.Register(native)
		} else {
			result.Diagnostics = append(result.Diagnostics, InitDiagnostic{
				Code:    CodeNativeUnavailable,
				Message: fmt.Sprintf("native backend unavailable: shell %q not found", native.shell),
			})
		}
	}
	if cfg.Backends.Virtual.Enabled {
		result.Registry.Register(NewVirtualBackend())
	}

	if cfg.Backends.Pod.Enabled {
		client := opts.Clientset
		if client == nil {
			var err error
			client, err = kube.NewClientset(cfg.Kubernetes.Kubeconfig)
			if err != nil {
				result.Diagnostics = append(result.Diagnostics, InitDiagnostic{
					Code:    CodePodBackendInitFailed,
					Message: fmt.Sprintf("pod backend unavailable: %v", err),
					Cause:   err,
				})
			}
		}
		if client != nil {
			pods := kube.NewPodService(client, nil, kube.Config{
				Namespace:          cfg.Kubernetes.Namespace,
				ServiceAccountName: cfg.Kubernetes.ServiceAccount,
				DefaultImage:       cfg.Kubernetes.DefaultImage,
				PollInterval:       cfg.Kubernetes.PollInterval,
				RetryDelay:         cfg.Kubernetes.RetryDelay,
			}, logger.WithPrefix("pods"))
			result.Registry.Register(NewPodBackend(pods))
		}
	}

	for _, d := range result.Diagnostics {
		logger.Warn(d.Message, "code", d.Code)
	}
	return result
}
