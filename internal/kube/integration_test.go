// SPDX-License-Identifier: MPL-2.0

package kube

import (
	"context"
	"io"
	"os"
	"slices"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/k3s"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"
)

const k3sImage = "rancher/k3s:v1.31.2-k3s1"

// dockerAvailable reports whether testcontainers can reach a container engine.
// Provider detection panics on some hosts without one.
func dockerAvailable() (available bool) {
	defer func() {
		if r := recover(); r != nil {
			available = false
		}
	}()

	provider, err := testcontainers.ProviderDocker.GetProvider()
	if err != nil {
		return false
	}
	defer provider.Close()
	return true
}

// TestPodService_Integration runs a script pod in a disposable k3s cluster.
// Set REMEXEC_K3S_TESTS=1 to enable it.
func TestPodService_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	if os.Getenv("REMEXEC_K3S_TESTS") == "" {
		t.Skip("skipping k3s integration test: REMEXEC_K3S_TESTS not set")
	}
	if !dockerAvailable() {
		t.Skip("skipping k3s integration test: no container engine available")
	}

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Minute)
	defer cancel()

	cluster, err := k3s.Run(ctx, k3sImage)
	testcontainers.CleanupContainer(t, cluster)
	if err != nil {
		t.Fatalf("start k3s: %v", err)
	}

	kubeconfig, err := cluster.GetKubeConfig(ctx)
	if err != nil {
		t.Fatalf("read kubeconfig: %v", err)
	}
	restConfig, err := clientcmd.RESTConfigFromKubeConfig(kubeconfig)
	if err != nil {
		t.Fatalf("parse kubeconfig: %v", err)
	}
	client, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		t.Fatalf("create clientset: %v", err)
	}

	svc := NewPodService(client, nil, Config{Namespace: "default", PollInterval: 500 * time.Millisecond}, log.New(io.Discard))

	var out emitted
	code, err := svc.Run(ctx, ScriptPod{
		Ticket:     "integration",
		ScriptBody: "echo A\nsleep 2\necho B\nexit 4",
	}, out.emit, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if code != 4 {
		t.Errorf("Run() code = %d, want 4", code)
	}
	if got := out.snapshot(); !slices.Equal(got, []string{"A", "B"}) {
		t.Errorf("emitted = %v, want [A B]", got)
	}

	if err := svc.Delete(ctx, PodName("integration")); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
}
