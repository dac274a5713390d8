// SPDX-License-Identifier: MPL-2.0

// Package kube runs scripts in cluster pods. It creates one pod per ticket,
// follows the pod's log until the end-of-script marker, watches the pod phase
// as a fallback, and deletes the pod on cleanup.
package kube

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/kubernetes"

	"github.com/invowk/remexec/pkg/types"
)

const (
	// TicketLabel carries the script ticket on every resource the agent creates.
	TicketLabel = "remexec.invowk.io/ticket"
	// ManagedByLabel marks resources owned by the agent.
	ManagedByLabel = "app.kubernetes.io/managed-by"
	managedByValue = "remexec"

	// ScriptContainerName is the name of the container running the script.
	ScriptContainerName = "script"

	// WorkspaceDir is the script's working directory inside the pod.
	WorkspaceDir = "/remexec/workspace"
	filesDir     = "/remexec/files"
	// maxFilesSize is the Secret size limit of the API server.
	maxFilesSize = 1 << 20

	podNamePrefix = "remexec-"
	maxNameLength = 63
)

// ErrFilesTooLarge is returned when the files shipped with a script do not
// fit into a single Secret.
var ErrFilesTooLarge = errors.New("script files exceed the 1 MiB pod limit")

type (
	// Config configures a PodService.
	Config struct {
		Namespace          string
		ServiceAccountName string
		DefaultImage       string
		// PollInterval spaces successive log reads.
		PollInterval time.Duration
		// RetryDelay is the fixed delay after a failed log read.
		RetryDelay time.Duration
	}

	// PodService manages script pods in one namespace.
	PodService struct {
		client kubernetes.Interface
		logs   LogSource
		cfg    Config
		logger *log.Logger
	}

	// ScriptPod describes the pod to create for a ticket.
	ScriptPod struct {
		Ticket     types.ScriptTicket
		ScriptBody string
		Arguments  []string
		TaskID     string
		Context    types.PodContext
		// Files are copied into WorkspaceDir before the script starts,
		// keyed by plain file name.
		Files map[string][]byte
	}
)

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		Namespace:    "default",
		DefaultImage: "busybox:stable",
		PollInterval: time.Second,
		RetryDelay:   250 * time.Millisecond,
	}
}

// NewPodService creates a PodService. A nil logs source reads logs through client.
func NewPodService(client kubernetes.Interface, logs LogSource, cfg Config, logger *log.Logger) *PodService {
	defaults := DefaultConfig()
	if cfg.Namespace == "" {
		cfg.Namespace = defaults.Namespace
	}
	if cfg.DefaultImage == "" {
		cfg.DefaultImage = defaults.DefaultImage
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaults.RetryDelay
	}
	if logs == nil {
		logs = NewClientsetLogSource(client)
	}
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &PodService{client: client, logs: logs, cfg: cfg, logger: logger}
}

// Namespace returns the namespace the service operates in.
func (s *PodService) Namespace() string { return s.cfg.Namespace }

// PodName derives the pod name of a ticket. Tickets are case-insensitive in
// the cluster, so the name is lowercased and reduced to DNS-1123 characters.
func PodName(ticket types.ScriptTicket) string {
	var b strings.Builder
	b.WriteString(podNamePrefix)
	for _, r := range strings.ToLower(ticket.String()) {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	name := b.String()
	if len(name) > maxNameLength {
		name = name[:maxNameLength]
	}
	return strings.TrimRight(name, "-")
}

func pullSecretName(podName string) string { return derivedName(podName, "-feed") }

func filesSecretName(podName string) string { return derivedName(podName, "-files") }

func derivedName(podName, suffix string) string {
	name := podName + suffix
	if len(name) > maxNameLength {
		name = name[len(name)-maxNameLength:]
	}
	return strings.Trim(name, "-")
}

// CheckFiles reports whether files fit into the pod's files Secret.
func CheckFiles(files map[string][]byte) error {
	total := 0
	for name, contents := range files {
		total += len(name) + len(contents)
	}
	if total > maxFilesSize {
		return fmt.Errorf("%w: %d bytes", ErrFilesTooLarge, total)
	}
	return nil
}

// Create creates the pod for spec, plus an image pull secret when feed
// credentials are given and a files secret when spec ships files.
func (s *PodService) Create(ctx context.Context, spec ScriptPod) (*corev1.Pod, error) {
	pod := s.buildPod(spec)
	if len(spec.Files) > 0 {
		secret, err := buildFilesSecret(s.cfg.Namespace, pod.Name, spec.Files)
		if err != nil {
			return nil, err
		}
		if _, err := s.client.CoreV1().Secrets(s.cfg.Namespace).Create(ctx, secret, metav1.CreateOptions{}); err != nil && !apierrors.IsAlreadyExists(err) {
			return nil, fmt.Errorf("create files secret for %s: %w", pod.Name, err)
		}
	}
	if spec.Context.FeedUsername != "" {
		secret, err := buildPullSecret(s.cfg.Namespace, pod.Name, spec)
		if err != nil {
			return nil, err
		}
		if _, err := s.client.CoreV1().Secrets(s.cfg.Namespace).Create(ctx, secret, metav1.CreateOptions{}); err != nil && !apierrors.IsAlreadyExists(err) {
			return nil, fmt.Errorf("create pull secret for %s: %w", pod.Name, err)
		}
		pod.Spec.ImagePullSecrets = []corev1.LocalObjectReference{{Name: secret.Name}}
	}

	created, err := s.client.CoreV1().Pods(s.cfg.Namespace).Create(ctx, pod, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		return s.client.CoreV1().Pods(s.cfg.Namespace).Get(ctx, pod.Name, metav1.GetOptions{})
	}
	if err != nil {
		return nil, fmt.Errorf("create pod %s: %w", pod.Name, err)
	}
	s.logger.Info("created script pod", "pod", created.Name, "namespace", s.cfg.Namespace, "image", podImage(created))
	return created, nil
}

// TryGet returns the pod with name, or false if it does not exist.
func (s *PodService) TryGet(ctx context.Context, name string) (*corev1.Pod, bool, error) {
	pod, err := s.client.CoreV1().Pods(s.cfg.Namespace).Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get pod %s: %w", name, err)
	}
	return pod, true, nil
}

// List returns every pod the agent created in the namespace.
func (s *PodService) List(ctx context.Context) ([]corev1.Pod, error) {
	selector := labels.SelectorFromSet(labels.Set{ManagedByLabel: managedByValue})
	list, err := s.client.CoreV1().Pods(s.cfg.Namespace).List(ctx, metav1.ListOptions{LabelSelector: selector.String()})
	if err != nil {
		return nil, fmt.Errorf("list script pods: %w", err)
	}
	return list.Items, nil
}

// Delete removes the pod with name and its secrets. Missing resources are
// not an error.
func (s *PodService) Delete(ctx context.Context, name string) error {
	propagation := metav1.DeletePropagationBackground
	opts := metav1.DeleteOptions{PropagationPolicy: &propagation}
	if err := s.client.CoreV1().Pods(s.cfg.Namespace).Delete(ctx, name, opts); err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("delete pod %s: %w", name, err)
	}
	for _, secret := range []string{pullSecretName(name), filesSecretName(name)} {
		if err := s.client.CoreV1().Secrets(s.cfg.Namespace).Delete(ctx, secret, opts); err != nil && !apierrors.IsNotFound(err) {
			return fmt.Errorf("delete secret %s: %w", secret, err)
		}
	}
	s.logger.Debug("deleted script pod", "pod", name)
	return nil
}

func (s *PodService) buildPod(spec ScriptPod) *corev1.Pod {
	name := PodName(spec.Ticket)
	image := spec.Context.Image
	if image == "" {
		image = s.cfg.DefaultImage
	}

	command := append([]string{"/bin/sh", "-c", wrapperScript, "remexec"}, spec.Arguments...)
	env := []corev1.EnvVar{
		{Name: "REMEXEC_SCRIPT", Value: spec.ScriptBody},
		{Name: "REMEXEC_TICKET", Value: spec.Ticket.String()},
	}
	if spec.TaskID != "" {
		env = append(env, corev1.EnvVar{Name: "REMEXEC_TASK_ID", Value: spec.TaskID})
	}

	volumes := []corev1.Volume{{
		Name:         "workspace",
		VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}},
	}}
	mounts := []corev1.VolumeMount{{Name: "workspace", MountPath: WorkspaceDir}}
	if len(spec.Files) > 0 {
		volumes = append(volumes, corev1.Volume{
			Name: "files",
			VolumeSource: corev1.VolumeSource{Secret: &corev1.SecretVolumeSource{
				SecretName: filesSecretName(name),
				Items:      fileItems(spec.Files),
			}},
		})
		mounts = append(mounts, corev1.VolumeMount{Name: "files", MountPath: filesDir, ReadOnly: true})
	}

	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: s.cfg.Namespace,
			Labels: map[string]string{
				ManagedByLabel: managedByValue,
				TicketLabel:    strings.TrimPrefix(name, podNamePrefix),
			},
			Annotations: map[string]string{TicketLabel: spec.Ticket.String()},
		},
		Spec: corev1.PodSpec{
			RestartPolicy:      corev1.RestartPolicyNever,
			ServiceAccountName: s.cfg.ServiceAccountName,
			Volumes:            volumes,
			Containers: []corev1.Container{{
				Name:         ScriptContainerName,
				Image:        image,
				Command:      command,
				Env:          env,
				WorkingDir:   WorkspaceDir,
				VolumeMounts: mounts,
			}},
		},
	}
}

// fileKeys maps file names to Secret keys. Keys follow sorted name order so
// the same files always produce the same Secret.
func fileKeys(files map[string][]byte) ([]string, map[string]string) {
	names := slices.Sorted(maps.Keys(files))
	keys := make(map[string]string, len(names))
	for i, name := range names {
		keys[name] = fmt.Sprintf("file-%d", i)
	}
	return names, keys
}

func fileItems(files map[string][]byte) []corev1.KeyToPath {
	names, keys := fileKeys(files)
	items := make([]corev1.KeyToPath, 0, len(names))
	for _, name := range names {
		items = append(items, corev1.KeyToPath{Key: keys[name], Path: name})
	}
	return items
}

func buildFilesSecret(namespace, podName string, files map[string][]byte) (*corev1.Secret, error) {
	if err := CheckFiles(files); err != nil {
		return nil, err
	}
	names, keys := fileKeys(files)
	data := make(map[string][]byte, len(names))
	for _, name := range names {
		data[keys[name]] = files[name]
	}
	return &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:      filesSecretName(podName),
			Namespace: namespace,
			Labels:    map[string]string{ManagedByLabel: managedByValue},
		},
		Type: corev1.SecretTypeOpaque,
		Data: data,
	}, nil
}

func buildPullSecret(namespace, podName string, spec ScriptPod) (*corev1.Secret, error) {
	registry := spec.Context.FeedURL
	if u, err := url.Parse(registry); err == nil && u.Host != "" {
		registry = u.Host
	}
	auth := base64.StdEncoding.EncodeToString([]byte(spec.Context.FeedUsername + ":" + spec.Context.FeedPassword))
	payload, err := json.Marshal(map[string]any{
		"auths": map[string]any{
			registry: map[string]string{
				"username": spec.Context.FeedUsername,
				"password": spec.Context.FeedPassword,
				"auth":     auth,
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("encode pull secret: %w", err)
	}
	return &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:      pullSecretName(podName),
			Namespace: namespace,
			Labels:    map[string]string{ManagedByLabel: managedByValue},
		},
		Type: corev1.SecretTypeDockerConfigJson,
		Data: map[string][]byte{corev1.DockerConfigJsonKey: payload},
	}, nil
}

func podImage(pod *corev1.Pod) string {
	if len(pod.Spec.Containers) == 0 {
		return ""
	}
	return pod.Spec.Containers[0].Image
}
