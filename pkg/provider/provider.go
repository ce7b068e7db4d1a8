// Package provider defines how pod containers are executed. A provider
// turns container specs into running module instances and reports their
// outcomes; the pod manager drives it and never touches a runtime directly.
package provider

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/opencontainers/go-digest"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/types"

	"github.com/wasmlet/wasmlet/pkg/registry"
	"github.com/wasmlet/wasmlet/pkg/wasm"
)

// ErrNotSupported is returned for operations a provider cannot perform,
// such as exec against a WASI module.
var ErrNotSupported = errors.New("operation not supported by this provider")

// ErrImageNeverPulled is returned when an image is absent from the local
// cache and the pull policy forbids pulling it.
var ErrImageNeverPulled = errors.New("image not cached locally and pull policy is Never")

// Container status reasons surfaced through the Kubernetes API. Pull
// failures keep their cause visible instead of collapsing into a generic
// pull error.
const (
	ReasonCompleted           = "Completed"
	ReasonError               = "Error"
	ReasonModuleTrap          = "ModuleTrap"
	ReasonDeadlineExceeded    = "DeadlineExceeded"
	ReasonAuthorizationFailed = "AuthorizationFailed"
	ReasonImageNotFound       = "ImageNotFound"
	ReasonDigestMismatch      = "DigestMismatch"
	ReasonErrImagePull        = "ErrImagePull"
	ReasonErrImageNeverPull   = "ErrImageNeverPull"
	ReasonImagePullBackOff    = "ImagePullBackOff"
	ReasonContainerCreating   = "ContainerCreating"
	ReasonCrashLoopBackOff    = "CrashLoopBackOff"
	ReasonRunContainerError   = "RunContainerError"
)

// PullReason maps an image pull error to the waiting reason reported on
// the container status.
func PullReason(err error) string {
	switch {
	case errors.Is(err, ErrImageNeverPulled):
		return ReasonErrImageNeverPull
	case errors.Is(err, registry.ErrUnauthorized):
		return ReasonAuthorizationFailed
	case errors.Is(err, registry.ErrNotFound):
		return ReasonImageNotFound
	case errors.Is(err, registry.ErrDigestMismatch):
		return ReasonDigestMismatch
	default:
		return ReasonErrImagePull
	}
}

// Image describes a pulled wasm module.
type Image struct {
	// Ref is the reference as written in the pod spec.
	Ref string

	// ID is the canonical repository@digest form, reported as the
	// container's imageID.
	ID string

	// ModuleDigest addresses the module bytes in the local store.
	ModuleDigest digest.Digest

	Size int64
}

// State describes where a container instance is in its life.
type State string

const (
	StateRunning State = "running"
	StateExited  State = "exited"
)

// Status is a point-in-time view of a container instance.
type Status struct {
	State      State
	StartedAt  time.Time
	FinishedAt time.Time
	ExitCode   int32
	Reason     string
	Message    string
}

// Handle tracks one container instance from start to exit. The provider
// updates it from the execution goroutine; everyone else reads.
type Handle struct {
	// ID is the unique instance ID for this run. Restarts get new IDs.
	ID string

	PodUID        types.UID
	PodNamespace  string
	PodName       string
	ContainerName string

	Image *Image
	Logs  *wasm.LogBuffer

	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	status Status
}

// NewHandle creates a handle in the running state. cancel stops the
// underlying execution.
func NewHandle(id string, pod *corev1.Pod, containerName string, image *Image, logs *wasm.LogBuffer, cancel context.CancelFunc) *Handle {
	return &Handle{
		ID:            id,
		PodUID:        pod.UID,
		PodNamespace:  pod.Namespace,
		PodName:       pod.Name,
		ContainerName: containerName,
		Image:         image,
		Logs:          logs,
		cancel:        cancel,
		done:          make(chan struct{}),
		status: Status{
			State:     StateRunning,
			StartedAt: time.Now(),
		},
	}
}

// Done is closed once the instance has exited and its status is final.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Status returns the current status.
func (h *Handle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Cancel stops the underlying execution. Idempotent.
func (h *Handle) Cancel() {
	if h.cancel != nil {
		h.cancel()
	}
}

// Exit records the final outcome and releases Done waiters. Later calls
// are ignored so a stop racing a natural exit keeps the first outcome.
func (h *Handle) Exit(exitCode int32, reason, message string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status.State == StateExited {
		return
	}
	h.status.State = StateExited
	h.status.FinishedAt = time.Now()
	h.status.ExitCode = exitCode
	h.status.Reason = reason
	h.status.Message = message
	close(h.done)
}

// Provider runs containers for the pod manager.
type Provider interface {
	// PullImage resolves ref and materializes its module in the local
	// store, honoring the pull policy. The module stays pinned for the
	// pod until CleanupPod.
	PullImage(ctx context.Context, podUID types.UID, ref string, policy corev1.PullPolicy) (*Image, error)

	// StartContainer begins executing a container and returns its handle.
	StartContainer(ctx context.Context, pod *corev1.Pod, container *corev1.Container, image *Image) (*Handle, error)

	// StopContainer cancels the instance and waits up to grace for it to
	// wind down. It reports whether the instance stopped within grace.
	StopContainer(ctx context.Context, handle *Handle, grace time.Duration) (bool, error)

	// ContainerLogs returns the instance's log buffer.
	ContainerLogs(handle *Handle) *wasm.LogBuffer

	// ExecInContainer runs a command inside a running instance.
	ExecInContainer(ctx context.Context, handle *Handle, command []string) error

	// CleanupPod releases pod-scoped state: volume directories and module
	// pins.
	CleanupPod(podUID types.UID) error
}
