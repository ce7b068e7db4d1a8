// Package pod drives pods through their lifecycle. The Manager owns exactly
// one worker goroutine per pod UID; workers pull images, start module
// containers through the provider and reconcile restarts, spec changes and
// deletion.
package pod

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/tools/record"
	"k8s.io/client-go/util/flowcontrol"

	"github.com/wasmlet/wasmlet/pkg/provider"
	"github.com/wasmlet/wasmlet/pkg/wasm"
)

// StatusSink receives pod status as workers progress. Implemented by the
// status manager.
type StatusSink interface {
	// SetPodStatus records the latest status for a pod. It must not block.
	SetPodStatus(pod *corev1.Pod, status corev1.PodStatus)

	// TerminatePod writes the final status, confirms the API object
	// deletion and tombstones the UID. No write for the UID may follow.
	TerminatePod(ctx context.Context, pod *corev1.Pod, status corev1.PodStatus) error
}

// Config represents the pod manager configuration
type Config struct {
	// RestartBackoffInitial is the first delay before restarting a
	// finished pod under its restart policy.
	RestartBackoffInitial time.Duration

	// RestartBackoffMax caps the exponential restart delay.
	RestartBackoffMax time.Duration

	// TerminationGrace is used when neither the pod spec nor the delete
	// request carries a grace period.
	TerminationGrace time.Duration
}

// Validate validates the pod manager configuration
func (c *Config) Validate() error {
	if c.RestartBackoffInitial <= 0 {
		c.RestartBackoffInitial = 10 * time.Second
	}
	if c.RestartBackoffMax <= 0 {
		c.RestartBackoffMax = 5 * time.Minute
	}
	if c.TerminationGrace <= 0 {
		c.TerminationGrace = 30 * time.Second
	}
	return nil
}

// Manager supervises one worker per pod UID.
type Manager struct {
	config   Config
	logger   *zap.Logger
	provider provider.Provider
	status   StatusSink
	recorder record.EventRecorder
	backoff  *flowcontrol.Backoff

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	workers map[types.UID]*worker
	wg      sync.WaitGroup
}

// NewManager creates a pod manager.
func NewManager(config Config, p provider.Provider, status StatusSink, recorder record.EventRecorder, logger *zap.Logger) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pod manager config: %w", err)
	}
	if p == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if status == nil {
		return nil, fmt.Errorf("status sink is required")
	}
	if recorder == nil {
		return nil, fmt.Errorf("event recorder is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Manager{
		config:   config,
		logger:   logger,
		provider: p,
		status:   status,
		recorder: recorder,
		backoff:  flowcontrol.NewBackOff(config.RestartBackoffInitial, config.RestartBackoffMax),
		workers:  make(map[types.UID]*worker),
	}, nil
}

// Start makes the manager accept pod updates. Workers run under ctx.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.logger.Info("Starting pod manager")
}

// Stop cancels all workers and waits for them to drain. Workers stop their
// containers with the pod's grace period and record a final local status.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.logger.Info("Pod manager stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to drain pod workers: %w", ctx.Err())
	}
}

// UpdatePod delivers an ADD or MODIFY observation. The first update for a
// UID spawns its worker; later updates are queued in arrival order, with
// bursts coalescing onto the newest spec.
func (m *Manager) UpdatePod(pod *corev1.Pod) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx == nil || m.ctx.Err() != nil {
		return
	}

	w, ok := m.workers[pod.UID]
	if ok && w.dead.Load() {
		// The old incarnation is mid-termination; give the re-added pod
		// a fresh worker instead of enqueueing onto a dying one
		ok = false
	}
	if !ok {
		w = newWorker(m, pod.UID)
		m.workers[pod.UID] = w
		m.wg.Add(1)
		go w.loop(m.ctx)
		m.logger.Debug("Started pod worker",
			zap.String("namespace", pod.Namespace),
			zap.String("pod", pod.Name),
			zap.String("uid", string(pod.UID)),
		)
	}
	w.enqueue(update{pod: pod})
}

// DeletePod delivers a DELETE observation. grace overrides the pod's
// termination grace period when the delete request carried one.
func (m *Manager) DeletePod(pod *corev1.Pod, grace *int64) {
	m.mu.Lock()
	w, ok := m.workers[pod.UID]
	m.mu.Unlock()
	if !ok || w.dead.Load() {
		return
	}
	w.enqueue(update{pod: pod, delete: true, grace: grace})
}

// Pods returns a snapshot of every known pod with its latest local status,
// ordered by namespace and name.
func (m *Manager) Pods() []*corev1.Pod {
	m.mu.Lock()
	workers := make([]*worker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.mu.Unlock()

	pods := make([]*corev1.Pod, 0, len(workers))
	for _, w := range workers {
		if pod := w.snapshotPod(); pod != nil {
			pods = append(pods, pod)
		}
	}
	sort.Slice(pods, func(i, j int) bool {
		if pods[i].Namespace != pods[j].Namespace {
			return pods[i].Namespace < pods[j].Namespace
		}
		return pods[i].Name < pods[j].Name
	})
	return pods
}

// Logs returns the log buffer for a container of a known pod.
func (m *Manager) Logs(namespace, name, container string) (*wasm.LogBuffer, error) {
	m.mu.Lock()
	workers := make([]*worker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.mu.Unlock()

	for _, w := range workers {
		if logs, ok := w.logsFor(namespace, name, container); ok {
			return logs, nil
		}
	}
	return nil, fmt.Errorf("container %s not found in pod %s/%s", container, namespace, name)
}

// forget unregisters a terminated worker. The identity check keeps a
// replacement worker for a re-added UID registered.
func (m *Manager) forget(w *worker) {
	m.mu.Lock()
	if m.workers[w.uid] == w {
		delete(m.workers, w.uid)
	}
	m.mu.Unlock()
	m.backoff.DeleteEntry(string(w.uid))
}

// terminationGrace resolves the grace period for stopping a pod's
// containers. A delete-request override wins over the object's deletion
// grace, which wins over the spec.
func (m *Manager) terminationGrace(pod *corev1.Pod, override *int64) time.Duration {
	grace := m.config.TerminationGrace
	if pod.Spec.TerminationGracePeriodSeconds != nil {
		grace = time.Duration(*pod.Spec.TerminationGracePeriodSeconds) * time.Second
	}
	if pod.DeletionGracePeriodSeconds != nil {
		grace = time.Duration(*pod.DeletionGracePeriodSeconds) * time.Second
	}
	if override != nil {
		grace = time.Duration(*override) * time.Second
	}
	if grace <= 0 {
		grace = time.Second
	}
	return grace
}

// specHash fingerprints the parts of a pod spec whose change requires
// recreating the containers. Pointer fields are dereferenced so the hash is
// stable across decodings of the same manifest; apiserver-defaulted fields
// outside the container and volume lists do not trigger a recreate.
func specHash(pod *corev1.Pod) uint64 {
	printer := spew.ConfigState{
		Indent:         " ",
		SortKeys:       true,
		DisableMethods: true,
		SpewKeys:       true,
	}
	h := fnv.New64a()
	printer.Fprintf(h, "%#v %#v %#v", pod.Spec.Containers, pod.Spec.Volumes, pod.Spec.ActiveDeadlineSeconds)
	return h.Sum64()
}
