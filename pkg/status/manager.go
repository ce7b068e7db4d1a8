// Package status pushes pod status to the control plane. Workers record
// statuses into a versioned local cache; a sync loop writes them through
// the status subresource with optimistic-concurrency retries. Static pods
// are translated to their mirror objects, and a terminated pod is
// tombstoned so no write can ever follow its deletion.
package status

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"

	"github.com/wasmlet/wasmlet/pkg/observability"
	"github.com/wasmlet/wasmlet/pkg/source"
)

// maxWriteAttempts bounds the refetch-and-retry loop for one status write.
const maxWriteAttempts = 3

// Config represents the status manager configuration
type Config struct {
	// SyncInterval is the safety-net resync period; pending statuses are
	// normally pushed as soon as they are recorded.
	SyncInterval time.Duration
}

// Validate validates the status manager configuration
func (c *Config) Validate() error {
	if c.SyncInterval <= 0 {
		c.SyncInterval = 10 * time.Second
	}
	return nil
}

// versionedStatus is one pod's latest status plus the local version that
// gates redundant writes.
type versionedStatus struct {
	status  corev1.PodStatus
	version uint64
	pod     *corev1.Pod
}

// Manager implements the pod manager's status sink.
type Manager struct {
	config Config
	client kubernetes.Interface
	mirror *source.MirrorClient
	logger *zap.Logger

	mu          sync.Mutex
	statuses    map[types.UID]versionedStatus
	apiVersions map[types.UID]uint64
	tombstones  map[types.UID]bool

	notify chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a status manager. The mirror client may be nil when
// no static pod source is configured.
func NewManager(config Config, client kubernetes.Interface, mirror *source.MirrorClient, logger *zap.Logger) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if client == nil {
		return nil, fmt.Errorf("kubernetes client is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	return &Manager{
		config:      config,
		client:      client,
		mirror:      mirror,
		logger:      logger.Named("status_manager"),
		statuses:    make(map[types.UID]versionedStatus),
		apiVersions: make(map[types.UID]uint64),
		tombstones:  make(map[types.UID]bool),
		notify:      make(chan struct{}, 1),
	}, nil
}

// Start launches the sync loop.
func (m *Manager) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.logger.Info("Starting status manager",
		zap.Duration("sync_interval", m.config.SyncInterval),
	)

	m.wg.Add(1)
	go m.loop(ctx)
	return nil
}

// Stop halts the sync loop. Pending statuses are flushed once more before
// the loop exits.
func (m *Manager) Stop(ctx context.Context) error {
	if m.cancel != nil {
		m.cancel()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting for status manager to stop: %w", ctx.Err())
	}
}

func (m *Manager) loop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Best-effort final flush with a short independent window.
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			m.syncBatch(flushCtx)
			cancel()
			return
		case <-m.notify:
			m.syncBatch(ctx)
		case <-ticker.C:
			m.syncBatch(ctx)
		}
	}
}

// SetPodStatus records the latest status for a pod. It never blocks; the
// sync loop picks the write up.
func (m *Manager) SetPodStatus(pod *corev1.Pod, status corev1.PodStatus) {
	m.mu.Lock()
	if m.tombstones[pod.UID] {
		m.mu.Unlock()
		m.logger.Warn("Dropping status write for deleted pod",
			zap.String("pod", pod.Namespace+"/"+pod.Name),
			zap.String("uid", string(pod.UID)),
		)
		observability.StatusUpdatesTotal.WithLabelValues("dropped").Inc()
		return
	}

	prev := m.statuses[pod.UID]
	stampTransitions(&status, &prev.status, metav1.Now())
	if prev.version > 0 && reflect.DeepEqual(prev.status, status) {
		m.mu.Unlock()
		return
	}
	m.statuses[pod.UID] = versionedStatus{
		status:  status,
		version: prev.version + 1,
		pod:     pod.DeepCopy(),
	}
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// GetPodStatus returns the most recent locally recorded status for a pod.
func (m *Manager) GetPodStatus(uid types.UID) (corev1.PodStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	vs, ok := m.statuses[uid]
	if !ok {
		return corev1.PodStatus{}, false
	}
	return *vs.status.DeepCopy(), true
}

// TerminatePod writes the pod's final status, confirms the API object's
// deletion and tombstones the UID so no later write can resurrect it.
func (m *Manager) TerminatePod(ctx context.Context, pod *corev1.Pod, status corev1.PodStatus) error {
	m.mu.Lock()
	if m.tombstones[pod.UID] {
		m.mu.Unlock()
		return nil
	}
	m.checkTerminalStatuses(pod, status)
	prev := m.statuses[pod.UID]
	stampTransitions(&status, &prev.status, metav1.Now())
	vs := versionedStatus{
		status:  status,
		version: prev.version + 1,
		pod:     pod.DeepCopy(),
	}
	m.statuses[pod.UID] = vs
	m.mu.Unlock()

	writeErr := m.syncPod(ctx, pod.UID, vs)
	deleteErr := m.confirmDeletion(ctx, vs.pod)

	m.mu.Lock()
	delete(m.statuses, pod.UID)
	delete(m.apiVersions, pod.UID)
	m.tombstones[pod.UID] = true
	m.mu.Unlock()

	m.logger.Info("Pod status terminated",
		zap.String("pod", pod.Namespace+"/"+pod.Name),
		zap.String("uid", string(pod.UID)),
		zap.String("phase", string(status.Phase)),
	)

	if writeErr != nil {
		return writeErr
	}
	return deleteErr
}

// checkTerminalStatuses flags terminal pod writes whose containers carry
// no reason; callers must have resolved every container by then.
func (m *Manager) checkTerminalStatuses(pod *corev1.Pod, status corev1.PodStatus) {
	if status.Phase != corev1.PodFailed && status.Phase != corev1.PodSucceeded {
		return
	}
	for _, cs := range status.ContainerStatuses {
		if cs.State.Terminated == nil && (cs.State.Waiting == nil || cs.State.Waiting.Reason == "") {
			m.logger.Warn("Terminal pod status with unresolved container",
				zap.String("pod", pod.Namespace+"/"+pod.Name),
				zap.String("container", cs.Name),
			)
		}
	}
}

// confirmDeletion removes the pod's API object: the mirror for a static
// pod, the object itself for an API pod. A missing object is success.
func (m *Manager) confirmDeletion(ctx context.Context, pod *corev1.Pod) error {
	if source.IsStaticPod(pod) {
		if m.mirror == nil {
			return nil
		}
		api, err := m.client.CoreV1().Pods(pod.Namespace).Get(ctx, pod.Name, metav1.GetOptions{})
		if apierrors.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to fetch mirror pod: %w", err)
		}
		// An edited manifest replaces the static pod under the same name;
		// the replacement's mirror is not ours to delete.
		if !source.IsMirrorPodOf(api, pod) {
			return nil
		}
		return m.mirror.DeleteMirrorPod(ctx, pod.Namespace, pod.Name)
	}

	grace := int64(0)
	err := m.client.CoreV1().Pods(pod.Namespace).Delete(ctx, pod.Name, metav1.DeleteOptions{
		GracePeriodSeconds: &grace,
		Preconditions:      &metav1.Preconditions{UID: &pod.UID},
	})
	if err != nil && !apierrors.IsNotFound(err) && !apierrors.IsConflict(err) {
		return fmt.Errorf("failed to confirm pod deletion: %w", err)
	}
	return nil
}

// syncBatch pushes every status whose version is ahead of what the API
// server has seen.
func (m *Manager) syncBatch(ctx context.Context) {
	m.mu.Lock()
	pending := make(map[types.UID]versionedStatus)
	for uid, vs := range m.statuses {
		if vs.version > m.apiVersions[uid] {
			pending[uid] = vs
		}
	}
	m.mu.Unlock()

	for uid, vs := range pending {
		if ctx.Err() != nil {
			return
		}
		if err := m.syncPod(ctx, uid, vs); err != nil {
			m.logger.Warn("Failed to sync pod status",
				zap.String("pod", vs.pod.Namespace+"/"+vs.pod.Name),
				zap.Error(err),
			)
		}
	}
}

// syncPod writes one versioned status, unless a newer write already made
// it to the API server.
func (m *Manager) syncPod(ctx context.Context, uid types.UID, vs versionedStatus) error {
	m.mu.Lock()
	synced := m.apiVersions[uid] >= vs.version
	m.mu.Unlock()
	if synced {
		return nil
	}

	start := time.Now()
	err := m.writeStatus(ctx, uid, vs)
	observability.StatusUpdateDurationSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		observability.StatusUpdatesTotal.WithLabelValues("failure").Inc()
	}
	return err
}

// writeStatus updates the status subresource using the freshest object.
// Conflicts refetch and retry; a vanished or recreated pod drops the
// local entry; a missing or stale mirror is recreated and the write stays
// pending for the next round.
func (m *Manager) writeStatus(ctx context.Context, uid types.UID, vs versionedStatus) error {
	pods := m.client.CoreV1().Pods(vs.pod.Namespace)
	static := source.IsStaticPod(vs.pod)

	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		api, err := pods.Get(ctx, vs.pod.Name, metav1.GetOptions{})
		if err != nil {
			if !apierrors.IsNotFound(err) {
				return fmt.Errorf("failed to fetch pod: %w", err)
			}
			if static {
				return m.recreateMirror(ctx, vs)
			}
			m.drop(uid, vs, "pod is gone from the API server")
			return nil
		}

		if static {
			if !source.IsMirrorPodOf(api, vs.pod) {
				// Mirror predates the current manifest content.
				return m.recreateMirror(ctx, vs)
			}
		} else if api.UID != vs.pod.UID {
			m.drop(uid, vs, "pod was recreated with a new UID")
			return nil
		}

		merged := api.DeepCopy()
		merged.Status = mergeStatus(vs.status, api.Status)

		_, err = pods.UpdateStatus(ctx, merged, metav1.UpdateOptions{})
		if err == nil {
			m.mu.Lock()
			if m.apiVersions[uid] < vs.version {
				m.apiVersions[uid] = vs.version
			}
			m.mu.Unlock()
			observability.StatusUpdatesTotal.WithLabelValues("success").Inc()
			m.logger.Debug("Wrote pod status",
				zap.String("pod", vs.pod.Namespace+"/"+vs.pod.Name),
				zap.String("phase", string(vs.status.Phase)),
				zap.Uint64("version", vs.version),
			)
			return nil
		}
		if apierrors.IsConflict(err) {
			observability.StatusUpdatesTotal.WithLabelValues("conflict_retried").Inc()
			continue
		}
		if apierrors.IsNotFound(err) {
			continue
		}
		return fmt.Errorf("failed to update pod status: %w", err)
	}
	return fmt.Errorf("gave up after %d conflicting status writes", maxWriteAttempts)
}

// recreateMirror republishes the mirror object for a static pod and
// leaves the status write pending for the next sync round.
func (m *Manager) recreateMirror(ctx context.Context, vs versionedStatus) error {
	if m.mirror == nil {
		m.drop(vs.pod.UID, vs, "no mirror client for static pod")
		return nil
	}
	m.logger.Info("Recreating mirror pod",
		zap.String("pod", vs.pod.Namespace+"/"+vs.pod.Name),
	)
	if err := m.mirror.CreateMirrorPod(ctx, vs.pod); err != nil {
		return fmt.Errorf("failed to recreate mirror pod: %w", err)
	}
	return nil
}

func (m *Manager) drop(uid types.UID, vs versionedStatus, reason string) {
	m.mu.Lock()
	delete(m.statuses, uid)
	delete(m.apiVersions, uid)
	m.mu.Unlock()

	observability.StatusUpdatesTotal.WithLabelValues("dropped").Inc()
	m.logger.Debug("Dropped pod status",
		zap.String("pod", vs.pod.Namespace+"/"+vs.pod.Name),
		zap.String("reason", reason),
	)
}

// stampTransitions carries LastTransitionTime over from the previous
// status for conditions that did not flip, and stamps fresh transitions.
func stampTransitions(status, prev *corev1.PodStatus, now metav1.Time) {
	for i := range status.Conditions {
		cond := &status.Conditions[i]
		if !cond.LastTransitionTime.IsZero() {
			continue
		}
		if old := findCondition(prev, cond.Type); old != nil && old.Status == cond.Status {
			cond.LastTransitionTime = old.LastTransitionTime
		} else {
			cond.LastTransitionTime = now
		}
	}
}

func findCondition(status *corev1.PodStatus, t corev1.PodConditionType) *corev1.PodCondition {
	for i := range status.Conditions {
		if status.Conditions[i].Type == t {
			return &status.Conditions[i]
		}
	}
	return nil
}

// mergeStatus lays the local status over the API object's, keeping
// conditions owned by other controllers (readiness gates and the like).
func mergeStatus(ours, api corev1.PodStatus) corev1.PodStatus {
	merged := *ours.DeepCopy()
	for _, cond := range api.Conditions {
		if ownedConditionType(cond.Type) {
			continue
		}
		if findCondition(&merged, cond.Type) == nil {
			merged.Conditions = append(merged.Conditions, cond)
		}
	}
	return merged
}

func ownedConditionType(t corev1.PodConditionType) bool {
	switch t {
	case corev1.PodScheduled, corev1.PodInitialized, corev1.ContainersReady, corev1.PodReady:
		return true
	}
	return false
}
