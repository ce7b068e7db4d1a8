package pod

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/utils/ptr"

	"github.com/wasmlet/wasmlet/pkg/observability"
	"github.com/wasmlet/wasmlet/pkg/provider"
)

// podRun is one execution attempt of a pod: every container started once.
// The worker goroutine and the runner goroutine share it; mutable state is
// guarded by mu. restartCounts and lastTerm are fixed at creation.
type podRun struct {
	pod           *corev1.Pod
	startTime     metav1.Time
	restartCounts map[string]int32
	lastTerm      map[string]corev1.ContainerState
	cancel        context.CancelFunc
	done          chan struct{}

	mu         sync.Mutex
	phase      Phase
	handles    map[string]*provider.Handle
	statuses   map[string]corev1.ContainerStatus
	failed     bool
	pullFailed bool
	terminal   bool
	released   bool
}

func newPodRun(pod *corev1.Pod, startTime metav1.Time, restartCounts map[string]int32, lastTerm map[string]corev1.ContainerState, cancel context.CancelFunc) *podRun {
	observability.PodsByPhase.WithLabelValues(phaseLabel(PhasePending)).Inc()
	return &podRun{
		pod:           pod,
		startTime:     startTime,
		restartCounts: restartCounts,
		lastTerm:      lastTerm,
		cancel:        cancel,
		done:          make(chan struct{}),
		phase:         PhasePending,
		handles:       make(map[string]*provider.Handle),
		statuses:      make(map[string]corev1.ContainerStatus),
	}
}

// phaseLabel formats a phase for the pods-by-phase gauge.
func phaseLabel(p Phase) string {
	var b strings.Builder
	for i, r := range string(p) {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}

// setPhase advances the run's phase. Regressions are dropped rather than
// applied; the phase sequence stays monotonic.
func (r *podRun) setPhase(logger *zap.Logger, to Phase) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.setPhaseLocked(logger, to)
}

func (r *podRun) setPhaseLocked(logger *zap.Logger, to Phase) {
	if r.phase == to {
		return
	}
	if !canAdvance(r.phase, to) {
		logger.Warn("Dropping pod phase regression",
			zap.String("pod", r.pod.Name),
			zap.String("from", string(r.phase)),
			zap.String("to", string(to)),
		)
		return
	}
	logger.Debug("Pod phase transition",
		zap.String("namespace", r.pod.Namespace),
		zap.String("pod", r.pod.Name),
		zap.String("from", string(r.phase)),
		zap.String("to", string(to)),
	)
	if !r.released {
		observability.PodsByPhase.WithLabelValues(phaseLabel(r.phase)).Dec()
		if to == PhaseDeleted {
			r.released = true
		} else {
			observability.PodsByPhase.WithLabelValues(phaseLabel(to)).Inc()
		}
	}
	r.phase = to
}

// releaseGauge drops the run from the pods-by-phase gauge once it is
// replaced by a newer run or the worker goes away.
func (r *podRun) releaseGauge() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.released {
		observability.PodsByPhase.WithLabelValues(phaseLabel(r.phase)).Dec()
		r.released = true
	}
}

func (r *podRun) currentPhase() Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

// fail marks the run failed before any container ran, recording whether the
// failure came from the image pull phase and whether retrying is pointless.
func (r *podRun) fail(logger *zap.Logger, pullFailed, terminal bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = true
	r.pullFailed = r.pullFailed || pullFailed
	r.terminal = r.terminal || terminal
	r.setPhaseLocked(logger, PhaseFailed)
}

// finish computes the run outcome from the container exit codes.
func (r *podRun) finish(logger *zap.Logger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cs := range r.statuses {
		if t := cs.State.Terminated; t != nil && t.ExitCode != 0 {
			r.failed = true
		}
	}
	if r.failed {
		r.setPhaseLocked(logger, PhaseFailed)
	} else {
		r.setPhaseLocked(logger, PhaseSucceeded)
	}
}

// outcome reports how the run ended.
func (r *podRun) outcome() (failed, pullFailed, terminal bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failed, r.pullFailed, r.terminal
}

func (r *podRun) addHandle(h *provider.Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handles[h.ContainerName] = h
}

func (r *podRun) handleFor(container string) (*provider.Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[container]
	return h, ok
}

func (r *podRun) handleList() []*provider.Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	handles := make([]*provider.Handle, 0, len(r.handles))
	for _, h := range r.handles {
		handles = append(handles, h)
	}
	return handles
}

// setWaiting records a waiting state for a container that is not running.
func (r *podRun) setWaiting(name, reason, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses[name] = r.waitingStatusLocked(name, reason, message)
}

func (r *podRun) waitingStatusLocked(name, reason, message string) corev1.ContainerStatus {
	cs := corev1.ContainerStatus{
		Name: name,
		State: corev1.ContainerState{
			Waiting: &corev1.ContainerStateWaiting{Reason: reason, Message: message},
		},
		LastTerminationState: r.lastTerm[name],
		RestartCount:         r.restartCounts[name],
	}
	for _, c := range r.pod.Spec.Containers {
		if c.Name == name {
			cs.Image = c.Image
			break
		}
	}
	return cs
}

// setRunning records a started container from its handle.
func (r *podRun) setRunning(h *provider.Handle) {
	st := h.Status()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses[h.ContainerName] = corev1.ContainerStatus{
		Name: h.ContainerName,
		State: corev1.ContainerState{
			Running: &corev1.ContainerStateRunning{StartedAt: metav1.NewTime(st.StartedAt)},
		},
		LastTerminationState: r.lastTerm[h.ContainerName],
		Ready:                true,
		Started:              ptr.To(true),
		RestartCount:         r.restartCounts[h.ContainerName],
		Image:                h.Image.Ref,
		ImageID:              h.Image.ID,
		ContainerID:          containerID(h.ID),
	}
}

// setTerminated records a finished container from its handle.
func (r *podRun) setTerminated(h *provider.Handle) {
	st := h.Status()
	if st.State != provider.StateExited {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses[h.ContainerName] = corev1.ContainerStatus{
		Name: h.ContainerName,
		State: corev1.ContainerState{
			Terminated: &corev1.ContainerStateTerminated{
				ExitCode:    st.ExitCode,
				Reason:      st.Reason,
				Message:     st.Message,
				StartedAt:   metav1.NewTime(st.StartedAt),
				FinishedAt:  metav1.NewTime(st.FinishedAt),
				ContainerID: containerID(h.ID),
			},
		},
		LastTerminationState: r.lastTerm[h.ContainerName],
		Started:              ptr.To(false),
		RestartCount:         r.restartCounts[h.ContainerName],
		Image:                h.Image.Ref,
		ImageID:              h.Image.ID,
		ContainerID:          containerID(h.ID),
	}
}

// setBackoff rewrites every touched container into a waiting state for the
// restart delay. Termination records move into the last state.
func (r *podRun) setBackoff(reason, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, cs := range r.statuses {
		if cs.State.Terminated != nil {
			cs.LastTerminationState = cs.State
		}
		cs.State = corev1.ContainerState{
			Waiting: &corev1.ContainerStateWaiting{Reason: reason, Message: message},
		}
		cs.Ready = false
		r.statuses[name] = cs
	}
}

// containerStatuses returns a copy of the recorded per-container statuses.
func (r *podRun) containerStatuses() map[string]corev1.ContainerStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]corev1.ContainerStatus, len(r.statuses))
	for name, cs := range r.statuses {
		out[name] = cs
	}
	return out
}

// podStatus assembles the full pod status. Every spec container gets an
// entry; ones the run has not touched yet report ContainerCreating.
func (r *podRun) podStatus() corev1.PodStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	statuses := make([]corev1.ContainerStatus, 0, len(r.pod.Spec.Containers))
	ready := true
	for _, c := range r.pod.Spec.Containers {
		cs, ok := r.statuses[c.Name]
		if !ok {
			cs = r.waitingStatusLocked(c.Name, provider.ReasonContainerCreating, "")
		}
		if cs.State.Running == nil {
			ready = false
		}
		statuses = append(statuses, cs)
	}

	phase := apiPhase(r.phase, r.pod.Spec.RestartPolicy)
	if r.terminal {
		phase = corev1.PodFailed
	}
	start := r.startTime
	return corev1.PodStatus{
		Phase:             phase,
		Conditions:        podConditions(ready),
		StartTime:         &start,
		ContainerStatuses: statuses,
	}
}

// podConditions builds the condition set the agent manages. Transition
// timestamps are stamped by the status manager when a condition actually
// flips.
func podConditions(ready bool) []corev1.PodCondition {
	cond := func(t corev1.PodConditionType, ok bool) corev1.PodCondition {
		status := corev1.ConditionFalse
		if ok {
			status = corev1.ConditionTrue
		}
		return corev1.PodCondition{Type: t, Status: status}
	}
	return []corev1.PodCondition{
		cond(corev1.PodScheduled, true),
		cond(corev1.PodInitialized, true),
		cond(corev1.ContainersReady, ready),
		cond(corev1.PodReady, ready),
	}
}

// defaultStatuses reports every container as creating. Used when a pod is
// torn down before its first run produced anything.
func defaultStatuses(pod *corev1.Pod) []corev1.ContainerStatus {
	statuses := make([]corev1.ContainerStatus, 0, len(pod.Spec.Containers))
	for _, c := range pod.Spec.Containers {
		statuses = append(statuses, corev1.ContainerStatus{
			Name:  c.Name,
			Image: c.Image,
			State: corev1.ContainerState{
				Waiting: &corev1.ContainerStateWaiting{Reason: provider.ReasonContainerCreating},
			},
		})
	}
	return statuses
}

// finalPhase derives the terminal pod phase from the container statuses at
// deletion time. A container still running here was force-stopped.
func finalPhase(statuses []corev1.ContainerStatus) corev1.PodPhase {
	started, failed := false, false
	for _, cs := range statuses {
		switch {
		case cs.State.Terminated != nil:
			started = true
			if cs.State.Terminated.ExitCode != 0 {
				failed = true
			}
		case cs.State.Running != nil:
			started = true
			failed = true
		}
	}
	switch {
	case !started:
		return corev1.PodPending
	case failed:
		return corev1.PodFailed
	default:
		return corev1.PodSucceeded
	}
}

// containerID formats an instance ID the way runtimes report container IDs.
func containerID(id string) string {
	return "wasm://" + id
}

// terminalPullReason reports whether an image pull failure cannot be fixed
// by retrying.
func terminalPullReason(reason string) bool {
	switch reason {
	case provider.ReasonAuthorizationFailed,
		provider.ReasonImageNotFound,
		provider.ReasonDigestMismatch,
		provider.ReasonErrImageNeverPull:
		return true
	}
	return false
}
