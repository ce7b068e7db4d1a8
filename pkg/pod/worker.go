package pod

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"

	"github.com/wasmlet/wasmlet/pkg/observability"
	"github.com/wasmlet/wasmlet/pkg/provider"
	"github.com/wasmlet/wasmlet/pkg/wasm"
)

const tracerName = "wasmlet.pod"

// update is one observation delivered to a worker.
type update struct {
	pod    *corev1.Pod
	delete bool
	grace  *int64
}

// worker owns the lifecycle of a single pod UID. All lifecycle decisions
// happen on the loop goroutine; runs execute on a runner goroutine that
// communicates back through the podRun.
type worker struct {
	m       *Manager
	uid     types.UID
	updates chan update

	// dead flips once termination begins; the manager stops routing
	// updates here and spawns a fresh worker if the UID reappears
	dead atomic.Bool

	// Read by the manager for snapshots and log lookups
	mu      sync.Mutex
	current *corev1.Pod
	run     *podRun

	// Loop-confined state
	hash         uint64
	startTime    metav1.Time
	restarts     map[string]int32
	lastTerm     map[string]corev1.ContainerState
	runHandled   bool
	restartTimer *time.Timer
}

func newWorker(m *Manager, uid types.UID) *worker {
	return &worker{
		m:        m,
		uid:      uid,
		updates:  make(chan update, 1),
		restarts: make(map[string]int32),
		lastTerm: make(map[string]corev1.ContainerState),
	}
}

// enqueue delivers an update without blocking. When the worker is behind,
// the queued update is replaced by the newer one; a pending delete is never
// displaced by a later add.
func (w *worker) enqueue(u update) {
	for {
		select {
		case w.updates <- u:
			return
		default:
		}
		select {
		case old := <-w.updates:
			if old.delete && !u.delete {
				u = old
			}
		default:
		}
	}
}

func (w *worker) loop(ctx context.Context) {
	defer w.m.wg.Done()

	observability.PodWorkersActive.Inc()
	defer observability.PodWorkersActive.Dec()

	for {
		var doneC <-chan struct{}
		if r := w.activeRun(); r != nil && !w.runHandled {
			doneC = r.done
		}
		var restartC <-chan time.Time
		if w.restartTimer != nil {
			restartC = w.restartTimer.C
		}

		select {
		case <-ctx.Done():
			w.shutdown()
			return
		case u := <-w.updates:
			if u.delete || (u.pod != nil && u.pod.DeletionTimestamp != nil) {
				w.terminate(ctx, u)
				return
			}
			w.sync(ctx, u.pod)
		case <-doneC:
			w.finishRun()
		case <-restartC:
			w.restartTimer = nil
			w.start(ctx)
		}
	}
}

// sync reconciles a new observation of the pod against what is running.
func (w *worker) sync(ctx context.Context, pod *corev1.Pod) {
	ctx, span := observability.StartSpan(ctx, tracerName, "pod.sync")
	defer span.End()
	observability.AddSpanAttributes(ctx,
		attribute.String("pod.namespace", pod.Namespace),
		attribute.String("pod.name", pod.Name),
	)

	hash := specHash(pod)
	w.setCurrent(pod)

	switch {
	case w.hash == 0:
		// First observation
		defer observeSync("create", time.Now())
		w.hash = hash
		w.startTime = metav1.Now()
		w.start(ctx)
	case hash == w.hash:
		// Metadata or status churn; nothing to reconcile
	default:
		defer observeSync("update", time.Now())
		w.m.logger.Info("Pod spec changed, recreating containers",
			zap.String("namespace", pod.Namespace),
			zap.String("pod", pod.Name),
		)
		w.stopRestartTimer()
		w.stopRun(ctx, w.m.terminationGrace(pod, nil))
		w.m.backoff.Reset(string(w.uid))
		w.hash = hash
		w.start(ctx)
	}
}

func observeSync(operation string, start time.Time) {
	observability.PodSyncsTotal.WithLabelValues("success").Inc()
	observability.PodSyncDurationSeconds.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// start launches a new run of the pod on a runner goroutine. Restart counts
// and last termination states carry over from the previous run.
func (w *worker) start(ctx context.Context) {
	pod := w.currentPod()

	if prev := w.activeRun(); prev != nil {
		for name, cs := range prev.containerStatuses() {
			switch {
			case cs.State.Terminated != nil:
				w.lastTerm[name] = cs.State
				w.restarts[name]++
			case cs.State.Waiting != nil && cs.LastTerminationState.Terminated != nil:
				w.lastTerm[name] = cs.LastTerminationState
				w.restarts[name]++
			}
		}
		prev.releaseGauge()
	}

	runCtx, cancel := context.WithCancel(ctx)
	run := newPodRun(pod, w.startTime, copyCounts(w.restarts), copyStates(w.lastTerm), cancel)
	w.setRun(run)
	w.runHandled = false

	go w.execute(runCtx, run)
}

// execute is the runner goroutine: pull, create, run, wait.
func (w *worker) execute(ctx context.Context, run *podRun) {
	defer close(run.done)

	run.setPhase(w.m.logger, PhaseImagePulling)
	w.report(run)

	images, ok := w.pullImages(ctx, run)
	if !ok {
		w.report(run)
		return
	}

	run.setPhase(w.m.logger, PhaseContainerCreating)
	w.report(run)

	if !w.startContainers(ctx, run, images) {
		w.report(run)
		return
	}

	run.setPhase(w.m.logger, PhaseRunning)
	w.report(run)
	if firstRun(run) {
		observability.PodStartDurationSeconds.Observe(time.Since(run.startTime.Time).Seconds())
	}

	w.waitContainers(run)
	run.finish(w.m.logger)
}

// firstRun reports whether no container of the run has restarted yet.
func firstRun(run *podRun) bool {
	for _, n := range run.restartCounts {
		if n > 0 {
			return false
		}
	}
	return true
}

// pullImages fetches every container image in parallel. A failure records
// the per-container reason and aborts the sibling pulls.
func (w *worker) pullImages(ctx context.Context, run *podRun) ([]*provider.Image, bool) {
	pod := run.pod
	images := make([]*provider.Image, len(pod.Spec.Containers))

	g, gctx := errgroup.WithContext(ctx)
	for i := range pod.Spec.Containers {
		c := &pod.Spec.Containers[i]
		g.Go(func() error {
			w.m.recorder.Eventf(pod, corev1.EventTypeNormal, EventPulling, "Pulling image %q", c.Image)
			start := time.Now()

			img, err := w.m.provider.PullImage(gctx, pod.UID, c.Image, c.ImagePullPolicy)
			if err != nil {
				reason := provider.PullReason(err)
				run.setWaiting(c.Name, reason, err.Error())
				run.fail(w.m.logger, true, terminalPullReason(reason))
				w.m.recorder.Eventf(pod, corev1.EventTypeWarning, EventFailed,
					"Failed to pull image %q: %v", c.Image, err)
				return fmt.Errorf("failed to pull image %q: %w", c.Image, err)
			}

			images[i] = img
			w.m.recorder.Eventf(pod, corev1.EventTypeNormal, EventPulled,
				"Successfully pulled image %q in %s", c.Image, time.Since(start).Round(time.Millisecond))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		w.m.logger.Warn("Image pull failed",
			zap.String("namespace", pod.Namespace),
			zap.String("pod", pod.Name),
			zap.Error(err),
		)
		return nil, false
	}
	return images, true
}

// startContainers starts every container in spec order. On a failure the
// already started siblings are stopped again.
func (w *worker) startContainers(ctx context.Context, run *podRun, images []*provider.Image) bool {
	pod := run.pod
	for i := range pod.Spec.Containers {
		c := &pod.Spec.Containers[i]

		handle, err := w.m.provider.StartContainer(ctx, pod, c, images[i])
		if err != nil {
			run.setWaiting(c.Name, provider.ReasonRunContainerError, err.Error())
			run.fail(w.m.logger, false, false)
			w.m.recorder.Eventf(pod, corev1.EventTypeWarning, EventFailed,
				"Error: failed to start container %q: %v", c.Name, err)
			w.m.logger.Error("Failed to start container",
				zap.String("namespace", pod.Namespace),
				zap.String("pod", pod.Name),
				zap.String("container", c.Name),
				zap.Error(err),
			)
			w.stopHandles(ctx, run, w.m.terminationGrace(pod, nil))
			return false
		}

		run.addHandle(handle)
		run.setRunning(handle)
		w.m.recorder.Eventf(pod, corev1.EventTypeNormal, EventCreated, "Created container %s", c.Name)
		w.m.recorder.Eventf(pod, corev1.EventTypeNormal, EventStarted, "Started container %s", c.Name)
	}
	return true
}

// waitContainers blocks until every container of the run has exited,
// reporting intermediate exits while siblings keep running.
func (w *worker) waitContainers(run *podRun) {
	handles := run.handleList()
	exits := make(chan *provider.Handle)
	for _, h := range handles {
		go func(h *provider.Handle) {
			<-h.Done()
			exits <- h
		}(h)
	}

	for i := 0; i < len(handles); i++ {
		h := <-exits
		run.setTerminated(h)
		st := h.Status()
		w.m.logger.Info("Container finished",
			zap.String("namespace", run.pod.Namespace),
			zap.String("pod", run.pod.Name),
			zap.String("container", h.ContainerName),
			zap.Int32("exit_code", st.ExitCode),
			zap.String("reason", st.Reason),
		)
		if i < len(handles)-1 {
			w.report(run)
		}
	}
}

// finishRun applies the restart policy to a completed run.
func (w *worker) finishRun() {
	w.runHandled = true
	run := w.activeRun()
	pod := w.currentPod()
	failed, pullFailed, terminal := run.outcome()
	if failed {
		observability.PodSyncsTotal.WithLabelValues("failure").Inc()
	}

	if terminal {
		w.report(run)
		w.m.logger.Warn("Pod failed permanently",
			zap.String("namespace", pod.Namespace),
			zap.String("pod", pod.Name),
		)
		return
	}

	if !shouldRestart(pod.Spec.RestartPolicy, failed) {
		w.report(run)
		w.m.logger.Info("Pod finished",
			zap.String("namespace", pod.Namespace),
			zap.String("pod", pod.Name),
			zap.String("phase", string(run.currentPhase())),
		)
		return
	}

	key := string(w.uid)
	w.m.backoff.Next(key, time.Now())
	delay := w.m.backoff.Get(key)

	reason := provider.ReasonCrashLoopBackOff
	message := fmt.Sprintf("back-off %s restarting failed pod", delay)
	if pullFailed {
		reason = provider.ReasonImagePullBackOff
		message = fmt.Sprintf("back-off %s retrying image pull", delay)
	}
	run.setBackoff(reason, message)
	w.report(run)

	w.m.recorder.Eventf(pod, corev1.EventTypeWarning, EventBackOff,
		"Back-off restarting pod, next attempt in %s", delay)
	w.m.logger.Info("Restarting pod after backoff",
		zap.String("namespace", pod.Namespace),
		zap.String("pod", pod.Name),
		zap.Duration("delay", delay),
		zap.String("reason", reason),
	)
	restartCause := "completed"
	if failed {
		restartCause = "error"
	}
	observability.ContainerRestartsTotal.WithLabelValues(restartCause).Inc()
	w.restartTimer = time.NewTimer(delay)
}

// terminate tears the pod down: stop containers, write the final status,
// confirm the API deletion and release local state. The worker exits after.
func (w *worker) terminate(ctx context.Context, u update) {
	w.dead.Store(true)
	if u.pod != nil {
		w.setCurrent(u.pod)
	}
	pod := w.currentPod()
	if pod == nil {
		w.m.forget(w)
		return
	}
	w.stopRestartTimer()
	defer observeSync("delete", time.Now())

	grace := w.m.terminationGrace(pod, u.grace)
	w.m.logger.Info("Terminating pod",
		zap.String("namespace", pod.Namespace),
		zap.String("pod", pod.Name),
		zap.Duration("grace_period", grace),
	)

	run := w.activeRun()
	if run != nil {
		run.setPhase(w.m.logger, PhaseTerminating)
		w.stopRun(ctx, grace)
	}

	final := w.finalStatus(pod, run)
	if err := w.m.status.TerminatePod(ctx, pod, final); err != nil {
		w.m.logger.Warn("Failed to finalize pod status",
			zap.String("namespace", pod.Namespace),
			zap.String("pod", pod.Name),
			zap.Error(err),
		)
	}
	if run != nil {
		run.setPhase(w.m.logger, PhaseDeleted)
	}

	if err := w.m.provider.CleanupPod(pod.UID); err != nil {
		w.m.logger.Warn("Failed to clean up pod state",
			zap.String("pod", pod.Name),
			zap.Error(err),
		)
	}

	w.m.logger.Info("Pod deleted",
		zap.String("namespace", pod.Namespace),
		zap.String("pod", pod.Name),
		zap.String("uid", string(w.uid)),
	)
	w.m.forget(w)
}

// stopRun cancels the active run, stops its containers and waits for the
// runner to finish.
func (w *worker) stopRun(ctx context.Context, grace time.Duration) {
	run := w.activeRun()
	if run == nil || w.runHandled {
		return
	}
	run.cancel()
	w.stopHandles(ctx, run, grace)

	select {
	case <-run.done:
	case <-time.After(grace + 5*time.Second):
		w.m.logger.Warn("Timed out waiting for pod run to wind down",
			zap.String("pod", run.pod.Name),
		)
	}
	w.runHandled = true
}

// stopHandles stops every started container of the run in parallel.
func (w *worker) stopHandles(ctx context.Context, run *podRun, grace time.Duration) {
	handles := run.handleList()
	if len(handles) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func(h *provider.Handle) {
			defer wg.Done()
			w.m.recorder.Eventf(run.pod, corev1.EventTypeNormal, EventKilling,
				"Stopping container %s", h.ContainerName)

			graceful, err := w.m.provider.StopContainer(ctx, h, grace)
			if err != nil {
				w.m.logger.Warn("Failed to stop container",
					zap.String("container", h.ContainerName),
					zap.Error(err),
				)
			} else if !graceful {
				w.m.logger.Warn("Container force stopped after grace period",
					zap.String("container", h.ContainerName),
				)
			}
			run.setTerminated(h)
		}(h)
	}
	wg.Wait()
}

// shutdown handles manager stop: containers are stopped with the pod's own
// grace period and a final local status is recorded, but the API object is
// left alone for the next agent run to adopt.
func (w *worker) shutdown() {
	w.stopRestartTimer()
	pod := w.currentPod()
	run := w.activeRun()
	if pod == nil || run == nil {
		return
	}

	grace := w.m.terminationGrace(pod, nil)
	ctx, cancel := context.WithTimeout(context.Background(), grace+10*time.Second)
	defer cancel()

	w.stopRun(ctx, grace)
	w.report(run)
	run.releaseGauge()
}

// finalStatus builds the status written just before the pod object is
// deleted.
func (w *worker) finalStatus(pod *corev1.Pod, run *podRun) corev1.PodStatus {
	if run == nil {
		return corev1.PodStatus{
			Phase:             corev1.PodPending,
			Conditions:        podConditions(false),
			ContainerStatuses: defaultStatuses(pod),
		}
	}
	status := run.podStatus()
	status.Phase = finalPhase(status.ContainerStatuses)
	return status
}

// report pushes the run's current status to the status sink using the
// freshest pod object.
func (w *worker) report(run *podRun) {
	pod := w.currentPod()
	if pod == nil {
		pod = run.pod
	}
	w.m.status.SetPodStatus(pod, run.podStatus())
}

// logsFor returns the log buffer for a container when this worker owns the
// named pod and the container has started.
func (w *worker) logsFor(namespace, name, container string) (*wasm.LogBuffer, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current == nil || w.current.Namespace != namespace || w.current.Name != name {
		return nil, false
	}
	if w.run == nil {
		return nil, false
	}
	h, ok := w.run.handleFor(container)
	if !ok {
		return nil, false
	}
	return h.Logs, true
}

// snapshotPod returns a copy of the pod with its latest local status.
func (w *worker) snapshotPod() *corev1.Pod {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current == nil {
		return nil
	}
	pod := w.current.DeepCopy()
	if w.run != nil {
		pod.Status = w.run.podStatus()
	}
	return pod
}

func (w *worker) setCurrent(pod *corev1.Pod) {
	w.mu.Lock()
	w.current = pod
	w.mu.Unlock()
}

func (w *worker) currentPod() *corev1.Pod {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

func (w *worker) setRun(run *podRun) {
	w.mu.Lock()
	w.run = run
	w.mu.Unlock()
}

func (w *worker) activeRun() *podRun {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.run
}

func (w *worker) stopRestartTimer() {
	if w.restartTimer != nil {
		w.restartTimer.Stop()
		w.restartTimer = nil
	}
}

func copyCounts(in map[string]int32) map[string]int32 {
	out := make(map[string]int32, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyStates(in map[string]corev1.ContainerState) map[string]corev1.ContainerState {
	out := make(map[string]corev1.ContainerState, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
