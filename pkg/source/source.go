// Package source feeds pod configuration into the agent. Sources (the API
// server watch and the static manifest directory) push PodUpdate batches
// into a Mux, which tracks the last known pod set per source, turns full
// snapshots into deltas and hands the pod manager one ordered update
// stream.
package source

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/types"
)

// Op describes what a PodUpdate carries.
type Op string

const (
	// OpSet replaces the source's entire pod set with Pods.
	OpSet Op = "set"

	// OpAdd announces pods the source has not reported before.
	OpAdd Op = "add"

	// OpUpdate carries new versions of already known pods.
	OpUpdate Op = "update"

	// OpDelete removes pods, carrying their last observed state.
	OpDelete Op = "delete"
)

// Source names used on updates and in the config source annotation.
const (
	APISource  = "api"
	FileSource = "file"
)

// Annotation keys shared with the standard kubelet so static pods and
// their mirrors stay recognizable to kubectl and admission plugins.
const (
	ConfigSourceAnnotationKey = "kubernetes.io/config.source"
	ConfigHashAnnotationKey   = "kubernetes.io/config.hash"
	ConfigMirrorAnnotationKey = "kubernetes.io/config.mirror"
)

// PodUpdate is a batch of pod changes from one source.
type PodUpdate struct {
	Op     Op
	Pods   []*corev1.Pod
	Source string
}

// updateBuffer sizes the source and output channels so short bursts do
// not stall a watch stream.
const updateBuffer = 50

// Mux merges pod updates from several sources into one stream. Snapshots
// (OpSet) are reconciled against the last known set for the source and
// come out as synthetic adds, updates and deletes, so a relist after a
// broken watch resolves drift without the consumer noticing.
type Mux struct {
	logger  *zap.Logger
	updates chan PodUpdate

	mu   sync.Mutex
	pods map[string]map[types.UID]*corev1.Pod
}

// NewMux creates a pod update mux
func NewMux(logger *zap.Logger) (*Mux, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	return &Mux{
		logger:  logger.Named("source_mux"),
		updates: make(chan PodUpdate, updateBuffer),
		pods:    make(map[string]map[types.UID]*corev1.Pod),
	}, nil
}

// Updates returns the merged stream. Updates for one pod UID arrive in
// the order its source delivered them.
func (m *Mux) Updates() <-chan PodUpdate {
	return m.updates
}

// Channel returns a fresh input channel for one source. A goroutine
// drains it until the channel is closed or ctx is cancelled.
func (m *Mux) Channel(ctx context.Context, source string) chan<- PodUpdate {
	ch := make(chan PodUpdate, updateBuffer)
	go m.listen(ctx, source, ch)
	return ch
}

func (m *Mux) listen(ctx context.Context, source string, ch <-chan PodUpdate) {
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-ch:
			if !ok {
				return
			}
			for _, out := range m.merge(source, u) {
				select {
				case m.updates <- out:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

// merge folds one source update into the per-source pod set and returns
// the updates to emit downstream. An Add for a known UID is normalized to
// an Update; a Delete for an unknown UID is dropped.
func (m *Mux) merge(source string, u PodUpdate) []PodUpdate {
	m.mu.Lock()
	defer m.mu.Unlock()

	known := m.pods[source]
	if known == nil {
		known = make(map[types.UID]*corev1.Pod)
		m.pods[source] = known
	}

	var adds, updates, deletes []*corev1.Pod
	switch u.Op {
	case OpSet:
		current := make(map[types.UID]bool, len(u.Pods))
		for _, pod := range u.Pods {
			current[pod.UID] = true
			prev, ok := known[pod.UID]
			known[pod.UID] = pod
			switch {
			case !ok:
				adds = append(adds, pod)
			case podChanged(prev, pod):
				updates = append(updates, pod)
			}
		}
		for uid, pod := range known {
			if !current[uid] {
				delete(known, uid)
				deletes = append(deletes, pod)
			}
		}

	case OpAdd, OpUpdate:
		for _, pod := range u.Pods {
			prev, ok := known[pod.UID]
			known[pod.UID] = pod
			switch {
			case !ok:
				adds = append(adds, pod)
			case podChanged(prev, pod):
				updates = append(updates, pod)
			}
		}

	case OpDelete:
		for _, pod := range u.Pods {
			if _, ok := known[pod.UID]; !ok {
				m.logger.Warn("Delete for unknown pod",
					zap.String("source", source),
					zap.String("pod", pod.Namespace+"/"+pod.Name),
					zap.String("uid", string(pod.UID)),
				)
				continue
			}
			delete(known, pod.UID)
			deletes = append(deletes, pod)
		}

	default:
		m.logger.Warn("Unknown pod update op",
			zap.String("source", source),
			zap.String("op", string(u.Op)),
		)
	}

	var out []PodUpdate
	if len(adds) > 0 {
		out = append(out, PodUpdate{Op: OpAdd, Pods: adds, Source: source})
	}
	if len(updates) > 0 {
		out = append(out, PodUpdate{Op: OpUpdate, Pods: updates, Source: source})
	}
	if len(deletes) > 0 {
		out = append(out, PodUpdate{Op: OpDelete, Pods: deletes, Source: source})
	}
	return out
}

// podChanged reports whether the new object differs in a way workers care
// about. Status-only churn, including echoes of this agent's own status
// writes coming back down the watch, is filtered out.
func podChanged(prev, next *corev1.Pod) bool {
	return !reflect.DeepEqual(prev.Spec, next.Spec) ||
		!reflect.DeepEqual(prev.Labels, next.Labels) ||
		!reflect.DeepEqual(prev.Annotations, next.Annotations) ||
		!reflect.DeepEqual(prev.DeletionTimestamp, next.DeletionTimestamp) ||
		!reflect.DeepEqual(prev.DeletionGracePeriodSeconds, next.DeletionGracePeriodSeconds)
}

// sleep waits d unless ctx ends first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
