package source

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/fields"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"

	"github.com/wasmlet/wasmlet/pkg/observability"
)

// APIConfig represents the API server source configuration
type APIConfig struct {
	// NodeName selects the pods to watch via the spec.nodeName field
	// selector.
	NodeName string

	// RelistBackoff is the pause before a fresh LIST after the watch
	// stream breaks or a list attempt fails.
	RelistBackoff time.Duration
}

// Validate validates the API server source configuration
func (c *APIConfig) Validate() error {
	if c.NodeName == "" {
		return fmt.Errorf("node name is required")
	}
	if c.RelistBackoff <= 0 {
		c.RelistBackoff = 5 * time.Second
	}
	return nil
}

// APIServerSource feeds pods bound to this node from the API server. It
// lists once for a full snapshot, then follows the watch stream; a stream
// break or a 410 Gone goes back to a fresh list, and the Mux resolves the
// drift. Mirror pods are not runnable and are filtered out.
type APIServerSource struct {
	config   APIConfig
	client   kubernetes.Interface
	updates  chan<- PodUpdate
	logger   *zap.Logger
	selector string
}

// NewAPIServerSource creates an API server pod source
func NewAPIServerSource(config APIConfig, client kubernetes.Interface, updates chan<- PodUpdate, logger *zap.Logger) (*APIServerSource, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if client == nil {
		return nil, fmt.Errorf("kubernetes client is required")
	}
	if updates == nil {
		return nil, fmt.Errorf("updates channel is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	return &APIServerSource{
		config:   config,
		client:   client,
		updates:  updates,
		logger:   logger.Named("api_source"),
		selector: fields.OneTermEqualSelector("spec.nodeName", config.NodeName).String(),
	}, nil
}

// Run lists and watches until ctx is cancelled.
func (s *APIServerSource) Run(ctx context.Context) error {
	s.logger.Info("Starting API server pod source",
		zap.String("node", s.config.NodeName),
		zap.String("field_selector", s.selector),
	)

	for {
		resourceVersion, err := s.relist(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn("Pod list failed", zap.Error(err))
			if !sleep(ctx, s.config.RelistBackoff) {
				return ctx.Err()
			}
			continue
		}

		err = s.watch(ctx, resourceVersion)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Warn("Pod watch interrupted, relisting", zap.Error(err))
		if !sleep(ctx, s.config.RelistBackoff) {
			return ctx.Err()
		}
	}
}

// relist fetches the full pod set for this node and pushes it as a
// snapshot. It returns the list resource version the next watch starts
// from.
func (s *APIServerSource) relist(ctx context.Context) (string, error) {
	list, err := s.client.CoreV1().Pods(metav1.NamespaceAll).List(ctx, metav1.ListOptions{
		FieldSelector: s.selector,
	})
	if err != nil {
		return "", fmt.Errorf("failed to list pods: %w", err)
	}

	pods := make([]*corev1.Pod, 0, len(list.Items))
	for i := range list.Items {
		if IsMirrorPod(&list.Items[i]) {
			continue
		}
		pods = append(pods, s.withSource(&list.Items[i]))
	}

	if !s.send(ctx, PodUpdate{Op: OpSet, Pods: pods, Source: APISource}) {
		return "", ctx.Err()
	}
	observability.WatchEventsTotal.WithLabelValues("set").Inc()
	observability.WatchResyncsTotal.Inc()

	s.logger.Debug("Listed pods",
		zap.Int("count", len(pods)),
		zap.String("resource_version", list.ResourceVersion),
	)
	return list.ResourceVersion, nil
}

// watch follows the event stream from resourceVersion until it breaks.
func (s *APIServerSource) watch(ctx context.Context, resourceVersion string) error {
	w, err := s.client.CoreV1().Pods(metav1.NamespaceAll).Watch(ctx, metav1.ListOptions{
		FieldSelector:       s.selector,
		ResourceVersion:     resourceVersion,
		AllowWatchBookmarks: true,
	})
	if err != nil {
		return fmt.Errorf("failed to start pod watch: %w", err)
	}
	defer w.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.ResultChan():
			if !ok {
				return fmt.Errorf("watch stream closed")
			}
			if err := s.handleEvent(ctx, ev); err != nil {
				return err
			}
		}
	}
}

// handleEvent forwards one watch event. A non-nil error ends the current
// watch and triggers a relist.
func (s *APIServerSource) handleEvent(ctx context.Context, ev watch.Event) error {
	switch ev.Type {
	case watch.Bookmark:
		return nil
	case watch.Error:
		err := apierrors.FromObject(ev.Object)
		if apierrors.IsResourceExpired(err) || apierrors.IsGone(err) {
			s.logger.Info("Watch resource version expired")
			return err
		}
		return fmt.Errorf("watch error: %w", err)
	}

	pod, ok := ev.Object.(*corev1.Pod)
	if !ok {
		return fmt.Errorf("unexpected watch object type %T", ev.Object)
	}
	if IsMirrorPod(pod) {
		return nil
	}

	var op Op
	switch ev.Type {
	case watch.Added:
		op = OpAdd
	case watch.Modified:
		op = OpUpdate
	case watch.Deleted:
		op = OpDelete
	default:
		return nil
	}
	observability.WatchEventsTotal.WithLabelValues(strings.ToLower(string(ev.Type))).Inc()

	if !s.send(ctx, PodUpdate{Op: op, Pods: []*corev1.Pod{s.withSource(pod)}, Source: APISource}) {
		return ctx.Err()
	}
	return nil
}

// withSource returns a copy annotated with the config source so the rest
// of the agent can tell API pods from static pods.
func (s *APIServerSource) withSource(pod *corev1.Pod) *corev1.Pod {
	out := pod.DeepCopy()
	if out.Annotations == nil {
		out.Annotations = make(map[string]string)
	}
	out.Annotations[ConfigSourceAnnotationKey] = APISource
	return out
}

func (s *APIServerSource) send(ctx context.Context, u PodUpdate) bool {
	select {
	case s.updates <- u:
		return true
	case <-ctx.Done():
		return false
	}
}
