package kubelet

import (
	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	typedcorev1 "k8s.io/client-go/kubernetes/typed/core/v1"
	"k8s.io/client-go/tools/record"
)

// newEventRecorder wires pod lifecycle events to the API server and the
// structured log. The returned broadcaster must be shut down on exit.
func newEventRecorder(client kubernetes.Interface, nodeName string, logger *zap.Logger) (record.EventBroadcaster, record.EventRecorder) {
	broadcaster := record.NewBroadcaster()
	broadcaster.StartRecordingToSink(&typedcorev1.EventSinkImpl{
		Interface: client.CoreV1().Events(""),
	})

	eventLogger := logger.Named("events")
	broadcaster.StartEventWatcher(func(event *corev1.Event) {
		eventLogger.Debug("Recorded event",
			zap.String("object", event.InvolvedObject.Namespace+"/"+event.InvolvedObject.Name),
			zap.String("reason", event.Reason),
			zap.String("message", event.Message),
		)
	})

	recorder := broadcaster.NewRecorder(scheme.Scheme, corev1.EventSource{
		Component: "wasmlet",
		Host:      nodeName,
	})
	return broadcaster, recorder
}
