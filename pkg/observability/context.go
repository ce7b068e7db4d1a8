package observability

import (
	"context"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Context keys for correlation
type contextKey string

const (
	// RequestIDKey is the context key for request ID
	RequestIDKey contextKey = "request-id"

	// NodeNameKey is the context key for the node name
	NodeNameKey contextKey = "node-name"

	// PodKey is the context key for the namespace/name of a pod
	PodKey contextKey = "pod"

	// PodUIDKey is the context key for the pod UID
	PodUIDKey contextKey = "pod-uid"

	// ContainerKey is the context key for a container name
	ContainerKey contextKey = "container"
)

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetRequestID retrieves the request ID from the context
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok {
		return id
	}
	return ""
}

// WithNodeName adds the node name to the context
func WithNodeName(ctx context.Context, nodeName string) context.Context {
	return context.WithValue(ctx, NodeNameKey, nodeName)
}

// GetNodeName retrieves the node name from the context
func GetNodeName(ctx context.Context) string {
	if name, ok := ctx.Value(NodeNameKey).(string); ok {
		return name
	}
	return ""
}

// WithPod adds a pod's namespace/name to the context
func WithPod(ctx context.Context, pod string) context.Context {
	return context.WithValue(ctx, PodKey, pod)
}

// GetPod retrieves the pod namespace/name from the context
func GetPod(ctx context.Context) string {
	if pod, ok := ctx.Value(PodKey).(string); ok {
		return pod
	}
	return ""
}

// WithPodUID adds a pod UID to the context
func WithPodUID(ctx context.Context, uid string) context.Context {
	return context.WithValue(ctx, PodUIDKey, uid)
}

// GetPodUID retrieves the pod UID from the context
func GetPodUID(ctx context.Context) string {
	if uid, ok := ctx.Value(PodUIDKey).(string); ok {
		return uid
	}
	return ""
}

// WithContainer adds a container name to the context
func WithContainer(ctx context.Context, container string) context.Context {
	return context.WithValue(ctx, ContainerKey, container)
}

// GetContainer retrieves the container name from the context
func GetContainer(ctx context.Context) string {
	if container, ok := ctx.Value(ContainerKey).(string); ok {
		return container
	}
	return ""
}

// GenerateRequestID generates a new request ID
func GenerateRequestID() string {
	return uuid.New().String()
}

// ContextLogger returns a logger with correlation fields from context
func ContextLogger(ctx context.Context, logger *zap.Logger) *zap.Logger {
	fields := []zap.Field{}

	if requestID := GetRequestID(ctx); requestID != "" {
		fields = append(fields, zap.String("request_id", requestID))
	}

	if nodeName := GetNodeName(ctx); nodeName != "" {
		fields = append(fields, zap.String("node", nodeName))
	}

	if pod := GetPod(ctx); pod != "" {
		fields = append(fields, zap.String("pod", pod))
	}

	if uid := GetPodUID(ctx); uid != "" {
		fields = append(fields, zap.String("pod_uid", uid))
	}

	if container := GetContainer(ctx); container != "" {
		fields = append(fields, zap.String("container", container))
	}

	// Add trace ID if available
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().HasTraceID() {
		fields = append(fields, zap.String("trace_id", span.SpanContext().TraceID().String()))
		fields = append(fields, zap.String("span_id", span.SpanContext().SpanID().String()))
	}

	return logger.With(fields...)
}
