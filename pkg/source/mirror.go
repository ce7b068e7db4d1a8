package source

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

// MirrorClient manages the API server reflections of static pods. The
// control plane cannot see manifest-file pods, so the agent publishes a
// mirror Pod object per static pod; status writes for a static pod
// target its mirror.
type MirrorClient struct {
	client   kubernetes.Interface
	nodeName string
	logger   *zap.Logger
}

// NewMirrorClient creates a mirror pod client
func NewMirrorClient(client kubernetes.Interface, nodeName string, logger *zap.Logger) (*MirrorClient, error) {
	if client == nil {
		return nil, fmt.Errorf("kubernetes client is required")
	}
	if nodeName == "" {
		return nil, fmt.Errorf("node name is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	return &MirrorClient{
		client:   client,
		nodeName: nodeName,
		logger:   logger.Named("mirror_client"),
	}, nil
}

// CreateMirrorPod publishes the mirror for a static pod. An existing
// mirror with the same config hash is left alone; a stale one, left by an
// edited manifest or an earlier agent run, is deleted and replaced.
func (c *MirrorClient) CreateMirrorPod(ctx context.Context, pod *corev1.Pod) error {
	mirror := mirrorOf(pod)
	_, err := c.client.CoreV1().Pods(mirror.Namespace).Create(ctx, mirror, metav1.CreateOptions{})
	if err == nil {
		c.logger.Info("Created mirror pod",
			zap.String("pod", mirror.Namespace+"/"+mirror.Name),
			zap.String("config_hash", mirror.Annotations[ConfigMirrorAnnotationKey]),
		)
		return nil
	}
	if !apierrors.IsAlreadyExists(err) {
		return fmt.Errorf("failed to create mirror pod: %w", err)
	}

	existing, err := c.client.CoreV1().Pods(mirror.Namespace).Get(ctx, mirror.Name, metav1.GetOptions{})
	if err != nil {
		return fmt.Errorf("failed to inspect existing mirror pod: %w", err)
	}
	if IsMirrorPodOf(existing, pod) {
		return nil
	}

	c.logger.Info("Replacing stale mirror pod",
		zap.String("pod", mirror.Namespace+"/"+mirror.Name),
	)
	if err := c.DeleteMirrorPod(ctx, mirror.Namespace, mirror.Name); err != nil {
		return err
	}
	if _, err := c.client.CoreV1().Pods(mirror.Namespace).Create(ctx, mirror, metav1.CreateOptions{}); err != nil {
		return fmt.Errorf("failed to recreate mirror pod: %w", err)
	}
	return nil
}

// DeleteMirrorPod removes a mirror pod. Objects that are not mirror pods
// on this node are left untouched; a missing pod is not an error.
func (c *MirrorClient) DeleteMirrorPod(ctx context.Context, namespace, name string) error {
	pod, err := c.client.CoreV1().Pods(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to fetch mirror pod: %w", err)
	}
	if !IsMirrorPod(pod) || pod.Spec.NodeName != c.nodeName {
		c.logger.Warn("Refusing to delete non-mirror pod",
			zap.String("pod", namespace+"/"+name),
		)
		return nil
	}

	grace := int64(0)
	err = c.client.CoreV1().Pods(namespace).Delete(ctx, name, metav1.DeleteOptions{
		GracePeriodSeconds: &grace,
		Preconditions:      &metav1.Preconditions{UID: &pod.UID},
	})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("failed to delete mirror pod: %w", err)
	}

	c.logger.Info("Deleted mirror pod", zap.String("pod", namespace+"/"+name))
	return nil
}

// mirrorOf builds the API object for a static pod. The mirror annotation
// carries the config hash so a changed manifest is detectable.
func mirrorOf(pod *corev1.Pod) *corev1.Pod {
	mirror := pod.DeepCopy()
	mirror.UID = ""
	mirror.ResourceVersion = ""
	mirror.OwnerReferences = nil
	mirror.Status = corev1.PodStatus{}
	if mirror.Annotations == nil {
		mirror.Annotations = make(map[string]string)
	}
	mirror.Annotations[ConfigMirrorAnnotationKey] = pod.Annotations[ConfigHashAnnotationKey]
	return mirror
}

// IsStaticPod reports whether the pod came from a non-API source.
func IsStaticPod(pod *corev1.Pod) bool {
	src, ok := pod.Annotations[ConfigSourceAnnotationKey]
	return ok && src != APISource
}

// IsMirrorPod reports whether the API object is the mirror of a static
// pod.
func IsMirrorPod(pod *corev1.Pod) bool {
	_, ok := pod.Annotations[ConfigMirrorAnnotationKey]
	return ok
}

// IsMirrorPodOf reports whether mirror reflects the static pod's current
// manifest content.
func IsMirrorPodOf(mirror, static *corev1.Pod) bool {
	hash, ok := mirror.Annotations[ConfigMirrorAnnotationKey]
	return ok && hash == static.Annotations[ConfigHashAnnotationKey]
}
