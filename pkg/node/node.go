package node

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"
	coordinationv1 "k8s.io/api/coordination/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/util/retry"
	"k8s.io/utils/ptr"

	"github.com/wasmlet/wasmlet/pkg/observability"
)

const (
	// WasmArch is the architecture this node advertises. Pods reach it
	// with a nodeSelector on kubernetes.io/arch.
	WasmArch = "wasm32-wasi"

	// DefaultTaintKey guards the node against regular container
	// workloads; only pods that tolerate it are scheduled here.
	DefaultTaintKey = "wasmlet.dev/arch"

	archLabel     = "kubernetes.io/arch"
	osLabel       = "kubernetes.io/os"
	hostnameLabel = "kubernetes.io/hostname"
	runtimeLabel  = "wasmlet.dev/runtime"
)

// Config represents the node controller configuration
type Config struct {
	// NodeName is the name of the Node object.
	NodeName string

	// NodeIP is an optional address published as the node's InternalIP.
	NodeIP string

	// Port is the daemon endpoint port serving logs and health.
	Port int32

	// PodCapacity is the maximum number of pods the node advertises.
	PodCapacity int64

	// Labels are merged over the built-in node labels.
	Labels map[string]string

	// Taints guard the node. A nil slice gets the default architecture
	// taint; an empty slice disables tainting.
	Taints []corev1.Taint

	// HeartbeatInterval is the lease renewal period.
	HeartbeatInterval time.Duration

	// LeaseDuration is how long the lease remains valid without renewal.
	LeaseDuration time.Duration

	// StatusInterval is the node status refresh period.
	StatusInterval time.Duration

	// MemoryPressurePercent and DiskPressurePercent are the usage levels
	// above which the matching pressure condition turns true.
	MemoryPressurePercent float64
	DiskPressurePercent   float64

	// Version is reported as the kubelet version in the node info.
	Version string
}

// Validate validates the node controller configuration
func (c *Config) Validate() error {
	if c.NodeName == "" {
		return fmt.Errorf("node name is required")
	}
	if c.Port <= 0 {
		c.Port = 10250
	}
	if c.PodCapacity <= 0 {
		c.PodCapacity = 110
	}
	if c.Taints == nil {
		c.Taints = []corev1.Taint{
			{
				Key:    DefaultTaintKey,
				Value:  WasmArch,
				Effect: corev1.TaintEffectNoExecute,
			},
		}
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = 40 * time.Second
	}
	if c.StatusInterval <= 0 {
		c.StatusInterval = 30 * time.Second
	}
	if c.MemoryPressurePercent <= 0 {
		c.MemoryPressurePercent = 90
	}
	if c.DiskPressurePercent <= 0 {
		c.DiskPressurePercent = 85
	}
	if c.Version == "" {
		c.Version = "dev"
	}
	return nil
}

// ResourceSource supplies capacity and usage figures for the Node object.
type ResourceSource interface {
	Snapshot() Snapshot
	Capacity() corev1.ResourceList
}

// Controller registers the Node object and keeps it alive: a lease
// heartbeat on a short interval and a status refresh on a longer one.
type Controller struct {
	config    Config
	client    kubernetes.Interface
	resources ResourceSource
	logger    *zap.Logger

	nodeUID types.UID

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewController creates a node controller.
func NewController(config Config, client kubernetes.Interface, resources ResourceSource, logger *zap.Logger) (*Controller, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if client == nil {
		return nil, fmt.Errorf("kubernetes client is required")
	}
	if resources == nil {
		return nil, fmt.Errorf("resource source is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	return &Controller{
		config:    config,
		client:    client,
		resources: resources,
		logger:    logger.Named("node_controller"),
	}, nil
}

// Start registers the node and launches the heartbeat and status loops.
func (c *Controller) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	if err := c.register(ctx); err != nil {
		cancel()
		return fmt.Errorf("failed to register node: %w", err)
	}

	c.logger.Info("Starting node controller",
		zap.String("node", c.config.NodeName),
		zap.Duration("heartbeat_interval", c.config.HeartbeatInterval),
		zap.Duration("status_interval", c.config.StatusInterval),
	)

	c.wg.Add(2)
	go c.leaseLoop(ctx)
	go c.statusLoop(ctx)
	return nil
}

// Stop halts the heartbeat and status loops.
func (c *Controller) Stop(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting for node controller to stop: %w", ctx.Err())
	}
}

// register creates the Node object, or adopts an existing one by updating
// the labels and taints this agent owns.
func (c *Controller) register(ctx context.Context) error {
	desired := c.desiredNode()

	created, err := c.client.CoreV1().Nodes().Create(ctx, desired, metav1.CreateOptions{})
	if err == nil {
		c.nodeUID = created.UID
		observability.NodeResourceCapacity.WithLabelValues("pods").Set(float64(c.config.PodCapacity))
		c.logger.Info("Registered node",
			zap.String("node", c.config.NodeName),
			zap.String("arch", WasmArch),
		)
		return nil
	}
	if !apierrors.IsAlreadyExists(err) {
		return fmt.Errorf("failed to create node: %w", err)
	}

	err = retry.RetryOnConflict(retry.DefaultRetry, func() error {
		existing, err := c.client.CoreV1().Nodes().Get(ctx, c.config.NodeName, metav1.GetOptions{})
		if err != nil {
			return err
		}
		c.nodeUID = existing.UID

		updated := existing.DeepCopy()
		if updated.Labels == nil {
			updated.Labels = make(map[string]string)
		}
		for k, v := range desired.Labels {
			updated.Labels[k] = v
		}
		updated.Spec.Taints = mergeTaints(updated.Spec.Taints, desired.Spec.Taints)

		_, err = c.client.CoreV1().Nodes().Update(ctx, updated, metav1.UpdateOptions{})
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to adopt existing node: %w", err)
	}

	observability.NodeResourceCapacity.WithLabelValues("pods").Set(float64(c.config.PodCapacity))
	c.logger.Info("Adopted existing node",
		zap.String("node", c.config.NodeName),
	)
	return c.updateStatus(ctx)
}

func (c *Controller) desiredNode() *corev1.Node {
	labels := map[string]string{
		hostnameLabel: c.config.NodeName,
		osLabel:       runtime.GOOS,
		archLabel:     WasmArch,
		runtimeLabel:  "wazero",
	}
	for k, v := range c.config.Labels {
		labels[k] = v
	}

	return &corev1.Node{
		ObjectMeta: metav1.ObjectMeta{
			Name:   c.config.NodeName,
			Labels: labels,
		},
		Spec: corev1.NodeSpec{
			Taints: c.config.Taints,
		},
		Status: c.nodeStatus(nil),
	}
}

// nodeStatus builds the status the agent owns. Condition transition times
// carry over from previous when the condition has not changed state.
func (c *Controller) nodeStatus(previous *corev1.NodeStatus) corev1.NodeStatus {
	snap := c.resources.Snapshot()

	capacity := c.resources.Capacity()
	capacity[corev1.ResourcePods] = *resource.NewQuantity(c.config.PodCapacity, resource.DecimalSI)

	now := metav1.Now()
	conditions := []corev1.NodeCondition{
		{
			Type:    corev1.NodeReady,
			Status:  corev1.ConditionTrue,
			Reason:  "WasmletReady",
			Message: "wasmlet is posting node status and accepting pods",
		},
		pressureCondition(corev1.NodeMemoryPressure, snap.MemoryUsedPercent >= c.config.MemoryPressurePercent,
			"WasmletHasMemoryPressure", "WasmletHasSufficientMemory",
			fmt.Sprintf("memory usage at %.1f%%", snap.MemoryUsedPercent)),
		pressureCondition(corev1.NodeDiskPressure, snap.DiskUsedPercent >= c.config.DiskPressurePercent,
			"WasmletHasDiskPressure", "WasmletHasNoDiskPressure",
			fmt.Sprintf("disk usage at %.1f%%", snap.DiskUsedPercent)),
	}
	for i := range conditions {
		conditions[i].LastHeartbeatTime = now
		conditions[i].LastTransitionTime = now
		if previous == nil {
			continue
		}
		if prev := findNodeCondition(previous.Conditions, conditions[i].Type); prev != nil && prev.Status == conditions[i].Status {
			conditions[i].LastTransitionTime = prev.LastTransitionTime
		}
	}

	addresses := []corev1.NodeAddress{
		{Type: corev1.NodeHostName, Address: c.config.NodeName},
	}
	if c.config.NodeIP != "" {
		addresses = append(addresses, corev1.NodeAddress{
			Type: corev1.NodeInternalIP, Address: c.config.NodeIP,
		})
	}

	return corev1.NodeStatus{
		Capacity:    capacity,
		Allocatable: capacity.DeepCopy(),
		Conditions:  conditions,
		Addresses:   addresses,
		DaemonEndpoints: corev1.NodeDaemonEndpoints{
			KubeletEndpoint: corev1.DaemonEndpoint{Port: c.config.Port},
		},
		NodeInfo: corev1.NodeSystemInfo{
			Architecture:            WasmArch,
			OperatingSystem:         runtime.GOOS,
			KubeletVersion:          c.config.Version,
			ContainerRuntimeVersion: "wazero",
		},
	}
}

func (c *Controller) leaseLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	c.renewLease(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.renewLease(ctx)
		}
	}
}

// renewLease updates the node's coordination lease, creating it when it
// does not exist yet.
func (c *Controller) renewLease(ctx context.Context) {
	leases := c.client.CoordinationV1().Leases(corev1.NamespaceNodeLease)

	err := retry.RetryOnConflict(retry.DefaultRetry, func() error {
		existing, err := leases.Get(ctx, c.config.NodeName, metav1.GetOptions{})
		if apierrors.IsNotFound(err) {
			_, err = leases.Create(ctx, c.newLease(), metav1.CreateOptions{})
			return err
		}
		if err != nil {
			return err
		}

		now := metav1.NewMicroTime(time.Now())
		existing.Spec.HolderIdentity = ptr.To(c.config.NodeName)
		existing.Spec.LeaseDurationSeconds = ptr.To(int32(c.config.LeaseDuration.Seconds()))
		existing.Spec.RenewTime = &now
		_, err = leases.Update(ctx, existing, metav1.UpdateOptions{})
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		observability.NodeHeartbeatsTotal.WithLabelValues("failure").Inc()
		c.logger.Warn("Failed to renew node lease", zap.Error(err))
		return
	}
	observability.NodeHeartbeatsTotal.WithLabelValues("success").Inc()
}

func (c *Controller) newLease() *coordinationv1.Lease {
	now := metav1.NewMicroTime(time.Now())
	lease := &coordinationv1.Lease{
		ObjectMeta: metav1.ObjectMeta{
			Name:      c.config.NodeName,
			Namespace: corev1.NamespaceNodeLease,
		},
		Spec: coordinationv1.LeaseSpec{
			HolderIdentity:       ptr.To(c.config.NodeName),
			LeaseDurationSeconds: ptr.To(int32(c.config.LeaseDuration.Seconds())),
			RenewTime:            &now,
		},
	}
	// Owned by the Node object so the lease is garbage collected with it.
	if c.nodeUID != "" {
		lease.OwnerReferences = []metav1.OwnerReference{
			{
				APIVersion: "v1",
				Kind:       "Node",
				Name:       c.config.NodeName,
				UID:        c.nodeUID,
			},
		}
	}
	return lease
}

func (c *Controller) statusLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.StatusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.updateStatus(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				c.logger.Warn("Failed to update node status", zap.Error(err))
			}
		}
	}
}

// updateStatus refreshes capacity, allocatable, and conditions on the Node
// object through the status subresource.
func (c *Controller) updateStatus(ctx context.Context) error {
	err := retry.RetryOnConflict(retry.DefaultRetry, func() error {
		node, err := c.client.CoreV1().Nodes().Get(ctx, c.config.NodeName, metav1.GetOptions{})
		if err != nil {
			return err
		}
		node.Status = c.nodeStatus(&node.Status)
		_, err = c.client.CoreV1().Nodes().UpdateStatus(ctx, node, metav1.UpdateOptions{})
		return err
	})
	if err != nil {
		observability.NodeStatusUpdatesTotal.WithLabelValues("failure").Inc()
		return fmt.Errorf("failed to update node status: %w", err)
	}
	observability.NodeStatusUpdatesTotal.WithLabelValues("success").Inc()
	return nil
}

// pressureCondition builds a pressure-style condition where true means
// the resource is under pressure.
func pressureCondition(t corev1.NodeConditionType, pressured bool, pressureReason, okReason, message string) corev1.NodeCondition {
	cond := corev1.NodeCondition{
		Type:    t,
		Status:  corev1.ConditionFalse,
		Reason:  okReason,
		Message: message,
	}
	if pressured {
		cond.Status = corev1.ConditionTrue
		cond.Reason = pressureReason
	}
	return cond
}

func findNodeCondition(conditions []corev1.NodeCondition, t corev1.NodeConditionType) *corev1.NodeCondition {
	for i := range conditions {
		if conditions[i].Type == t {
			return &conditions[i]
		}
	}
	return nil
}

// mergeTaints overlays ours onto existing, replacing by key and keeping
// taints set by other controllers.
func mergeTaints(existing, ours []corev1.Taint) []corev1.Taint {
	merged := make([]corev1.Taint, 0, len(existing)+len(ours))
	owned := make(map[string]bool, len(ours))
	for _, taint := range ours {
		owned[taint.Key] = true
	}
	for _, taint := range existing {
		if !owned[taint.Key] {
			merged = append(merged, taint)
		}
	}
	return append(merged, ours...)
}
