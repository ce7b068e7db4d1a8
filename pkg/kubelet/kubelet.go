// Package kubelet composes the agent: resource monitor, node controller,
// registry client, module store, wasm engine, WASI provider, pod manager,
// pod sources and the status manager, plus the HTTP surface. It owns
// startup order and the graceful drain on shutdown.
package kubelet

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/record"

	"github.com/wasmlet/wasmlet/pkg/node"
	"github.com/wasmlet/wasmlet/pkg/observability"
	"github.com/wasmlet/wasmlet/pkg/pod"
	"github.com/wasmlet/wasmlet/pkg/provider/wasi"
	"github.com/wasmlet/wasmlet/pkg/registry"
	"github.com/wasmlet/wasmlet/pkg/source"
	"github.com/wasmlet/wasmlet/pkg/status"
	"github.com/wasmlet/wasmlet/pkg/store"
	"github.com/wasmlet/wasmlet/pkg/wasm"
)

// Config represents the agent configuration
type Config struct {
	// NodeName is this node's name in the cluster.
	NodeName string

	// NodeIP is an optional address advertised as the node's InternalIP.
	NodeIP string

	// DataDir roots all on-disk state: the module cache, compiled code
	// and pod volumes.
	DataDir string

	// ManifestDir enables the static pod source when set.
	ManifestDir string

	// ListenAddr serves the kubelet API (health, pods, container logs).
	ListenAddr string

	// MetricsAddr serves Prometheus metrics on a separate listener.
	MetricsAddr string

	// TLSCertFile and TLSKeyFile enable TLS on the kubelet API.
	TLSCertFile string
	TLSKeyFile  string

	// RegistryAuthFile is a docker-style credentials file for module
	// registries.
	RegistryAuthFile string

	// PlainHTTPRegistries lists registries reached without TLS.
	PlainHTTPRegistries []string

	// CacheBudgetBytes bounds the module cache size.
	CacheBudgetBytes int64

	// MemoryLimitPages is the default per-module linear memory cap in
	// 64 KiB pages.
	MemoryLimitPages uint32

	// PodCapacity is the maximum number of pods advertised on the Node.
	PodCapacity int64

	// Labels and Taints are applied to the Node object.
	Labels map[string]string
	Taints []corev1.Taint

	// HeartbeatInterval is the node lease renewal period.
	HeartbeatInterval time.Duration

	// NodeStatusInterval is the Node status refresh period.
	NodeStatusInterval time.Duration

	// StatusSyncInterval is the pod status resync safety net.
	StatusSyncInterval time.Duration

	// TerminationGrace applies when neither the pod nor the delete
	// request carries a grace period.
	TerminationGrace time.Duration

	// Version is the build version advertised on the Node.
	Version string
}

// Validate validates the agent configuration and fills in defaults.
// Component-level defaults are left to the components themselves.
func (c *Config) Validate() error {
	if c.NodeName == "" {
		return fmt.Errorf("node name is required")
	}
	if c.DataDir == "" {
		c.DataDir = "/var/lib/wasmlet"
	}
	if c.ListenAddr == "" {
		c.ListenAddr = ":10250"
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = ":10255"
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return fmt.Errorf("tls cert and key files must be set together")
	}
	if c.CacheBudgetBytes < 0 {
		return fmt.Errorf("cache budget cannot be negative")
	}
	if c.CacheBudgetBytes == 0 {
		c.CacheBudgetBytes = 10 << 30
	}
	if c.Version == "" {
		c.Version = "dev"
	}
	return nil
}

// listenPort extracts the port from a listen address for the node daemon
// endpoint.
func listenPort(addr string) int32 {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 10250
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 {
		return 10250
	}
	return int32(port)
}

// Kubelet is the assembled node agent.
type Kubelet struct {
	config Config
	client kubernetes.Interface
	logger *zap.Logger

	monitor       *node.Monitor
	nodeCtrl      *node.Controller
	registry      *registry.Client
	store         *store.Store
	engine        *wasm.WazeroEngine
	provider      *wasi.Provider
	mirror        *source.MirrorClient
	statusManager *status.Manager
	podManager    *pod.Manager
	mux           *source.Mux
	server        *Server
	metricsServer *observability.MetricsServer
	broadcaster   record.EventBroadcaster

	sourceCancel context.CancelFunc
	wg           sync.WaitGroup
}

// New wires the agent together. Nothing runs until Start.
func New(config Config, client kubernetes.Interface, logger *zap.Logger) (*Kubelet, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if client == nil {
		return nil, fmt.Errorf("kubernetes client is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	if err := os.MkdirAll(config.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	monitor, err := node.NewMonitor(node.MonitorConfig{
		DiskPath: config.DataDir,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource monitor: %w", err)
	}

	nodeCtrl, err := node.NewController(node.Config{
		NodeName:          config.NodeName,
		NodeIP:            config.NodeIP,
		Port:              listenPort(config.ListenAddr),
		PodCapacity:       config.PodCapacity,
		Labels:            config.Labels,
		Taints:            config.Taints,
		HeartbeatInterval: config.HeartbeatInterval,
		StatusInterval:    config.NodeStatusInterval,
		Version:           config.Version,
	}, client, monitor, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create node controller: %w", err)
	}

	registryClient, err := registry.New(registry.Config{
		AuthFile:  config.RegistryAuthFile,
		PlainHTTP: config.PlainHTTPRegistries,
		UserAgent: "wasmlet/" + config.Version,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create registry client: %w", err)
	}

	moduleStore, err := store.New(store.Config{
		DataDir:  filepath.Join(config.DataDir, "modules"),
		MaxBytes: config.CacheBudgetBytes,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create module store: %w", err)
	}

	engine, err := wasm.NewWazeroEngine(wasm.Config{
		MemoryLimitPages: config.MemoryLimitPages,
		CacheDir:         filepath.Join(config.DataDir, "compile-cache"),
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create wasm engine: %w", err)
	}

	wasiProvider, err := wasi.New(wasi.Config{
		DataDir: config.DataDir,
	}, registryClient, moduleStore, engine, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider: %w", err)
	}

	var mirror *source.MirrorClient
	if config.ManifestDir != "" {
		mirror, err = source.NewMirrorClient(client, config.NodeName, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create mirror client: %w", err)
		}
	}

	statusManager, err := status.NewManager(status.Config{
		SyncInterval: config.StatusSyncInterval,
	}, client, mirror, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create status manager: %w", err)
	}

	broadcaster, recorder := newEventRecorder(client, config.NodeName, logger)

	podManager, err := pod.NewManager(pod.Config{
		TerminationGrace: config.TerminationGrace,
	}, wasiProvider, statusManager, recorder, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create pod manager: %w", err)
	}

	mux, err := source.NewMux(logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create pod source mux: %w", err)
	}

	server, err := NewServer(ServerConfig{
		ListenAddr:  config.ListenAddr,
		TLSCertFile: config.TLSCertFile,
		TLSKeyFile:  config.TLSKeyFile,
	}, podManager, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubelet server: %w", err)
	}

	return &Kubelet{
		config:        config,
		client:        client,
		logger:        logger.Named("kubelet"),
		monitor:       monitor,
		nodeCtrl:      nodeCtrl,
		registry:      registryClient,
		store:         moduleStore,
		engine:        engine,
		provider:      wasiProvider,
		mirror:        mirror,
		statusManager: statusManager,
		podManager:    podManager,
		mux:           mux,
		server:        server,
		metricsServer: observability.NewMetricsServer(config.MetricsAddr, logger),
		broadcaster:   broadcaster,
	}, nil
}

// Start brings the agent up: node registration and heartbeats first, then
// the pod pipeline, then the pod sources, and the HTTP listeners last.
func (k *Kubelet) Start(ctx context.Context) error {
	k.logger.Info("Starting wasmlet",
		zap.String("node", k.config.NodeName),
		zap.String("data_dir", k.config.DataDir),
		zap.String("listen_addr", k.config.ListenAddr),
	)

	if err := k.monitor.Start(ctx); err != nil {
		return fmt.Errorf("failed to start resource monitor: %w", err)
	}
	if err := k.nodeCtrl.Start(ctx); err != nil {
		return fmt.Errorf("failed to start node controller: %w", err)
	}
	if err := k.statusManager.Start(ctx); err != nil {
		return fmt.Errorf("failed to start status manager: %w", err)
	}
	k.podManager.Start(ctx)

	srcCtx, cancel := context.WithCancel(ctx)
	k.sourceCancel = cancel

	apiSource, err := source.NewAPIServerSource(source.APIConfig{
		NodeName: k.config.NodeName,
	}, k.client, k.mux.Channel(srcCtx, source.APISource), k.logger)
	if err != nil {
		return fmt.Errorf("failed to create api source: %w", err)
	}
	k.wg.Add(1)
	go func() {
		defer k.wg.Done()
		if err := apiSource.Run(srcCtx); err != nil && !errors.Is(err, context.Canceled) {
			k.logger.Error("API pod source stopped", zap.Error(err))
		}
	}()

	if k.config.ManifestDir != "" {
		fileSource, err := source.NewFileSource(source.FileConfig{
			Path:     k.config.ManifestDir,
			NodeName: k.config.NodeName,
		}, k.mux.Channel(srcCtx, source.FileSource), k.logger)
		if err != nil {
			return fmt.Errorf("failed to create file source: %w", err)
		}
		k.wg.Add(1)
		go func() {
			defer k.wg.Done()
			if err := fileSource.Run(srcCtx); err != nil && !errors.Is(err, context.Canceled) {
				k.logger.Error("File pod source stopped", zap.Error(err))
			}
		}()
	}

	k.wg.Add(1)
	go k.dispatch(srcCtx)
	k.wg.Add(1)
	go k.gcLoop(srcCtx)

	if err := k.server.Start(ctx); err != nil {
		return fmt.Errorf("failed to start kubelet server: %w", err)
	}
	if err := k.metricsServer.Start(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	k.logger.Info("Wasmlet started")
	return nil
}

// Addr returns the kubelet API address once Start has bound the listener,
// which is how callers learn the port when ListenAddr asked for :0.
func (k *Kubelet) Addr() string {
	return k.server.Addr()
}

// Stop drains the agent: intake stops first, then pod workers wind down
// with their grace periods, final statuses flush, and the heartbeats and
// listeners go last.
func (k *Kubelet) Stop(ctx context.Context) error {
	k.logger.Info("Stopping wasmlet")

	if k.sourceCancel != nil {
		k.sourceCancel()
	}
	done := make(chan struct{})
	go func() {
		k.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		k.logger.Warn("Timed out waiting for pod sources to stop")
	}

	if err := k.podManager.Stop(ctx); err != nil {
		k.logger.Error("Failed to drain pod workers", zap.Error(err))
	}
	if err := k.statusManager.Stop(ctx); err != nil {
		k.logger.Error("Failed to stop status manager", zap.Error(err))
	}
	if err := k.nodeCtrl.Stop(ctx); err != nil {
		k.logger.Error("Failed to stop node controller", zap.Error(err))
	}
	if err := k.server.Stop(ctx); err != nil {
		k.logger.Error("Failed to stop kubelet server", zap.Error(err))
	}
	if err := k.metricsServer.Stop(ctx); err != nil {
		k.logger.Error("Failed to stop metrics server", zap.Error(err))
	}
	if err := k.monitor.Stop(ctx); err != nil {
		k.logger.Error("Failed to stop resource monitor", zap.Error(err))
	}
	k.broadcaster.Shutdown()

	k.logger.Info("Wasmlet stopped")
	return nil
}

// storeGCInterval paces the periodic module cache eviction. The store also
// enforces its budget after every fetch, so this only has to catch modules
// unpinned since then.
const storeGCInterval = 5 * time.Minute

// gcLoop evicts unpinned modules beyond the cache budget.
func (k *Kubelet) gcLoop(ctx context.Context) {
	defer k.wg.Done()

	ticker := time.NewTicker(storeGCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := k.store.EnsureBudget(); err != nil {
				k.logger.Warn("Module cache eviction failed", zap.Error(err))
			}
		}
	}
}

// dispatch feeds merged source updates into the pod manager.
func (k *Kubelet) dispatch(ctx context.Context) {
	defer k.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case update := <-k.mux.Updates():
			k.handleUpdate(ctx, update)
		}
	}
}

func (k *Kubelet) handleUpdate(ctx context.Context, update source.PodUpdate) {
	for _, p := range update.Pods {
		switch update.Op {
		case source.OpAdd, source.OpUpdate:
			// Static pods get an API reflection before they run, so
			// kubectl sees them and their statuses land somewhere.
			if update.Source == source.FileSource && k.mirror != nil {
				if err := k.mirror.CreateMirrorPod(ctx, p); err != nil {
					k.logger.Warn("Failed to publish mirror pod",
						zap.String("pod", p.Namespace+"/"+p.Name),
						zap.Error(err),
					)
				}
			}
			k.podManager.UpdatePod(p)
		case source.OpDelete:
			// The mirror of a static pod is removed by the status
			// manager once the final status is written.
			k.podManager.DeletePod(p, p.DeletionGracePeriodSeconds)
		default:
			k.logger.Warn("Dropping update with unexpected op",
				zap.String("op", string(update.Op)),
				zap.String("source", update.Source),
			)
		}
	}
}
