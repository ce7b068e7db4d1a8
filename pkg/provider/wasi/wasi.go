// Package wasi runs pod containers as WASI command modules on a wasm
// engine, backed by the registry client and the module store.
package wasi

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/distribution/reference"
	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/types"

	"github.com/wasmlet/wasmlet/pkg/observability"
	"github.com/wasmlet/wasmlet/pkg/provider"
	"github.com/wasmlet/wasmlet/pkg/registry"
	"github.com/wasmlet/wasmlet/pkg/store"
	"github.com/wasmlet/wasmlet/pkg/wasm"
)

const tracerName = "wasmlet.provider"

// Config contains provider settings.
type Config struct {
	// DataDir roots pod-scoped state. Volumes live under
	// DataDir/pods/<uid>/volumes/<name>.
	DataDir string

	// LogBufferBytes bounds each container's retained output.
	LogBufferBytes int64
}

// Validate checks the configuration and applies defaults.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data directory is required")
	}
	if c.LogBufferBytes <= 0 {
		c.LogBufferBytes = wasm.DefaultLogBufferBytes
	}
	return nil
}

// Provider implements provider.Provider for WASI modules.
type Provider struct {
	config   Config
	logger   *zap.Logger
	registry *registry.Client
	store    *store.Store
	engine   wasm.Engine

	mu   sync.Mutex
	pins map[types.UID][]digest.Digest
}

var _ provider.Provider = (*Provider)(nil)

// New creates a WASI provider.
func New(config Config, registryClient *registry.Client, moduleStore *store.Store, engine wasm.Engine, logger *zap.Logger) (*Provider, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid provider config: %w", err)
	}

	return &Provider{
		config:   config,
		logger:   logger,
		registry: registryClient,
		store:    moduleStore,
		engine:   engine,
		pins:     make(map[types.UID][]digest.Digest),
	}, nil
}

// PullImage resolves ref and caches its wasm module, honoring the pull
// policy. Digest-pinned images whose manifest and module are already
// cached start without touching the registry.
func (p *Provider) PullImage(ctx context.Context, podUID types.UID, ref string, policy corev1.PullPolicy) (*provider.Image, error) {
	ctx, span := observability.StartSpan(ctx, tracerName, "provider.pull_image")
	defer span.End()
	start := time.Now()

	named, err := reference.ParseNormalizedNamed(ref)
	if err != nil {
		return nil, fmt.Errorf("failed to parse image reference %q: %w", ref, err)
	}
	policy = effectivePullPolicy(named, policy)

	if policy != corev1.PullAlways {
		if img, ok := p.cachedImage(ctx, named, ref); ok {
			p.pin(podUID, img.ModuleDigest)
			observability.ImagePullsTotal.WithLabelValues("cached").Inc()
			p.logger.Debug("Using cached module",
				zap.String("ref", ref),
				zap.String("digest", img.ModuleDigest.String()),
			)
			return img, nil
		}
		if policy == corev1.PullNever {
			return nil, fmt.Errorf("%w: %s", provider.ErrImageNeverPulled, ref)
		}
	}

	res, err := p.registry.Resolve(ctx, ref)
	if err != nil {
		observability.ImagePullsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	// Cache the manifest so this image can start offline next time
	if err := p.store.Put(res.Digest, res.Raw); err != nil {
		p.logger.Warn("Failed to cache manifest",
			zap.String("ref", ref),
			zap.Error(err),
		)
	}

	if _, err := p.store.GetOrFetch(ctx, res.Module.Digest, func(ctx context.Context) ([]byte, error) {
		return p.registry.FetchBlob(ctx, res.Repository, res.Module.Digest)
	}); err != nil {
		observability.ImagePullsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	img := &provider.Image{
		Ref:          ref,
		ID:           imageID(named, res.Digest),
		ModuleDigest: res.Module.Digest,
		Size:         res.Module.Size,
	}
	p.pin(podUID, img.ModuleDigest)

	observability.ImagePullsTotal.WithLabelValues("success").Inc()
	observability.ImagePullDurationSeconds.Observe(time.Since(start).Seconds())

	p.logger.Info("Pulled module",
		zap.String("ref", ref),
		zap.String("digest", res.Module.Digest.String()),
		zap.Int64("size", res.Module.Size),
		zap.Duration("duration", time.Since(start)),
	)

	return img, nil
}

// StartContainer loads the module from the store and executes it in a
// goroutine. The returned handle reports the outcome.
func (p *Provider) StartContainer(ctx context.Context, pod *corev1.Pod, container *corev1.Container, image *provider.Image) (*provider.Handle, error) {
	ctx, span := observability.StartSpan(ctx, tracerName, "provider.start_container")
	defer span.End()

	module, err := p.store.Get(ctx, image.ModuleDigest)
	if err != nil {
		return nil, fmt.Errorf("failed to load module for container %s: %w", container.Name, err)
	}

	mounts, err := p.prepareMounts(pod, container)
	if err != nil {
		return nil, err
	}

	logs := wasm.NewLogBuffer(p.config.LogBufferBytes)
	runCtx, cancel := context.WithCancel(context.Background())
	handle := provider.NewHandle(uuid.NewString(), pod, container.Name, image, logs, cancel)

	execConfig := wasm.ExecConfig{
		ModuleName:       container.Name,
		Args:             containerArgs(container),
		Env:              p.buildEnv(container),
		Mounts:           mounts,
		Stdout:           logs,
		Stderr:           logs,
		Deadline:         podDeadline(pod),
		MemoryLimitPages: memoryLimitPages(container),
	}

	p.logger.Info("Starting container",
		zap.String("namespace", pod.Namespace),
		zap.String("pod", pod.Name),
		zap.String("container", container.Name),
		zap.String("instance_id", handle.ID),
		zap.String("image", image.Ref),
	)

	go p.run(runCtx, handle, module, execConfig)

	return handle, nil
}

// run executes the module and records the final status on the handle.
func (p *Provider) run(ctx context.Context, handle *provider.Handle, module []byte, config wasm.ExecConfig) {
	result, err := p.engine.Run(ctx, module, config)
	handle.Logs.Close()

	switch {
	case err != nil:
		handle.Exit(1, provider.ReasonError, firstLine(err.Error()))
	case result.Trap == wasm.TrapAbort:
		handle.Exit(1, provider.ReasonModuleTrap, result.Message)
	case result.Trap == wasm.TrapDeadline:
		handle.Exit(1, provider.ReasonDeadlineExceeded, result.Message)
	case result.Trap == wasm.TrapCancelled:
		// Mirrors the exit code of a SIGKILLed process so operators
		// recognize a deliberate stop
		handle.Exit(137, provider.ReasonError, "module execution stopped")
	case result.ExitCode != 0:
		handle.Exit(int32(result.ExitCode), provider.ReasonError,
			fmt.Sprintf("module exited with code %d", result.ExitCode))
	default:
		handle.Exit(0, provider.ReasonCompleted, "")
	}

	status := handle.Status()
	p.logger.Info("Container exited",
		zap.String("namespace", handle.PodNamespace),
		zap.String("pod", handle.PodName),
		zap.String("container", handle.ContainerName),
		zap.String("instance_id", handle.ID),
		zap.Int32("exit_code", status.ExitCode),
		zap.String("reason", status.Reason),
	)
}

// StopContainer cancels the instance and waits up to grace for the runtime
// to wind down. WASI modules have no signal delivery, so cancellation is
// the stop request itself.
func (p *Provider) StopContainer(ctx context.Context, handle *provider.Handle, grace time.Duration) (bool, error) {
	select {
	case <-handle.Done():
		return true, nil
	default:
	}

	p.logger.Info("Stopping container",
		zap.String("namespace", handle.PodNamespace),
		zap.String("pod", handle.PodName),
		zap.String("container", handle.ContainerName),
		zap.Duration("grace_period", grace),
	)

	handle.Cancel()

	if grace < time.Second {
		grace = time.Second
	}
	select {
	case <-handle.Done():
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	case <-time.After(grace):
		p.logger.Warn("Container did not stop within grace period",
			zap.String("container", handle.ContainerName),
			zap.String("instance_id", handle.ID),
		)
		return false, nil
	}
}

// ContainerLogs returns the instance's log buffer.
func (p *Provider) ContainerLogs(handle *provider.Handle) *wasm.LogBuffer {
	return handle.Logs
}

// ExecInContainer is not possible for WASI command modules; there is no
// shell or second entrypoint to run.
func (p *Provider) ExecInContainer(ctx context.Context, handle *provider.Handle, command []string) error {
	return fmt.Errorf("exec in wasm module %s: %w", handle.ContainerName, provider.ErrNotSupported)
}

// CleanupPod removes the pod's volume directories and releases its module
// pins.
func (p *Provider) CleanupPod(podUID types.UID) error {
	p.mu.Lock()
	digests := p.pins[podUID]
	delete(p.pins, podUID)
	p.mu.Unlock()

	for _, dgst := range digests {
		p.store.Unpin(dgst)
	}

	dir := filepath.Join(p.config.DataDir, "pods", string(podUID))
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove pod directory: %w", err)
	}

	p.logger.Debug("Cleaned up pod state", zap.String("pod_uid", string(podUID)))
	return nil
}

// cachedImage serves digest-pinned references from the local store.
func (p *Provider) cachedImage(ctx context.Context, named reference.Named, ref string) (*provider.Image, bool) {
	canonical, ok := named.(reference.Canonical)
	if !ok {
		return nil, false
	}

	raw, err := p.store.Get(ctx, canonical.Digest())
	if err != nil {
		return nil, false
	}
	var manifest ocispec.Manifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return nil, false
	}
	module, ok := registry.ModuleFromManifest(manifest)
	if !ok || !p.store.Contains(module.Digest) {
		return nil, false
	}

	return &provider.Image{
		Ref:          ref,
		ID:           imageID(named, canonical.Digest()),
		ModuleDigest: module.Digest,
		Size:         module.Size,
	}, true
}

func (p *Provider) pin(podUID types.UID, dgst digest.Digest) {
	p.store.Pin(dgst)
	p.mu.Lock()
	p.pins[podUID] = append(p.pins[podUID], dgst)
	p.mu.Unlock()
}

// effectivePullPolicy applies the Kubernetes default: Always for :latest
// or untagged references, IfNotPresent otherwise.
func effectivePullPolicy(named reference.Named, policy corev1.PullPolicy) corev1.PullPolicy {
	if policy != "" {
		return policy
	}
	if _, ok := named.(reference.Canonical); ok {
		return corev1.PullIfNotPresent
	}
	if tagged, ok := reference.TagNameOnly(named).(reference.Tagged); ok && tagged.Tag() == "latest" {
		return corev1.PullAlways
	}
	return corev1.PullIfNotPresent
}

func imageID(named reference.Named, dgst digest.Digest) string {
	return reference.TrimNamed(named).String() + "@" + dgst.String()
}

func containerArgs(container *corev1.Container) []string {
	args := make([]string, 0, len(container.Command)+len(container.Args))
	args = append(args, container.Command...)
	args = append(args, container.Args...)
	return args
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx > 0 {
		return s[:idx]
	}
	return s
}
