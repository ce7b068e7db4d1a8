package wasi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/distribution/reference"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"

	"github.com/wasmlet/wasmlet/pkg/provider"
	"github.com/wasmlet/wasmlet/pkg/registry"
	"github.com/wasmlet/wasmlet/pkg/store"
	"github.com/wasmlet/wasmlet/pkg/wasm"
)

// fakeEngine scripts module outcomes without a real runtime.
type fakeEngine struct {
	mu      sync.Mutex
	configs []wasm.ExecConfig

	result wasm.Result
	err    error
	output string
	block  bool
}

func (e *fakeEngine) Run(ctx context.Context, module []byte, config wasm.ExecConfig) (wasm.Result, error) {
	e.mu.Lock()
	e.configs = append(e.configs, config)
	e.mu.Unlock()

	if e.output != "" && config.Stdout != nil {
		io.WriteString(config.Stdout, e.output)
	}
	if e.block {
		<-ctx.Done()
		return wasm.Result{Trap: wasm.TrapCancelled, Message: "execution cancelled"}, nil
	}
	return e.result, e.err
}

func (e *fakeEngine) Name() string { return "fake" }

func (e *fakeEngine) Close(ctx context.Context) error { return nil }

func (e *fakeEngine) lastConfig(t *testing.T) wasm.ExecConfig {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	require.NotEmpty(t, e.configs)
	return e.configs[len(e.configs)-1]
}

// moduleRegistry serves one single-layer wasm image over httptest.
type moduleRegistry struct {
	server         *httptest.Server
	host           string
	module         []byte
	moduleDigest   digest.Digest
	manifestRaw    []byte
	manifestDigest digest.Digest
}

func newModuleRegistry(t *testing.T, module []byte) *moduleRegistry {
	t.Helper()

	moduleDigest := digest.FromBytes(module)
	manifest := ocispec.Manifest{
		MediaType: ocispec.MediaTypeImageManifest,
		Config: ocispec.Descriptor{
			MediaType: registry.MediaTypeWasmConfig,
			Digest:    digest.FromBytes([]byte("{}")),
			Size:      2,
		},
		Layers: []ocispec.Descriptor{{
			MediaType: registry.MediaTypeWasmLayer,
			Digest:    moduleDigest,
			Size:      int64(len(module)),
		}},
	}
	raw, err := json.Marshal(manifest)
	require.NoError(t, err)

	mr := &moduleRegistry{
		module:         module,
		moduleDigest:   moduleDigest,
		manifestRaw:    raw,
		manifestDigest: digest.FromBytes(raw),
	}
	mr.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/v2/app/manifests/v1",
			r.URL.Path == "/v2/app/manifests/"+mr.manifestDigest.String():
			w.Header().Set("Content-Type", ocispec.MediaTypeImageManifest)
			w.Header().Set("Docker-Content-Digest", mr.manifestDigest.String())
			w.Write(mr.manifestRaw)
		case r.URL.Path == "/v2/app/blobs/"+mr.moduleDigest.String():
			w.Write(mr.module)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(mr.server.Close)

	u, err := url.Parse(mr.server.URL)
	require.NoError(t, err)
	mr.host = u.Host
	return mr
}

type testFixture struct {
	provider *Provider
	store    *store.Store
	engine   *fakeEngine
	dataDir  string
}

func newTestProvider(t *testing.T, engine *fakeEngine, plainHosts ...string) *testFixture {
	t.Helper()

	dataDir := t.TempDir()
	moduleStore, err := store.New(store.Config{DataDir: filepath.Join(dataDir, "cache")}, zap.NewNop())
	require.NoError(t, err)

	registryClient, err := registry.New(registry.Config{
		PlainHTTP:      plainHosts,
		RetryAttempts:  1,
		RetryBaseDelay: time.Millisecond,
	}, zap.NewNop())
	require.NoError(t, err)

	p, err := New(Config{DataDir: dataDir}, registryClient, moduleStore, engine, zap.NewNop())
	require.NoError(t, err)

	return &testFixture{provider: p, store: moduleStore, engine: engine, dataDir: dataDir}
}

func testPod(uid string) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "web",
			Namespace: "default",
			UID:       types.UID(uid),
		},
		Spec: corev1.PodSpec{
			Containers: []corev1.Container{{
				Name:  "main",
				Image: "example.com/app:v1",
			}},
		},
	}
}

// seedImage puts module bytes straight into the store, as a completed pull
// would.
func seedImage(t *testing.T, f *testFixture, module []byte) *provider.Image {
	t.Helper()
	dgst := digest.FromBytes(module)
	require.NoError(t, f.store.Put(dgst, module))
	return &provider.Image{
		Ref:          "example.com/app:v1",
		ID:           "example.com/app@" + dgst.String(),
		ModuleDigest: dgst,
		Size:         int64(len(module)),
	}
}

func waitExit(t *testing.T, handle *provider.Handle) provider.Status {
	t.Helper()
	select {
	case <-handle.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("container did not exit")
	}
	return handle.Status()
}

func TestPullImage(t *testing.T) {
	mr := newModuleRegistry(t, []byte("module bytes"))
	f := newTestProvider(t, &fakeEngine{}, mr.host)

	img, err := f.provider.PullImage(t.Context(), "uid-1", mr.host+"/app:v1", corev1.PullIfNotPresent)
	require.NoError(t, err)

	assert.Equal(t, mr.moduleDigest, img.ModuleDigest)
	assert.Contains(t, img.ID, "@"+mr.manifestDigest.String())
	assert.True(t, f.store.Contains(mr.moduleDigest))
	assert.True(t, f.store.Contains(mr.manifestDigest))
}

func TestPullImage_DigestPinnedServedOffline(t *testing.T) {
	mr := newModuleRegistry(t, []byte("module bytes"))
	f := newTestProvider(t, &fakeEngine{}, mr.host)

	ref := mr.host + "/app@" + mr.manifestDigest.String()
	_, err := f.provider.PullImage(t.Context(), "uid-1", ref, corev1.PullIfNotPresent)
	require.NoError(t, err)

	// With manifest and module cached, the registry is not needed
	mr.server.Close()

	img, err := f.provider.PullImage(t.Context(), "uid-2", ref, corev1.PullIfNotPresent)
	require.NoError(t, err)
	assert.Equal(t, mr.moduleDigest, img.ModuleDigest)
}

func TestPullImage_NeverPolicyUncached(t *testing.T) {
	f := newTestProvider(t, &fakeEngine{})

	_, err := f.provider.PullImage(t.Context(), "uid-1", "example.com/app:v1", corev1.PullNever)
	require.Error(t, err)
	assert.ErrorIs(t, err, provider.ErrImageNeverPulled)
	assert.Equal(t, provider.ReasonErrImageNeverPull, provider.PullReason(err))
}

func TestPullImage_NotFound(t *testing.T) {
	mr := newModuleRegistry(t, []byte("module bytes"))
	f := newTestProvider(t, &fakeEngine{}, mr.host)

	_, err := f.provider.PullImage(t.Context(), "uid-1", mr.host+"/missing:v1", "")
	require.Error(t, err)
	assert.Equal(t, provider.ReasonImageNotFound, provider.PullReason(err))
}

func TestStartContainer_RunsToCompletion(t *testing.T) {
	engine := &fakeEngine{output: "hello from wasm\n"}
	f := newTestProvider(t, engine)
	pod := testPod("uid-1")
	image := seedImage(t, f, []byte("module bytes"))

	handle, err := f.provider.StartContainer(t.Context(), pod, &pod.Spec.Containers[0], image)
	require.NoError(t, err)

	status := waitExit(t, handle)
	assert.Equal(t, provider.StateExited, status.State)
	assert.Equal(t, int32(0), status.ExitCode)
	assert.Equal(t, provider.ReasonCompleted, status.Reason)
	assert.Equal(t, "hello from wasm\n", string(handle.Logs.Contents()))
}

func TestStartContainer_NonZeroExit(t *testing.T) {
	engine := &fakeEngine{result: wasm.Result{ExitCode: 3}}
	f := newTestProvider(t, engine)
	pod := testPod("uid-1")
	image := seedImage(t, f, []byte("module bytes"))

	handle, err := f.provider.StartContainer(t.Context(), pod, &pod.Spec.Containers[0], image)
	require.NoError(t, err)

	status := waitExit(t, handle)
	assert.Equal(t, int32(3), status.ExitCode)
	assert.Equal(t, provider.ReasonError, status.Reason)
	assert.Contains(t, status.Message, "code 3")
}

func TestStartContainer_Trap(t *testing.T) {
	engine := &fakeEngine{result: wasm.Result{Trap: wasm.TrapAbort, Message: "wasm error: unreachable"}}
	f := newTestProvider(t, engine)
	pod := testPod("uid-1")
	image := seedImage(t, f, []byte("module bytes"))

	handle, err := f.provider.StartContainer(t.Context(), pod, &pod.Spec.Containers[0], image)
	require.NoError(t, err)

	status := waitExit(t, handle)
	assert.Equal(t, provider.ReasonModuleTrap, status.Reason)
	assert.Contains(t, status.Message, "unreachable")
}

func TestStartContainer_Deadline(t *testing.T) {
	engine := &fakeEngine{result: wasm.Result{Trap: wasm.TrapDeadline, Message: "execution deadline exceeded"}}
	f := newTestProvider(t, engine)
	pod := testPod("uid-1")
	image := seedImage(t, f, []byte("module bytes"))

	handle, err := f.provider.StartContainer(t.Context(), pod, &pod.Spec.Containers[0], image)
	require.NoError(t, err)

	status := waitExit(t, handle)
	assert.Equal(t, provider.ReasonDeadlineExceeded, status.Reason)
}

func TestStartContainer_EngineError(t *testing.T) {
	engine := &fakeEngine{err: fmt.Errorf("failed to compile module: invalid magic number")}
	f := newTestProvider(t, engine)
	pod := testPod("uid-1")
	image := seedImage(t, f, []byte("module bytes"))

	handle, err := f.provider.StartContainer(t.Context(), pod, &pod.Spec.Containers[0], image)
	require.NoError(t, err)

	status := waitExit(t, handle)
	assert.Equal(t, provider.ReasonError, status.Reason)
	assert.Equal(t, int32(1), status.ExitCode)
	assert.Contains(t, status.Message, "failed to compile")
}

func TestStartContainer_MissingModule(t *testing.T) {
	f := newTestProvider(t, &fakeEngine{})
	pod := testPod("uid-1")

	image := &provider.Image{
		Ref:          "example.com/app:v1",
		ModuleDigest: digest.FromString("never stored"),
	}
	_, err := f.provider.StartContainer(t.Context(), pod, &pod.Spec.Containers[0], image)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load module")
}

func TestStartContainer_PassesSpec(t *testing.T) {
	engine := &fakeEngine{}
	f := newTestProvider(t, engine)

	pod := testPod("uid-1")
	deadline := int64(90)
	pod.Spec.ActiveDeadlineSeconds = &deadline
	pod.Spec.Containers[0].Command = []string{"serve"}
	pod.Spec.Containers[0].Args = []string{"--port", "8080"}
	pod.Spec.Containers[0].Env = []corev1.EnvVar{
		{Name: "MODE", Value: "production"},
		{Name: "FROM_FIELD", ValueFrom: &corev1.EnvVarSource{}},
	}
	pod.Spec.Containers[0].Resources = corev1.ResourceRequirements{
		Limits: corev1.ResourceList{
			corev1.ResourceMemory: resource.MustParse("64Mi"),
		},
	}
	image := seedImage(t, f, []byte("module bytes"))

	handle, err := f.provider.StartContainer(t.Context(), pod, &pod.Spec.Containers[0], image)
	require.NoError(t, err)
	waitExit(t, handle)

	config := engine.lastConfig(t)
	assert.Equal(t, "main", config.ModuleName)
	assert.Equal(t, []string{"serve", "--port", "8080"}, config.Args)
	assert.Equal(t, map[string]string{"MODE": "production"}, config.Env)
	assert.Equal(t, 90*time.Second, config.Deadline)
	assert.Equal(t, uint32(1024), config.MemoryLimitPages)
}

func TestStopContainer(t *testing.T) {
	engine := &fakeEngine{block: true}
	f := newTestProvider(t, engine)
	pod := testPod("uid-1")
	image := seedImage(t, f, []byte("module bytes"))

	handle, err := f.provider.StartContainer(t.Context(), pod, &pod.Spec.Containers[0], image)
	require.NoError(t, err)

	graceful, err := f.provider.StopContainer(t.Context(), handle, 5*time.Second)
	require.NoError(t, err)
	assert.True(t, graceful)

	status := handle.Status()
	assert.Equal(t, provider.StateExited, status.State)
	assert.Equal(t, int32(137), status.ExitCode)
	assert.Equal(t, provider.ReasonError, status.Reason)
}

func TestStopContainer_AlreadyExited(t *testing.T) {
	engine := &fakeEngine{}
	f := newTestProvider(t, engine)
	pod := testPod("uid-1")
	image := seedImage(t, f, []byte("module bytes"))

	handle, err := f.provider.StartContainer(t.Context(), pod, &pod.Spec.Containers[0], image)
	require.NoError(t, err)
	waitExit(t, handle)

	graceful, err := f.provider.StopContainer(t.Context(), handle, time.Second)
	require.NoError(t, err)
	assert.True(t, graceful)

	// The natural outcome is preserved
	assert.Equal(t, provider.ReasonCompleted, handle.Status().Reason)
}

func TestExecInContainer(t *testing.T) {
	f := newTestProvider(t, &fakeEngine{})
	pod := testPod("uid-1")
	image := seedImage(t, f, []byte("module bytes"))

	handle, err := f.provider.StartContainer(t.Context(), pod, &pod.Spec.Containers[0], image)
	require.NoError(t, err)

	err = f.provider.ExecInContainer(t.Context(), handle, []string{"sh"})
	assert.ErrorIs(t, err, provider.ErrNotSupported)
}

func TestPrepareMounts(t *testing.T) {
	f := newTestProvider(t, &fakeEngine{})

	hostDir := t.TempDir()
	pod := testPod("uid-1")
	pod.Spec.Volumes = []corev1.Volume{
		{Name: "scratch", VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}}},
		{Name: "host-data", VolumeSource: corev1.VolumeSource{HostPath: &corev1.HostPathVolumeSource{Path: hostDir}}},
	}
	pod.Spec.Containers[0].VolumeMounts = []corev1.VolumeMount{
		{Name: "scratch", MountPath: "/tmp"},
		{Name: "host-data", MountPath: "/data", ReadOnly: true},
	}

	mounts, err := f.provider.prepareMounts(pod, &pod.Spec.Containers[0])
	require.NoError(t, err)
	require.Len(t, mounts, 2)

	assert.Equal(t, "/tmp", mounts[0].GuestPath)
	assert.False(t, mounts[0].ReadOnly)
	assert.DirExists(t, mounts[0].HostPath)
	assert.Contains(t, mounts[0].HostPath, filepath.Join("pods", "uid-1", "volumes", "scratch"))

	assert.Equal(t, hostDir, mounts[1].HostPath)
	assert.True(t, mounts[1].ReadOnly)
}

func TestPrepareMounts_UnsupportedVolume(t *testing.T) {
	f := newTestProvider(t, &fakeEngine{})

	pod := testPod("uid-1")
	pod.Spec.Volumes = []corev1.Volume{
		{Name: "config", VolumeSource: corev1.VolumeSource{
			ConfigMap: &corev1.ConfigMapVolumeSource{},
		}},
	}
	pod.Spec.Containers[0].VolumeMounts = []corev1.VolumeMount{
		{Name: "config", MountPath: "/etc/config"},
	}

	_, err := f.provider.prepareMounts(pod, &pod.Spec.Containers[0])
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported volume type")
}

func TestPrepareMounts_MissingVolume(t *testing.T) {
	f := newTestProvider(t, &fakeEngine{})

	pod := testPod("uid-1")
	pod.Spec.Containers[0].VolumeMounts = []corev1.VolumeMount{
		{Name: "ghost", MountPath: "/data"},
	}

	_, err := f.provider.prepareMounts(pod, &pod.Spec.Containers[0])
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found in pod spec")
}

func TestCleanupPod(t *testing.T) {
	mr := newModuleRegistry(t, []byte("module bytes"))
	f := newTestProvider(t, &fakeEngine{}, mr.host)

	img, err := f.provider.PullImage(t.Context(), "uid-1", mr.host+"/app:v1", "")
	require.NoError(t, err)

	// Materialize an emptyDir so cleanup has something to remove
	pod := testPod("uid-1")
	pod.Spec.Volumes = []corev1.Volume{
		{Name: "scratch", VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}}},
	}
	pod.Spec.Containers[0].VolumeMounts = []corev1.VolumeMount{{Name: "scratch", MountPath: "/tmp"}}
	_, err = f.provider.prepareMounts(pod, &pod.Spec.Containers[0])
	require.NoError(t, err)

	podDir := filepath.Join(f.dataDir, "pods", "uid-1")
	_, err = os.Stat(podDir)
	require.NoError(t, err)

	// While pinned the module cannot be removed from the cache
	require.Error(t, f.store.Remove(img.ModuleDigest))

	require.NoError(t, f.provider.CleanupPod("uid-1"))

	_, err = os.Stat(podDir)
	assert.True(t, os.IsNotExist(err))
	assert.NoError(t, f.store.Remove(img.ModuleDigest))
}

func TestMemoryLimitPages(t *testing.T) {
	tests := []struct {
		name  string
		limit string
		want  uint32
	}{
		{"no limit", "", 0},
		{"64Mi", "64Mi", 1024},
		{"sub-page rounds to one", "1Ki", 1},
		{"clamped to wasm32", "8Gi", 65536},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			container := &corev1.Container{Name: "main"}
			if tt.limit != "" {
				container.Resources.Limits = corev1.ResourceList{
					corev1.ResourceMemory: resource.MustParse(tt.limit),
				}
			}
			assert.Equal(t, tt.want, memoryLimitPages(container))
		})
	}
}

func TestEffectivePullPolicy(t *testing.T) {
	parse := func(ref string) reference.Named {
		named, err := reference.ParseNormalizedNamed(ref)
		require.NoError(t, err)
		return named
	}

	tests := []struct {
		name   string
		ref    string
		policy corev1.PullPolicy
		want   corev1.PullPolicy
	}{
		{"explicit wins", "example.com/app:latest", corev1.PullNever, corev1.PullNever},
		{"latest defaults to always", "example.com/app:latest", "", corev1.PullAlways},
		{"untagged defaults to always", "example.com/app", "", corev1.PullAlways},
		{"tag defaults to if-not-present", "example.com/app:v1", "", corev1.PullIfNotPresent},
		{"digest defaults to if-not-present", "example.com/app@" + digest.FromString("x").String(), "", corev1.PullIfNotPresent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, effectivePullPolicy(parse(tt.ref), tt.policy))
		})
	}
}
