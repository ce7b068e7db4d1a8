package kubelet

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes/fake"
	"k8s.io/client-go/tools/record"

	"github.com/wasmlet/wasmlet/pkg/pod"
	"github.com/wasmlet/wasmlet/pkg/provider"
	"github.com/wasmlet/wasmlet/pkg/source"
	"github.com/wasmlet/wasmlet/pkg/wasm"
)

// stubProvider starts containers that exit immediately with code 0.
type stubProvider struct{}

func (stubProvider) PullImage(ctx context.Context, podUID types.UID, ref string, policy corev1.PullPolicy) (*provider.Image, error) {
	return &provider.Image{Ref: ref, ID: ref}, nil
}

func (stubProvider) StartContainer(ctx context.Context, p *corev1.Pod, container *corev1.Container, image *provider.Image) (*provider.Handle, error) {
	_, cancel := context.WithCancel(context.Background())
	handle := provider.NewHandle(string(p.UID)+"/"+container.Name, p, container.Name, image, wasm.NewLogBuffer(1024), cancel)
	handle.Exit(0, "Completed", "")
	return handle, nil
}

func (stubProvider) StopContainer(ctx context.Context, handle *provider.Handle, grace time.Duration) (bool, error) {
	return true, nil
}

func (stubProvider) ContainerLogs(handle *provider.Handle) *wasm.LogBuffer {
	return handle.Logs
}

func (stubProvider) ExecInContainer(ctx context.Context, handle *provider.Handle, command []string) error {
	return nil
}

func (stubProvider) CleanupPod(podUID types.UID) error {
	return nil
}

type sinkStub struct {
	mu         sync.Mutex
	terminated []types.UID
}

func (s *sinkStub) SetPodStatus(p *corev1.Pod, status corev1.PodStatus) {}

func (s *sinkStub) TerminatePod(ctx context.Context, p *corev1.Pod, status corev1.PodStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.terminated = append(s.terminated, p.UID)
	return nil
}

func (s *sinkStub) terminatedUIDs() []types.UID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.UID(nil), s.terminated...)
}

func staticPod(name, hash string) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Namespace: "default",
			Name:      name,
			UID:       types.UID(hash),
			Annotations: map[string]string{
				source.ConfigSourceAnnotationKey: source.FileSource,
				source.ConfigHashAnnotationKey:   hash,
			},
		},
		Spec: corev1.PodSpec{
			NodeName: "test-node",
			Containers: []corev1.Container{
				{Name: "main", Image: "example.com/web:v1"},
			},
		},
	}
}

func TestHandleUpdateRoutesToPodManager(t *testing.T) {
	client := fake.NewSimpleClientset()
	mirror, err := source.NewMirrorClient(client, "test-node", zap.NewNop())
	require.NoError(t, err)

	sink := &sinkStub{}
	recorder := record.NewFakeRecorder(64)
	go func() {
		for range recorder.Events {
		}
	}()

	podManager, err := pod.NewManager(pod.Config{}, stubProvider{}, sink, recorder, zap.NewNop())
	require.NoError(t, err)
	podManager.Start(t.Context())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = podManager.Stop(ctx)
	})

	k := &Kubelet{
		logger:     zap.NewNop(),
		mirror:     mirror,
		podManager: podManager,
	}

	static := staticPod("web", "hash-1")
	k.handleUpdate(t.Context(), source.PodUpdate{
		Op:     source.OpAdd,
		Pods:   []*corev1.Pod{static},
		Source: source.FileSource,
	})

	// The static pod got a mirror and a worker.
	require.Eventually(t, func() bool {
		return len(podManager.Pods()) == 1
	}, 2*time.Second, 20*time.Millisecond)
	mirrorPod, err := client.CoreV1().Pods("default").Get(t.Context(), "web", metav1.GetOptions{})
	require.NoError(t, err)
	require.Equal(t, "hash-1", mirrorPod.Annotations[source.ConfigMirrorAnnotationKey])

	k.handleUpdate(t.Context(), source.PodUpdate{
		Op:     source.OpDelete,
		Pods:   []*corev1.Pod{static},
		Source: source.FileSource,
	})
	require.Eventually(t, func() bool {
		return len(podManager.Pods()) == 0
	}, 5*time.Second, 20*time.Millisecond)
	require.Contains(t, sink.terminatedUIDs(), types.UID("hash-1"))
}

func TestKubeletLifecycle(t *testing.T) {
	client := fake.NewSimpleClientset()
	dataDir := t.TempDir()

	k, err := New(Config{
		NodeName:    "test-node",
		DataDir:     dataDir,
		ManifestDir: filepath.Join(dataDir, "manifests"),
		ListenAddr:  "127.0.0.1:0",
		MetricsAddr: "127.0.0.1:0",
	}, client, zap.NewNop())
	require.NoError(t, err)

	// The store laid out its cache directories under the data dir.
	_, err = os.Stat(filepath.Join(dataDir, "modules"))
	require.NoError(t, err)

	require.NoError(t, k.Start(t.Context()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = k.Stop(ctx)
	})

	// Node registration happened synchronously during Start.
	node, err := client.CoreV1().Nodes().Get(t.Context(), "test-node", metav1.GetOptions{})
	require.NoError(t, err)
	require.Equal(t, "wasm32-wasi", node.Labels["kubernetes.io/arch"])

	// The heartbeat created the node lease.
	require.Eventually(t, func() bool {
		_, err := client.CoordinationV1().Leases(corev1.NamespaceNodeLease).
			Get(context.Background(), "test-node", metav1.GetOptions{})
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)

	resp, err := http.Get("http://" + k.server.Addr() + "/healthz")
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{}
	require.Error(t, cfg.Validate())

	cfg = Config{NodeName: "test-node"}
	require.NoError(t, cfg.Validate())
	require.Equal(t, "/var/lib/wasmlet", cfg.DataDir)
	require.Equal(t, ":10250", cfg.ListenAddr)
	require.Equal(t, ":10255", cfg.MetricsAddr)
	require.Equal(t, int64(10<<30), cfg.CacheBudgetBytes)
	require.Equal(t, "dev", cfg.Version)

	cfg = Config{NodeName: "test-node", TLSCertFile: "cert.pem"}
	require.Error(t, cfg.Validate())
}

func TestListenPort(t *testing.T) {
	require.Equal(t, int32(10250), listenPort(":10250"))
	require.Equal(t, int32(9999), listenPort("0.0.0.0:9999"))
	require.Equal(t, int32(10250), listenPort("bogus"))
}
