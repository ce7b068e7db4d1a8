//go:build chaos

// Package chaos stresses the agent with pod churn: workloads created and
// deleted faster than they can settle, verifying nothing is stranded once
// the storm passes.
package chaos

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/wasmlet/wasmlet/pkg/kubelet"
	"github.com/wasmlet/wasmlet/test/testutil"
	"github.com/wasmlet/wasmlet/test/testutil/fixtures"
)

const nodeName = "wasmlet-chaos"

func startAgent(t *testing.T, client *fake.Clientset, reg *fixtures.Registry) *kubelet.Kubelet {
	t.Helper()

	k, err := kubelet.New(kubelet.Config{
		NodeName:            nodeName,
		DataDir:             t.TempDir(),
		ListenAddr:          "127.0.0.1:0",
		MetricsAddr:         "127.0.0.1:0",
		PlainHTTPRegistries: []string{reg.Host()},
		HeartbeatInterval:   50 * time.Millisecond,
		NodeStatusInterval:  100 * time.Millisecond,
		StatusSyncInterval:  100 * time.Millisecond,
		TerminationGrace:    500 * time.Millisecond,
	}, client, testutil.NewTestLogger(t))
	require.NoError(t, err)

	require.NoError(t, k.Start(t.Context()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		require.NoError(t, k.Stop(ctx))
	})
	return k
}

func agentPods(t *testing.T, addr string) ([]corev1.Pod, bool) {
	t.Helper()
	resp, err := http.Get("http://" + addr + "/pods")
	if err != nil {
		return nil, false
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil || resp.StatusCode != http.StatusOK {
		return nil, false
	}
	var list corev1.PodList
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, false
	}
	return list.Items, true
}

func TestPodChurn(t *testing.T) {
	client := fake.NewSimpleClientset()
	reg := fixtures.NewRegistry(t)
	spin := reg.AddModule(t, "spin-wasm", "v1", fixtures.ModuleLoop)
	hello := reg.AddModule(t, "hello-wasm", "v1", fixtures.ModuleHello)

	k := startAgent(t, client, reg)

	// First wave settles: long runners and quick completions side by side
	const settled = 10
	for i := 0; i < settled; i++ {
		image := spin
		if i%2 == 0 {
			image = hello
		}
		pod := fixtures.WasmPod("default", fmt.Sprintf("settle-%d", i), nodeName, image)
		_, err := client.CoreV1().Pods("default").Create(t.Context(), pod, metav1.CreateOptions{})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		for i := 0; i < settled; i++ {
			pod, err := client.CoreV1().Pods("default").Get(t.Context(), fmt.Sprintf("settle-%d", i), metav1.GetOptions{})
			if err != nil || pod.Status.Phase == "" {
				return false
			}
		}
		return true
	}, 30*time.Second, 100*time.Millisecond)

	// Second wave never settles: deleted as fast as it is created, so
	// deletes land while pulls and starts are still in flight
	for i := 0; i < 10; i++ {
		name := fmt.Sprintf("churn-%d", i)
		pod := fixtures.WasmPod("default", name, nodeName, spin)
		_, err := client.CoreV1().Pods("default").Create(t.Context(), pod, metav1.CreateOptions{})
		require.NoError(t, err)
		require.NoError(t, client.CoreV1().Pods("default").Delete(t.Context(), name, metav1.DeleteOptions{}))
	}

	// Take the first wave down too
	for i := 0; i < settled; i++ {
		require.NoError(t, client.CoreV1().Pods("default").Delete(t.Context(), fmt.Sprintf("settle-%d", i), metav1.DeleteOptions{}))
	}

	// The agent drains every workload
	require.Eventually(t, func() bool {
		pods, ok := agentPods(t, k.Addr())
		return ok && len(pods) == 0
	}, 30*time.Second, 100*time.Millisecond)

	// And the node is still healthy
	node, err := client.CoreV1().Nodes().Get(t.Context(), nodeName, metav1.GetOptions{})
	require.NoError(t, err)
	for _, cond := range node.Status.Conditions {
		if cond.Type == corev1.NodeReady {
			assert.Equal(t, corev1.ConditionTrue, cond.Status)
		}
	}
}
