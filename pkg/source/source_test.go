package source

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
)

func muxPod(name, uid string) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Namespace: "default",
			Name:      name,
			UID:       types.UID(uid),
		},
		Spec: corev1.PodSpec{
			Containers: []corev1.Container{
				{Name: "main", Image: "example.com/" + name + ":v1"},
			},
		},
	}
}

func recvUpdate(t *testing.T, ch <-chan PodUpdate) PodUpdate {
	t.Helper()
	select {
	case u := <-ch:
		return u
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for pod update")
		return PodUpdate{}
	}
}

func expectNoUpdate(t *testing.T, ch <-chan PodUpdate) {
	t.Helper()
	select {
	case u := <-ch:
		t.Fatalf("unexpected %s update with %d pods", u.Op, len(u.Pods))
	case <-time.After(100 * time.Millisecond):
	}
}

func newTestMux(t *testing.T) *Mux {
	t.Helper()
	m, err := NewMux(zap.NewNop())
	require.NoError(t, err)
	return m
}

func TestMuxSnapshotDeltas(t *testing.T) {
	m := newTestMux(t)
	ch := m.Channel(t.Context(), FileSource)

	alpha := muxPod("alpha", "uid-a")
	beta := muxPod("beta", "uid-b")
	ch <- PodUpdate{Op: OpSet, Pods: []*corev1.Pod{alpha, beta}, Source: FileSource}

	u := recvUpdate(t, m.Updates())
	require.Equal(t, OpAdd, u.Op)
	require.Equal(t, FileSource, u.Source)
	require.Len(t, u.Pods, 2)

	// Next snapshot: alpha changed, beta gone, gamma new.
	alpha2 := muxPod("alpha", "uid-a")
	alpha2.Spec.Containers[0].Image = "example.com/alpha:v2"
	gamma := muxPod("gamma", "uid-c")
	ch <- PodUpdate{Op: OpSet, Pods: []*corev1.Pod{alpha2, gamma}, Source: FileSource}

	got := make(map[Op][]string)
	for i := 0; i < 3; i++ {
		u := recvUpdate(t, m.Updates())
		for _, pod := range u.Pods {
			got[u.Op] = append(got[u.Op], string(pod.UID))
		}
	}
	require.Equal(t, []string{"uid-c"}, got[OpAdd])
	require.Equal(t, []string{"uid-a"}, got[OpUpdate])
	require.Equal(t, []string{"uid-b"}, got[OpDelete])
}

func TestMuxUnchangedSnapshotIsQuiet(t *testing.T) {
	m := newTestMux(t)
	ch := m.Channel(t.Context(), FileSource)

	ch <- PodUpdate{Op: OpSet, Pods: []*corev1.Pod{muxPod("alpha", "uid-a")}, Source: FileSource}
	u := recvUpdate(t, m.Updates())
	require.Equal(t, OpAdd, u.Op)

	ch <- PodUpdate{Op: OpSet, Pods: []*corev1.Pod{muxPod("alpha", "uid-a")}, Source: FileSource}
	expectNoUpdate(t, m.Updates())
}

func TestMuxFiltersStatusChurn(t *testing.T) {
	m := newTestMux(t)
	ch := m.Channel(t.Context(), APISource)

	pod := muxPod("web", "uid-1")
	ch <- PodUpdate{Op: OpAdd, Pods: []*corev1.Pod{pod}, Source: APISource}
	require.Equal(t, OpAdd, recvUpdate(t, m.Updates()).Op)

	// Status and resource version churn alone must not reach workers.
	churn := pod.DeepCopy()
	churn.ResourceVersion = "999"
	churn.Status.Phase = corev1.PodRunning
	ch <- PodUpdate{Op: OpUpdate, Pods: []*corev1.Pod{churn}, Source: APISource}
	expectNoUpdate(t, m.Updates())

	// A deletion timestamp is a real change.
	deleted := churn.DeepCopy()
	now := metav1.Now()
	deleted.DeletionTimestamp = &now
	ch <- PodUpdate{Op: OpUpdate, Pods: []*corev1.Pod{deleted}, Source: APISource}

	u := recvUpdate(t, m.Updates())
	require.Equal(t, OpUpdate, u.Op)
	require.NotNil(t, u.Pods[0].DeletionTimestamp)
}

func TestMuxAddForKnownPodBecomesUpdate(t *testing.T) {
	m := newTestMux(t)
	ch := m.Channel(t.Context(), APISource)

	pod := muxPod("web", "uid-1")
	ch <- PodUpdate{Op: OpAdd, Pods: []*corev1.Pod{pod}, Source: APISource}
	require.Equal(t, OpAdd, recvUpdate(t, m.Updates()).Op)

	again := pod.DeepCopy()
	again.Spec.Containers[0].Image = "example.com/web:v2"
	ch <- PodUpdate{Op: OpAdd, Pods: []*corev1.Pod{again}, Source: APISource}

	u := recvUpdate(t, m.Updates())
	require.Equal(t, OpUpdate, u.Op)
	require.Equal(t, "example.com/web:v2", u.Pods[0].Spec.Containers[0].Image)
}

func TestMuxDropsDeleteForUnknownPod(t *testing.T) {
	m := newTestMux(t)
	ch := m.Channel(t.Context(), APISource)

	ch <- PodUpdate{Op: OpDelete, Pods: []*corev1.Pod{muxPod("ghost", "uid-x")}, Source: APISource}
	expectNoUpdate(t, m.Updates())
}

func TestMuxSourcesAreIndependent(t *testing.T) {
	m := newTestMux(t)
	apiCh := m.Channel(t.Context(), APISource)
	fileCh := m.Channel(t.Context(), FileSource)

	// Same namespace and name from both sources, different UIDs.
	apiCh <- PodUpdate{Op: OpAdd, Pods: []*corev1.Pod{muxPod("web", "uid-api")}, Source: APISource}
	fileCh <- PodUpdate{Op: OpSet, Pods: []*corev1.Pod{muxPod("web", "uid-file")}, Source: FileSource}

	seen := make(map[string]string)
	for i := 0; i < 2; i++ {
		u := recvUpdate(t, m.Updates())
		require.Equal(t, OpAdd, u.Op)
		seen[string(u.Pods[0].UID)] = u.Source
	}
	require.Equal(t, map[string]string{"uid-api": APISource, "uid-file": FileSource}, seen)

	// Emptying the file source deletes only its pod.
	fileCh <- PodUpdate{Op: OpSet, Pods: nil, Source: FileSource}
	u := recvUpdate(t, m.Updates())
	require.Equal(t, OpDelete, u.Op)
	require.Equal(t, types.UID("uid-file"), u.Pods[0].UID)
	expectNoUpdate(t, m.Updates())
}

func TestMuxDeleteCarriesFinalState(t *testing.T) {
	m := newTestMux(t)
	ch := m.Channel(t.Context(), APISource)

	pod := muxPod("web", "uid-1")
	ch <- PodUpdate{Op: OpAdd, Pods: []*corev1.Pod{pod}, Source: APISource}
	require.Equal(t, OpAdd, recvUpdate(t, m.Updates()).Op)

	final := pod.DeepCopy()
	now := metav1.Now()
	grace := int64(5)
	final.DeletionTimestamp = &now
	final.DeletionGracePeriodSeconds = &grace
	ch <- PodUpdate{Op: OpDelete, Pods: []*corev1.Pod{final}, Source: APISource}

	u := recvUpdate(t, m.Updates())
	require.Equal(t, OpDelete, u.Op)
	require.NotNil(t, u.Pods[0].DeletionGracePeriodSeconds)
	require.Equal(t, int64(5), *u.Pods[0].DeletionGracePeriodSeconds)
}
