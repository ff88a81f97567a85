package clusterclient

import (
	"context"
	"testing"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes/fake"
)

func TestGetAndPatchPodStatus(t *testing.T) {
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Namespace: "default", Name: "web-0"},
	}
	cs := fake.NewSimpleClientset(pod)
	c := NewFromInterface(cs)

	got, err := c.GetPod(context.Background(), "default", "web-0")
	if err != nil {
		t.Fatalf("GetPod: %v", err)
	}
	if got.Name != "web-0" {
		t.Errorf("Name = %q", got.Name)
	}

	patch := []byte(`{"status":{"phase":"Running"}}`)
	if err := c.PatchPodStatus(context.Background(), "default", "web-0", patch); err != nil {
		t.Fatalf("PatchPodStatus: %v", err)
	}

	updated, err := c.GetPod(context.Background(), "default", "web-0")
	if err != nil {
		t.Fatalf("GetPod after patch: %v", err)
	}
	if updated.Status.Phase != corev1.PodRunning {
		t.Errorf("phase = %q, want Running", updated.Status.Phase)
	}
}

func TestPatchNodeStatusJSONPatch(t *testing.T) {
	node := &corev1.Node{ObjectMeta: metav1.ObjectMeta{Name: "node-1"}}
	cs := fake.NewSimpleClientset(node)
	c := NewFromInterface(cs)

	patch := []byte(`[{"op":"add","path":"/status/capacity","value":{"example.com/dongle":"3"}}]`)
	if err := c.PatchNodeStatus(context.Background(), "node-1", types.JSONPatchType, patch); err != nil {
		t.Fatalf("PatchNodeStatus: %v", err)
	}
}
