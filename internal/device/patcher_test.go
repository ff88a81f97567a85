package device

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"k8s.io/apimachinery/pkg/types"
)

type recordingPatcher struct {
	mu    sync.Mutex
	calls [][]byte
}

func (r *recordingPatcher) PatchNodeStatus(_ context.Context, _ string, patchType types.PatchType, patch []byte) error {
	if patchType != types.JSONPatchType {
		panic("unexpected patch type")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make([]byte, len(patch))
	copy(cp, patch)
	r.calls = append(r.calls, cp)
	return nil
}

func (r *recordingPatcher) snapshot() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]byte, len(r.calls))
	copy(out, r.calls)
	return out
}

func capacityAllocatable(t *testing.T, patch []byte, escapedName string) (capacity, allocatable int64, found bool) {
	t.Helper()
	var ops []patchOp
	if err := json.Unmarshal(patch, &ops); err != nil {
		t.Fatalf("unmarshaling recorded patch: %v", err)
	}
	for _, op := range ops {
		switch op.Path {
		case "/status/capacity/" + escapedName:
			capacity = op.Value
			found = true
		case "/status/allocatable/" + escapedName:
			allocatable = op.Value
			found = true
		}
	}
	return
}

// TestDevicePluginCapacityThenDisconnectScenario exercises scenario 3 from
// the testable-properties list: a plugin advertises three devices, two
// healthy, and a single patch carries capacity=3 / allocatable=2. When its
// stream ends, a follow-up patch carries both values as 0.
func TestDevicePluginCapacityThenDisconnectScenario(t *testing.T) {
	inv := NewInventory()
	rec := &recordingPatcher{}
	patcher := NewNodePatcher("node-1", inv, rec)

	go patcher.Run(context.Background())
	<-patcher.Ready()

	resourceName := "example.com/dongle"
	if err := inv.Claim(resourceName, "endpoint-a"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	inv.Upsert(Device{ResourceName: resourceName, ID: "d1", Health: Healthy})
	inv.Upsert(Device{ResourceName: resourceName, ID: "d2", Health: Healthy})
	inv.Upsert(Device{ResourceName: resourceName, ID: "d3", Health: Unhealthy})
	patcher.Signal()

	waitForCalls(t, rec, 1)
	escaped := EscapeJSONPointer(resourceName)
	cap1, alloc1, found := capacityAllocatable(t, rec.snapshot()[0], escaped)
	if !found {
		t.Fatalf("first patch missing capacity/allocatable ops: %s", rec.snapshot()[0])
	}
	if cap1 != 3 || alloc1 != 2 {
		t.Fatalf("first patch capacity=%d allocatable=%d, want 3/2", cap1, alloc1)
	}

	inv.ClearResource(resourceName)
	patcher.Signal()

	waitForCalls(t, rec, 2)
	cap2, alloc2, found := capacityAllocatable(t, rec.snapshot()[1], escaped)
	if !found {
		t.Fatalf("second patch missing capacity/allocatable ops: %s", rec.snapshot()[1])
	}
	if cap2 != 0 || alloc2 != 0 {
		t.Fatalf("second patch capacity=%d allocatable=%d, want 0/0 (explicit zero publish)", cap2, alloc2)
	}
}

func waitForCalls(t *testing.T, rec *recordingPatcher, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(rec.snapshot()) >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d patch calls, got %d", n, len(rec.snapshot()))
}
