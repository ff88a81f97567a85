package device

import "testing"

func TestInventoryClaimRejectsSecondOwner(t *testing.T) {
	inv := NewInventory()
	if err := inv.Claim("example.com/dongle", "plugin-a"); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if err := inv.Claim("example.com/dongle", "plugin-b"); err == nil {
		t.Fatal("expected second claim by a different endpoint to fail")
	}
	if err := inv.Claim("example.com/dongle", "plugin-a"); err != nil {
		t.Fatalf("re-claim by same endpoint should succeed: %v", err)
	}
}

func TestInventoryUpsertAndSnapshotCounts(t *testing.T) {
	inv := NewInventory()
	inv.Claim("example.com/dongle", "plugin-a")

	inv.Upsert(Device{ResourceName: "example.com/dongle", ID: "d1", Health: Healthy})
	inv.Upsert(Device{ResourceName: "example.com/dongle", ID: "d2", Health: Healthy})
	inv.Upsert(Device{ResourceName: "example.com/dongle", ID: "d3", Health: Unhealthy})

	snap := inv.Snapshot()
	got, ok := snap["example.com/dongle"]
	if !ok {
		t.Fatal("expected resource present in snapshot")
	}
	if got[0] != 3 {
		t.Errorf("capacity = %d, want 3", got[0])
	}
	if got[1] != 2 {
		t.Errorf("allocatable = %d, want 2", got[1])
	}
}

func TestInventoryClearResourcePublishesZero(t *testing.T) {
	inv := NewInventory()
	inv.Claim("example.com/dongle", "plugin-a")
	inv.Upsert(Device{ResourceName: "example.com/dongle", ID: "d1", Health: Healthy})

	inv.ClearResource("example.com/dongle")

	snap := inv.Snapshot()
	got, ok := snap["example.com/dongle"]
	if !ok {
		t.Fatal("cleared resource must still appear with zero counts, not disappear")
	}
	if got[0] != 0 || got[1] != 0 {
		t.Errorf("counts = %v, want [0 0]", got)
	}

	if err := inv.Claim("example.com/dongle", "plugin-b"); err != nil {
		t.Fatalf("clearing a resource should release its ownership claim: %v", err)
	}
}

func TestInventoryUpsertReportsNoChangeOnIdenticalRefresh(t *testing.T) {
	inv := NewInventory()
	inv.Upsert(Device{ResourceName: "example.com/dongle", ID: "d1", Health: Healthy})
	changed := inv.Upsert(Device{ResourceName: "example.com/dongle", ID: "d1", Health: Healthy})
	if changed {
		t.Error("re-upserting an identical device should report no change")
	}
}

func TestInventoryUpsertReportsChangeOnTopologyOnlyUpdate(t *testing.T) {
	inv := NewInventory()
	inv.Upsert(Device{ResourceName: "example.com/dongle", ID: "d1", Health: Healthy, Topology: &TopologyInfo{Nodes: []int{0}}})

	changed := inv.Upsert(Device{ResourceName: "example.com/dongle", ID: "d1", Health: Healthy, Topology: &TopologyInfo{Nodes: []int{1}}})
	if !changed {
		t.Error("a topology-only update should still report a change")
	}

	changed = inv.Upsert(Device{ResourceName: "example.com/dongle", ID: "d1", Health: Healthy, Topology: &TopologyInfo{Nodes: []int{1}}})
	if changed {
		t.Error("re-upserting the same topology should report no change")
	}
}
