package device

import "sync"

// Inventory is the process-wide mirror of what plugins currently advertise:
// resource_name -> device_id -> Device. It is written by exactly one
// PluginConnection goroutine per resource and read by the NodePatcher and by
// allocation calls.
type Inventory struct {
	mu      sync.RWMutex
	byKind  map[string]map[string]Device
	owners  map[string]string // resource name -> owning plugin endpoint
}

func NewInventory() *Inventory {
	return &Inventory{
		byKind: make(map[string]map[string]Device),
		owners: make(map[string]string),
	}
}

// Claim registers endpoint as the sole owner of resourceName, failing if
// another endpoint already owns it.
func (inv *Inventory) Claim(resourceName, endpoint string) error {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if owner, ok := inv.owners[resourceName]; ok && owner != endpoint {
		return ErrResourceNameTaken
	}
	inv.owners[resourceName] = endpoint
	if _, ok := inv.byKind[resourceName]; !ok {
		inv.byKind[resourceName] = make(map[string]Device)
	}
	return nil
}

// Upsert inserts or updates a device, reporting whether the inventory
// actually changed (existence, health, or topology), so callers can skip
// signaling the patcher on a genuine no-op refresh.
func (inv *Inventory) Upsert(d Device) (changed bool) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	kind, ok := inv.byKind[d.ResourceName]
	if !ok {
		kind = make(map[string]Device)
		inv.byKind[d.ResourceName] = kind
	}
	prev, existed := kind[d.ID]
	kind[d.ID] = d
	return !existed || prev.Health != d.Health || !topologyEqual(prev.Topology, d.Topology)
}

// Delete removes one device, reporting whether it was present.
func (inv *Inventory) Delete(resourceName, id string) (existed bool) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	kind, ok := inv.byKind[resourceName]
	if !ok {
		return false
	}
	if _, existed = kind[id]; existed {
		delete(kind, id)
	}
	return existed
}

// ClearResource removes every device under resourceName and releases its
// ownership claim, used when a plugin's stream ends or errors.
func (inv *Inventory) ClearResource(resourceName string) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.byKind[resourceName] = make(map[string]Device)
	delete(inv.owners, resourceName)
}

// Snapshot returns resourceName -> {count, healthyCount} for every resource
// ever claimed, including resources with zero devices (so disappearance is
// published explicitly rather than omitted).
func (inv *Inventory) Snapshot() map[string][2]int {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	out := make(map[string][2]int, len(inv.byKind))
	for resourceName, devices := range inv.byKind {
		var total, healthy int
		for _, d := range devices {
			total++
			if d.Health == Healthy {
				healthy++
			}
		}
		out[resourceName] = [2]int{total, healthy}
	}
	return out
}

// Devices returns a copy of the device set for one resource, used to service
// Allocate requests.
func (inv *Inventory) Devices(resourceName string) map[string]Device {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	out := make(map[string]Device, len(inv.byKind[resourceName]))
	for id, d := range inv.byKind[resourceName] {
		out[id] = d
	}
	return out
}
