package device

import "sync"

// AllocateResponse is the per-container result of a device-plugin Allocate
// call: environment variables, volume mounts, device nodes, and annotations
// to merge into the container the kubelet is about to start.
type AllocateResponse struct {
	Envs        map[string]string
	Mounts      []Mount
	Devices     []HostDevice
	Annotations map[string]string
}

// Mount is a host-path bind mount a plugin asked to be added to the
// container.
type Mount struct {
	ContainerPath string
	HostPath      string
	ReadOnly      bool
}

// HostDevice is a host device node a plugin asked to be exposed inside the
// container.
type HostDevice struct {
	ContainerPath string
	HostPath      string
	Permissions   string
}

// allocationEntry records one resource's worth of a container's allocation.
type allocationEntry struct {
	DeviceIDs []string
	Response  AllocateResponse
}

// AllocationRecord is pod_uid -> container_name -> resource_name -> entry,
// guarded by a single mutex since allocation and pod garbage collection are
// both low-frequency, whole-pod operations.
type AllocationRecord struct {
	mu   sync.Mutex
	pods map[string]map[string]map[string]allocationEntry
}

func NewAllocationRecord() *AllocationRecord {
	return &AllocationRecord{pods: make(map[string]map[string]map[string]allocationEntry)}
}

// Record stores the allocation for (podUID, containerName, resourceName).
func (r *AllocationRecord) Record(podUID, containerName, resourceName string, deviceIDs []string, resp AllocateResponse) {
	r.mu.Lock()
	defer r.mu.Unlock()
	containers, ok := r.pods[podUID]
	if !ok {
		containers = make(map[string]map[string]allocationEntry)
		r.pods[podUID] = containers
	}
	resources, ok := containers[containerName]
	if !ok {
		resources = make(map[string]allocationEntry)
		containers[containerName] = resources
	}
	resources[resourceName] = allocationEntry{DeviceIDs: deviceIDs, Response: resp}
}

// Get returns the recorded allocation, if any, for one container's resource.
func (r *AllocationRecord) Get(podUID, containerName, resourceName string) (AllocateResponse, []string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.pods[podUID][containerName][resourceName]
	return entry.Response, entry.DeviceIDs, ok
}

// ForgetPod drops every allocation entry for a pod the API no longer reports
// as present on this node, per the §3 invariant that allocation records only
// exist for pods still present.
func (r *AllocationRecord) ForgetPod(podUID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pods, podUID)
}
