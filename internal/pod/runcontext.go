package pod

import (
	"sync"

	"github.com/scoutflo/wasm-kubelet/internal/provider"
	"github.com/scoutflo/wasm-kubelet/internal/volume"
)

// RunContext is the per-pod run-time data carried across state transitions:
// loaded module bytes, resolved volumes, environment, and live container
// handles, per §4.2.
type RunContext struct {
	mu          sync.RWMutex
	moduleBytes map[string][]byte
	volumes     map[string]volume.Ref
	env         map[string]map[string]string
	handles     map[string]provider.ContainerHandle
}

func NewRunContext() *RunContext {
	return &RunContext{
		moduleBytes: make(map[string][]byte),
		volumes:     make(map[string]volume.Ref),
		env:         make(map[string]map[string]string),
		handles:     make(map[string]provider.ContainerHandle),
	}
}

func (r *RunContext) SetModuleBytes(container string, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.moduleBytes[container] = data
}

func (r *RunContext) ModuleBytes(container string) []byte {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.moduleBytes[container]
}

func (r *RunContext) SetVolume(name string, ref volume.Ref) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.volumes[name] = ref
}

func (r *RunContext) Volume(name string) (volume.Ref, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ref, ok := r.volumes[name]
	return ref, ok
}

// AllVolumes returns a snapshot of every resolved volume, used by the pod's
// async-drop to unmount each one.
func (r *RunContext) AllVolumes() map[string]volume.Ref {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]volume.Ref, len(r.volumes))
	for k, v := range r.volumes {
		out[k] = v
	}
	return out
}

func (r *RunContext) SetEnv(container string, env map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.env[container] = env
}

func (r *RunContext) Env(container string) map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.env[container]
}

func (r *RunContext) SetHandle(container string, h provider.ContainerHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handles[container] = h
}

func (r *RunContext) Handle(container string) (provider.ContainerHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[container]
	return h, ok
}

// AllHandles returns a snapshot of every live container handle, used by
// Running to stop siblings on the first container failure.
func (r *RunContext) AllHandles() map[string]provider.ContainerHandle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]provider.ContainerHandle, len(r.handles))
	for k, v := range r.handles {
		out[k] = v
	}
	return out
}
