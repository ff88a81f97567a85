package pod

import (
	"context"

	"github.com/scoutflo/wasm-kubelet/internal/provider"
	"github.com/scoutflo/wasm-kubelet/internal/store"
	"github.com/scoutflo/wasm-kubelet/internal/volume"
)

// VolumeMounter is the narrow surface PodStateMachine/ContainerStateMachine
// need from internal/volume.Mounter.
type VolumeMounter interface {
	Mount(ctx context.Context, pod volume.PodMetadata, spec volume.Spec) (volume.Ref, error)
}

// Shared is the per-kind shared state (P) every pod and container state
// machine sees, behind objectstate.Shared's reader-writer lock. None of its
// fields are mutated by the pod runtime itself — they're injected
// collaborators — so in practice states only ever read it.
type Shared struct {
	Images   store.Getter
	Auth     store.AuthResolver
	Volumes  VolumeMounter
	Provider provider.Contract
	Ports    *PortMap
}
