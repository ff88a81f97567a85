package pod

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"

	"github.com/scoutflo/wasm-kubelet/internal/objectstate"
	"github.com/scoutflo/wasm-kubelet/internal/provider"
	"github.com/scoutflo/wasm-kubelet/internal/volume"
)

// ContainerResult is the terminal outcome one ContainerStateMachine reports
// back to the pod machine's fan-in channel.
type ContainerResult struct {
	Name   string
	Failed bool
	Reason string
}

// ContainerState is the per-container mutable state (X) for
// ContainerStateMachine: a nested machine whose manifest is a single
// container spec and whose shared state is the enclosing pod's.
type ContainerState struct {
	PodKey    objectstate.Key
	PodMeta   volume.PodMetadata
	Run       *RunContext
	LogPath   string
	Container corev1.Container

	results chan<- ContainerResult
}

// ContainerEdges declares the nested machine's three edges: Waiting may go to
// Running or straight to Terminated (a port/volume/start failure);
// Running's only edge is Terminated.
var ContainerEdges = objectstate.EdgeMap{
	"Waiting":    {"Running", "Terminated"},
	"Running":    {"Terminated"},
	"Terminated": {},
}

// NoopContainerPatcher discards per-container status patches; a complete
// per-container status-array merge against the pod's corev1.PodStatus is
// scope the core leaves to the provider layer (see DESIGN.md).
func NoopContainerPatcher(context.Context, objectstate.Key, any) error { return nil }

type waitingState struct{}

func Waiting() objectstate.State[corev1.Container, Shared, ContainerState] { return waitingState{} }

func (waitingState) Name() string { return "Waiting" }

func (waitingState) Status(cs *ContainerState, _ *corev1.Container) (any, error) {
	return Status{Phase: PhasePending, Reason: "Waiting"}, nil
}

func (waitingState) Next(ctx context.Context, shared *objectstate.Shared[Shared], cs *ContainerState, _ *objectstate.Manifest[corev1.Container]) objectstate.Transition[corev1.Container, Shared, ContainerState] {
	var ports *PortMap
	var mounter VolumeMounter
	var prov provider.Contract
	shared.Read(func(s *Shared) {
		ports = s.Ports
		mounter = s.Volumes
		prov = s.Provider
	})

	assignedPort, err := allocateContainerPort(ports, cs)
	if err != nil {
		return objectstate.Next[corev1.Container, Shared, ContainerState](terminated(true, err.Error()))
	}

	bindings, err := resolveVolumeBindings(ctx, mounter, cs)
	if err != nil {
		return objectstate.Next[corev1.Container, Shared, ContainerState](terminated(true, err.Error()))
	}

	handle, err := prov.StartContainer(ctx, provider.StartRequest{
		Namespace:      cs.PodKey.Namespace,
		PodName:        cs.PodKey.Name,
		ContainerName:  cs.Container.Name,
		ModuleBytes:    cs.Run.ModuleBytes(cs.Container.Name),
		Env:            cs.Run.Env(cs.Container.Name),
		VolumeBindings: bindings,
		LogPath:        cs.LogPath,
		AssignedPort:   assignedPort,
	})
	if err != nil {
		return objectstate.Next[corev1.Container, Shared, ContainerState](terminated(true, fmt.Sprintf("container start failed: %v", err)))
	}
	cs.Run.SetHandle(cs.Container.Name, handle)
	return objectstate.Next[corev1.Container, Shared, ContainerState](runningState{})
}

func allocateContainerPort(ports *PortMap, cs *ContainerState) (int32, error) {
	if len(cs.Container.Ports) == 0 {
		return 0, nil
	}
	p := cs.Container.Ports[0]
	assigned, err := ports.Allocate(p.HostPort, cs.PodKey)
	if err != nil {
		return 0, fmt.Errorf("port allocation for %s: %w", cs.Container.Name, err)
	}
	return assigned, nil
}

func resolveVolumeBindings(_ context.Context, _ VolumeMounter, cs *ContainerState) (map[string]string, error) {
	bindings := make(map[string]string, len(cs.Container.VolumeMounts))
	for _, vm := range cs.Container.VolumeMounts {
		ref, ok := cs.Run.Volume(vm.Name)
		if !ok {
			return nil, fmt.Errorf("volume %q mounted by container %s was never resolved", vm.Name, cs.Container.Name)
		}
		bindings[vm.MountPath] = ref.HostPath
	}
	return bindings, nil
}

type runningState struct{}

func (runningState) Name() string { return "Running" }

func (runningState) Status(cs *ContainerState, _ *corev1.Container) (any, error) {
	return Status{Phase: PhaseRunning, Reason: "Running"}, nil
}

func (runningState) Next(ctx context.Context, _ *objectstate.Shared[Shared], cs *ContainerState, _ *objectstate.Manifest[corev1.Container]) objectstate.Transition[corev1.Container, Shared, ContainerState] {
	handle, ok := cs.Run.Handle(cs.Container.Name)
	if !ok {
		return objectstate.Next[corev1.Container, Shared, ContainerState](terminated(true, "container handle missing at runtime"))
	}
	status, err := handle.Wait(ctx)
	if err != nil {
		return objectstate.Next[corev1.Container, Shared, ContainerState](terminated(true, err.Error()))
	}
	return objectstate.Next[corev1.Container, Shared, ContainerState](terminated(status.Failed, status.Reason))
}

type terminatedState struct {
	failed bool
	reason string
}

func terminated(failed bool, reason string) terminatedState {
	return terminatedState{failed: failed, reason: reason}
}

func (terminatedState) Name() string { return "Terminated" }

func (t terminatedState) Status(cs *ContainerState, _ *corev1.Container) (any, error) {
	phase := PhaseSucceeded
	if t.failed {
		phase = PhaseFailed
	}
	return Status{Phase: phase, Reason: t.reason}, nil
}

func (t terminatedState) Next(_ context.Context, _ *objectstate.Shared[Shared], cs *ContainerState, _ *objectstate.Manifest[corev1.Container]) objectstate.Transition[corev1.Container, Shared, ContainerState] {
	if cs.results != nil {
		cs.results <- ContainerResult{Name: cs.Container.Name, Failed: t.failed, Reason: t.reason}
	}
	return objectstate.Complete[corev1.Container, Shared, ContainerState](nil)
}

// Run drives one container's nested state machine to completion, reporting
// its result on results if non-nil (nil for a synchronous caller like
// Initializing that reads the return value directly instead).
func Run(ctx context.Context, shared *objectstate.Shared[Shared], podKey objectstate.Key, podMeta volume.PodMetadata, run *RunContext, container corev1.Container, logPath string, results chan<- ContainerResult) ContainerResult {
	resultCh := make(chan ContainerResult, 1)
	cs := &ContainerState{
		PodKey:    podKey,
		PodMeta:   podMeta,
		Run:       run,
		LogPath:   logPath,
		Container: container,
		results:   resultCh,
	}

	machine := objectstate.NewMachine[corev1.Container, Shared, ContainerState](
		podKey, shared, cs, objectstate.StatusPatcher(NoopContainerPatcher), ContainerEdges,
	)
	manifest := objectstate.NewManifest(&container)
	machine.Run(ctx, manifest, Waiting())

	result := <-resultCh
	if results != nil {
		results <- result
	}
	return result
}
