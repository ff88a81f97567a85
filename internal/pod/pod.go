// Package pod implements PodStateMachine and ContainerStateMachine, the
// runtime that drives one pod through its lifecycle by way of the generic
// krator runtime in internal/objectstate, per §4.2 and §4.6.
package pod

import (
	"context"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/klog/v2"

	"github.com/scoutflo/wasm-kubelet/internal/objectstate"
	"github.com/scoutflo/wasm-kubelet/internal/provider"
	"github.com/scoutflo/wasm-kubelet/internal/store"
	"github.com/scoutflo/wasm-kubelet/internal/volume"
)

// errorThreshold is the number of consecutive Error passes before a pod
// enters CrashLoopBackoff, and also the number of consecutive retriable
// ImagePull failures before a pod gives up on ImagePullBackoff and enters
// Error, per §4.2 and §8 scenario 2.
const errorThreshold = 3

// errorRetryWait is how long Error waits before retrying Registered when the
// threshold hasn't yet been reached.
const errorRetryWait = 5 * time.Second

// State is the per-pod mutable state (X): run context, both backoff
// counters, and the consecutive-error count, per §4.2.
type State struct {
	Key                 objectstate.Key
	Run                 *RunContext
	ImagePull           *Backoff
	CrashLoop           *Backoff
	ErrorCount          int
	ImagePullErrorCount int
	LastError           string
	containerResults    chan ContainerResult
}

func NewState(key objectstate.Key) *State {
	return &State{
		Key:       key,
		Run:       NewRunContext(),
		ImagePull: NewBackoff(BackoffBase, BackoffCap),
		CrashLoop: NewBackoff(BackoffBase, BackoffCap),
	}
}

// Edges is the declared state graph for PodStateMachine, per §4.2.
var Edges = objectstate.EdgeMap{
	"Registered":       {"ImagePull", "WontRun", "Error"},
	"ImagePull":        {"VolumeMount", "ImagePullBackoff", "Error"},
	"ImagePullBackoff": {"ImagePull"},
	"VolumeMount":      {"Initializing", "Error"},
	"Initializing":     {"Starting", "Error"},
	"Starting":         {"Running"},
	"Running":          {"Completed", "Error"},
	"Error":            {"Registered", "CrashLoopBackoff"},
	"CrashLoopBackoff": {"Registered"},
	"Completed":        {},
	"WontRun":          {},
}

type transition = objectstate.Transition[corev1.Pod, Shared, State]

func next(s objectstate.State[corev1.Pod, Shared, State]) transition {
	return objectstate.Next[corev1.Pod, Shared, State](s)
}

func podMeta(pod *corev1.Pod) volume.PodMetadata {
	return volume.PodMetadata{
		Namespace:   pod.Namespace,
		Name:        pod.Name,
		UID:         string(pod.UID),
		Labels:      pod.Labels,
		Annotations: pod.Annotations,
	}
}

// --- Registered ---

type registeredState struct{}

func Registered() objectstate.State[corev1.Pod, Shared, State] { return registeredState{} }

func (registeredState) Name() string { return "Registered" }

func (registeredState) Status(*State, *corev1.Pod) (any, error) {
	return Status{Phase: PhasePending, Reason: "Registered"}, nil
}

func (registeredState) Next(ctx context.Context, shared *objectstate.Shared[Shared], st *State, manifest *objectstate.Manifest[corev1.Pod]) transition {
	pod := manifest.Latest()
	if isSystemPod(pod) {
		return next(wontRunState{})
	}
	var prov provider.Contract
	shared.Read(func(s *Shared) { prov = s.Provider })
	if prov != nil {
		result, err := prov.Validate(ctx, pod.Namespace, pod.Name)
		if err != nil {
			st.LastError = fmt.Sprintf("validating pod: %v", err)
			return next(errorState{})
		}
		if !result.Accepted {
			klog.V(2).InfoS("provider rejected pod", "pod", st.Key, "reason", result.Reason)
			return next(wontRunState{})
		}
	}
	return next(imagePullState{})
}

// isSystemPod filters out kube-proxy-like system pods this node should not
// run: host-network pods declared in the cluster's system namespace. This is
// a deliberately narrow heuristic (see DESIGN.md); a real deployment would
// likely key this off a node-selector or toleration instead.
func isSystemPod(pod *corev1.Pod) bool {
	return pod.Namespace == "kube-system" && pod.Spec.HostNetwork
}

// --- WontRun ---

type wontRunState struct{}

func (wontRunState) Name() string { return "WontRun" }

func (wontRunState) Status(*State, *corev1.Pod) (any, error) {
	return Status{Phase: PhaseFailed, Reason: "WontRun"}, nil
}

func (wontRunState) Next(ctx context.Context, _ *objectstate.Shared[Shared], _ *State, _ *objectstate.Manifest[corev1.Pod]) transition {
	<-ctx.Done()
	return objectstate.Complete[corev1.Pod, Shared, State](ctx.Err())
}

// --- ImagePull ---

type imagePullState struct{}

func (imagePullState) Name() string { return "ImagePull" }

func (imagePullState) Status(*State, *corev1.Pod) (any, error) {
	return Status{Phase: PhasePending, Reason: "ImagePull"}, nil
}

func (imagePullState) Next(ctx context.Context, shared *objectstate.Shared[Shared], st *State, manifest *objectstate.Manifest[corev1.Pod]) transition {
	pod := manifest.Latest()
	var images store.Getter
	var auth store.AuthResolver
	shared.Read(func(s *Shared) {
		images = s.Images
		auth = s.Auth
	})

	containers := append(append([]corev1.Container{}, pod.Spec.InitContainers...), pod.Spec.Containers...)
	for _, c := range containers {
		ref, err := store.ParseReference(c.Image)
		if err != nil {
			st.LastError = fmt.Sprintf("invalid image reference %q: %v", c.Image, err)
			st.ImagePullErrorCount = 0
			return next(errorState{})
		}
		data, err := images.Get(ctx, ref, pullPolicyFor(c.ImagePullPolicy), auth)
		if err != nil {
			st.LastError = fmt.Sprintf("pulling %s: %v", ref, err)
			if !store.Retriable(err) {
				st.ImagePullErrorCount = 0
				return next(errorState{})
			}
			st.ImagePullErrorCount++
			if st.ImagePullErrorCount >= errorThreshold {
				st.ImagePullErrorCount = 0
				return next(errorState{})
			}
			return next(imagePullBackoffState{})
		}
		st.Run.SetModuleBytes(c.Name, data)
		st.Run.SetEnv(c.Name, envMap(c.Env))
	}
	st.ImagePullErrorCount = 0
	return next(volumeMountState{})
}

func pullPolicyFor(p corev1.PullPolicy) store.PullPolicy {
	switch p {
	case corev1.PullAlways:
		return store.Always
	case corev1.PullNever:
		return store.Never
	default:
		return store.IfNotPresent
	}
}

func envMap(vars []corev1.EnvVar) map[string]string {
	out := make(map[string]string, len(vars))
	for _, v := range vars {
		out[v.Name] = v.Value
	}
	return out
}

// --- ImagePullBackoff ---

type imagePullBackoffState struct{}

func (imagePullBackoffState) Name() string { return "ImagePullBackoff" }

func (imagePullBackoffState) Status(st *State, _ *corev1.Pod) (any, error) {
	return Status{Phase: PhasePending, Reason: "ImagePullBackoff: " + st.LastError}, nil
}

func (imagePullBackoffState) Next(ctx context.Context, _ *objectstate.Shared[Shared], st *State, _ *objectstate.Manifest[corev1.Pod]) transition {
	wait := st.ImagePull.Next()
	if err := Sleep(ctx, wait); err != nil {
		return objectstate.Complete[corev1.Pod, Shared, State](err)
	}
	return next(imagePullState{})
}

// --- VolumeMount ---

type volumeMountState struct{}

func (volumeMountState) Name() string { return "VolumeMount" }

func (volumeMountState) Status(*State, *corev1.Pod) (any, error) {
	return Status{Phase: PhasePending, Reason: "VolumeMount"}, nil
}

func (volumeMountState) Next(ctx context.Context, shared *objectstate.Shared[Shared], st *State, manifest *objectstate.Manifest[corev1.Pod]) transition {
	pod := manifest.Latest()
	var mounter VolumeMounter
	shared.Read(func(s *Shared) { mounter = s.Volumes })

	meta := podMeta(pod)
	for _, v := range pod.Spec.Volumes {
		spec, err := convertVolume(pod, v)
		if err != nil {
			st.LastError = err.Error()
			return next(errorState{})
		}
		ref, err := mounter.Mount(ctx, meta, spec)
		if err != nil {
			st.LastError = fmt.Sprintf("mounting volume %q: %v", v.Name, err)
			return next(errorState{})
		}
		st.Run.SetVolume(v.Name, ref)
	}
	return next(initializingState{})
}

// --- Initializing ---

type initializingState struct{}

func (initializingState) Name() string { return "Initializing" }

func (initializingState) Status(*State, *corev1.Pod) (any, error) {
	return Status{Phase: PhasePending, Reason: "Initializing"}, nil
}

func (initializingState) Next(ctx context.Context, shared *objectstate.Shared[Shared], st *State, manifest *objectstate.Manifest[corev1.Pod]) transition {
	pod := manifest.Latest()
	meta := podMeta(pod)
	for _, c := range pod.Spec.InitContainers {
		result := Run(ctx, shared, st.Key, meta, st.Run, c, "", nil)
		if result.Failed {
			st.LastError = fmt.Sprintf("init container %s failed: %s", c.Name, result.Reason)
			return next(errorState{})
		}
	}
	return next(startingState{})
}

// --- Starting ---

type startingState struct{}

func (startingState) Name() string { return "Starting" }

func (startingState) Status(*State, *corev1.Pod) (any, error) {
	return Status{Phase: PhasePending, Reason: "Starting"}, nil
}

func (startingState) Next(ctx context.Context, shared *objectstate.Shared[Shared], st *State, manifest *objectstate.Manifest[corev1.Pod]) transition {
	pod := manifest.Latest()
	meta := podMeta(pod)
	st.containerResults = make(chan ContainerResult, len(pod.Spec.Containers))
	for _, c := range pod.Spec.Containers {
		c := c
		go Run(ctx, shared, st.Key, meta, st.Run, c, "", st.containerResults)
	}
	return next(podRunningState{count: len(pod.Spec.Containers)})
}

// --- Running ---

type podRunningState struct{ count int }

func (podRunningState) Name() string { return "Running" }

func (podRunningState) Status(*State, *corev1.Pod) (any, error) {
	return Status{Phase: PhaseRunning, Reason: "Running"}, nil
}

func (r podRunningState) Next(ctx context.Context, _ *objectstate.Shared[Shared], st *State, _ *objectstate.Manifest[corev1.Pod]) transition {
	received := 0
	for received < r.count {
		select {
		case <-ctx.Done():
			return objectstate.Complete[corev1.Pod, Shared, State](ctx.Err())
		case result := <-st.containerResults:
			received++
			if result.Failed {
				st.LastError = fmt.Sprintf("container %s failed: %s", result.Name, result.Reason)
				stopSiblings(ctx, st)
				return next(errorState{})
			}
		}
	}
	return next(completedState{})
}

func stopSiblings(ctx context.Context, st *State) {
	for name, handle := range st.Run.AllHandles() {
		if err := handle.Stop(ctx); err != nil {
			klog.ErrorS(err, "stopping sibling container", "pod", st.Key, "container", name)
		}
	}
}

// --- Completed ---

type completedState struct{}

func (completedState) Name() string { return "Completed" }

func (completedState) Status(*State, *corev1.Pod) (any, error) {
	return Status{Phase: PhaseSucceeded, Reason: "Completed"}, nil
}

func (completedState) Next(context.Context, *objectstate.Shared[Shared], *State, *objectstate.Manifest[corev1.Pod]) transition {
	return objectstate.Complete[corev1.Pod, Shared, State](nil)
}

// --- Error ---

type errorState struct{}

func (errorState) Name() string { return "Error" }

func (errorState) Status(st *State, _ *corev1.Pod) (any, error) {
	return Status{Phase: PhaseFailed, Reason: "Error: " + st.LastError}, nil
}

func (errorState) Next(ctx context.Context, _ *objectstate.Shared[Shared], st *State, _ *objectstate.Manifest[corev1.Pod]) transition {
	st.ErrorCount++
	if st.ErrorCount >= errorThreshold {
		st.ErrorCount = 0
		return next(crashLoopBackoffState{})
	}
	if err := Sleep(ctx, errorRetryWait); err != nil {
		return objectstate.Complete[corev1.Pod, Shared, State](err)
	}
	return next(registeredState{})
}

// --- CrashLoopBackoff ---

type crashLoopBackoffState struct{}

func (crashLoopBackoffState) Name() string { return "CrashLoopBackoff" }

func (crashLoopBackoffState) Status(st *State, _ *corev1.Pod) (any, error) {
	return Status{Phase: PhaseFailed, Reason: "CrashLoopBackoff: " + st.LastError}, nil
}

func (crashLoopBackoffState) Next(ctx context.Context, _ *objectstate.Shared[Shared], st *State, _ *objectstate.Manifest[corev1.Pod]) transition {
	wait := st.CrashLoop.Next()
	if err := Sleep(ctx, wait); err != nil {
		return objectstate.Complete[corev1.Pod, Shared, State](err)
	}
	return next(registeredState{})
}

// --- volume spec conversion ---

func convertVolume(pod *corev1.Pod, v corev1.Volume) (volume.Spec, error) {
	switch {
	case v.ConfigMap != nil:
		return volume.Spec{
			Name:      v.Name,
			Kind:      volume.KindConfigMap,
			ConfigMap: v.ConfigMap.Name,
			Items:     convertItems(v.ConfigMap.Items),
		}, nil
	case v.Secret != nil:
		return volume.Spec{
			Name:   v.Name,
			Kind:   volume.KindSecret,
			Secret: v.Secret.SecretName,
			Items:  convertItems(v.Secret.Items),
		}, nil
	case v.HostPath != nil:
		return volume.Spec{Name: v.Name, Kind: volume.KindHostPath, HostPath: v.HostPath.Path}, nil
	case v.Projected != nil:
		sources, err := convertProjectedSources(pod, v.Projected.Sources)
		if err != nil {
			return volume.Spec{}, err
		}
		return volume.Spec{Name: v.Name, Kind: volume.KindProjected, Projected: sources}, nil
	case v.DownwardAPI != nil:
		return volume.Spec{Name: v.Name, Kind: volume.KindDownwardAPI, Downward: convertDownwardItems(v.DownwardAPI.Items)}, nil
	default:
		return volume.Spec{}, fmt.Errorf("volume %q: unsupported volume source", v.Name)
	}
}

func convertItems(items []corev1.KeyToPath) []volume.Item {
	out := make([]volume.Item, 0, len(items))
	for _, it := range items {
		out = append(out, volume.Item{Key: it.Key, NewName: it.Path})
	}
	return out
}

func convertDownwardItems(items []corev1.DownwardAPIVolumeFile) []volume.DownwardAPIItem {
	out := make([]volume.DownwardAPIItem, 0, len(items))
	for _, it := range items {
		if it.FieldRef == nil {
			continue
		}
		out = append(out, volume.DownwardAPIItem{Path: it.Path, FieldRef: it.FieldRef.FieldPath})
	}
	return out
}

func convertProjectedSources(pod *corev1.Pod, sources []corev1.VolumeProjection) ([]volume.ProjectedSource, error) {
	out := make([]volume.ProjectedSource, 0, len(sources))
	for _, src := range sources {
		switch {
		case src.ConfigMap != nil:
			out = append(out, volume.ProjectedSource{ConfigMapName: src.ConfigMap.Name, Items: convertItems(src.ConfigMap.Items)})
		case src.Secret != nil:
			out = append(out, volume.ProjectedSource{SecretName: src.Secret.Name, Items: convertItems(src.Secret.Items)})
		case src.ServiceAccountToken != nil:
			sat := src.ServiceAccountToken
			var expiration int64
			if sat.ExpirationSeconds != nil {
				expiration = *sat.ExpirationSeconds
			}
			out = append(out, volume.ProjectedSource{
				ServiceAccountToken: &volume.ServiceAccountTokenSource{
					ServiceAccountName: pod.Spec.ServiceAccountName,
					Audience:           sat.Audience,
					ExpirationSeconds:  expiration,
					Path:               sat.Path,
				},
			})
		case src.DownwardAPI != nil:
			out = append(out, volume.ProjectedSource{DownwardAPI: convertDownwardItems(src.DownwardAPI.Items)})
		default:
			return nil, fmt.Errorf("projected volume source: unsupported kind")
		}
	}
	return out, nil
}
