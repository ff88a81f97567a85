package pod

import (
	"context"
	"sync"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/klog/v2"

	"github.com/scoutflo/wasm-kubelet/internal/objectstate"
)

// task tracks one running pod's machine: its manifest cell (updated on
// re-Applied events) and the cancel func that severs it on Deleted.
type task struct {
	manifest *objectstate.Manifest[corev1.Pod]
	cancel   context.CancelFunc
	done     chan struct{}
}

// Manager owns one PodStateMachine goroutine per pod key, translating watch
// events into machine lifecycle per §4.2/§5. It is a thin, pod-specific
// stand-in for objectstate.Dispatcher: a generic Dispatcher has no hook for
// the per-pod async-drop (port release, volume unmount), so Manager drives
// objectstate.Machine directly, the same way ContainerStateMachine's Run
// does for its nested machine.
type Manager struct {
	shared *objectstate.Shared[Shared]
	patch  objectstate.StatusPatcher

	mu    sync.Mutex
	tasks map[objectstate.Key]*task
}

func NewManager(shared *objectstate.Shared[Shared], patch objectstate.StatusPatcher) *Manager {
	return &Manager{shared: shared, patch: patch, tasks: make(map[objectstate.Key]*task)}
}

// Dispatch delivers one pod watch event. Applied creates the task on first
// sight and updates its manifest thereafter; Deleted cancels the task's
// context, letting the in-flight state observe cancellation and unwind
// through its own error path. Restarted is a no-op: the reflector already
// re-synchronizes its own cache.
func (m *Manager) Dispatch(ctx context.Context, ev objectstate.Event[corev1.Pod]) {
	m.mu.Lock()
	t, exists := m.tasks[ev.Key]

	switch ev.Kind {
	case objectstate.Applied:
		if !exists {
			taskCtx, cancel := context.WithCancel(ctx)
			t = &task{
				manifest: objectstate.NewManifest(ev.Object),
				cancel:   cancel,
				done:     make(chan struct{}),
			}
			m.tasks[ev.Key] = t
			m.mu.Unlock()
			go m.run(taskCtx, ev.Key, t)
			return
		}
		t.manifest.Set(ev.Object)
		m.mu.Unlock()
	case objectstate.Deleted:
		if exists {
			t.cancel()
		}
		m.mu.Unlock()
	default:
		m.mu.Unlock()
	}
}

func (m *Manager) run(ctx context.Context, key objectstate.Key, t *task) {
	defer func() {
		m.mu.Lock()
		delete(m.tasks, key)
		m.mu.Unlock()
		close(t.done)
	}()

	state := NewState(key)
	machine := objectstate.NewMachine[corev1.Pod, Shared, State](key, m.shared, state, m.patch, Edges)

	var ports *PortMap
	m.shared.Read(func(s *Shared) { ports = s.Ports })

	machine.OnComplete = func(err error) {
		ports.ReleaseAll(key)
		for name, ref := range state.Run.AllVolumes() {
			if uerr := ref.Unmount(); uerr != nil {
				klog.ErrorS(uerr, "unmounting volume on pod teardown", "pod", key, "volume", name)
			}
		}
		if err != nil {
			klog.ErrorS(err, "pod state machine terminated with error", "pod", key)
		} else {
			klog.V(2).InfoS("pod state machine terminated", "pod", key)
		}
	}

	klog.V(2).InfoS("pod state machine starting", "pod", key)
	_ = machine.Run(ctx, t.manifest, Registered())
}

// Running reports whether a task currently exists for key.
func (m *Manager) Running(key objectstate.Key) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tasks[key]
	return ok
}
