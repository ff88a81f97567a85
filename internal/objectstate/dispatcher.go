package objectstate

import (
	"context"
	"sync"

	"k8s.io/klog/v2"
)

// task tracks one running machine's manifest cell and deletion signal.
type task[M any] struct {
	manifest *Manifest[M]
	deleted  chan struct{}
	once     sync.Once
	done     chan struct{}
}

func (t *task[M]) signalDeleted() {
	t.once.Do(func() { close(t.deleted) })
}

// Dispatcher routes watch events for objects of manifest type M to a
// dedicated goroutine per object key, each hosting one Machine[M, P, X].
// Events for the same key are delivered to its task in the order Dispatch
// is called; across keys, tasks run independently.
type Dispatcher[M, P, X any] struct {
	shared *Shared[P]
	patch  StatusPatcher
	edges  EdgeMap

	newState func(Key) *X
	initial  func(Key) State[M, P, X]
	deleted  func(Key) State[M, P, X]

	mu    sync.Mutex
	tasks map[Key]*task[M]
}

// NewDispatcher builds a dispatcher. newState allocates the per-object
// mutable state and initial is the starting node for a freshly Applied
// object. deleted is stored on the dispatcher, but run never enters it: a
// Deleted event only closes the channel Deleted(key) returns, and a running
// state that selects on that channel chooses its own next state.
func NewDispatcher[M, P, X any](
	shared *Shared[P],
	patch StatusPatcher,
	edges EdgeMap,
	newState func(Key) *X,
	initial func(Key) State[M, P, X],
	deleted func(Key) State[M, P, X],
) *Dispatcher[M, P, X] {
	return &Dispatcher[M, P, X]{
		shared:   shared,
		patch:    patch,
		edges:    edges,
		newState: newState,
		initial:  initial,
		deleted:  deleted,
		tasks:    make(map[Key]*task[M]),
	}
}

// Deleted returns the channel a running state can select on to notice that
// its object has been removed from the API.
func (d *Dispatcher[M, P, X]) Deleted(key Key) <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.tasks[key]; ok {
		return t.deleted
	}
	closed := make(chan struct{})
	close(closed)
	return closed
}

// Dispatch delivers one watch event, creating a task on first Applied and
// signaling deletion on Deleted. It never blocks on the task's own work.
func (d *Dispatcher[M, P, X]) Dispatch(ctx context.Context, ev Event[M]) {
	d.mu.Lock()
	t, exists := d.tasks[ev.Key]

	switch ev.Kind {
	case Applied:
		if !exists {
			t = &task[M]{
				manifest: NewManifest(ev.Object),
				deleted:  make(chan struct{}),
				done:     make(chan struct{}),
			}
			d.tasks[ev.Key] = t
			d.mu.Unlock()
			go d.run(ctx, ev.Key, t)
			return
		}
		t.manifest.Set(ev.Object)
		d.mu.Unlock()
	case Deleted:
		if exists {
			t.signalDeleted()
		}
		d.mu.Unlock()
	case Restarted:
		// A Restarted event re-synchronizes state from a full relist; the
		// manifest cell already holds the latest object, so this is a no-op
		// at the dispatcher level (the reflector clears its own cache).
		d.mu.Unlock()
	default:
		d.mu.Unlock()
	}
}

func (d *Dispatcher[M, P, X]) run(ctx context.Context, key Key, t *task[M]) {
	defer func() {
		d.mu.Lock()
		delete(d.tasks, key)
		d.mu.Unlock()
		close(t.done)
	}()

	state := d.newState(key)
	machine := NewMachine[M, P, X](key, d.shared, state, d.patch, d.edges)
	klog.V(2).InfoS("object state machine starting", "object", key)
	if err := machine.Run(ctx, t.manifest, d.initial(key)); err != nil {
		klog.ErrorS(err, "object state machine terminated with error", "object", key)
	} else {
		klog.V(2).InfoS("object state machine terminated", "object", key)
	}
}

// Running reports whether a task currently exists for key.
func (d *Dispatcher[M, P, X]) Running(key Key) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.tasks[key]
	return ok
}

// Len returns the number of live tasks, mostly useful in tests.
func (d *Dispatcher[M, P, X]) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tasks)
}
