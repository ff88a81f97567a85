package objectstate

import (
	"context"
	"fmt"
	"sync"

	"k8s.io/klog/v2"
)

// TransitionKind distinguishes an ordinary hop to another state from the two
// ways a machine can end.
type TransitionKind int

const (
	TransitionNext TransitionKind = iota
	TransitionComplete
)

// Transition is the result of a state's Next call.
type Transition[M, P, X any] struct {
	Kind TransitionKind
	Next State[M, P, X]
	Err  error
}

// Next builds a transition moving the machine to another state. The target
// must appear in the current state's declared outgoing edge set or Run will
// panic: a state cannot silently transition to an unexpected successor.
func Next[M, P, X any](s State[M, P, X]) Transition[M, P, X] {
	return Transition[M, P, X]{Kind: TransitionNext, Next: s}
}

// Complete ends the machine, successfully if err is nil.
func Complete[M, P, X any](err error) Transition[M, P, X] {
	return Transition[M, P, X]{Kind: TransitionComplete, Err: err}
}

// State is one node of the finite state machine. Status is called on entry
// to the state, before Next, so its result can be patched back to the API
// even if Next never returns (a long wait, a crash, ...). Next performs the
// state's actual work and decides where to go.
type State[M, P, X any] interface {
	// Name identifies the state for edge-table lookups and logging.
	Name() string
	// Status synthesizes the partial status to publish for this state.
	Status(state *X, manifest *M) (any, error)
	// Next runs the state to completion and returns where to go.
	Next(ctx context.Context, shared *Shared[P], state *X, manifest *Manifest[M]) Transition[M, P, X]
}

// Shared wraps a per-kind shared value behind a reader-writer lock. The
// runtime never holds this lock across a state callback; states acquire it
// themselves via Read/Write for the duration of the access they need.
type Shared[P any] struct {
	mu    sync.RWMutex
	value *P
}

// NewShared wraps a shared value for use by a family of state machines.
func NewShared[P any](value *P) *Shared[P] {
	return &Shared[P]{value: value}
}

// Read runs fn with a read lock held over the shared value.
func (s *Shared[P]) Read(fn func(*P)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn(s.value)
}

// Write runs fn with a write lock held over the shared value.
func (s *Shared[P]) Write(fn func(*P)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.value)
}

// StatusPatcher publishes a partial status for the object identified by key.
// Implementations should be idempotent and safe to call repeatedly with
// identical input (see the round-trip property in SPEC_FULL.md §8).
type StatusPatcher func(ctx context.Context, key Key, status any) error

// EdgeMap declares, per state name, the set of state names it may transition
// to. It is the runtime substitute for the compile-time edge validation a
// language with type-level state relationships would use.
type EdgeMap map[string][]string

// Machine drives one object's state machine to completion.
type Machine[M, P, X any] struct {
	Key    Key
	shared *Shared[P]
	state  *X
	patch  StatusPatcher
	edges  map[string]map[string]bool

	// OnComplete runs after the machine reaches a terminal state (or
	// Deleted). It is the async-drop hook: release ports, unmount volumes,
	// forget handles.
	OnComplete func(err error)
}

// NewMachine constructs a machine for one object. The declared edge set is
// not validated against the whole state graph here; Run checks every
// transition against it and panics on an undeclared edge.
func NewMachine[M, P, X any](key Key, shared *Shared[P], state *X, patch StatusPatcher, edges EdgeMap) *Machine[M, P, X] {
	compiled := make(map[string]map[string]bool, len(edges))
	for from, tos := range edges {
		set := make(map[string]bool, len(tos))
		for _, to := range tos {
			set[to] = true
		}
		compiled[from] = set
	}
	return &Machine[M, P, X]{
		Key:    key,
		shared: shared,
		state:  state,
		patch:  patch,
		edges:  compiled,
	}
}

// Run drives the machine from start until it reaches Complete. Status
// patches are best-effort: a failed patch is logged and does not stop the
// machine. A panic inside a state is treated as Complete(err).
func (m *Machine[M, P, X]) Run(ctx context.Context, manifest *Manifest[M], start State[M, P, X]) error {
	current := start
	for {
		if status, err := current.Status(m.state, manifest.Latest()); err != nil {
			klog.ErrorS(err, "computing status failed", "object", m.Key, "state", current.Name())
		} else if m.patch != nil {
			if perr := m.patch(ctx, m.Key, status); perr != nil {
				klog.ErrorS(perr, "status patch failed", "object", m.Key, "state", current.Name())
			}
		}

		tr := m.safeNext(ctx, current, manifest)

		if tr.Kind == TransitionComplete {
			if m.OnComplete != nil {
				m.OnComplete(tr.Err)
			}
			return tr.Err
		}

		if !m.edges[current.Name()][tr.Next.Name()] {
			panic(fmt.Sprintf("objectstate: illegal transition %s -> %s for %s", current.Name(), tr.Next.Name(), m.Key))
		}

		klog.V(2).InfoS("state transition", "object", m.Key, "from", current.Name(), "to", tr.Next.Name())
		current = tr.Next
	}
}

func (m *Machine[M, P, X]) safeNext(ctx context.Context, current State[M, P, X], manifest *Manifest[M]) (tr Transition[M, P, X]) {
	defer func() {
		if r := recover(); r != nil {
			klog.ErrorS(fmt.Errorf("%v", r), "panic inside state, treating as terminal error", "object", m.Key, "state", current.Name())
			tr = Complete[M, P, X](fmt.Errorf("state %q panicked: %v", current.Name(), r))
		}
	}()
	return current.Next(ctx, m.shared, m.state, manifest)
}
