package objectstate

import (
	"context"
	"testing"
	"time"
)

type dispManifest struct{ Phase string }
type dispShared struct{}
type dispState struct{}

type dispRunning struct{ d *Dispatcher[dispManifest, dispShared, dispState]; key Key }

func (dispRunning) Name() string { return "Running" }
func (dispRunning) Status(x *dispState, m *dispManifest) (any, error) { return nil, nil }
func (s dispRunning) Next(ctx context.Context, shared *Shared[dispShared], x *dispState, manifest *Manifest[dispManifest]) Transition[dispManifest, dispShared, dispState] {
	select {
	case <-s.d.Deleted(s.key):
		return Complete[dispManifest, dispShared, dispState](nil)
	case <-time.After(2 * time.Second):
		return Complete[dispManifest, dispShared, dispState](nil)
	}
}

func TestDispatcherCreatesOneTaskPerKeyAndRoutesDeletion(t *testing.T) {
	var d *Dispatcher[dispManifest, dispShared, dispState]
	d = NewDispatcher[dispManifest, dispShared, dispState](
		NewShared(&dispShared{}),
		nil,
		EdgeMap{"Running": {}},
		func(Key) *dispState { return &dispState{} },
		func(key Key) State[dispManifest, dispShared, dispState] { return dispRunning{d: d, key: key} },
		func(key Key) State[dispManifest, dispShared, dispState] { return dispRunning{d: d, key: key} },
	)

	key := Key{Namespace: "default", Name: "pod-1"}
	ctx := context.Background()

	d.Dispatch(ctx, Event[dispManifest]{Kind: Applied, Key: key, Object: &dispManifest{Phase: "Registered"}})
	d.Dispatch(ctx, Event[dispManifest]{Kind: Applied, Key: key, Object: &dispManifest{Phase: "Registered"}})

	deadline := time.After(time.Second)
	for {
		if d.Running(key) {
			break
		}
		select {
		case <-deadline:
			t.Fatal("expected exactly one task to be created for key")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	if got := d.Len(); got != 1 {
		t.Fatalf("Len() = %d, want 1", got)
	}

	d.Dispatch(ctx, Event[dispManifest]{Kind: Deleted, Key: key})

	deadline = time.After(time.Second)
	for d.Running(key) {
		select {
		case <-deadline:
			t.Fatal("expected task to exit after deletion signal")
		default:
			time.Sleep(time.Millisecond)
		}
	}
}
