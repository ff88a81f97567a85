package objectstate

import (
	"context"
	"errors"
	"testing"
)

// A tiny two-state machine used to exercise Run, status patching, and edge
// validation without pulling in the pod/device domains.

type testManifest struct{ Value int }
type testShared struct{ Calls int }
type testState struct{ Entered []string }

type stateA struct{ next State[testManifest, testShared, testState] }

func (stateA) Name() string { return "A" }
func (stateA) Status(x *testState, m *testManifest) (any, error) {
	x.Entered = append(x.Entered, "A")
	return "status-A", nil
}
func (s stateA) Next(ctx context.Context, shared *Shared[testShared], x *testState, manifest *Manifest[testManifest]) Transition[testManifest, testShared, testState] {
	shared.Write(func(v *testShared) { v.Calls++ })
	return Next[testManifest, testShared, testState](s.next)
}

type stateB struct{}

func (stateB) Name() string { return "B" }
func (stateB) Status(x *testState, m *testManifest) (any, error) {
	x.Entered = append(x.Entered, "B")
	return "status-B", nil
}
func (stateB) Next(ctx context.Context, shared *Shared[testShared], x *testState, manifest *Manifest[testManifest]) Transition[testManifest, testShared, testState] {
	return Complete[testManifest, testShared, testState](nil)
}

type stateRogue struct{}

func (stateRogue) Name() string { return "Rogue" }
func (stateRogue) Status(x *testState, m *testManifest) (any, error) { return nil, nil }
func (stateRogue) Next(ctx context.Context, shared *Shared[testShared], x *testState, manifest *Manifest[testManifest]) Transition[testManifest, testShared, testState] {
	return Complete[testManifest, testShared, testState](nil)
}

func TestMachineRunHappyPath(t *testing.T) {
	var patched []any
	patch := func(ctx context.Context, key Key, status any) error {
		patched = append(patched, status)
		return nil
	}

	shared := NewShared(&testShared{})
	state := &testState{}
	edges := EdgeMap{"A": {"B"}, "B": {}}
	m := NewMachine[testManifest, testShared, testState](Key{Name: "x"}, shared, state, patch, edges)

	manifest := NewManifest(&testManifest{Value: 1})
	err := m.Run(context.Background(), manifest, stateA{next: stateB{}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got, want := state.Entered, []string{"A", "B"}; len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("entered = %v, want %v", got, want)
	}
	if len(patched) != 2 || patched[0] != "status-A" || patched[1] != "status-B" {
		t.Fatalf("patched = %v", patched)
	}
	shared.Read(func(v *testShared) {
		if v.Calls != 1 {
			t.Fatalf("shared.Calls = %d, want 1", v.Calls)
		}
	})
}

func TestMachineRunIllegalTransitionPanics(t *testing.T) {
	shared := NewShared(&testShared{})
	state := &testState{}
	edges := EdgeMap{"A": {"B"}} // Rogue is not a declared successor of A

	m := NewMachine[testManifest, testShared, testState](Key{Name: "x"}, shared, state, nil, edges)
	manifest := NewManifest(&testManifest{})

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic on illegal transition")
		}
	}()
	_ = m.Run(context.Background(), manifest, stateA{next: stateRogue{}})
}

type panicState struct{}

func (panicState) Name() string                                    { return "Panic" }
func (panicState) Status(x *testState, m *testManifest) (any, error) { return nil, nil }
func (panicState) Next(ctx context.Context, shared *Shared[testShared], x *testState, manifest *Manifest[testManifest]) Transition[testManifest, testShared, testState] {
	panic("boom")
}

func TestMachinePanicBecomesCompleteErr(t *testing.T) {
	shared := NewShared(&testShared{})
	state := &testState{}
	m := NewMachine[testManifest, testShared, testState](Key{Name: "x"}, shared, state, nil, EdgeMap{})
	manifest := NewManifest(&testManifest{})

	err := m.Run(context.Background(), manifest, panicState{})
	if err == nil {
		t.Fatal("expected panic to surface as Complete(err)")
	}
}

func TestMachineStatusPatchFailureDoesNotStop(t *testing.T) {
	patch := func(ctx context.Context, key Key, status any) error {
		return errors.New("patch failed")
	}
	shared := NewShared(&testShared{})
	state := &testState{}
	edges := EdgeMap{"A": {"B"}, "B": {}}
	m := NewMachine[testManifest, testShared, testState](Key{Name: "x"}, shared, state, patch, edges)
	manifest := NewManifest(&testManifest{})

	if err := m.Run(context.Background(), manifest, stateA{next: stateB{}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
