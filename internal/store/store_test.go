package store

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
)

type fakeRegistry struct {
	calls   int32
	data    []byte
	digest  string
	err     error
	latency time.Duration
}

func (f *fakeRegistry) Pull(ctx context.Context, ref Reference, cred Credential) ([]byte, string, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.latency > 0 {
		time.Sleep(f.latency)
	}
	if f.err != nil {
		return nil, "", f.err
	}
	return f.data, f.digest, nil
}

func mustRef(t *testing.T, s string) Reference {
	t.Helper()
	ref, err := ParseReference(s)
	if err != nil {
		t.Fatalf("ParseReference(%q): %v", s, err)
	}
	return ref
}

func TestNeverPolicyFailsWithoutTouchingNetwork(t *testing.T) {
	reg := &fakeRegistry{}
	s := New("/root", afero.NewMemMapFs(), reg)

	_, err := s.Get(context.Background(), mustRef(t, "docker.io/library/hello:latest"), Never, AnonymousResolver{})
	if err == nil {
		t.Fatal("expected error under Never policy against empty cache")
	}
	if atomic.LoadInt32(&reg.calls) != 0 {
		t.Fatalf("expected zero registry calls under Never, got %d", reg.calls)
	}
}

func TestIfNotPresentPullsOnceThenServesFromCache(t *testing.T) {
	reg := &fakeRegistry{data: []byte("module-bytes")}
	s := New("/root", afero.NewMemMapFs(), reg)
	ref := mustRef(t, "docker.io/library/hello:latest")

	data, err := s.Get(context.Background(), ref, IfNotPresent, AnonymousResolver{})
	if err != nil {
		t.Fatalf("first Get: %v", err)
	}
	if string(data) != "module-bytes" {
		t.Fatalf("data = %q", data)
	}

	if _, err := s.Get(context.Background(), ref, IfNotPresent, AnonymousResolver{}); err != nil {
		t.Fatalf("second Get: %v", err)
	}
	if got := atomic.LoadInt32(&reg.calls); got != 1 {
		t.Fatalf("expected exactly one registry call across repeated IfNotPresent Get, got %d", got)
	}
}

func TestAlwaysPolicyRePulls(t *testing.T) {
	reg := &fakeRegistry{data: []byte("v1")}
	s := New("/root", afero.NewMemMapFs(), reg)
	ref := mustRef(t, "docker.io/library/hello:latest")

	if _, err := s.Get(context.Background(), ref, Always, AnonymousResolver{}); err != nil {
		t.Fatalf("first Get: %v", err)
	}
	reg.data = []byte("v2")
	data, err := s.Get(context.Background(), ref, Always, AnonymousResolver{})
	if err != nil {
		t.Fatalf("second Get: %v", err)
	}
	if string(data) != "v2" {
		t.Fatalf("expected refreshed content, got %q", data)
	}
	if got := atomic.LoadInt32(&reg.calls); got != 2 {
		t.Fatalf("expected two registry calls under Always, got %d", got)
	}
}

func TestConcurrentGetCoalescesToOnePull(t *testing.T) {
	reg := &fakeRegistry{data: []byte("module-bytes"), latency: 20 * time.Millisecond}
	s := New("/root", afero.NewMemMapFs(), reg)
	ref := mustRef(t, "docker.io/library/hello:latest")

	const n = 10
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := s.Get(context.Background(), ref, IfNotPresent, AnonymousResolver{})
			results <- err
		}()
	}
	for i := 0; i < n; i++ {
		if err := <-results; err != nil {
			t.Fatalf("concurrent Get: %v", err)
		}
	}
	if got := atomic.LoadInt32(&reg.calls); got != 1 {
		t.Fatalf("expected coalesced single pull, got %d calls", got)
	}
}

func TestDigestMismatchIsReported(t *testing.T) {
	reg := &fakeRegistry{data: []byte("x"), digest: "sha256:deadbeef"}
	s := New("/root", afero.NewMemMapFs(), reg)
	ref := mustRef(t, "docker.io/library/hello@sha256:cafebabe")

	_, err := s.Get(context.Background(), ref, Always, AnonymousResolver{})
	if err == nil {
		t.Fatal("expected digest mismatch error")
	}
}
