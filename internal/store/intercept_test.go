package store

import (
	"context"
	"testing"

	"github.com/spf13/afero"
)

func TestFSInterceptorServesLocalModuleBypassingNetwork(t *testing.T) {
	fs := afero.NewMemMapFs()
	if err := afero.WriteFile(fs, "/dev/modules/widget/module.wasm", []byte("local-bytes"), 0o644); err != nil {
		t.Fatalf("seeding memfs: %v", err)
	}
	fi := FSInterceptor{Root: "/dev/modules", FS: fs}

	ref := Reference{Registry: fsPseudoRegistry, Repository: "widget/module.wasm"}
	if !fi.Intercepts(ref) {
		t.Fatalf("expected FSInterceptor to intercept registry %q", ref.Registry)
	}
	data, err := fi.Get(context.Background(), ref)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(data) != "local-bytes" {
		t.Fatalf("data = %q", data)
	}
}

func TestFSInterceptorDoesNotInterceptOtherRegistries(t *testing.T) {
	fi := FSInterceptor{Root: "/dev/modules", FS: afero.NewMemMapFs()}
	ref := Reference{Registry: "docker.io", Repository: "library/hello", Tag: "latest"}
	if fi.Intercepts(ref) {
		t.Fatal("FSInterceptor must not intercept non-fs registries")
	}
}

func TestCompositeStoreFallsBackToBase(t *testing.T) {
	reg := &fakeRegistry{data: []byte("remote-bytes")}
	base := New("/root", afero.NewMemMapFs(), reg)
	composite := CompositeStore{
		Base:        base,
		Interceptor: FSInterceptor{Root: "/dev/modules", FS: afero.NewMemMapFs()},
	}

	ref := mustRef(t, "docker.io/library/hello:latest")
	data, err := composite.Get(context.Background(), ref, IfNotPresent, AnonymousResolver{})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(data) != "remote-bytes" {
		t.Fatalf("data = %q, want fallback to base store", data)
	}
}

func TestCompositeStorePrefersInterceptorWhenItMatches(t *testing.T) {
	fs := afero.NewMemMapFs()
	if err := afero.WriteFile(fs, "/dev/modules/widget/module.wasm", []byte("local-bytes"), 0o644); err != nil {
		t.Fatalf("seeding memfs: %v", err)
	}
	reg := &fakeRegistry{data: []byte("should-not-be-used")}
	composite := CompositeStore{
		Base:        New("/root", afero.NewMemMapFs(), reg),
		Interceptor: FSInterceptor{Root: "/dev/modules", FS: fs},
	}

	ref := Reference{Registry: fsPseudoRegistry, Repository: "widget/module.wasm"}
	data, err := composite.Get(context.Background(), ref, IfNotPresent, AnonymousResolver{})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(data) != "local-bytes" {
		t.Fatalf("data = %q, want interceptor to win", data)
	}
	if got := reg.calls; got != 0 {
		t.Fatalf("expected base registry untouched, got %d calls", got)
	}
}
