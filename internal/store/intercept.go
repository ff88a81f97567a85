package store

import (
	"context"
	"strings"

	"github.com/spf13/afero"
)

// Getter is the minimal interface ImagePull depends on, satisfied by both
// Store and CompositeStore.
type Getter interface {
	Get(ctx context.Context, ref Reference, policy PullPolicy, auth AuthResolver) ([]byte, error)
}

// Interceptor may serve a subset of references without going through the
// base store at all (its own cache, its own policy semantics).
type Interceptor interface {
	Intercepts(ref Reference) bool
	Get(ctx context.Context, ref Reference) ([]byte, error)
}

// CompositeStore tries its interceptor first and falls back to the base
// Store. This is how a filesystem-backed interceptor under the pseudo
// registry "fs/" composes with the real pull-and-cache Store.
type CompositeStore struct {
	Base        *Store
	Interceptor Interceptor
}

func (c CompositeStore) Get(ctx context.Context, ref Reference, policy PullPolicy, auth AuthResolver) ([]byte, error) {
	if c.Interceptor != nil && c.Interceptor.Intercepts(ref) {
		return c.Interceptor.Get(ctx, ref)
	}
	return c.Base.Get(ctx, ref, policy, auth)
}

// FSInterceptor serves references under the pseudo-registry "fs/" by
// reading a local path: a reference "fs/some/local/module.wasm" resolves to
// <root>/some/local/module.wasm on the host filesystem, bypassing the
// network-backed cache entirely. Useful for local development modules
// (allow_local_modules in the node configuration).
type FSInterceptor struct {
	Root string
	FS   afero.Fs
}

const fsPseudoRegistry = "fs"

func (f FSInterceptor) Intercepts(ref Reference) bool {
	return ref.Registry == fsPseudoRegistry
}

func (f FSInterceptor) Get(_ context.Context, ref Reference) ([]byte, error) {
	path := f.Root + "/" + strings.TrimPrefix(ref.Repository, "/")
	return afero.ReadFile(f.FS, path)
}
