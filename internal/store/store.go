// Package store implements the image cache: pulling, caching on disk, and
// serving module bytes by reference, with per-reference pull policies and
// registry authentication.
package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"
	"k8s.io/klog/v2"
)

// PullPolicy governs whether Get consults the network.
type PullPolicy int

const (
	// IfNotPresent returns the cached bytes if present, else pulls and
	// caches.
	IfNotPresent PullPolicy = iota
	// Always pulls unconditionally and replaces the cache atomically.
	Always
	// Never returns the cached bytes or fails with ErrNotCached; it must
	// never make a network call.
	Never
)

// pullCall coalesces concurrent Get calls for the same reference so at most
// one pull is in flight per reference within this process.
type pullCall struct {
	done chan struct{}
	data []byte
	err  error
}

// Store is a content-addressed cache mapping image references to module
// bytes, rooted at a directory laid out
// <root>/<registry>/<repository>/<tag>/module.wasm.
type Store struct {
	root     string
	fs       afero.Fs
	registry RegistryClient

	mu       sync.Mutex
	inflight map[string]*pullCall
}

// New constructs a Store. fs is typically afero.NewOsFs() in production and
// afero.NewMemMapFs() in tests.
func New(root string, fs afero.Fs, registry RegistryClient) *Store {
	return &Store{
		root:     root,
		fs:       fs,
		registry: registry,
		inflight: make(map[string]*pullCall),
	}
}

// Get resolves ref to module bytes under policy, authenticating pulls via
// auth when the reference is not already cached or must be refreshed.
func (s *Store) Get(ctx context.Context, ref Reference, policy PullPolicy, auth AuthResolver) ([]byte, error) {
	ref, err := ref.Normalize()
	if err != nil {
		return nil, err
	}
	path := ref.LayoutPath(s.root)

	switch policy {
	case Never:
		data, err := s.readCached(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrNotCached, ref)
		}
		return data, nil
	case IfNotPresent:
		if data, err := s.readCached(path); err == nil {
			return data, nil
		}
		return s.pullCoalesced(ctx, ref, path, auth)
	case Always:
		return s.pullCoalesced(ctx, ref, path, auth)
	default:
		return nil, fmt.Errorf("store: unknown pull policy %v", policy)
	}
}

func (s *Store) readCached(path string) ([]byte, error) {
	return afero.ReadFile(s.fs, path)
}

// pullCoalesced ensures at most one in-flight registry pull per reference
// string, regardless of how many goroutines call Get concurrently.
func (s *Store) pullCoalesced(ctx context.Context, ref Reference, path string, auth AuthResolver) ([]byte, error) {
	key := ref.String()

	s.mu.Lock()
	if call, ok := s.inflight[key]; ok {
		s.mu.Unlock()
		<-call.done
		return call.data, call.err
	}
	call := &pullCall{done: make(chan struct{})}
	s.inflight[key] = call
	s.mu.Unlock()

	call.data, call.err = s.pullAndCache(ctx, ref, path, auth)

	s.mu.Lock()
	delete(s.inflight, key)
	s.mu.Unlock()
	close(call.done)

	return call.data, call.err
}

func (s *Store) pullAndCache(ctx context.Context, ref Reference, path string, auth AuthResolver) ([]byte, error) {
	if auth == nil {
		auth = AnonymousResolver{}
	}
	cred, err := auth.Resolve(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("store: resolving auth for %s: %w", ref, err)
	}

	klog.V(2).InfoS("pulling image", "reference", ref.String())
	data, digest, err := s.registry.Pull(ctx, ref, cred)
	if err != nil {
		return nil, err
	}
	if ref.Digest != "" && digest != ref.Digest {
		return nil, fmt.Errorf("%w: want %s got %s", ErrDigestMismatch, ref.Digest, digest)
	}

	if err := s.writeAtomic(path, data); err != nil {
		return nil, fmt.Errorf("store: caching %s: %w", ref, err)
	}
	return data, nil
}

// writeAtomic writes data to a sibling temp file and renames it into place,
// so a concurrent reader never observes a partially written cache entry.
func (s *Store) writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, data, 0o644); err != nil {
		return err
	}
	return s.fs.Rename(tmp, path)
}

// Invalidate removes a cached entry. The store never removes entries on its
// own; this is the only path by which an entry disappears.
func (s *Store) Invalidate(ref Reference) error {
	ref, err := ref.Normalize()
	if err != nil {
		return err
	}
	return s.fs.Remove(ref.LayoutPath(s.root))
}
