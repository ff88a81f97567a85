package store

import "context"

// RegistryClient fetches a module's bytes and content digest from a remote
// registry. Store delegates all network access here so the cache/coalescing
// logic stays independently testable against a fake.
type RegistryClient interface {
	Pull(ctx context.Context, ref Reference, cred Credential) (content []byte, digest string, err error)
}
