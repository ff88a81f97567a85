// Package noop provides a minimal in-memory Contract implementation, used by
// the core's own tests and wired by cmd/kubelet as the agent's provider:
// containers "run" immediately and terminate only when Stop is called.
package noop

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/scoutflo/wasm-kubelet/internal/provider"
)

// Provider accepts every pod and starts containers that idle until Stop is
// called, reporting Running immediately and Terminated(failed=false) on
// Stop.
type Provider struct{}

func New() *Provider { return &Provider{} }

func (p *Provider) Validate(context.Context, string, string) (provider.ValidationResult, error) {
	return provider.ValidationResult{Accepted: true}, nil
}

func (p *Provider) InitializePodState(context.Context, string, string) (any, error) {
	return struct{}{}, nil
}

func (p *Provider) StartContainer(_ context.Context, req provider.StartRequest) (provider.ContainerHandle, error) {
	if len(req.ModuleBytes) == 0 {
		return nil, fmt.Errorf("noop: %s/%s/%s: no module bytes supplied", req.Namespace, req.PodName, req.ContainerName)
	}
	h := &handle{
		statusCh: make(chan provider.ContainerStatus, 1),
		done:     make(chan struct{}),
	}
	h.statusCh <- provider.ContainerStatus{Running: true}
	return h, nil
}

func (p *Provider) Logs(_ context.Context, namespace, pod, container string, w io.Writer) error {
	_, err := io.Copy(w, bytes.NewReader([]byte(fmt.Sprintf("noop provider: no logs for %s/%s/%s\n", namespace, pod, container))))
	return err
}

type handle struct {
	mu       sync.Mutex
	stopped  bool
	statusCh chan provider.ContainerStatus
	done     chan struct{}
}

func (h *handle) Stop(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return nil
	}
	h.stopped = true
	select {
	case h.statusCh <- provider.ContainerStatus{Running: false, Failed: false}:
	default:
	}
	close(h.done)
	return nil
}

func (h *handle) Wait(ctx context.Context) (provider.ContainerStatus, error) {
	select {
	case <-h.done:
		return provider.ContainerStatus{Running: false}, nil
	case <-ctx.Done():
		return provider.ContainerStatus{}, ctx.Err()
	}
}

func (h *handle) StatusChannel() <-chan provider.ContainerStatus { return h.statusCh }

func (h *handle) LogStream(context.Context) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(nil)), nil
}
