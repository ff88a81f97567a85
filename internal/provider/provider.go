// Package provider defines the contract execution backends implement to
// actually run a container's module bytes, per §6. No concrete WASM runtime
// ships with this core; internal/provider/noop is a minimal in-memory
// backend exercised by the core's own tests.
package provider

import (
	"context"
	"io"
)

// ValidationResult is the outcome of Validate: either the pod is accepted,
// or it is rejected with a human-readable reason and the pod state machine
// transitions straight to WontRun.
type ValidationResult struct {
	Accepted bool
	Reason   string
}

// StartRequest carries everything a provider needs to start one container.
type StartRequest struct {
	Namespace     string
	PodName       string
	ContainerName string
	ModuleBytes   []byte
	Env           map[string]string
	VolumeBindings map[string]string // container mount path -> host path
	LogPath       string
	AssignedPort  int32
}

// ContainerStatus is one point-in-time status update a handle's channel
// delivers.
type ContainerStatus struct {
	Running  bool
	Failed   bool
	Reason   string
	ExitCode int32
}

// ContainerHandle is what StartContainer returns: a live handle to a
// started container.
type ContainerHandle interface {
	Stop(ctx context.Context) error
	Wait(ctx context.Context) (ContainerStatus, error)
	StatusChannel() <-chan ContainerStatus
	LogStream(ctx context.Context) (io.ReadCloser, error)
}

// Contract is what execution backends implement, per §6.
type Contract interface {
	Validate(ctx context.Context, namespace, podName string) (ValidationResult, error)
	InitializePodState(ctx context.Context, namespace, podName string) (any, error)
	StartContainer(ctx context.Context, req StartRequest) (ContainerHandle, error)
	Logs(ctx context.Context, namespace, pod, container string, w io.Writer) error
}
