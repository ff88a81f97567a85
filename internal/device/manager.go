package device

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	pluginapi "k8s.io/kubelet/pkg/apis/deviceplugin/v1beta1"
	"k8s.io/klog/v2"
)

// kubeletSocketName is the well-known registration-socket filename under the
// plugin directory, per §6.
const kubeletSocketName = "kubelet.sock"

// supportedVersions is the set of device-plugin API versions this manager
// accepts during registration.
var supportedVersions = map[string]bool{pluginapi.Version: true}

// Manager owns the registration gRPC service, the shared device inventory,
// the allocation record, and one PluginConnection per registered resource.
// It implements pluginapi.RegistrationServer.
type Manager struct {
	pluginapi.UnimplementedRegistrationServer

	pluginDir string
	inventory *Inventory
	patcher   *NodePatcher
	allocs    *AllocationRecord

	mu          sync.Mutex
	connections map[string]*PluginConnection // resource name -> connection
	grpcServer  *grpc.Server
}

func NewManager(pluginDir string, patcher *NodePatcher) *Manager {
	return &Manager{
		pluginDir:   pluginDir,
		inventory:   patcher.inventory,
		patcher:     patcher,
		allocs:      NewAllocationRecord(),
		connections: make(map[string]*PluginConnection),
	}
}

// Allocations exposes the allocation record so the pod/container state
// machines can record and read allocation results.
func (m *Manager) Allocations() *AllocationRecord { return m.allocs }

// Serve removes any stale socket, binds the registration service, and blocks
// until ctx is canceled. It waits for the NodePatcher to be Ready before
// returning from setup, so no broadcast is lost to a registration that
// arrives before the patcher is listening.
func (m *Manager) Serve(ctx context.Context) error {
	<-m.patcher.Ready()

	socketPath := filepath.Join(m.pluginDir, kubeletSocketName)
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("device: removing stale registration socket: %w", err)
	}
	if err := os.MkdirAll(m.pluginDir, 0o755); err != nil {
		return fmt.Errorf("device: creating plugin directory: %w", err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("device: listening on registration socket: %w", err)
	}

	m.mu.Lock()
	m.grpcServer = grpc.NewServer()
	pluginapi.RegisterRegistrationServer(m.grpcServer, m)
	server := m.grpcServer
	m.mu.Unlock()

	errCh := make(chan error, 1)
	go func() { errCh <- server.Serve(listener) }()

	select {
	case <-ctx.Done():
		server.GracefulStop()
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Register implements pluginapi.RegistrationServer. It validates the
// request, claims the resource name, and spawns a PluginConnection on
// success.
func (m *Manager) Register(ctx context.Context, req *pluginapi.RegisterRequest) (*pluginapi.Empty, error) {
	if !supportedVersions[req.Version] {
		err := fmt.Errorf("%w: %s", ErrUnsupportedVersion, req.Version)
		klog.ErrorS(err, "device plugin registration rejected", "version", req.Version)
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := ValidateExtendedResourceName(req.ResourceName); err != nil {
		klog.ErrorS(err, "device plugin registration rejected", "resourceName", req.ResourceName)
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := m.inventory.Claim(req.ResourceName, req.Endpoint); err != nil {
		klog.ErrorS(err, "device plugin registration rejected", "resourceName", req.ResourceName)
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	conn := NewPluginConnection(req.ResourceName, req.Endpoint, m.inventory, m.patcher)
	m.mu.Lock()
	m.connections[req.ResourceName] = conn
	m.mu.Unlock()

	go func() {
		if err := conn.Run(context.Background()); err != nil {
			klog.ErrorS(err, "device plugin connection ended", "resourceName", req.ResourceName, "endpoint", req.Endpoint)
		}
		m.mu.Lock()
		delete(m.connections, req.ResourceName)
		m.mu.Unlock()
	}()

	return &pluginapi.Empty{}, nil
}

// Allocate forwards a container's device request to the owning
// PluginConnection and records the result.
func (m *Manager) Allocate(ctx context.Context, podUID, containerName, resourceName string, deviceIDs []string) (AllocateResponse, error) {
	m.mu.Lock()
	conn, ok := m.connections[resourceName]
	m.mu.Unlock()
	if !ok {
		return AllocateResponse{}, fmt.Errorf("device: no plugin connection owns resource %q", resourceName)
	}

	resp, err := conn.Allocate(ctx, deviceIDs)
	if err != nil {
		return AllocateResponse{}, err
	}
	m.allocs.Record(podUID, containerName, resourceName, deviceIDs, resp)
	return resp, nil
}
