package device

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	pluginapi "k8s.io/kubelet/pkg/apis/deviceplugin/v1beta1"
	"k8s.io/klog/v2"
)

// dialTimeout bounds how long PluginConnection waits to establish the
// initial connection to a registering plugin.
const dialTimeout = 10 * time.Second

// PluginConnection owns the client side of one device plugin's ListAndWatch
// stream: it dials the plugin, tracks its last-known device set, and
// forwards Allocate calls.
type PluginConnection struct {
	resourceName string
	endpoint     string
	inventory    *Inventory
	patcher      *NodePatcher

	conn   *grpc.ClientConn
	client pluginapi.DevicePluginClient
}

func NewPluginConnection(resourceName, endpoint string, inventory *Inventory, patcher *NodePatcher) *PluginConnection {
	return &PluginConnection{
		resourceName: resourceName,
		endpoint:     endpoint,
		inventory:    inventory,
		patcher:      patcher,
	}
}

// unixDialer dials a Unix domain socket, used for both the registration
// client and per-plugin endpoints since the whole device-plugin transport is
// UNIX sockets under the plugin directory.
func unixDialer(ctx context.Context, addr string) (net.Conn, error) {
	d := net.Dialer{}
	return d.DialContext(ctx, "unix", addr)
}

// convertTopology translates the wire TopologyInfo into the internal model,
// preserving a nil hint as nil rather than an empty slice.
func convertTopology(t *pluginapi.TopologyInfo) *TopologyInfo {
	if t == nil {
		return nil
	}
	nodes := make([]int, 0, len(t.Nodes))
	for _, n := range t.Nodes {
		if n == nil {
			continue
		}
		nodes = append(nodes, int(n.ID))
	}
	return &TopologyInfo{Nodes: nodes}
}

// Run dials the plugin and consumes ListAndWatch until the stream ends or
// errors, at which point it clears the resource's inventory and returns.
func (c *PluginConnection) Run(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, err := grpc.DialContext(dialCtx, c.endpoint,
		grpc.WithContextDialer(unixDialer),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	)
	if err != nil {
		c.inventory.ClearResource(c.resourceName)
		c.patcher.Signal()
		return fmt.Errorf("device: dialing plugin %s at %s: %w", c.resourceName, c.endpoint, err)
	}
	c.conn = conn
	c.client = pluginapi.NewDevicePluginClient(conn)
	defer conn.Close()

	defer func() {
		c.inventory.ClearResource(c.resourceName)
		c.patcher.Signal()
	}()

	stream, err := c.client.ListAndWatch(ctx, &pluginapi.Empty{})
	if err != nil {
		return fmt.Errorf("device: opening ListAndWatch for %s: %w", c.resourceName, err)
	}

	last := make(map[string]Device)
	for {
		resp, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("device: ListAndWatch stream for %s: %w", c.resourceName, err)
		}
		c.applyListUpdate(resp, last)
	}
}

func (c *PluginConnection) applyListUpdate(resp *pluginapi.ListAndWatchResponse, last map[string]Device) {
	seen := make(map[string]bool, len(resp.Devices))
	changed := false

	for _, d := range resp.Devices {
		seen[d.Id] = true
		device := Device{
			ResourceName: c.resourceName,
			ID:           d.Id,
			Health:       Health(d.Health),
			Topology:     convertTopology(d.Topology),
		}
		prev, existed := last[d.Id]
		switch {
		case !existed:
			klog.V(2).InfoS("device added", "resourceName", c.resourceName, "deviceID", d.Id, "health", d.Health)
		case prev.Health != device.Health:
			klog.V(2).InfoS("device health changed", "resourceName", c.resourceName, "deviceID", d.Id, "health", d.Health)
		case !topologyEqual(prev.Topology, device.Topology):
			klog.V(4).InfoS("device topology changed", "resourceName", c.resourceName, "deviceID", d.Id)
		default:
			klog.V(4).InfoS("device list refresh, no change", "resourceName", c.resourceName, "deviceID", d.Id)
		}
		last[d.Id] = device
		if c.inventory.Upsert(device) {
			changed = true
		}
	}

	for id := range last {
		if !seen[id] {
			klog.V(2).InfoS("device removed", "resourceName", c.resourceName, "deviceID", id)
			delete(last, id)
			if c.inventory.Delete(c.resourceName, id) {
				changed = true
			}
		}
	}

	if changed {
		c.patcher.Signal()
	}
}

// Allocate forwards a container's device request to the plugin and returns
// the plugin's per-container response.
func (c *PluginConnection) Allocate(ctx context.Context, deviceIDs []string) (AllocateResponse, error) {
	resp, err := c.client.Allocate(ctx, &pluginapi.AllocateRequest{
		ContainerRequests: []*pluginapi.ContainerAllocateRequest{
			{DevicesIDs: deviceIDs},
		},
	})
	if err != nil {
		return AllocateResponse{}, fmt.Errorf("device: allocate on %s: %w", c.resourceName, err)
	}
	if len(resp.ContainerResponses) == 0 {
		return AllocateResponse{}, fmt.Errorf("device: plugin %s returned no container response", c.resourceName)
	}
	cr := resp.ContainerResponses[0]

	out := AllocateResponse{
		Envs:        cr.Envs,
		Annotations: cr.Annotations,
	}
	for _, m := range cr.Mounts {
		out.Mounts = append(out.Mounts, Mount{
			ContainerPath: m.ContainerPath,
			HostPath:      m.HostPath,
			ReadOnly:      m.ReadOnly,
		})
	}
	for _, d := range cr.Devices {
		out.Devices = append(out.Devices, HostDevice{
			ContainerPath: d.ContainerPath,
			HostPath:      d.HostPath,
			Permissions:   d.Permissions,
		})
	}
	return out, nil
}
