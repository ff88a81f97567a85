package device

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/klog/v2"
)

// NodeStatusPatcher is the minimal cluster-API surface the patcher needs:
// sending a JSON-Patch body against this node's status subresource.
type NodeStatusPatcher interface {
	PatchNodeStatus(ctx context.Context, nodeName string, patchType types.PatchType, patch []byte) error
}

type patchOp struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value int64  `json:"value"`
}

// changeSignal is a single-slot "something changed" broadcast: Signal wakes
// every goroutine currently blocked in Wait, the same replace-and-close
// technique objectstate.Manifest uses for its "latest value changed" cell.
type changeSignal struct {
	mu sync.Mutex
	ch chan struct{}
}

func newChangeSignal() *changeSignal {
	return &changeSignal{ch: make(chan struct{})}
}

func (s *changeSignal) Signal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	close(s.ch)
	s.ch = make(chan struct{})
}

func (s *changeSignal) Wait() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}

// NodePatcher listens for inventory-changed broadcasts and publishes the
// current per-resource capacity/allocatable counts as a JSON-Patch against
// this node's status, per §4.4. Zero counts are published explicitly so a
// plugin's disappearance is visible rather than silently dropped.
type NodePatcher struct {
	nodeName  string
	inventory *Inventory
	patch     NodeStatusPatcher

	signal *changeSignal
	ready  chan struct{}

	lastDoc []byte
}

func NewNodePatcher(nodeName string, inventory *Inventory, patch NodeStatusPatcher) *NodePatcher {
	return &NodePatcher{
		nodeName:  nodeName,
		inventory: inventory,
		patch:     patch,
		signal:    newChangeSignal(),
		ready:     make(chan struct{}),
		lastDoc:   []byte(`{}`),
	}
}

// Signal is called by a PluginConnection after it mutates the inventory.
func (p *NodePatcher) Signal() { p.signal.Signal() }

// Ready closes once Run has started listening, so the registration service
// can await it before accepting plugin registrations and avoid losing the
// first broadcast.
func (p *NodePatcher) Ready() <-chan struct{} { return p.ready }

// Run blocks processing inventory-changed signals until ctx is canceled.
func (p *NodePatcher) Run(ctx context.Context) error {
	wait := p.signal.Wait()
	close(p.ready)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
		}
		wait = p.signal.Wait()
		if err := p.publishOnce(ctx); err != nil {
			klog.ErrorS(err, "node status device patch failed", "node", p.nodeName)
		}
	}
}

func (p *NodePatcher) publishOnce(ctx context.Context) error {
	snapshot := p.inventory.Snapshot()

	resourceNames := make([]string, 0, len(snapshot))
	for name := range snapshot {
		resourceNames = append(resourceNames, name)
	}
	sort.Strings(resourceNames)

	ops := make([]patchOp, 0, 2*len(resourceNames))
	for _, name := range resourceNames {
		counts := snapshot[name]
		escaped := EscapeJSONPointer(name)
		ops = append(ops,
			patchOp{Op: "add", Path: "/status/capacity/" + escaped, Value: int64(counts[0])},
			patchOp{Op: "add", Path: "/status/allocatable/" + escaped, Value: int64(counts[1])},
		)
	}
	if len(ops) == 0 {
		return nil
	}

	patchBody, err := json.Marshal(ops)
	if err != nil {
		return fmt.Errorf("device: marshaling node status patch: %w", err)
	}

	decoded, err := jsonpatch.DecodePatch(patchBody)
	if err != nil {
		return fmt.Errorf("device: decoding generated patch: %w", err)
	}
	projected, err := decoded.Apply(p.lastDoc)
	if err != nil {
		// The locally tracked document doesn't yet contain the paths this
		// patch touches (first publish for a resource); fall back to the
		// raw capacity/allocatable map as the new local document.
		projected = rebuildDoc(snapshot)
	}
	if jsonEqual(projected, p.lastDoc) {
		return nil
	}

	if err := p.patch.PatchNodeStatus(ctx, p.nodeName, types.JSONPatchType, patchBody); err != nil {
		return fmt.Errorf("device: patching node status: %w", err)
	}
	p.lastDoc = projected
	return nil
}

func rebuildDoc(snapshot map[string][2]int) []byte {
	capacity := make(map[string]int64, len(snapshot))
	allocatable := make(map[string]int64, len(snapshot))
	for name, counts := range snapshot {
		capacity[EscapeJSONPointer(name)] = int64(counts[0])
		allocatable[EscapeJSONPointer(name)] = int64(counts[1])
	}
	doc, _ := json.Marshal(map[string]any{
		"status": map[string]any{
			"capacity":    capacity,
			"allocatable": allocatable,
		},
	})
	return doc
}

func jsonEqual(a, b []byte) bool {
	var av, bv any
	if json.Unmarshal(a, &av) != nil || json.Unmarshal(b, &bv) != nil {
		return false
	}
	aj, _ := json.Marshal(av)
	bj, _ := json.Marshal(bv)
	return string(aj) == string(bj)
}
