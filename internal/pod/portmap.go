package pod

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/scoutflo/wasm-kubelet/internal/objectstate"
)

// ephemeralPortLow and ephemeralPortHigh bound the random host-port range
// assigned to containers that don't fix a host port, per §4.6.
const (
	ephemeralPortLow  = 30000
	ephemeralPortHigh = 32768
)

// PortMap is the process-wide host-port -> owning-pod-key map. Writers are
// pod tasks assigning ports to their own containers; releases happen only
// from a pod's async-drop, per §5.
type PortMap struct {
	mu    sync.Mutex
	ports map[int32]objectstate.Key
}

func NewPortMap() *PortMap {
	return &PortMap{ports: make(map[int32]objectstate.Key)}
}

var errPortExhausted = fmt.Errorf("pod: no free host port in [%d, %d)", ephemeralPortLow, ephemeralPortHigh)

// Allocate assigns a host port for owner. If fixed is nonzero, it is used if
// free (conflict is an error); otherwise a random free port in
// [30000, 32768) is chosen.
func (p *PortMap) Allocate(fixed int32, owner objectstate.Key) (int32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if fixed != 0 {
		if existing, taken := p.ports[fixed]; taken && existing != owner {
			return 0, fmt.Errorf("Port %d is currently in use", fixed)
		}
		p.ports[fixed] = owner
		return fixed, nil
	}

	span := ephemeralPortHigh - ephemeralPortLow
	start := rand.Intn(span)
	for i := 0; i < span; i++ {
		candidate := int32(ephemeralPortLow + (start+i)%span)
		if _, taken := p.ports[candidate]; !taken {
			p.ports[candidate] = owner
			return candidate, nil
		}
	}
	return 0, errPortExhausted
}

// ReleaseAll frees every port held by owner, called from the pod's
// async-drop.
func (p *PortMap) ReleaseAll(owner objectstate.Key) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for port, k := range p.ports {
		if k == owner {
			delete(p.ports, port)
		}
	}
}
