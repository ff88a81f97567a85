// Package objectstate implements krator: a generic per-object finite state
// machine runtime driven by watch events, with runtime-registered edge
// validation and automatic status reconciliation.
package objectstate

import "fmt"

// Key identifies a watched object by its namespace/name pair. It is used as
// a map key, as the channel-routing key, and for log correlation.
type Key struct {
	Namespace string
	Name      string
}

func (k Key) String() string {
	if k.Namespace == "" {
		return k.Name
	}
	return fmt.Sprintf("%s/%s", k.Namespace, k.Name)
}

// EventKind is the watch event vocabulary the runtime reacts to.
type EventKind int

const (
	Applied EventKind = iota
	Deleted
	Restarted
)

func (k EventKind) String() string {
	switch k {
	case Applied:
		return "Applied"
	case Deleted:
		return "Deleted"
	case Restarted:
		return "Restarted"
	default:
		return "Unknown"
	}
}

// Event is a single watch notification for an object of manifest type M.
type Event[M any] struct {
	Kind   EventKind
	Key    Key
	Object *M
}
