package clusterclient

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/klog/v2"

	"github.com/scoutflo/wasm-kubelet/internal/objectstate"
)

// WatchPods opens a pod watch scoped to this node and translates each
// watch.Event into the {Applied, Deleted, Restarted} vocabulary
// ObjectStateMachine expects. The returned channel is closed when ctx is
// canceled or the watch ends; callers are expected to re-call WatchPods to
// resume (a Restarted event is synthesized first so the reflector clears its
// mirror).
func (c *Client) WatchPods(ctx context.Context, nodeName string) (<-chan objectstate.Event[corev1.Pod], error) {
	w, err := c.clientSet.CoreV1().Pods(metav1.NamespaceAll).Watch(ctx, metav1.ListOptions{
		FieldSelector: "spec.nodeName=" + nodeName,
	})
	if err != nil {
		return nil, fmt.Errorf("clusterclient: watching pods: %w", err)
	}

	out := make(chan objectstate.Event[corev1.Pod], 16)
	go func() {
		defer close(out)
		defer w.Stop()

		select {
		case out <- restartedEvent[corev1.Pod]():
		case <-ctx.Done():
			return
		}

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.ResultChan():
				if !ok {
					return
				}
				translated, ok := translatePodEvent(ev)
				if !ok {
					continue
				}
				select {
				case out <- translated:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func translatePodEvent(ev watch.Event) (objectstate.Event[corev1.Pod], bool) {
	pod, ok := ev.Object.(*corev1.Pod)
	if !ok {
		if status, ok := ev.Object.(*metav1.Status); ok {
			klog.ErrorS(fmt.Errorf("%s", status.Message), "pod watch stream error event")
		}
		return objectstate.Event[corev1.Pod]{}, false
	}
	key := objectstate.Key{Namespace: pod.Namespace, Name: pod.Name}

	switch ev.Type {
	case watch.Added, watch.Modified:
		return objectstate.Event[corev1.Pod]{Kind: objectstate.Applied, Key: key, Object: pod}, true
	case watch.Deleted:
		return objectstate.Event[corev1.Pod]{Kind: objectstate.Deleted, Key: key, Object: pod}, true
	default:
		return objectstate.Event[corev1.Pod]{}, false
	}
}

func restartedEvent[M any]() objectstate.Event[M] {
	return objectstate.Event[M]{Kind: objectstate.Restarted}
}
