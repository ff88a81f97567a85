// Package clusterclient wraps a k8s.io/client-go clientset behind the
// narrow surface the core actually needs: list, watch (translated into the
// Applied/Deleted/Restarted vocabulary ObjectStateMachine expects), get,
// patch (strategic-merge and JSON-Patch), and token-request.
package clusterclient

import (
	"context"
	"fmt"
	"os"

	authenticationv1 "k8s.io/api/authentication/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// Client is the concrete cluster-API collaborator every other package
// depends on through its own narrow interface (objectstate.StatusPatcher,
// device.NodeStatusPatcher, volume's token requester, and so on).
type Client struct {
	cfg       *rest.Config
	clientSet kubernetes.Interface
}

// New resolves a *rest.Config the same way the teacher does: in-cluster
// config first, falling back to the default kubeconfig loading rules.
func New() (*Client, error) {
	cfg, err := resolveConfig()
	if err != nil {
		return nil, fmt.Errorf("clusterclient: resolving kube config: %w", err)
	}
	clientSet, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("clusterclient: building clientset: %w", err)
	}
	return &Client{cfg: cfg, clientSet: clientSet}, nil
}

// NewFromInterface wraps an already-constructed clientset, used by tests
// with k8s.io/client-go/kubernetes/fake.
func NewFromInterface(clientSet kubernetes.Interface) *Client {
	return &Client{clientSet: clientSet}
}

func resolveConfig() (*rest.Config, error) {
	if cfg, err := rest.InClusterConfig(); err == nil {
		return cfg, nil
	}
	kubeconfig := os.Getenv("KUBECONFIG")
	if kubeconfig == "" {
		if home, err := os.UserHomeDir(); err == nil {
			kubeconfig = home + "/.kube/config"
		}
	}
	return clientcmd.BuildConfigFromFlags("", kubeconfig)
}

// RESTConfig exposes the underlying config for callers (e.g. a remote exec
// or metrics client) that need it directly, mirroring the teacher's
// GetRESTConfig accessor.
func (c *Client) RESTConfig() *rest.Config { return c.cfg }

// GetPod fetches a single pod by namespace/name.
func (c *Client) GetPod(ctx context.Context, namespace, name string) (*corev1.Pod, error) {
	return c.clientSet.CoreV1().Pods(namespace).Get(ctx, name, metav1.GetOptions{})
}

// ListPods lists pods scheduled to this node; cmd/kubelet's cluster-client
// readiness probe calls it.
func (c *Client) ListPods(ctx context.Context, nodeName string) (*corev1.PodList, error) {
	return c.clientSet.CoreV1().Pods(metav1.NamespaceAll).List(ctx, metav1.ListOptions{
		FieldSelector: "spec.nodeName=" + nodeName,
	})
}

// PatchPodStatus applies a strategic-merge patch to a pod's status
// subresource, used by PodStateMachine status reconciliation (container
// statuses go to NoopContainerPatcher and are not sent here).
func (c *Client) PatchPodStatus(ctx context.Context, namespace, name string, patch []byte) error {
	_, err := c.clientSet.CoreV1().Pods(namespace).Patch(ctx, name, types.StrategicMergePatchType, patch, metav1.PatchOptions{}, "status")
	return err
}

// PatchNodeStatus applies a patch (JSON-Patch or strategic-merge) to a
// node's status subresource. It satisfies device.NodeStatusPatcher.
func (c *Client) PatchNodeStatus(ctx context.Context, nodeName string, patchType types.PatchType, patch []byte) error {
	_, err := c.clientSet.CoreV1().Nodes().Patch(ctx, nodeName, patchType, patch, metav1.PatchOptions{}, "status")
	return err
}

// GetConfigMap and GetSecret read the two object kinds VolumeMounter
// resolves directly from the API (as opposed to through the reflector
// mirror, which a provider may prefer for watched volumes).
func (c *Client) GetConfigMap(ctx context.Context, namespace, name string) (*corev1.ConfigMap, error) {
	return c.clientSet.CoreV1().ConfigMaps(namespace).Get(ctx, name, metav1.GetOptions{})
}

func (c *Client) GetSecret(ctx context.Context, namespace, name string) (*corev1.Secret, error) {
	return c.clientSet.CoreV1().Secrets(namespace).Get(ctx, name, metav1.GetOptions{})
}

// RequestServiceAccountToken creates a bound TokenRequest subresource for a
// projected ServiceAccountToken volume source, per §4.7.
func (c *Client) RequestServiceAccountToken(ctx context.Context, namespace, serviceAccount string, audiences []string, expirationSeconds int64) (*authenticationv1.TokenRequest, error) {
	tr := &authenticationv1.TokenRequest{
		Spec: authenticationv1.TokenRequestSpec{
			Audiences:         audiences,
			ExpirationSeconds: &expirationSeconds,
		},
	}
	return c.clientSet.CoreV1().ServiceAccounts(namespace).CreateToken(ctx, serviceAccount, tr, metav1.CreateOptions{})
}
