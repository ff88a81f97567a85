// Package volume resolves a pod's declared volumes into host directories the
// container runtime can bind-mount, per §4.7.
package volume

import (
	"context"
	"fmt"

	authenticationv1 "k8s.io/api/authentication/v1"
	corev1 "k8s.io/api/core/v1"
)

// Kind is one of the five volume kinds this core resolves.
type Kind string

const (
	KindConfigMap   Kind = "ConfigMap"
	KindSecret      Kind = "Secret"
	KindHostPath    Kind = "HostPath"
	KindProjected   Kind = "Projected"
	KindDownwardAPI Kind = "DownwardAPI"
)

// Item remaps one source key to a different file name inside the volume
// directory; an empty NewName keeps the key as the file name.
type Item struct {
	Key     string
	NewName string
}

func (it Item) fileName() string {
	if it.NewName != "" {
		return it.NewName
	}
	return it.Key
}

// ServiceAccountTokenSource describes a projected ServiceAccountToken
// source: request a token bound to the pod, scoped to Audience, valid for
// ExpirationSeconds, written at Path inside the projected directory.
type ServiceAccountTokenSource struct {
	ServiceAccountName string
	Audience           string
	ExpirationSeconds  int64
	Path               string
}

// DefaultAudience and DefaultExpirationSeconds are the §4.7 defaults applied
// when a ServiceAccountTokenSource leaves them unset.
const (
	DefaultAudience          = "api"
	DefaultExpirationSeconds = int64(3600)
)

// DownwardAPIItem formats one piece of pod metadata into a file.
type DownwardAPIItem struct {
	Path     string
	FieldRef string // "metadata.name", "metadata.namespace", "metadata.labels", "metadata.annotations"
}

// ProjectedSource is one source combined into a Projected volume: exactly
// one of ConfigMapName/SecretName/ServiceAccountToken/DownwardAPI is set.
type ProjectedSource struct {
	ConfigMapName       string
	SecretName          string
	Items               []Item
	ServiceAccountToken *ServiceAccountTokenSource
	DownwardAPI         []DownwardAPIItem
}

// Spec is one volume declared on a pod.
type Spec struct {
	Name      string
	Kind      Kind
	ConfigMap string // ConfigMap name, for Kind == KindConfigMap
	Secret    string // Secret name, for Kind == KindSecret
	Items     []Item
	HostPath  string // for Kind == KindHostPath
	Projected []ProjectedSource
	Downward  []DownwardAPIItem
}

// PodMetadata is the subset of pod identity DownwardAPI items and token
// requests need.
type PodMetadata struct {
	Namespace   string
	Name        string
	UID         string
	Labels      map[string]string
	Annotations map[string]string
}

// Ref is a resolved volume: a host path ready to bind-mount, and the
// teardown callback the pod's async-drop invokes.
type Ref struct {
	HostPath string
	unmount  func() error
}

// Unmount releases whatever Mount acquired (temp directory, nothing for
// HostPath). Individual unmount failures are logged by the caller, not
// propagated, per §4.7.
func (r Ref) Unmount() error {
	if r.unmount == nil {
		return nil
	}
	return r.unmount()
}

var errMissingVolumeSource = fmt.Errorf("volume: volume spec missing a required source field")

// ConfigMapGetter and SecretGetter are the narrow cluster-API reads
// VolumeMounter needs; internal/clusterclient.Client satisfies both.
type ConfigMapGetter interface {
	GetConfigMap(ctx context.Context, namespace, name string) (*corev1.ConfigMap, error)
}

type SecretGetter interface {
	GetSecret(ctx context.Context, namespace, name string) (*corev1.Secret, error)
}

// TokenRequester issues a bound ServiceAccountToken, satisfied by
// internal/clusterclient.Client.
type TokenRequester interface {
	RequestServiceAccountToken(ctx context.Context, namespace, serviceAccount string, audiences []string, expirationSeconds int64) (*authenticationv1.TokenRequest, error)
}
