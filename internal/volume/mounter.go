package volume

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"
	"k8s.io/klog/v2"
)

// Mounter resolves volume specs into host directories under baseDir,
// through the afero filesystem abstraction so unit tests run entirely
// against an in-memory filesystem.
type Mounter struct {
	fs         afero.Fs
	baseDir    string
	configMaps ConfigMapGetter
	secrets    SecretGetter
	tokens     TokenRequester
}

func New(fs afero.Fs, baseDir string, configMaps ConfigMapGetter, secrets SecretGetter, tokens TokenRequester) *Mounter {
	return &Mounter{fs: fs, baseDir: baseDir, configMaps: configMaps, secrets: secrets, tokens: tokens}
}

// Mount resolves one volume spec for a pod, returning the host directory
// backing it.
func (m *Mounter) Mount(ctx context.Context, pod PodMetadata, spec Spec) (Ref, error) {
	dir := filepath.Join(m.baseDir, pod.UID, spec.Name)

	var ref Ref
	var err error
	switch spec.Kind {
	case KindConfigMap:
		ref, err = m.mountConfigMap(ctx, pod.Namespace, dir, spec.ConfigMap, spec.Items)
	case KindSecret:
		ref, err = m.mountSecret(ctx, pod.Namespace, dir, spec.Secret, spec.Items)
	case KindHostPath:
		return m.mountHostPath(spec.HostPath)
	case KindProjected:
		ref, err = m.mountProjected(ctx, pod, dir, spec.Projected)
	case KindDownwardAPI:
		ref, err = m.mountDownwardAPI(pod, dir, spec.Downward)
	default:
		return Ref{}, fmt.Errorf("volume: unknown volume kind %q", spec.Kind)
	}
	if err != nil {
		return Ref{}, err
	}
	ref.unmount = func() error { return m.fs.RemoveAll(dir) }
	return ref, nil
}

func (m *Mounter) mountConfigMap(ctx context.Context, namespace, dir, name string, items []Item) (Ref, error) {
	if name == "" {
		return Ref{}, fmt.Errorf("%w: ConfigMap volume missing configMap name", errMissingVolumeSource)
	}
	cm, err := m.configMaps.GetConfigMap(ctx, namespace, name)
	if err != nil {
		return Ref{}, fmt.Errorf("volume: resolving ConfigMap %s/%s: %w", namespace, name, err)
	}
	if err := m.fs.MkdirAll(dir, 0o755); err != nil {
		return Ref{}, fmt.Errorf("volume: creating %s: %w", dir, err)
	}
	data := make(map[string][]byte, len(cm.Data)+len(cm.BinaryData))
	for k, v := range cm.Data {
		data[k] = []byte(v)
	}
	for k, v := range cm.BinaryData {
		data[k] = v
	}
	if err := m.writeKeys(dir, data, items); err != nil {
		return Ref{}, err
	}
	return Ref{HostPath: dir}, nil
}

func (m *Mounter) mountSecret(ctx context.Context, namespace, dir, name string, items []Item) (Ref, error) {
	if name == "" {
		return Ref{}, fmt.Errorf("%w: Secret volume missing secret name", errMissingVolumeSource)
	}
	secret, err := m.secrets.GetSecret(ctx, namespace, name)
	if err != nil {
		return Ref{}, fmt.Errorf("volume: resolving Secret %s/%s: %w", namespace, name, err)
	}
	if err := m.fs.MkdirAll(dir, 0o755); err != nil {
		return Ref{}, fmt.Errorf("volume: creating %s: %w", dir, err)
	}
	if err := m.writeKeys(dir, secret.Data, items); err != nil {
		return Ref{}, err
	}
	return Ref{HostPath: dir}, nil
}

// writeKeys writes each key's bytes to dir/<fileName>, preserving binary
// content exactly (no re-encoding), honoring any per-key remap in items.
func (m *Mounter) writeKeys(dir string, data map[string][]byte, items []Item) error {
	remap := make(map[string]string, len(items))
	for _, it := range items {
		remap[it.Key] = it.fileName()
	}

	for key, value := range data {
		fileName := key
		if renamed, ok := remap[key]; ok {
			fileName = renamed
		}
		if err := afero.WriteFile(m.fs, filepath.Join(dir, fileName), value, 0o644); err != nil {
			return fmt.Errorf("volume: writing %s/%s: %w", dir, fileName, err)
		}
	}
	return nil
}

func (m *Mounter) mountHostPath(path string) (Ref, error) {
	if path == "" {
		return Ref{}, fmt.Errorf("%w: HostPath volume missing path", errMissingVolumeSource)
	}
	exists, err := afero.DirExists(m.fs, path)
	if err != nil {
		return Ref{}, fmt.Errorf("volume: checking host path %s: %w", path, err)
	}
	if !exists {
		return Ref{}, fmt.Errorf("volume: host path %s does not exist", path)
	}
	return Ref{HostPath: path}, nil
}

func (m *Mounter) mountProjected(ctx context.Context, pod PodMetadata, dir string, sources []ProjectedSource) (Ref, error) {
	if err := m.fs.MkdirAll(dir, 0o755); err != nil {
		return Ref{}, fmt.Errorf("volume: creating %s: %w", dir, err)
	}

	for _, src := range sources {
		switch {
		case src.ConfigMapName != "":
			if _, err := m.mountConfigMap(ctx, pod.Namespace, dir, src.ConfigMapName, src.Items); err != nil {
				return Ref{}, err
			}
		case src.SecretName != "":
			if _, err := m.mountSecret(ctx, pod.Namespace, dir, src.SecretName, src.Items); err != nil {
				return Ref{}, err
			}
		case src.ServiceAccountToken != nil:
			if err := m.projectServiceAccountToken(ctx, pod, dir, src.ServiceAccountToken); err != nil {
				return Ref{}, err
			}
		case len(src.DownwardAPI) > 0:
			if err := m.writeDownwardAPI(pod, dir, src.DownwardAPI); err != nil {
				return Ref{}, err
			}
		default:
			return Ref{}, fmt.Errorf("%w: projected source declares no kind", errMissingVolumeSource)
		}
	}
	return Ref{HostPath: dir}, nil
}

// projectServiceAccountToken requests a bound token and writes it once.
// TODO(volume): tokens are not refreshed before ExpirationSeconds elapses;
// rotation is a design-note item (§9), not implemented here.
func (m *Mounter) projectServiceAccountToken(ctx context.Context, pod PodMetadata, dir string, src *ServiceAccountTokenSource) error {
	audience := src.Audience
	if audience == "" {
		audience = DefaultAudience
	}
	expiration := src.ExpirationSeconds
	if expiration == 0 {
		expiration = DefaultExpirationSeconds
	}
	path := src.Path
	if path == "" {
		path = "token"
	}

	tr, err := m.tokens.RequestServiceAccountToken(ctx, pod.Namespace, src.ServiceAccountName, []string{audience}, expiration)
	if err != nil {
		return fmt.Errorf("volume: requesting service account token for %s/%s: %w", pod.Namespace, src.ServiceAccountName, err)
	}

	klog.V(4).InfoS("projected service account token issued", "namespace", pod.Namespace, "serviceAccount", src.ServiceAccountName, "expirationSeconds", expiration)
	return afero.WriteFile(m.fs, filepath.Join(dir, path), []byte(tr.Status.Token), 0o600)
}

func (m *Mounter) mountDownwardAPI(pod PodMetadata, dir string, items []DownwardAPIItem) (Ref, error) {
	if err := m.fs.MkdirAll(dir, 0o755); err != nil {
		return Ref{}, fmt.Errorf("volume: creating %s: %w", dir, err)
	}
	if err := m.writeDownwardAPI(pod, dir, items); err != nil {
		return Ref{}, err
	}
	return Ref{HostPath: dir}, nil
}

func (m *Mounter) writeDownwardAPI(pod PodMetadata, dir string, items []DownwardAPIItem) error {
	for _, item := range items {
		value, err := formatDownwardAPIField(pod, item.FieldRef)
		if err != nil {
			return err
		}
		if err := afero.WriteFile(m.fs, filepath.Join(dir, item.Path), value, 0o644); err != nil {
			return fmt.Errorf("volume: writing downward API file %s: %w", item.Path, err)
		}
	}
	return nil
}

func formatDownwardAPIField(pod PodMetadata, fieldRef string) ([]byte, error) {
	switch fieldRef {
	case "metadata.name":
		return []byte(pod.Name), nil
	case "metadata.namespace":
		return []byte(pod.Namespace), nil
	case "metadata.uid":
		return []byte(pod.UID), nil
	case "metadata.labels":
		return formatMap(pod.Labels)
	case "metadata.annotations":
		return formatMap(pod.Annotations)
	default:
		return nil, fmt.Errorf("volume: unsupported downward API field %q", fieldRef)
	}
}

func formatMap(m map[string]string) ([]byte, error) {
	return json.Marshal(m)
}
