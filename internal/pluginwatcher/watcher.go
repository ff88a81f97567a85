// Package pluginwatcher watches a filesystem directory for new Unix domain
// sockets, performs the plugin handshake, and dispatches device plugins to
// the device manager and (in principle) storage plugins to a separate
// dispatcher.
package pluginwatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"k8s.io/klog/v2"
)

// PluginType distinguishes the two kinds of plugin this watcher can see
// connect; only Device is implemented end-to-end by this core.
type PluginType string

const (
	TypeDevice  PluginType = "DevicePlugin"
	TypeStorage PluginType = "CSIPlugin"
)

// Info is the handshake payload a plugin writes to its socket's sibling
// ".json" file (or, in simpler deployments, the information this watcher
// infers from the socket's own path) announcing itself.
type Info struct {
	Type     PluginType `json:"type"`
	Name     string     `json:"name"`
	Endpoint string     `json:"endpoint"`
}

// ErrUnsupportedPluginType is returned by the default StorageDispatcher: the
// dispatch point exists, but no storage-plugin backend ships with this core.
var ErrUnsupportedPluginType = errors.New("pluginwatcher: unsupported plugin type")

// DeviceDispatcher hands a newly discovered device plugin's registration
// info to the device manager's registration client path. In this core,
// device plugins register themselves directly against the manager's
// registration socket (§6), so the watcher's device dispatch is a thin
// notification hook used for logging and test observation.
type DeviceDispatcher func(Info)

// StorageDispatcher is the dispatch point for CSI-style storage plugins.
// The default implementation rejects every plugin; a concrete storage
// backend would replace it.
type StorageDispatcher func(Info) error

func defaultStorageDispatcher(info Info) error {
	return fmt.Errorf("%w: %s", ErrUnsupportedPluginType, info.Name)
}

// Watcher scans pluginDir for new Unix sockets using fsnotify and dispatches
// each according to its announced type.
type Watcher struct {
	pluginDir string

	OnDevice  DeviceDispatcher
	OnStorage StorageDispatcher

	seen map[string]bool
}

func New(pluginDir string) *Watcher {
	return &Watcher{
		pluginDir: pluginDir,
		OnStorage: defaultStorageDispatcher,
		seen:      make(map[string]bool),
	}
}

// Run watches pluginDir until ctx is canceled, dispatching each new socket
// exactly once.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.pluginDir, 0o755); err != nil {
		return fmt.Errorf("pluginwatcher: creating plugin directory: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("pluginwatcher: creating fsnotify watcher: %w", err)
	}
	defer fsw.Close()

	if err := fsw.Add(w.pluginDir); err != nil {
		return fmt.Errorf("pluginwatcher: watching %s: %w", w.pluginDir, err)
	}

	if err := w.scanExisting(); err != nil {
		klog.ErrorS(err, "initial plugin directory scan failed", "dir", w.pluginDir)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			w.handlePath(ev.Name)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			klog.ErrorS(err, "plugin directory watch error", "dir", w.pluginDir)
		}
	}
}

func (w *Watcher) scanExisting() error {
	entries, err := os.ReadDir(w.pluginDir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		w.handlePath(filepath.Join(w.pluginDir, e.Name()))
	}
	return nil
}

func (w *Watcher) handlePath(path string) {
	if !strings.HasSuffix(path, ".sock") {
		return
	}
	if w.seen[path] {
		return
	}
	w.seen[path] = true

	info, err := handshake(path)
	if err != nil {
		klog.ErrorS(err, "plugin handshake failed", "socket", path)
		return
	}

	switch info.Type {
	case TypeDevice:
		if w.OnDevice != nil {
			w.OnDevice(info)
		}
	case TypeStorage:
		if err := w.OnStorage(info); err != nil {
			klog.ErrorS(err, "storage plugin dispatch rejected", "socket", path)
		}
	default:
		klog.InfoS("unknown plugin type announced", "socket", path, "type", info.Type)
	}
}

// handshake reads the plugin's announcement from the sibling ".json"
// manifest that accompanies its socket; plugins that omit one are assumed to
// be device plugins named after their socket file, matching the common
// single-plugin-per-directory convention.
func handshake(socketPath string) (Info, error) {
	manifestPath := strings.TrimSuffix(socketPath, ".sock") + ".json"
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		if os.IsNotExist(err) {
			return Info{
				Type:     TypeDevice,
				Name:     strings.TrimSuffix(filepath.Base(socketPath), ".sock"),
				Endpoint: socketPath,
			}, nil
		}
		return Info{}, fmt.Errorf("pluginwatcher: reading handshake manifest: %w", err)
	}

	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return Info{}, fmt.Errorf("pluginwatcher: decoding handshake manifest: %w", err)
	}
	if info.Endpoint == "" {
		info.Endpoint = socketPath
	}
	return info, nil
}
