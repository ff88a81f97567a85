// Command kubelet runs the wasm-kubelet node agent: it watches the pods
// scheduled to one node, pulls their WASM module images, mounts their
// volumes, and drives each through PodStateMachine, while separately serving
// the device-plugin registration socket and publishing this node's device
// inventory. Modeled on the teacher's pkg/kubernetes-mcp-server/cmd/root.go
// cobra/viper entrypoint, per SPEC_FULL.md §4.10/§6.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/klog/v2"
	"k8s.io/klog/v2/textlogger"

	"github.com/scoutflo/wasm-kubelet/internal/clusterclient"
	"github.com/scoutflo/wasm-kubelet/internal/config"
	"github.com/scoutflo/wasm-kubelet/internal/device"
	"github.com/scoutflo/wasm-kubelet/internal/objectstate"
	"github.com/scoutflo/wasm-kubelet/internal/pluginwatcher"
	"github.com/scoutflo/wasm-kubelet/internal/pod"
	"github.com/scoutflo/wasm-kubelet/internal/provider/noop"
	"github.com/scoutflo/wasm-kubelet/internal/reflector"
	"github.com/scoutflo/wasm-kubelet/internal/store"
	"github.com/scoutflo/wasm-kubelet/internal/volume"
	"github.com/scoutflo/wasm-kubelet/pkg/health"
)

var rootCmd = &cobra.Command{
	Use:   "wasm-kubelet",
	Short: "WASM kubelet node agent",
	Long: `
wasm-kubelet runs one node's pod lifecycle against a Kubernetes API server,
pulling WASM modules instead of OCI containers and running them in-process.

  # run against the in-cluster config, registering as node "wasm-node-1"
  wasm-kubelet --node-name wasm-node-1

  # run out-of-cluster against a kubeconfig
  wasm-kubelet --node-name wasm-node-1 --bootstrap-file ~/.kube/config`,
	RunE: runAgent,
}

func init() {
	if err := config.BindFlags(rootCmd.Flags()); err != nil {
		panic(err)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	initLogging(cfg.LogLevel)

	if cfg.BootstrapFile != "" {
		_ = os.Setenv("KUBECONFIG", cfg.BootstrapFile)
	}

	cluster, err := clusterclient.New()
	if err != nil {
		return fmt.Errorf("connecting to cluster: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := reflector.New()

	fs := afero.NewOsFs()
	var imageStore store.Getter = store.New(cfg.DataDir, fs, store.OCIRegistryClient{
		Insecure: len(cfg.InsecureRegistries) > 0,
	})
	if cfg.AllowLocalModules {
		base, ok := imageStore.(*store.Store)
		if ok {
			imageStore = store.CompositeStore{
				Base:        base,
				Interceptor: store.FSInterceptor{Root: cfg.DataDir, FS: fs},
			}
		}
	}

	mounter := volume.New(fs, cfg.DataDir, cluster, cluster, cluster)

	inventory := device.NewInventory()
	nodePatcher := device.NewNodePatcher(cfg.NodeName, inventory, cluster)
	deviceManager := device.NewManager(cfg.PluginDir, nodePatcher)
	watcher := pluginwatcher.New(cfg.PluginDir)
	watcher.OnDevice = func(info pluginwatcher.Info) {
		klog.V(2).InfoS("device plugin socket observed", "name", info.Name, "endpoint", info.Endpoint)
	}

	ports := pod.NewPortMap()
	shared := objectstate.NewShared(&pod.Shared{
		Images:   imageStore,
		Auth:     store.AnonymousResolver{},
		Volumes:  mounter,
		Provider: noop.New(),
		Ports:    ports,
	})
	podManager := pod.NewManager(shared, podStatusPatcher(cluster))

	healthChecker := health.NewHealthChecker()
	healthChecker.RegisterSubsystem("cluster-client", func() bool {
		_, err := cluster.ListPods(ctx, cfg.NodeName)
		return err == nil
	})
	healthChecker.RegisterSubsystem("device-manager", func() bool {
		select {
		case <-nodePatcher.Ready():
		default:
			return false
		}
		_, err := os.Stat(cfg.PluginDir + "/kubelet.sock")
		return err == nil
	})
	healthChecker.RegisterSubsystem("image-store-writable", func() bool {
		return fs.MkdirAll(cfg.DataDir, 0o755) == nil
	})

	mux := http.NewServeMux()
	health.AttachHealthEndpoints(mux, healthChecker)
	httpServer := &http.Server{Addr: fmt.Sprintf("%s:%d", cfg.Addr, cfg.Port), Handler: mux}

	errCh := make(chan error, 4)

	go func() {
		klog.V(0).InfoS("health server starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("health server: %w", err)
		}
	}()

	go func() {
		if err := deviceManager.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("device manager: %w", err)
		}
	}()

	go func() {
		if err := nodePatcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("node patcher: %w", err)
		}
	}()

	go func() {
		if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("plugin watcher: %w", err)
		}
	}()

	go func() {
		if err := watchPods(ctx, cluster, cfg.NodeName, registry, podManager); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("pod watch: %w", err)
		}
	}()

	healthChecker.SetReady(true)
	klog.V(0).InfoS("wasm-kubelet started", "node", cfg.NodeName)

	select {
	case sig := <-waitForSignal(ctx):
		klog.V(0).InfoS("received signal, shutting down", "signal", sig)
	case err := <-errCh:
		klog.ErrorS(err, "subsystem failed")
	}

	healthChecker.SetReady(false)
	stop()

	klog.V(0).InfoS("waiting for in-flight work to settle")
	time.Sleep(2 * time.Second)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		klog.ErrorS(err, "health server shutdown")
	}

	return nil
}

// waitForSignal returns a channel that fires once ctx is canceled, carrying
// no payload of its own use beyond unblocking the select in runAgent.
func waitForSignal(ctx context.Context) <-chan os.Signal {
	ch := make(chan os.Signal, 1)
	go func() {
		<-ctx.Done()
		ch <- syscall.SIGTERM
	}()
	return ch
}

func schemaGroupVersionKindForPods() schema.GroupVersionKind {
	return corev1.SchemeGroupVersion.WithKind("Pod")
}

func watchPods(ctx context.Context, cluster *clusterclient.Client, nodeName string, registry *reflector.Registry, manager *pod.Manager) error {
	events, err := cluster.WatchPods(ctx, nodeName)
	if err != nil {
		return err
	}
	podGVK := schemaGroupVersionKindForPods()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				events, err = cluster.WatchPods(ctx, nodeName)
				if err != nil {
					return err
				}
				continue
			}
			switch ev.Kind {
			case objectstate.Applied:
				raw, err := json.Marshal(ev.Object)
				if err == nil {
					registry.Upsert(podGVK, ev.Key, raw)
				}
			case objectstate.Deleted:
				registry.Delete(podGVK, ev.Key)
			case objectstate.Restarted:
				registry.Restart(podGVK)
			}
			manager.Dispatch(ctx, ev)
		}
	}
}

// podStatusPatcher adapts pod.State's status value into the strategic-merge
// JSON body PatchPodStatus expects, the same narrow role
// NoopContainerPatcher plays for container-level status (discarded there,
// since this core doesn't mirror individual container statuses upstream).
func podStatusPatcher(cluster *clusterclient.Client) objectstate.StatusPatcher {
	return func(ctx context.Context, key objectstate.Key, status any) error {
		s, ok := status.(pod.Status)
		if !ok {
			return fmt.Errorf("pod status patcher: unexpected status type %T", status)
		}
		body, err := json.Marshal(struct {
			Status pod.Status `json:"status"`
		}{Status: s})
		if err != nil {
			return err
		}
		return cluster.PatchPodStatus(ctx, key.Namespace, key.Name, body)
	}
}

func initLogging(logLevel int) {
	if logLevel < 0 {
		logLevel = 2
	}
	cfg := textlogger.NewConfig(textlogger.Output(os.Stderr), textlogger.Verbosity(logLevel))
	klog.SetLoggerWithOptions(textlogger.NewLogger(cfg))

	flagSet := flag.NewFlagSet("wasm-kubelet", flag.ContinueOnError)
	klog.InitFlags(flagSet)
	if err := flagSet.Parse([]string{"--v", strconv.Itoa(logLevel)}); err != nil {
		fmt.Fprintf(os.Stderr, "error parsing log level: %v\n", err)
	}
}
