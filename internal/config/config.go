// Package config binds the node agent's startup configuration, read once via
// viper and never re-read at runtime, per SPEC_FULL.md §6 / §4.10.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the full set of fields the core consumes. Every field is opaque
// to the provider: the provider never reads configuration directly, only
// what PodStateMachine/ContainerStateMachine pass it through StartRequest.
type Config struct {
	NodeName    string   `mapstructure:"node_name"`
	NodeIP      string   `mapstructure:"node_ip"`
	Hostname    string   `mapstructure:"hostname"`
	Addr        string   `mapstructure:"addr"`
	Port        int      `mapstructure:"port"`
	TLSCertFile string   `mapstructure:"tls_cert_file"`
	TLSKeyFile  string   `mapstructure:"tls_private_key_file"`
	DataDir     string   `mapstructure:"data_dir"`

	BootstrapFile      string   `mapstructure:"bootstrap_file"`
	MaxPods            int      `mapstructure:"max_pods"`
	AllowLocalModules  bool     `mapstructure:"allow_local_modules"`
	InsecureRegistries []string `mapstructure:"insecure_registries"`
	NodeLabels         map[string]string

	PluginDir string `mapstructure:"plugin_dir"`
	LogLevel  int    `mapstructure:"log_level"`
}

// BindFlags registers every configuration flag on fs and binds it to viper,
// directly modeled on the teacher's rootCmd.Flags()/viper.BindPFlags pairing
// in pkg/kubernetes-mcp-server/cmd/root.go.
func BindFlags(fs *pflag.FlagSet) error {
	fs.String("node-name", "", "Name this node registers under")
	fs.String("node-ip", "", "IP address advertised for this node")
	fs.String("hostname", "", "Hostname override; defaults to the OS hostname")
	fs.String("addr", "0.0.0.0", "Address the agent's HTTP server binds")
	fs.Int("port", 10250, "Port the agent's HTTP server binds")
	fs.String("tls-cert-file", "", "TLS certificate file for the agent's HTTP server")
	fs.String("tls-private-key-file", "", "TLS private key file for the agent's HTTP server")
	fs.String("data-dir", "/var/lib/wasm-kubelet", "Root directory for the image store and mounted volumes")
	fs.String("bootstrap-file", "", "Kubeconfig used to bootstrap cluster connectivity")
	fs.Int("max-pods", 110, "Maximum number of pods this node accepts")
	fs.Bool("allow-local-modules", false, "Serve fs/<path> module references from data-dir without a registry pull")
	fs.StringSlice("insecure-registries", nil, "Registries reachable over plain HTTP")
	fs.String("node-labels", "", "Comma-separated key=value labels applied to this node")
	fs.String("plugin-dir", "/var/lib/wasm-kubelet/plugins", "Directory watched for device plugin registration sockets")
	fs.Int("log-level", 2, "klog verbosity (0-9)")
	return viper.BindPFlags(fs)
}

// Load reads every bound flag's current value out of viper into a Config,
// mirroring the teacher's viper.GetString/viper.GetInt call style in
// initLogging, and parses the comma-separated node-labels flag.
func Load() (Config, error) {
	cfg := Config{
		NodeName:           viper.GetString("node-name"),
		NodeIP:             viper.GetString("node-ip"),
		Hostname:           viper.GetString("hostname"),
		Addr:               viper.GetString("addr"),
		Port:               viper.GetInt("port"),
		TLSCertFile:        viper.GetString("tls-cert-file"),
		TLSKeyFile:         viper.GetString("tls-private-key-file"),
		DataDir:            viper.GetString("data-dir"),
		BootstrapFile:      viper.GetString("bootstrap-file"),
		MaxPods:            viper.GetInt("max-pods"),
		AllowLocalModules:  viper.GetBool("allow-local-modules"),
		InsecureRegistries: viper.GetStringSlice("insecure-registries"),
		PluginDir:          viper.GetString("plugin-dir"),
		LogLevel:           viper.GetInt("log-level"),
	}

	labels, err := parseNodeLabels(viper.GetString("node-labels"))
	if err != nil {
		return Config{}, err
	}
	cfg.NodeLabels = labels

	if cfg.NodeName == "" {
		return Config{}, fmt.Errorf("config: node-name is required")
	}
	return cfg, nil
}

func parseNodeLabels(raw string) (map[string]string, error) {
	labels := make(map[string]string)
	if raw == "" {
		return labels, nil
	}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 || kv[0] == "" {
			return nil, fmt.Errorf("config: invalid node label %q, expected key=value", pair)
		}
		labels[kv[0]] = kv[1]
	}
	return labels, nil
}
