package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/wasmlet/wasmlet/pkg/kubelet"
	"github.com/wasmlet/wasmlet/pkg/observability"
)

var (
	// Build information (set via ldflags)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	logger *zap.Logger

	rootCmd = &cobra.Command{
		Use:   "wasmlet",
		Short: "Wasmlet - Kubernetes node agent for WebAssembly workloads",
		Long: `Wasmlet registers as a Kubernetes node and runs pods whose containers are
WebAssembly modules, pulling them from OCI registries and executing them on a
WASI runtime instead of a container engine.`,
		RunE: run,
	}
)

func init() {
	// Set up flags
	rootCmd.PersistentFlags().String("config", "", "Config file path")
	rootCmd.PersistentFlags().String("node-name", "", "Node name (defaults to the lowercased hostname)")
	rootCmd.PersistentFlags().String("node-ip", "", "Address advertised as the node's InternalIP")
	rootCmd.PersistentFlags().String("data-dir", "/var/lib/wasmlet", "Data directory for the module cache and pod volumes")
	rootCmd.PersistentFlags().String("manifest-dir", "", "Directory watched for static pod manifests")
	rootCmd.PersistentFlags().String("listen-addr", "0.0.0.0:10250", "Kubelet API bind address")
	rootCmd.PersistentFlags().String("metrics-addr", "0.0.0.0:10255", "Metrics server bind address")
	rootCmd.PersistentFlags().String("kubeconfig", "", "Kubeconfig path (defaults to in-cluster, then the kubectl chain)")
	rootCmd.PersistentFlags().String("tls-cert", "", "TLS certificate file for the kubelet API")
	rootCmd.PersistentFlags().String("tls-key", "", "TLS key file for the kubelet API")
	rootCmd.PersistentFlags().String("registry-auth", "", "Docker-style credentials file for module registries")
	rootCmd.PersistentFlags().StringSlice("plain-http-registry", nil, "Registry hosts reached without TLS (repeatable)")
	rootCmd.PersistentFlags().Int64("cache-budget-bytes", 0, "Module cache size bound in bytes (0 for the default)")
	rootCmd.PersistentFlags().Int("memory-limit-pages", 0, "Default module memory cap in 64 KiB pages (0 for the default)")
	rootCmd.PersistentFlags().Int64("pod-capacity", 0, "Maximum pods advertised on the node (0 for the default)")
	rootCmd.PersistentFlags().StringToString("node-labels", nil, "Extra labels applied to the node (key=value)")
	rootCmd.PersistentFlags().Duration("heartbeat-interval", 0, "Node lease renewal period (0 for the default)")
	rootCmd.PersistentFlags().Duration("node-status-interval", 0, "Node status refresh period (0 for the default)")
	rootCmd.PersistentFlags().Duration("status-sync-interval", 0, "Pod status resync period (0 for the default)")
	rootCmd.PersistentFlags().Duration("termination-grace", 0, "Fallback pod termination grace period (0 for the default)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")

	// Bind flags to viper
	viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	viper.BindPFlag("node_name", rootCmd.PersistentFlags().Lookup("node-name"))
	viper.BindPFlag("node_ip", rootCmd.PersistentFlags().Lookup("node-ip"))
	viper.BindPFlag("data_dir", rootCmd.PersistentFlags().Lookup("data-dir"))
	viper.BindPFlag("manifest_dir", rootCmd.PersistentFlags().Lookup("manifest-dir"))
	viper.BindPFlag("listen_addr", rootCmd.PersistentFlags().Lookup("listen-addr"))
	viper.BindPFlag("metrics_addr", rootCmd.PersistentFlags().Lookup("metrics-addr"))
	viper.BindPFlag("kubeconfig", rootCmd.PersistentFlags().Lookup("kubeconfig"))
	viper.BindPFlag("tls.cert", rootCmd.PersistentFlags().Lookup("tls-cert"))
	viper.BindPFlag("tls.key", rootCmd.PersistentFlags().Lookup("tls-key"))
	viper.BindPFlag("registry.auth", rootCmd.PersistentFlags().Lookup("registry-auth"))
	viper.BindPFlag("registry.plain_http", rootCmd.PersistentFlags().Lookup("plain-http-registry"))
	viper.BindPFlag("cache_budget_bytes", rootCmd.PersistentFlags().Lookup("cache-budget-bytes"))
	viper.BindPFlag("memory_limit_pages", rootCmd.PersistentFlags().Lookup("memory-limit-pages"))
	viper.BindPFlag("pod_capacity", rootCmd.PersistentFlags().Lookup("pod-capacity"))
	viper.BindPFlag("node_labels", rootCmd.PersistentFlags().Lookup("node-labels"))
	viper.BindPFlag("heartbeat_interval", rootCmd.PersistentFlags().Lookup("heartbeat-interval"))
	viper.BindPFlag("node_status_interval", rootCmd.PersistentFlags().Lookup("node-status-interval"))
	viper.BindPFlag("status_sync_interval", rootCmd.PersistentFlags().Lookup("status-sync-interval"))
	viper.BindPFlag("termination_grace", rootCmd.PersistentFlags().Lookup("termination-grace"))
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))

	// Set up environment variable binding
	viper.SetEnvPrefix("WASMLET")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Add version command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Wasmlet\n")
			fmt.Printf("  Version:    %s\n", Version)
			fmt.Printf("  Build Time: %s\n", BuildTime)
			fmt.Printf("  Git Commit: %s\n", GitCommit)
			fmt.Printf("  Go Version: %s\n", runtime.Version())
			fmt.Printf("  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	rootCmd.AddCommand(newInspectCommand())
	rootCmd.AddCommand(newImagesCommand())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	// Load configuration
	if configFile := viper.GetString("config"); configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Initialize logger
	var err error
	logger, err = observability.NewLogger(viper.GetString("log_level"))
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("Starting Wasmlet",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
		zap.String("os", runtime.GOOS),
		zap.String("arch", runtime.GOARCH),
	)
	observability.SystemInfo.WithLabelValues(Version, BuildTime, GitCommit).Set(1)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Set up signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	nodeName, err := resolveNodeName()
	if err != nil {
		return err
	}

	client, err := buildKubeClient(viper.GetString("kubeconfig"))
	if err != nil {
		return fmt.Errorf("failed to connect to the cluster: %w", err)
	}

	config := kubelet.Config{
		NodeName:            nodeName,
		NodeIP:              viper.GetString("node_ip"),
		DataDir:             viper.GetString("data_dir"),
		ManifestDir:         viper.GetString("manifest_dir"),
		ListenAddr:          viper.GetString("listen_addr"),
		MetricsAddr:         viper.GetString("metrics_addr"),
		TLSCertFile:         viper.GetString("tls.cert"),
		TLSKeyFile:          viper.GetString("tls.key"),
		RegistryAuthFile:    viper.GetString("registry.auth"),
		PlainHTTPRegistries: viper.GetStringSlice("registry.plain_http"),
		CacheBudgetBytes:    viper.GetInt64("cache_budget_bytes"),
		MemoryLimitPages:    uint32(viper.GetInt("memory_limit_pages")),
		PodCapacity:         viper.GetInt64("pod_capacity"),
		Labels:              viper.GetStringMapString("node_labels"),
		HeartbeatInterval:   viper.GetDuration("heartbeat_interval"),
		NodeStatusInterval:  viper.GetDuration("node_status_interval"),
		StatusSyncInterval:  viper.GetDuration("status_sync_interval"),
		TerminationGrace:    viper.GetDuration("termination_grace"),
		Version:             Version,
	}

	kubeletInstance, err := kubelet.New(config, client, logger)
	if err != nil {
		return fmt.Errorf("failed to create kubelet: %w", err)
	}

	if err := kubeletInstance.Start(ctx); err != nil {
		return fmt.Errorf("failed to start kubelet: %w", err)
	}

	// Wait for shutdown signal
	select {
	case <-sigChan:
		logger.Info("Received shutdown signal")
	case <-ctx.Done():
		logger.Info("Context cancelled")
	}

	// Graceful shutdown
	logger.Info("Starting graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := kubeletInstance.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping kubelet", zap.Error(err))
	}

	logger.Info("Shutdown complete")
	return nil
}

// resolveNodeName returns the configured node name, falling back to the
// hostname. Node names are DNS labels, so the hostname is lowercased.
func resolveNodeName() (string, error) {
	if name := viper.GetString("node_name"); name != "" {
		return name, nil
	}
	hostname, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("failed to determine hostname: %w", err)
	}
	return strings.ToLower(hostname), nil
}

func buildKubeClient(kubeconfig string) (kubernetes.Interface, error) {
	restConfig, err := buildRestConfig(kubeconfig)
	if err != nil {
		return nil, err
	}
	restConfig.UserAgent = "wasmlet/" + Version
	restConfig.QPS = 50
	restConfig.Burst = 100

	client, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}
	return client, nil
}

// buildRestConfig prefers in-cluster credentials and falls back to the
// kubeconfig chain kubectl uses (KUBECONFIG, then ~/.kube/config).
func buildRestConfig(kubeconfig string) (*rest.Config, error) {
	if kubeconfig == "" {
		if config, err := rest.InClusterConfig(); err == nil {
			return config, nil
		}
	}

	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	rules.ExplicitPath = kubeconfig
	config, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, &clientcmd.ConfigOverrides{}).ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load kubeconfig: %w", err)
	}
	return config, nil
}
