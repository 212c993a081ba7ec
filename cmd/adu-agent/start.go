package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"k8s.io/klog/v2"

	"github.com/device-update/agent-core/pkg/agentcontext"
	"github.com/device-update/agent-core/pkg/apis/rootkey"
	"github.com/device-update/agent-core/pkg/cache"
	"github.com/device-update/agent-core/pkg/config"
	"github.com/device-update/agent-core/pkg/facade"
	"github.com/device-update/agent-core/pkg/handler"
	"github.com/device-update/agent-core/pkg/persistence"
	"github.com/device-update/agent-core/pkg/trust"
	"github.com/device-update/agent-core/pkg/version"
	"github.com/device-update/agent-core/pkg/worker"
	"github.com/device-update/agent-core/pkg/workflowengine"
	"github.com/device-update/agent-core/pkg/workqueue"
)

var (
	startCmd = &cobra.Command{
		Use:   "start",
		Short: "Starts the update agent",
		Long:  "",
		RunE:  runStartCmd,
	}

	startOpts struct {
		configFile string
	}
)

func init() {
	rootCmd.AddCommand(startCmd)
	startCmd.PersistentFlags().StringVar(&startOpts.configFile, "config", "/etc/adu/du-config.json", "Path to du-config.json")

	flag.Parse()
	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)
}

func runStartCmd(cmd *cobra.Command, args []string) error {
	klog.Infof("adu-agent %s starting", version.String)

	cfg, err := config.Load(startOpts.configFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	actx := agentcontext.New()

	trustPkg, err := loadOrSeedTrust(cfg.RootKeyPackagePath)
	if err != nil {
		return fmt.Errorf("loading trust anchor: %w", err)
	}
	actx.SetTrustPackage(trustPkg)
	klog.Infof("trust anchor loaded: version=%d rootKeys=%d", trustPkg.Protected.Version, len(trustPkg.Protected.RootKeys))

	if err := os.MkdirAll(cfg.DownloadSandboxBase, 0o755); err != nil {
		return fmt.Errorf("creating download sandbox base: %w", err)
	}
	if err := os.MkdirAll(cfg.SourceCacheBase, 0o755); err != nil {
		return fmt.Errorf("creating source cache base: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	srcCache := cache.New(cfg.SourceCacheBase, rdb)

	registry, err := openOrBootstrapRegistry(cfg.ExtensionsRegistrationPath)
	if err != nil {
		return fmt.Errorf("opening handler registry: %w", err)
	}
	defer registry.Close()

	plugins := handler.NewDownloadPlugins(map[string]handler.DownloadPlugin{
		"cache-delta": handler.NewCacheDeltaPlugin(srcCache),
	})

	store := persistence.New(cfg.WorkflowStatePath)
	engine := workflowengine.New(registry, plugins, store, actx, logReporter{}, cfg.DownloadSandboxBase)

	queue := workqueue.Create("adu-agent")
	f := facade.New(queue, engine, actx, facade.WithCacheEviction(srcCache, cfg.SourceCacheSizeCapBytes))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := f.Start(ctx); err != nil {
		return fmt.Errorf("resuming persisted workflow: %w", err)
	}

	w := worker.New(queue, f.Processor())
	w.Start()

	metricsSrv := startMetricsServer(cfg.MetricsAddr)

	tickInterval := time.Duration(cfg.TickIntervalSec) * time.Second
	if tickInterval <= 0 {
		tickInterval = 30 * time.Second
	}
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	klog.Infof("adu-agent ready, tick interval %s", tickInterval)
	for {
		select {
		case <-ticker.C:
			if err := f.Tick(ctx); err != nil {
				klog.Errorf("tick: %v", err)
			}
		case sig := <-sigCh:
			klog.Infof("received %s, shutting down", sig)
			f.Shutdown()
			w.Stop()
			w.Wait()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = metricsSrv.Shutdown(shutdownCtx)
			queue.Destroy()
			return nil
		}
	}
}

// loadOrSeedTrust loads the persisted root key package, seeding a
// fresh one (devtest-only, spec §9(iii)) if none exists yet.
func loadOrSeedTrust(path string) (*rootkey.Package, error) {
	pkg, err := trust.Load(path)
	if err == nil {
		return pkg, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	seeded, seedErr := seedTrustPackage()
	if seedErr != nil {
		return nil, seedErr
	}
	if err := trust.WriteAtomically(seeded, path); err != nil {
		return nil, fmt.Errorf("persisting seeded trust package: %w", err)
	}
	return seeded, nil
}

// openOrBootstrapRegistry opens the handler registration file,
// creating an empty one first if it doesn't exist yet so a freshly
// provisioned device starts with zero registered handlers instead of
// failing to start (spec §4.5: handlers are registered out of band,
// possibly after the agent is already running).
func openOrBootstrapRegistry(path string) (*handler.Registry, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, []byte("[]"), 0o644); err != nil {
			return nil, fmt.Errorf("creating empty registration file: %w", err)
		}
	}
	return handler.Open(path)
}

func startMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			klog.Errorf("metrics server: %v", err)
		}
	}()
	return srv
}
