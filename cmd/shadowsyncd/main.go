// Command shadowsyncd runs the device-shadow synchronization daemon: it
// owns the sync core, the local SQLite store, the CouchDB cloud client, and
// the admin HTTP surface, and exposes a small cobra CLI over that surface
// (spec 6's external control surface). Wiring follows the teacher's
// cmd/server/main.go: load config, provision the cloud database, construct
// repositories/services bottom-up, start background workers, serve, wait
// for a signal, shut down gracefully.
package main

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-kivik/kivik/v4"
	_ "github.com/go-kivik/kivik/v4/couchdb"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"shadowsync/internal/adminapi"
	"shadowsync/internal/cloudclient"
	"shadowsync/internal/config"
	"shadowsync/internal/localbus"
	"shadowsync/internal/localstore"
	"shadowsync/internal/reconlog"
	"shadowsync/internal/shadow"
	"shadowsync/internal/strategy"
	"shadowsync/internal/synchandler"
	"shadowsync/internal/syncqueue"
	"shadowsync/internal/thingregistry"
)

const defaultShutdownTimeout = 30 * time.Second

// reconlogRecorder adapts a reconlog.Log to shadow.ReconciliationRecorder.
type reconlogRecorder struct {
	log reconlog.Log
}

func (r reconlogRecorder) Record(ctx context.Context, key shadow.Key, decision string, cloudVersion, localVersion uint64) {
	_ = r.log.Record(ctx, reconlog.Entry{
		Key:          key,
		Decision:     reconlog.Decision(decision),
		CloudVersion: cloudVersion,
		LocalVersion: localVersion,
	})
}

var cfgPath string

func main() {
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:   "shadowsyncd",
		Short: "Edge-side device-shadow synchronization daemon",
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "shadowsync.yaml", "path to the daemon config file")

	root.AddCommand(runCmd(), statusCmd(), forceSyncCmd(), setDirectionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the sync daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cfgPath)
		},
	}
}

// adminClient reads the admin listen address straight from the config file
// so the CLI subcommands can talk to a daemon that is already running,
// without re-provisioning any storage. The bearer token comes from
// SHADOWSYNC_ADMIN_TOKEN, a long-lived "shd_" token issued once via
// POST /auth/cli-tokens and exported into the operator's shell.
func adminClient(cfgPath string) (baseURL, token string, err error) {
	loader := config.NewLoader(cfgPath, log.Default())
	snap, err := loader.Load()
	if err != nil {
		return "", "", fmt.Errorf("shadowsyncd: load config: %w", err)
	}
	return "http://" + snap.Admin.ListenAddr, os.Getenv("SHADOWSYNC_ADMIN_TOKEN"), nil
}

// callAdmin issues one request against the admin API and prints its body,
// matching the CLI's "print the JSON envelope" contract rather than
// decoding into typed structs it would immediately re-marshal.
func callAdmin(method, url, token string, body []byte) error {
	var reqBody *bytes.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	} else {
		reqBody = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		return fmt.Errorf("shadowsyncd: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("shadowsyncd: call admin API: %w", err)
	}
	defer resp.Body.Close()

	var out bytes.Buffer
	if _, err := out.ReadFrom(resp.Body); err != nil {
		return fmt.Errorf("shadowsyncd: read admin API response: %w", err)
	}
	fmt.Println(out.String())
	if resp.StatusCode >= 400 {
		return fmt.Errorf("shadowsyncd: admin API returned %s", resp.Status)
	}
	return nil
}

func statusCmd() *cobra.Command {
	var thing, name string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print sync status for a shadow key",
		RunE: func(cmd *cobra.Command, args []string) error {
			base, token, err := adminClient(cfgPath)
			if err != nil {
				return err
			}
			path := fmt.Sprintf("/shadows/%s/%s", thing, orDash(name))
			return callAdmin(http.MethodGet, base+path, token, nil)
		},
	}
	cmd.Flags().StringVar(&thing, "thing", "", "thing name (required)")
	cmd.Flags().StringVar(&name, "name", "", "shadow name (empty for the classic shadow)")
	cmd.MarkFlagRequired("thing")
	return cmd
}

func forceSyncCmd() *cobra.Command {
	var thing, name string
	cmd := &cobra.Command{
		Use:   "force-sync",
		Short: "Force an immediate full reconcile for a shadow key",
		RunE: func(cmd *cobra.Command, args []string) error {
			base, token, err := adminClient(cfgPath)
			if err != nil {
				return err
			}
			path := fmt.Sprintf("/shadows/%s/%s/full-sync", thing, orDash(name))
			return callAdmin(http.MethodPost, base+path, token, nil)
		},
	}
	cmd.Flags().StringVar(&thing, "thing", "", "thing name (required)")
	cmd.Flags().StringVar(&name, "name", "", "shadow name (empty for the classic shadow)")
	cmd.MarkFlagRequired("thing")
	return cmd
}

func setDirectionCmd() *cobra.Command {
	var direction string
	cmd := &cobra.Command{
		Use:   "set-direction",
		Short: "Change the active sync direction (between_device_and_cloud, device_to_cloud, cloud_to_device)",
		RunE: func(cmd *cobra.Command, args []string) error {
			base, token, err := adminClient(cfgPath)
			if err != nil {
				return err
			}
			body := fmt.Sprintf(`{"direction":%q}`, direction)
			return callAdmin(http.MethodPost, base+"/direction", token, []byte(body))
		},
	}
	cmd.Flags().StringVar(&direction, "direction", "", "new direction (required)")
	cmd.MarkFlagRequired("direction")
	return cmd
}

func orDash(name string) string {
	if name == "" {
		return "-"
	}
	return name
}

func runDaemon(cfgPath string) error {
	logger := log.New(os.Stdout, "shadowsyncd: ", log.LstdFlags)

	loader := config.NewLoader(cfgPath, logger)
	snap, err := loader.Load()
	if err != nil {
		return fmt.Errorf("shadowsyncd: load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := kivik.New("couch", snap.Cloud.DSN)
	if err != nil {
		return fmt.Errorf("shadowsyncd: connect to couchdb: %w", err)
	}
	exists, err := client.DBExists(ctx, snap.Cloud.Database)
	if err != nil {
		return fmt.Errorf("shadowsyncd: check database existence: %w", err)
	}
	if !exists {
		if err := client.CreateDB(ctx, snap.Cloud.Database); err != nil {
			return fmt.Errorf("shadowsyncd: create database: %w", err)
		}
		logger.Printf("created cloud database %s", snap.Cloud.Database)
	}

	localStore, err := localstore.Open(snap.Local.Path)
	if err != nil {
		return fmt.Errorf("shadowsyncd: open local store: %w", err)
	}
	defer localStore.Close()

	cloud := cloudclient.New(client, snap.Cloud.Database)
	registry := thingregistry.New(client, snap.Cloud.Database)
	recon := reconlog.New(client, snap.Cloud.Database)

	bus := localbus.New(logger)
	busStop := make(chan struct{})
	go bus.Run(busStop)
	defer close(busStop)
	busHandler := localbus.NewHandler(bus, logger)

	queue := syncqueue.New(0)
	sc := &shadow.Context{
		Local:            localStore,
		Cloud:            cloud,
		Notifier:         bus,
		Queue:            queue,
		Recorder:         reconlogRecorder{log: recon},
		MaxDocumentBytes: snap.MaxDocumentBytes,
	}

	var handler *synchandler.Handler
	pushFunc := func(key shadow.Key, doc []byte, version uint64, deleted bool) {
		if handler == nil {
			return
		}
		if deleted {
			handler.PushLocalDelete(key, nil)
			return
		}
		handler.PushLocalUpdate(key, doc)
	}
	subscription := cloudclient.NewSubscription(client, snap.Cloud.Database, pushFunc, logger)

	sc.Direction = func() shadow.Direction { return handler.Direction() }

	st := buildStrategy(snap, queue, sc, logger)

	configured := snap.ShadowKeys()
	wanted := make(map[shadow.Key]struct{}, len(configured))
	for _, k := range configured {
		wanted[k] = struct{}{}
	}

	// Reconcile list_synced_shadows() against the config-declared set: a
	// persisted row for a key the operator has since dropped from config
	// is stale bookkeeping from before it was removed, so it gets cleaned
	// up here rather than living forever.
	persisted, err := localStore.ListSyncedShadows(ctx)
	if err != nil {
		logger.Printf("list synced shadows: %v", err)
	}
	for _, k := range persisted {
		if _, ok := wanted[k]; ok {
			continue
		}
		if err := localStore.DeleteSyncInfo(ctx, k); err != nil {
			logger.Printf("delete stale sync info for %s: %v", k, err)
		}
		if err := registry.Deregister(ctx, k); err != nil {
			logger.Printf("deregister stale %s: %v", k, err)
		}
	}

	for _, k := range configured {
		if err := registry.Register(ctx, k); err != nil {
			logger.Printf("register %s: %v", k, err)
		}
	}

	handler = synchandler.New(synchandler.Config{
		SyncedKeys: configured,
		Direction:  snap.ShadowDirection(),
		Strategy:   st,
		Queue:      queue,
		Context:    sc,
		Subscriber: subscription,
		Registry:   registry,
		Logger:     logger,
		Snapshot:   snap,
	})

	parallelism := snap.Strategy.Parallelism
	if parallelism < 1 {
		parallelism = 1
	}
	if err := handler.Start(ctx, parallelism); err != nil {
		return fmt.Errorf("shadowsyncd: start handler: %w", err)
	}
	defer handler.Stop()

	tokens := adminapi.NewTokenService(localStore)
	router := adminapi.NewRouter(adminapi.Deps{
		Handler:              handler,
		Store:                localStore,
		Recon:                recon,
		Registry:             registry,
		Bus:                  busHandler,
		Tokens:               tokens,
		JWTSecret:            snap.Admin.JWTSecret,
		OperatorPasswordHash: snap.Admin.OperatorPasswordHash,
		ReloadConfig: func(ctx context.Context) error {
			newSnap, err := loader.Load()
			if err != nil {
				return err
			}
			return handler.ApplyConfig(ctx, newSnap, func(s config.Snapshot) strategy.Strategy {
				return buildStrategy(s, queue, sc, logger)
			})
		},
		Logger: logger,
	})

	srv := &http.Server{
		Addr:         snap.Admin.ListenAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Printf("admin API listening on %s", snap.Admin.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("admin API failed: %v", err)
		}
	}()

	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	go func() {
		if err := loader.Watch(watchCtx, func(newSnap config.Snapshot) {
			if err := handler.ApplyConfig(watchCtx, newSnap, func(s config.Snapshot) strategy.Strategy {
				return buildStrategy(s, queue, sc, logger)
			}); err != nil {
				logger.Printf("apply reloaded config: %v", err)
			}
		}); err != nil {
			logger.Printf("config watcher stopped: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Println("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Printf("admin API forced shutdown: %v", err)
	}
	logger.Println("stopped")
	return nil
}

// buildStrategy constructs the drainer strategy named by snap.Strategy.Type,
// invoked both at startup and from ApplyConfig when a hot-reloaded snapshot
// changes the strategy section (spec 6).
func buildStrategy(snap config.Snapshot, queue *syncqueue.Queue, sc *shadow.Context, logger *log.Logger) strategy.Strategy {
	parallelism := snap.Strategy.Parallelism
	if parallelism < 1 {
		parallelism = 1
	}
	switch snap.Strategy.Type {
	case config.StrategyPeriodic:
		return strategy.NewPeriodic(queue, sc, logger, time.Duration(snap.Strategy.IntervalSeconds)*time.Second)
	default:
		return strategy.NewRealtime(queue, sc, logger, parallelism)
	}
}
