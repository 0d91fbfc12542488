package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/seedvault/seedvault/pkg/cancel"
	"github.com/seedvault/seedvault/pkg/config"
	"github.com/seedvault/seedvault/pkg/dispatch"
	"github.com/seedvault/seedvault/pkg/events"
	"github.com/seedvault/seedvault/pkg/kv"
	"github.com/seedvault/seedvault/pkg/lease"
	"github.com/seedvault/seedvault/pkg/log"
	"github.com/seedvault/seedvault/pkg/metrics"
	"github.com/seedvault/seedvault/pkg/queue"
	"github.com/seedvault/seedvault/pkg/recovery"
	"github.com/seedvault/seedvault/pkg/security"
	"github.com/seedvault/seedvault/pkg/status"
	"github.com/seedvault/seedvault/pkg/storage"
	"github.com/seedvault/seedvault/pkg/torrent"
	"github.com/seedvault/seedvault/pkg/upload"
	"github.com/seedvault/seedvault/pkg/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a seedvault worker process",
	Long: `Start the worker: queue handlers for the download, upload and sync
queues, the orphan recovery monitor, and the metrics endpoint.

The torrent engine binding and billing callbacks are wired by the
deployment; this process covers everything from QUEUED to COMPLETED.`,
	RunE: runWorker,
}

func init() {
	workerCmd.Flags().String("config", "", "Path to the YAML config file")
	workerCmd.Flags().String("worker-id", "", "Override the worker id used in leases")
}

func runWorker(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	workerID, _ := cmd.Flags().GetString("worker-id")

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if workerID != "" {
		cfg.WorkerID = workerID
	}

	log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})
	logger := log.WithComponent("main")

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	kvc := kv.New(kv.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer kvc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := kvc.Ping(ctx); err != nil {
		return err
	}

	encryptionKey := os.Getenv("SEEDVAULT_ENCRYPTION_KEY")
	if encryptionKey == "" {
		return fmt.Errorf("SEEDVAULT_ENCRYPTION_KEY is not set")
	}
	vault, err := security.NewCredentialVaultFromPassword(encryptionKey)
	if err != nil {
		return err
	}

	oauthCfg := &oauth2.Config{
		ClientID:     os.Getenv("SEEDVAULT_DRIVE_CLIENT_ID"),
		ClientSecret: os.Getenv("SEEDVAULT_DRIVE_CLIENT_SECRET"),
		Endpoint:     google.Endpoint,
	}

	statusSvc := status.NewService(store, status.Config{
		MaxRetryCount: cfg.Retry.MaxCount,
		BackoffBase:   cfg.Retry.BackoffBase,
		BackoffCap:    cfg.Retry.BackoffCap,
	})
	queues := queue.NewClient(kvc)
	publisher := events.NewPublisher(kvc)

	dispatcher := dispatch.NewDispatcher(store, statusSvc, queues)
	dispatcher.RegisterAll(cfg.Queues)

	remotes := worker.NewCredentialRemotes(vault, oauthCfg, upload.DriveConfig{
		FolderID: os.Getenv("SEEDVAULT_DRIVE_FOLDER_ID"),
	}, cfg.Upload.PartSize)

	// Better to refuse to start than to fail every download job at run
	// time with a nil engine.
	engine, err := torrent.NewEngine(cfg.Torrent.Engine)
	if err != nil {
		return err
	}

	w := worker.New(cfg.WorkerID, cfg, worker.Deps{
		Store:      store,
		Status:     statusSvc,
		JobLeases:  lease.NewService(kvc),
		SyncLeases: lease.NewSyncService(kvc),
		Cancels:    cancel.NewBus(kvc, cfg.Cancel.SignalTTL),
		Queues:     queues,
		Dispatcher: dispatcher,
		Engine:     engine,
		Remotes:    remotes,
		Events:     publisher,
	})

	srv := queue.NewServer(kvc, cfg.Queue.PollEvery)
	w.RegisterHandlers(srv)
	srv.Start(ctx)

	monitor := recovery.NewMonitor(store, statusSvc, queues, cfg)
	monitor.Start(ctx)

	if cfg.MetricsAddr != "" {
		go func() {
			http.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(cfg.MetricsAddr, nil); err != nil {
				logger.Error().Err(err).Msg("metrics server stopped")
			}
		}()
	}

	logger.Info().Str("worker_id", w.ID()).Str("store", string(cfg.Store)).
		Msg("seedvault worker started")

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	monitor.Stop()
	srv.Stop()
	return nil
}

func openStore(cfg *config.Config) (storage.Store, error) {
	switch cfg.Store {
	case config.BackendPostgres:
		return storage.NewSQLStore(cfg.Postgres.DSN)
	default:
		return storage.NewBoltStore(cfg.DataDir)
	}
}
