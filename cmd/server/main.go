package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/unifiedcmdb/cmdb-core/internal/api"
	"github.com/unifiedcmdb/cmdb-core/internal/approvals"
	"github.com/unifiedcmdb/cmdb-core/internal/auth"
	"github.com/unifiedcmdb/cmdb-core/internal/config"
	"github.com/unifiedcmdb/cmdb-core/internal/governance"
	"github.com/unifiedcmdb/cmdb-core/internal/integrations"
	"github.com/unifiedcmdb/cmdb-core/internal/lifecycle"
	"github.com/unifiedcmdb/cmdb-core/internal/notify"
	"github.com/unifiedcmdb/cmdb-core/internal/reconcile"
	"github.com/unifiedcmdb/cmdb-core/internal/scheduler"
	"github.com/unifiedcmdb/cmdb-core/internal/store"
	"github.com/unifiedcmdb/cmdb-core/internal/syncjobs"
	"github.com/unifiedcmdb/cmdb-core/internal/telemetry"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using process environment")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	db, err := store.Open(cfg.DatabaseURL, cfg.DatabaseAutoMigrate)
	if err != nil {
		log.Fatalf("Database connection failed: %v", err)
	}

	metrics := telemetry.NewMetrics()
	hub := telemetry.NewHub(metrics)
	notifier := notify.NewJiraClient(cfg)

	reconciler := reconcile.NewReconciler(cfg, notifier, metrics)
	governanceSvc := governance.NewService()
	lifecycleSvc := lifecycle.NewService(cfg, notifier, metrics)

	publisher := integrations.NewPublisher(cfg)
	netbox := integrations.NewNetboxImporter(cfg, publisher, reconciler)
	drift := integrations.NewDriftDetector(cfg)

	queue := syncjobs.NewQueue(cfg, db, netbox, publisher, hub, metrics)
	worker := syncjobs.NewWorker(queue)
	worker.Start()

	approvalSvc := approvals.NewService(cfg)
	sched := scheduler.New(cfg, db, queue, approvalSvc)
	sched.Start()

	server := api.NewServer(api.Deps{
		Config:     cfg,
		DB:         db,
		Auth:       auth.NewAuthenticator(cfg),
		Reconciler: reconciler,
		Governance: governanceSvc,
		Lifecycle:  lifecycleSvc,
		Publisher:  publisher,
		Netbox:     netbox,
		Drift:      drift,
		Queue:      queue,
		Approvals:  approvalSvc,
		Hub:        hub,
		Metrics:    metrics,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("Received %s, shutting down", sig)
	case err := <-errCh:
		log.Printf("Server stopped: %v", err)
	}

	sched.Stop()
	worker.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
	if err := db.Close(); err != nil {
		log.Printf("Database close error: %v", err)
	}
}
