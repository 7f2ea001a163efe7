package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.temporal.io/sdk/client"

	"github.com/proliferate-ai/proliferate/orchestrator/internal/api"
	"github.com/proliferate-ai/proliferate/orchestrator/internal/artifacts"
	"github.com/proliferate-ai/proliferate/orchestrator/internal/config"
	"github.com/proliferate-ai/proliferate/orchestrator/internal/events"
	"github.com/proliferate-ai/proliferate/orchestrator/internal/finalize"
	"github.com/proliferate-ai/proliferate/orchestrator/internal/notify"
	"github.com/proliferate-ai/proliferate/orchestrator/internal/observability"
	"github.com/proliferate-ai/proliferate/orchestrator/internal/outbox"
	"github.com/proliferate-ai/proliferate/orchestrator/internal/session"
	"github.com/proliferate-ai/proliferate/orchestrator/internal/store/postgres"
	"github.com/proliferate-ai/proliferate/orchestrator/internal/workflows"
)

type server interface {
	Start(ctx context.Context, addr string) error
}

type backgroundLoop interface {
	Run(ctx context.Context)
}

var (
	loadConfig = func() (config.Config, error) {
		return config.Load(), nil
	}
	newBroker = events.NewBroker
	newStore  = func(conn string) (*postgres.PostgresStore, error) {
		return postgres.New(conn)
	}
	migrateStore = func(st *postgres.PostgresStore) error {
		return postgres.Migrate(st.DB())
	}
	dialTemporal       = client.Dial
	newWorkflowService = workflows.NewService
	newServer          = func(st *postgres.PostgresStore, broker *events.Broker, metrics *observability.Metrics) server {
		return api.NewServer(st, broker, metrics.Handler())
	}
	newDispatcher = func(st *postgres.PostgresStore, workflowService *workflows.Service, writer *artifacts.Writer, notifier *notify.Dispatcher, metrics *observability.Metrics, cfg config.Config) backgroundLoop {
		return outbox.NewDispatcher(st, workflowService, writer, notifier, metrics, outbox.Options{
			BatchSize:     cfg.OutboxBatchSize,
			PollInterval:  cfg.OutboxPollInterval,
			ProcessingTTL: cfg.OutboxProcessingTTL,
		})
	}
	newFinalizer = func(st *postgres.PostgresStore, sessions session.Service, metrics *observability.Metrics, cfg config.Config) backgroundLoop {
		return finalize.NewFinalizer(st, sessions, metrics, finalize.Options{
			Interval:   cfg.FinalizerInterval,
			Inactivity: cfg.InactivityThreshold,
		})
	}
	notifyContext = signal.NotifyContext
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := notifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := newStore(cfg.PostgresURL)
	if err != nil {
		return err
	}
	if st != nil {
		if err := migrateStore(st); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	workflowClient, err := dialTemporal(client.Options{HostPort: cfg.TemporalAddress})
	if err != nil {
		return err
	}
	if workflowClient != nil {
		defer workflowClient.Close()
	}
	workflowService := newWorkflowService(workflowClient, cfg.TemporalTaskQueue)

	metrics := observability.NewMetrics()
	broker := newBroker()
	sessions := session.NewClient(cfg.SessionServiceURL, cfg.SessionServiceToken)
	slack := notify.NewSlackClient(cfg.SlackAPIURL, cfg.SlackBotToken)
	notifier := notify.NewDispatcher(slack, st)
	writer := artifacts.NewWriter(artifacts.NewFilesystemBlobStore(cfg.ArtifactRoot), st)

	dispatcher := newDispatcher(st, workflowService, writer, notifier, metrics, cfg)
	finalizer := newFinalizer(st, sessions, metrics, cfg)
	go dispatcher.Run(ctx)
	go finalizer.Run(ctx)

	apiServer := newServer(st, broker, metrics)
	addr := fmt.Sprintf(":%s", cfg.OrchestratorPort)
	log.Printf("orchestrator listening on %s", addr)
	return apiServer.Start(ctx, addr)
}
