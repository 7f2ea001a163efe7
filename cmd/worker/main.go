package main

import (
	"log"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"

	"github.com/proliferate-ai/proliferate/orchestrator/internal/config"
	"github.com/proliferate-ai/proliferate/orchestrator/internal/llm"
	"github.com/proliferate-ai/proliferate/orchestrator/internal/session"
	"github.com/proliferate-ai/proliferate/orchestrator/internal/store/postgres"
	"github.com/proliferate-ai/proliferate/orchestrator/internal/target"
	"github.com/proliferate-ai/proliferate/orchestrator/internal/workflows"
)

var (
	loadConfig = func() (config.Config, error) {
		return config.Load(), nil
	}
	dialTemporal = client.Dial
	newStore     = func(conn string) (*postgres.PostgresStore, error) {
		return postgres.New(conn)
	}
	newActivities   = workflows.NewRunActivities
	newWorker       = worker.New
	workerInterrupt = worker.InterruptCh
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
	temporalClient, err := dialTemporal(client.Options{
		HostPort: cfg.TemporalAddress,
	})
	if err != nil {
		return err
	}
	if temporalClient != nil {
		defer temporalClient.Close()
	}

	st, err := newStore(cfg.PostgresURL)
	if err != nil {
		return err
	}

	// The agent_decide selector is optional: without an API key the
	// resolver falls back to the automation's fixed configuration.
	var selector target.Selector
	if cfg.OpenAIAPIKey != "" {
		provider := llm.NewProvider(llm.Config{
			APIKey:  cfg.OpenAIAPIKey,
			Model:   cfg.SelectorModel,
			BaseURL: cfg.SelectorBaseURL,
		})
		selector = target.NewLLMSelector(provider)
	}
	resolver := target.NewResolver(st, selector)

	sessions := session.NewClient(cfg.SessionServiceURL, cfg.SessionServiceToken)
	activities := newActivities(st, sessions, resolver, cfg.WorkerID, cfg.LeaseTTL)

	w := newWorker(temporalClient, cfg.TemporalTaskQueue, worker.Options{})
	w.RegisterWorkflow(workflows.EnrichWorkflow)
	w.RegisterWorkflow(workflows.ExecuteWorkflow)
	w.RegisterActivity(activities)

	log.Println("orchestrator worker started")
	if err := w.Run(workerInterrupt()); err != nil {
		return err
	}

	return nil
}
