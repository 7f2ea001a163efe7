package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	OrchestratorPort    string
	PostgresURL         string
	TemporalAddress     string
	TemporalTaskQueue   string
	WorkerID            string
	ArtifactRoot        string
	SessionServiceURL   string
	SessionServiceToken string
	SlackAPIURL         string
	SlackBotToken       string
	OpenAIAPIKey        string
	SelectorModel       string
	SelectorBaseURL     string

	LeaseTTL            time.Duration
	OutboxBatchSize     int
	OutboxPollInterval  time.Duration
	OutboxProcessingTTL time.Duration
	FinalizerInterval   time.Duration
	InactivityThreshold time.Duration
}

func Load() Config {
	port := getEnv("ORCHESTRATOR_PORT", "8080")
	postgresURL := getEnv("POSTGRES_URL", "")
	if postgresURL == "" {
		postgresURL = buildPostgresURL()
	}
	workerID := getEnv("WORKER_ID", "")
	if workerID == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "orchestrator"
		}
		workerID = hostname
	}
	return Config{
		OrchestratorPort:    port,
		PostgresURL:         postgresURL,
		TemporalAddress:     getEnv("TEMPORAL_ADDRESS", "localhost:7233"),
		TemporalTaskQueue:   getEnv("TEMPORAL_TASK_QUEUE", "automation-runs"),
		WorkerID:            workerID,
		ArtifactRoot:        getEnv("ARTIFACT_ROOT", "/var/lib/proliferate/artifacts"),
		SessionServiceURL:   getEnv("SESSION_SERVICE_URL", "http://localhost:8090"),
		SessionServiceToken: getEnv("SESSION_SERVICE_TOKEN", ""),
		SlackAPIURL:         getEnv("SLACK_API_URL", "https://slack.com/api"),
		SlackBotToken:       getEnv("SLACK_BOT_TOKEN", ""),
		OpenAIAPIKey:        getEnv("OPENAI_API_KEY", ""),
		SelectorModel:       getEnv("SELECTOR_MODEL", "gpt-4.1-mini"),
		SelectorBaseURL:     getEnv("SELECTOR_BASE_URL", ""),
		LeaseTTL:            getEnvDuration("RUN_LEASE_TTL", 2*time.Minute),
		OutboxBatchSize:     getEnvInt("OUTBOX_BATCH_SIZE", 20),
		OutboxPollInterval:  getEnvDuration("OUTBOX_POLL_INTERVAL", 5*time.Second),
		OutboxProcessingTTL: getEnvDuration("OUTBOX_PROCESSING_TTL", 5*time.Minute),
		FinalizerInterval:   getEnvDuration("FINALIZER_INTERVAL", time.Minute),
		InactivityThreshold: getEnvDuration("RUN_INACTIVITY_THRESHOLD", 10*time.Minute),
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.Atoi(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		parsed, err := time.ParseDuration(value)
		if err == nil && parsed > 0 {
			return parsed
		}
	}
	return fallback
}

func buildPostgresURL() string {
	user := getEnv("POSTGRES_USER", "proliferate")
	password := getEnv("POSTGRES_PASSWORD", "proliferate")
	host := getEnv("POSTGRES_HOST", "localhost")
	port := getEnv("POSTGRES_PORT", "5432")
	database := getEnv("POSTGRES_DB", "proliferate")
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, password, host, port, database)
}
