package main

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"scm-relay/handler"
	"scm-relay/internal/integrations/assistant"
	"scm-relay/internal/integrations/botframework"
	"scm-relay/internal/integrations/paramstore"
	"scm-relay/internal/jobs"
	"scm-relay/internal/repository"
	"scm-relay/internal/usecase"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	contactTable := mustEnv("CONTACT_TABLE")
	paramPrefix := mustEnv("PARAM_PREFIX")
	assistantURL := mustEnv("ASSISTANT_BASE_URL")
	assistantID := mustEnv("ASSISTANT_ID")
	botAppID := os.Getenv("BOT_APP_ID")
	botTenantID := os.Getenv("BOT_TENANT_ID")
	livenessPeriod := envDuration("LIVENESS_PERIOD", 3*time.Second)
	defaultSubs := envList("DEFAULT_SUBSCRIPTIONS")
	jobsFile := os.Getenv("JOBS_FILE")
	notifyConcurrency := envInt("NOTIFY_CONCURRENCY", 4)
	notifyRate := envInt("NOTIFY_RATE_PER_SEC", 20)
	apology := os.Getenv("APOLOGY_MESSAGE")
	welcome := os.Getenv("WELCOME_MESSAGE")

	// ---- AWS SDK config ----
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(cfg), paramPrefix)
	if err != nil {
		slog.Error("failed to create SSM client", "err", err)
		os.Exit(1)
	}
	assistantKey := mustToken(ssmClient, "assistant-api-key")
	notifyKey := mustToken(ssmClient, "notify-api-key")
	botPassword := mustToken(ssmClient, "bot-app-password")

	contacts, err := repository.New(awsdynamodb.NewFromConfig(cfg), contactTable)
	if err != nil {
		slog.Error("failed to create contact directory", "err", err)
		os.Exit(1)
	}

	assistantClient, err := assistant.NewClient(assistantURL, assistantID, assistantKey)
	if err != nil {
		slog.Error("failed to create assistant client", "err", err)
		os.Exit(1)
	}

	connector, err := botframework.New(botframework.Config{
		AppID:    botAppID,
		Secret:   botPassword,
		TenantID: botTenantID,
	})
	if err != nil {
		slog.Error("failed to create bot connector", "err", err)
		os.Exit(1)
	}

	catalog, err := jobs.LoadFile(jobsFile)
	if err != nil {
		slog.Error("failed to load job catalog", "err", err)
		os.Exit(1)
	}

	// ---- Use cases ----
	turns, err := usecase.NewTurnExecutor(assistantClient, connector,
		usecase.WithLivenessPeriod(livenessPeriod),
		usecase.WithApology(apology))
	if err != nil {
		slog.Error("failed to create turn executor", "err", err)
		os.Exit(1)
	}
	bot, err := usecase.NewBot(contacts, connector, turns,
		usecase.WithDefaultSubscriptions(defaultSubs),
		usecase.WithWelcome(welcome))
	if err != nil {
		slog.Error("failed to create bot", "err", err)
		os.Exit(1)
	}
	dispatcher, err := usecase.NewDispatcher(contacts, connector,
		usecase.WithConcurrency(notifyConcurrency),
		usecase.WithRateLimit(float64(notifyRate)))
	if err != nil {
		slog.Error("failed to create dispatcher", "err", err)
		os.Exit(1)
	}
	notifier, err := usecase.NewNotifyService(catalog, contacts, dispatcher)
	if err != nil {
		slog.Error("failed to create notify service", "err", err)
		os.Exit(1)
	}

	// ---- Handler ----
	h, err := handler.NewHandler(bot, notifier, notifyKey)
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}

func mustToken(c *paramstore.Client, name string) *paramstore.Token {
	t, err := c.Token(name)
	if err != nil {
		slog.Error("invalid secret parameter", "name", name, "err", err)
		os.Exit(1)
	}
	return t
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Error("required environment variable is not set", "key", key)
		os.Exit(1)
	}
	return v
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envList(key string) []string {
	var out []string
	for _, s := range strings.Split(os.Getenv(key), ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
