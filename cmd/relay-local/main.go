// Command relay-local serves the relay over plain HTTP with a SQLite contact
// directory and secrets from the environment, for development against the
// Bot Framework emulator.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gofrs/flock"

	"scm-relay/handler"
	"scm-relay/internal/integrations/assistant"
	"scm-relay/internal/integrations/botframework"
	"scm-relay/internal/integrations/paramstore"
	"scm-relay/internal/jobs"
	"scm-relay/internal/repository"
	"scm-relay/internal/usecase"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	if err := run(); err != nil {
		slog.Error("relay-local stopped", "err", err)
		os.Exit(1)
	}
}

// run owns every resource it opens, so deferred cleanup happens before main
// decides the exit code.
func run() error {
	// ---- Configuration (read only here) ----
	listenAddr := envString("LISTEN_ADDR", ":3978")
	sqlitePath := envString("SQLITE_PATH", "data/contacts.db")
	assistantURL := mustEnv("ASSISTANT_BASE_URL")
	assistantID := mustEnv("ASSISTANT_ID")
	assistantKey := paramstore.StaticToken(mustEnv("ASSISTANT_API_KEY"))
	notifyKey := paramstore.StaticToken(mustEnv("NOTIFY_API_KEY"))
	botAppID := os.Getenv("BOT_APP_ID")
	botPassword := paramstore.StaticToken(os.Getenv("BOT_APP_PASSWORD"))
	livenessPeriod := envDuration("LIVENESS_PERIOD", 3*time.Second)

	contacts, err := repository.NewSQLiteDirectory(sqlitePath)
	if err != nil {
		return fmt.Errorf("open contact directory: %w", err)
	}
	defer func() { _ = contacts.Close() }()

	// One local relay per database; the emulator would otherwise get two
	// replies per message.
	if sqlitePath != ":memory:" {
		fileLock := flock.New(sqlitePath + ".lock")
		locked, err := fileLock.TryLock()
		if err != nil {
			return fmt.Errorf("lock contact directory: %w", err)
		}
		if !locked {
			return fmt.Errorf("another relay-local is using %s", sqlitePath)
		}
		defer func() { _ = fileLock.Unlock() }()
	}

	assistantClient, err := assistant.NewClient(assistantURL, assistantID, assistantKey)
	if err != nil {
		return fmt.Errorf("create assistant client: %w", err)
	}
	connector, err := botframework.New(botframework.Config{
		AppID:    botAppID,
		Secret:   botPassword,
		TenantID: os.Getenv("BOT_TENANT_ID"),
	})
	if err != nil {
		return fmt.Errorf("create bot connector: %w", err)
	}
	catalog, err := jobs.LoadFile(os.Getenv("JOBS_FILE"))
	if err != nil {
		return fmt.Errorf("load job catalog: %w", err)
	}

	turns, err := usecase.NewTurnExecutor(assistantClient, connector, usecase.WithLivenessPeriod(livenessPeriod))
	if err != nil {
		return fmt.Errorf("create turn executor: %w", err)
	}
	bot, err := usecase.NewBot(contacts, connector, turns,
		usecase.WithDefaultSubscriptions(strings.Split(os.Getenv("DEFAULT_SUBSCRIPTIONS"), ",")))
	if err != nil {
		return fmt.Errorf("create bot: %w", err)
	}
	dispatcher, err := usecase.NewDispatcher(contacts, connector, usecase.WithConcurrency(envInt("NOTIFY_CONCURRENCY", 4)))
	if err != nil {
		return fmt.Errorf("create dispatcher: %w", err)
	}
	notifier, err := usecase.NewNotifyService(catalog, contacts, dispatcher)
	if err != nil {
		return fmt.Errorf("create notify service: %w", err)
	}
	h, err := handler.NewHandler(bot, notifier, notifyKey)
	if err != nil {
		return fmt.Errorf("create handler: %w", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Mount("/api", h)

	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("relay listening", "addr", listenAddr, "contacts", sqlitePath)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Error("required environment variable is not set", "key", key)
		os.Exit(1)
	}
	return v
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(os.Getenv(key))
	if err != nil || d <= 0 {
		return def
	}
	return d
}
