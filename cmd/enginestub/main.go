// enginestub serves an in-memory external-task engine under /engine-rest for
// local runs and end-to-end tests. Tasks are created with
// POST /engine-rest/stub/tasks.
//
// Usage: go run ./cmd/enginestub
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/seantiz/forge/internal/camunda/camundatest"
)

func main() {
	addr := ":8080"
	if v := os.Getenv("FORGE_STUB_LISTEN_ADDR"); v != "" {
		addr = v
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Mount("/engine-rest", camundatest.New())

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("enginestub: starting", "addr", addr, "base_url", "http://localhost"+addr+"/engine-rest")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server error: %v", err)
	}
	logger.Info("enginestub: stopped")
}
