// Command mailsim-testserver serves the in-memory mailbox backend over
// HTTP so runs can be tried end to end without a real messaging server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/wesleyorama2/mailsim/internal/logging"
	"github.com/wesleyorama2/mailsim/internal/simulator/backend"
)

func main() {
	addr := flag.String("addr", ":8025", "Listen address")
	autoCreate := flag.Bool("auto-create", false, "Accept logons for unknown users")
	level := flag.String("log-level", "info", "Log level")
	flag.Parse()

	log, err := logging.New(logging.Options{Level: *level})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	mem := backend.NewMemory()
	if *autoCreate {
		mem = backend.NewMemoryAutoCreate()
	}

	mux := http.NewServeMux()
	mux.Handle("/", backend.NewHandler(mem))

	// Health check
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "healthy")
	})

	server := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      5 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		ReadHeaderTimeout: 2 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	log.Info("test server listening", zap.String("addr", *addr), zap.Bool("auto_create", *autoCreate))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal("server failed", zap.Error(err))
	}
	log.Info("test server stopped", zap.Int64("logons", mem.Logons()))
}
