// Command matcherd is the comic-cover match service. It wires the
// configuration store, cache, fetcher, session manager, and pipeline
// together and serves the HTTP API (spec §6), in the teacher's flat
// main()-does-the-wiring style (jobindex-spectura/main.go).
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/infernokun/inferno-comics-matcher/internal/cache"
	"github.com/infernokun/inferno-comics-matcher/internal/config"
	"github.com/infernokun/inferno-comics-matcher/internal/fetch"
	"github.com/infernokun/inferno-comics-matcher/internal/httpapi"
	"github.com/infernokun/inferno-comics-matcher/internal/pipeline"
	"github.com/infernokun/inferno-comics-matcher/internal/session"
	"github.com/infernokun/inferno-comics-matcher/internal/xlog"
)

func main() {
	cfg := config.LoadServiceConfig()

	configStore, err := config.NewStore(cfg.ConfigPath, cfg.PerformanceLevel)
	if err != nil {
		log.Fatalf("matcherd: loading configuration: %v", err)
	}
	configStore.Watch()

	cacheStore, err := cache.Open(cfg.DBPath, cfg.CacheDir)
	if err != nil {
		log.Fatalf("matcherd: opening cache: %v", err)
	}
	defer cacheStore.Close()

	fetcher := fetch.New(cacheStore, cfg.DownloadTimeout, cfg.Workers)

	sessions, err := session.NewManager(cfg.StorageRoot)
	if err != nil {
		log.Fatalf("matcherd: initializing session storage: %v", err)
	}

	pl := pipeline.New(configStore, cacheStore, fetcher, sessions)

	server := httpapi.New(configStore, sessions, pl, cfg.ProgressBaseURL,
		cfg.ProgressMinInterval, cfg.ProgressUpdateTimeout, cfg.ProgressCompleteTimeout)

	addr := fmt.Sprintf("%s:%d", cfg.ListenHost, cfg.ListenPort)
	httpServer := &http.Server{
		Addr:    addr,
		Handler: server.Routes(),
	}

	go func() {
		xlog.Printf("matcherd: listening on http://%s", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("matcherd: server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	xlog.Print("matcherd: shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		xlog.Printf("matcherd: graceful shutdown failed: %v", err)
	}
}
