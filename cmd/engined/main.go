package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"opspilot/internal/config"
	"opspilot/internal/embedding"
	"opspilot/internal/lifecycle"
	"opspilot/internal/llm"
	"opspilot/internal/logging"
	"opspilot/internal/refstore"
	"opspilot/internal/resolver"
	"opspilot/internal/search"
	"opspilot/internal/storage"
	"opspilot/internal/syncer"
	"opspilot/internal/vecindex"
	"opspilot/internal/web"
)

func main() {
	logging.Init("engined", nil)
	if err := run(os.Args[1:], serveHTTP); err != nil {
		fatalf("engined: %v", err)
	}
}

var serveHTTP = func(srv *http.Server) error { return srv.ListenAndServe() }
var fatalf = func(format string, args ...any) {
	slog.Error("fatal", "error", fmt.Sprintf(format, args...))
	os.Exit(1)
}
var newStore = refstore.NewStore
var newEmbedder = embedding.NewProvider
var newServer = web.NewServer
var newIndexClient = func(cfg config.VectorIndexConfig) *vecindex.Client {
	client := &vecindex.Client{BaseURL: cfg.Addr, APIKey: cfg.APIKey}
	if cfg.TimeoutMS > 0 {
		client.HTTPClient = &http.Client{Timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond}
	}
	return client
}
var newCompleter = func(cfg config.LLMConfig) *llm.Router {
	router := &llm.Router{
		Provider:       cfg.Provider,
		Model:          cfg.Model,
		APIBase:        cfg.APIBase,
		APIKey:         cfg.APIKey,
		MaxTokens:      cfg.MaxOutputTokens,
		MaxRetries:     cfg.MaxRetries,
		RedactPatterns: cfg.RedactPatterns,
	}
	if cfg.TimeoutMS > 0 {
		router.HTTPClient = &http.Client{Timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond}
	}
	return router
}

func run(args []string, serve func(*http.Server) error) error {
	fs := flag.NewFlagSet("engined", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to config JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *configPath == "" {
		return errors.New("-config required")
	}
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	store, err := newStore(cfg.Storage.PostgresDSN)
	if err != nil {
		return err
	}
	defer store.Close()

	index := newIndexClient(cfg.VectorIndex)
	embedder, err := newEmbedder(cfg.Embeddings)
	if err != nil {
		return err
	}

	res := &resolver.Resolver{Lookup: store}
	manager := &lifecycle.Manager{Store: store, BrokenThreshold: cfg.Ranking.BrokenThreshold}

	engine := &search.Engine{
		Index:            index,
		Embedder:         embedder,
		Resolver:         res,
		Ranking:          cfg.Ranking,
		GlobalCollection: cfg.VectorIndex.GlobalCollection,
		TenantPrefix:     cfg.VectorIndex.TenantPrefix,
	}
	if cfg.LLM.Provider != "" {
		engine.Completer = newCompleter(cfg.LLM)
	}

	mirror := &syncer.Syncer{
		Source:           store,
		Embedder:         embedder,
		Index:            index,
		GlobalCollection: cfg.VectorIndex.GlobalCollection,
		TenantPrefix:     cfg.VectorIndex.TenantPrefix,
		Dims:             cfg.VectorIndex.Dims,
		BatchSize:        cfg.Sync.BatchSize,
		Parallelism:      cfg.Sync.Parallelism,
	}

	srv := newServer(store, engine)
	srv.Lifecycle = manager
	srv.Sync = mirror
	srv.Publisher = &web.Publisher{
		Store:     store,
		Checker:   res,
		Lifecycle: manager,
	}
	if cfg.Storage.ObjectStore.Bucket != "" {
		blobs := storage.ObjectStore{
			Endpoint: cfg.Storage.ObjectStore.Endpoint,
			Bucket:   cfg.Storage.ObjectStore.Bucket,
		}
		srv.Publisher.Blobs = blobs
		res.Blobs = blobs
	}

	var wg sync.WaitGroup
	if cfg.Sync.Enabled {
		runner := &syncer.Runner{Syncer: mirror, Cron: cfg.Sync.Cron}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := runner.Run(ctx); err != nil && ctx.Err() == nil {
				slog.Error("sync runner stopped", "error", err)
			}
		}()
	}

	mainSrv := &http.Server{Addr: cfg.Server.HTTPAddr, Handler: srv.Mux}
	errCh := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		errCh <- serve(mainSrv)
	}()

	slog.Info("engined listening", "addr", cfg.Server.HTTPAddr)
	select {
	case err := <-errCh:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = mainSrv.Shutdown(shutdownCtx)
	wg.Wait()
	select {
	case err := <-errCh:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	default:
		return nil
	}
}
