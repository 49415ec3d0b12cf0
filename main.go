package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"f1livesession/pkg/config"
	"f1livesession/pkg/envelope"
	"f1livesession/pkg/queues"
	"f1livesession/pkg/reconcile"
	"f1livesession/pkg/session"
	"f1livesession/pkg/settings"
	"f1livesession/pkg/state"
	"f1livesession/pkg/tracks"
	"f1livesession/pkg/webserver"
)

func main() {
	cfg := config.Load()

	// Create a new cancellable background context. Calling `cancel()` leads to the cancellation of the context
	ctx := context.Background()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	prefs, err := settings.NewManager(cfg.SettingsDB)
	if err != nil {
		log.Panic(err)
	}
	defer prefs.Close()

	store := state.NewStore()
	queue := queues.NewQueue[envelope.Triple](cfg.QueueCapacity)

	fetcher := tracks.NewFetcher(store)
	reconciler := reconcile.NewReconciler(store, queue, fetcher)
	go reconciler.Run(ctx)

	sessionManager := session.NewManager(cfg, store, queue, prefs)
	web := webserver.NewManager(cfg.HTTPAddr, store, sessionManager)
	go web.Serve(ctx)

	log.Printf("ready on %s, replay dir %s", cfg.HTTPAddr, cfg.ReplayDir)

	// Wait for a termination signal, then stop the producer before tearing
	// down the pipeline.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	log.Println("shutting down")
	sessionManager.Stop()
	cancel()
}
