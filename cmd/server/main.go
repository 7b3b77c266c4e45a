package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/practice-measure-engine/internal/setup"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := setup.NewApp(ctx)
	if err != nil {
		log.Fatalf("Failed to start: %v", err)
	}
	defer app.Close()

	app.Logger.WithField("environment", app.Config.Environment).
		Info("Starting practice measure engine")

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		app.Logger.Info("Shutdown signal received, gracefully shutting down")
		cancel()
	}()

	if err := app.Server.Start(ctx); err != nil {
		app.Logger.WithError(err).Fatal("Server failed")
	}

	app.Logger.Info("Server stopped")
}
