package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ledgerline/client-go/internal/infrastructure/config"
	"github.com/ledgerline/client-go/internal/infrastructure/server"
)

func main() {
	cfg := config.LoadOrDefault()

	srv, err := server.NewServer(cfg)
	if err != nil {
		log.Fatalf("Failed to create agent: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}
	if err := srv.Close(); err != nil {
		log.Printf("Error during teardown: %v", err)
	}
}
