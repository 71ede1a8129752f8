package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"peerdrop/internal/config"
	"peerdrop/internal/logger"
	"peerdrop/internal/registry"
	"peerdrop/internal/signaling"
	"peerdrop/internal/signaling/db"
)

func main() {
	cfg := config.Load()
	slogger := logger.New(logger.ParseLevel(cfg.Verbosity))

	gdb, err := db.NewDB(":memory:")
	if err != nil {
		log.Fatal(err)
	}

	server := signaling.NewServer(signaling.Options{
		Addr:     cfg.SignalingAddr(),
		Path:     cfg.SignalingPath,
		Registry: registry.New(slogger),
		Clients:  signaling.NewClientStore(gdb),
		Logger:   slogger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := server.ListenAndServe(ctx); err != nil && err != context.Canceled {
		log.Fatal(err)
	}
}
