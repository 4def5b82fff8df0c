package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/speedrun-hq/dcarunner/pkg/config"
)

const usage = `usage: dcarunner <command>

commands:
  scheduler   enqueue due orders (once, or every SCHEDULER_INTERVAL)
  worker      execute queued installments
  reaper      requeue jobs whose worker died (redis queue only)
  migrate     apply database migrations`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	role := config.Role(os.Args[1])
	run, ok := commands[role]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s\n", os.Args[1], usage)
		os.Exit(2)
	}

	// Load configuration from environment variables
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(role); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Set up context with cancellation on SIGINT/SIGTERM
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signalCh
		log.Println("Received termination signal, shutting down gracefully...")
		cancel()
	}()

	if err := run(ctx, cfg); err != nil {
		log.Printf("%s failed: %v", role, err)
		cancel()
		os.Exit(1)
	}
}
