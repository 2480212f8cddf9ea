// Command server runs the HTTP façade and the resident daily scheduler.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/trackimmo/backend/internal/api"
	"github.com/trackimmo/backend/internal/app"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to configuration file")
	flag.Parse()

	a, err := app.New(*configPath)
	if err != nil {
		log.Fatalf("startup: %v", err)
	}
	defer a.Close()

	handlers := api.NewHandlers(a.Orchestrator, a.Jobs, a.Clients, a.DB)
	server := api.NewServer(a.Cfg.Server.GetHost(), a.Cfg.Server.Port, a.Cfg.Server.APIKey, handlers)

	a.Scheduler.Start()

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-stop:
		log.Printf("[Server] Received %s, shutting down", sig)
	case err := <-errCh:
		if err != nil {
			log.Printf("[Server] Listener failed: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("[Server] Shutdown: %v", err)
	}
	a.Scheduler.Stop()
	a.Orchestrator.Wait()
}
