// Command run-daily-updates performs one scheduler cycle for today's date:
// submits jobs for clients whose send-day matches, drains the retry queue,
// and sends eve-of-send notifications. Intended for an external cron.
package main

import (
	"context"
	"flag"
	"log"

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

	if err := a.Scheduler.RunDailyUpdates(context.Background()); err != nil {
		log.Fatalf("daily updates: %v", err)
	}
	a.Orchestrator.Wait()
}
