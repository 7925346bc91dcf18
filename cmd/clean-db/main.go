package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/opentrusty/opencrm/internal/config"
	"github.com/opentrusty/opencrm/internal/store/postgres"
)

// clean-db empties every application table. It refuses to run when
// APP_ENV is production unless -force is the first argument.
func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if cfg.IsProduction() && (len(os.Args) < 2 || os.Args[1] != "-force") {
		log.Fatal("Refusing to clean a production database without -force")
	}

	db, err := postgres.New(ctx, postgres.Config{DSN: cfg.Database.DSN(), MaxOpenConns: 1})
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer db.Close()

	fmt.Println("Cleaning database...")
	if err := db.Truncate(ctx); err != nil {
		log.Fatalf("Truncate failed: %v", err)
	}
	fmt.Println("✓ Database cleaned. Schema and migration history are untouched.")
}
