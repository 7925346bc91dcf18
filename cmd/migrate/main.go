package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/opentrusty/opencrm/internal/config"
	"github.com/opentrusty/opencrm/internal/store/postgres"
)

// migrate applies pending schema migrations. The connection string comes
// from the first argument or, when absent, from the usual DB_* settings.
func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	var dsn string
	if len(os.Args) > 1 {
		dsn = os.Args[1]
	} else {
		cfg, err := config.Load()
		if err != nil {
			log.Fatalf("Failed to load configuration: %v", err)
		}
		dsn = cfg.Database.DSN()
	}

	db, err := postgres.New(ctx, postgres.Config{DSN: dsn, MaxOpenConns: 1})
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer db.Close()

	applied, err := db.Migrate(ctx)
	if err != nil {
		log.Fatalf("Migration failed: %v", err)
	}
	if len(applied) == 0 {
		fmt.Println("Schema is up to date.")
		return
	}
	for _, name := range applied {
		fmt.Printf("✓ Applied %s\n", name)
	}
}
