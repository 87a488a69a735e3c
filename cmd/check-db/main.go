// Package main is a diagnostic tool for testing database connectivity and
// inspecting stored welcome configuration. It loads the service configuration,
// connects to the database, and prints how many guilds have each welcome
// section configured. The binary exits with a non-zero code on any failure so
// it can gate a deployment on a reachable, migrated database.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/guildkit/welcomer/internal/config"
	"github.com/guildkit/welcomer/internal/db"
	"github.com/guildkit/welcomer/internal/db/repositories"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	database, err := db.Connect(cfg.Database.GetDSN(), 2, 1)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer database.Close()

	version, dirty, err := db.GetMigrationVersion(database.DB)
	if err != nil {
		log.Fatalf("Failed to read migration version: %v", err)
	}
	fmt.Printf("Schema version: %d (dirty: %v)\n", version, dirty)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stats, err := repositories.NewWelcomeRepository(database).GetStats(ctx)
	if err != nil {
		log.Fatalf("Query failed: %v", err)
	}

	fmt.Println("\n=== WELCOME CONFIGURATION ===")
	fmt.Printf("Guilds:            %d (%d enabled)\n", stats.Modules, stats.EnabledModules)
	fmt.Printf("Join messages:     %d\n", stats.Join)
	fmt.Printf("Join DMs:          %d\n", stats.JoinDM)
	fmt.Printf("Join role grants:  %d\n", stats.JoinRoles)
	fmt.Printf("Leave messages:    %d\n", stats.Leave)

	if stats.Modules == 0 {
		fmt.Println("No guilds configured yet.")
	}
}
