// Package main is a repair tool for dirty migration state in the welcome
// database. Dirty state occurs when the migration runner marks a version as
// in progress and the process is interrupted before it completes. This tool
// reads the current version and, when it is dirty, forces it back to a clean
// state so the server can retry migrations on its next start.
//
// Usage: fix-migration [version]
//
// Without an argument the current version is kept and only the dirty flag is cleared.
package main

import (
	"log"
	"os"
	"strconv"

	"github.com/guildkit/welcomer/internal/config"
	"github.com/guildkit/welcomer/internal/db"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	database, err := db.Connect(cfg.Database.GetDSN(), 2, 1)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	log.Println("Connected to database successfully")

	version, dirty, err := db.GetMigrationVersion(database.DB)
	if err != nil {
		log.Fatalf("Failed to check migration state: %v", err)
	}
	log.Printf("Current migration state: version=%d, dirty=%v", version, dirty)

	target := int(version)
	if len(os.Args) > 1 {
		target, err = strconv.Atoi(os.Args[1])
		if err != nil {
			log.Fatalf("Invalid version %q: %v", os.Args[1], err)
		}
	}

	if !dirty && target == int(version) {
		log.Println("Migration state is already clean")
		return
	}

	log.Printf("Forcing migration version to %d...", target)
	if err := db.ForceMigrationVersion(database.DB, target); err != nil {
		log.Fatalf("Failed to fix migration state: %v", err)
	}

	version, dirty, err = db.GetMigrationVersion(database.DB)
	if err != nil {
		log.Fatalf("Failed to check final migration state: %v", err)
	}
	log.Printf("Final migration state: version=%d, dirty=%v", version, dirty)
}
