package main

import (
	"fmt"
	"log"
	"os"

	"github.com/QuillonLabs/quillon/app/models"
	"github.com/QuillonLabs/quillon/app/repository"
	"github.com/QuillonLabs/quillon/internal/pkg/database"
	"github.com/QuillonLabs/quillon/internal/pkg/env"
)

// apikey issues or revokes the API key of a user. Keys are stored
// hashed, so the raw secret is printed exactly once at issue time.
func main() {
	env.SetupEnvFile()

	if len(os.Args) < 3 {
		printUsage()
		os.Exit(1)
	}
	command, email := os.Args[1], os.Args[2]

	database.SetupDatabase()
	db := database.GetDB()
	repository.InitializeFactory(db)

	user, err := repository.GetGlobalFactory().GetUserRepository().GetByEmail(email)
	if err != nil {
		log.Fatalf("Failed to load user %s: %v", email, err)
	}

	settings, err := models.GetOrCreateUserSettings(db, user.ID)
	if err != nil {
		log.Fatalf("Failed to load settings for %s: %v", email, err)
	}

	switch command {
	case "issue":
		rawKey, err := settings.IssueAPIKey()
		if err != nil {
			log.Fatalf("Failed to generate API key: %v", err)
		}
		if err := db.Save(settings).Error; err != nil {
			log.Fatalf("Failed to persist API key: %v", err)
		}
		fmt.Printf("API key for %s (shown once, store it now):\n%s\n", email, rawKey)

	case "revoke":
		settings.RevokeAPIKey()
		if err := db.Save(settings).Error; err != nil {
			log.Fatalf("Failed to revoke API key: %v", err)
		}
		fmt.Printf("API key for %s revoked\n", email)

	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: go run cmd/apikey/main.go [command] [email]")
	fmt.Println("Available commands:")
	fmt.Println("  issue  - Issue a new API key for the user (replaces any existing key)")
	fmt.Println("  revoke - Revoke the user's API key")
}
