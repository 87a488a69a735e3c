// Package main is a smoke-test utility that verifies a running welcome service
// is reachable and serving configuration. It checks the health endpoint and
// fetches one guild's welcome configuration, printing status codes and bodies.
//
// Usage: test-api [-url http://localhost:8080] [-guild 123456789012345678]
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/go-resty/resty/v2"
)

func main() {
	baseURL := flag.String("url", envOr("WELCOME_URL", "http://localhost:8080"), "service base URL")
	guildID := flag.String("guild", envOr("WELCOME_GUILD_ID", "123456789012345678"), "guild ID to fetch")
	flag.Parse()

	client := resty.New().
		SetBaseURL(*baseURL).
		SetTimeout(10*time.Second).
		SetHeader("Accept", "application/json")

	failed := false
	check := func(name string, resp *resty.Response, err error) {
		if err != nil {
			fmt.Printf("%s: error: %v\n", name, err)
			failed = true
			return
		}
		fmt.Printf("%s: status %d\n%s\n\n", name, resp.StatusCode(), resp.String())
		if resp.IsError() {
			failed = true
		}
	}

	resp, err := client.R().Get("/health")
	check("health", resp, err)

	resp, err = client.R().
		SetPathParam("guild_id", *guildID).
		Get("/api/v1/guilds/{guild_id}/welcome")
	check("welcome config", resp, err)

	if failed {
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
