// migrate runs DB migrations from embedded SQL; use with go run ./cmd/migrate --direction up.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"devicelog/backend/internal/config"
	"devicelog/backend/internal/db/migrate"
)

func main() {
	direction := pflag.StringP("direction", "d", "up", "Migration direction: up or down")
	dsn := pflag.String("database-url", "", "Database DSN (overrides DATABASE_URL)")
	pflag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	url := cfg.DatabaseURL
	if *dsn != "" {
		url = *dsn
	}
	if url == "" {
		fmt.Fprintln(os.Stderr, "DATABASE_URL is not set; create a .env from .env.example or set DATABASE_URL")
		os.Exit(1)
	}

	if err := migrate.Run(url, *direction); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			return
		}
		fmt.Fprintln(os.Stderr, "migrate:", err)
		os.Exit(1)
	}
	fmt.Printf("migrate: %s complete\n", *direction)
}
