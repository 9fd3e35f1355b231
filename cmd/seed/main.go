// seed inserts demo devices, sessions, and logs through the ingestion pipeline for local testing.
// Idempotent: devices that already exist are skipped.
package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/spf13/pflag"

	"devicelog/backend/internal/config"
	"devicelog/backend/internal/db"
	devicerepo "devicelog/backend/internal/device/repository"
	deviceservice "devicelog/backend/internal/device/service"
	"devicelog/backend/internal/logentry/domain"
	logrepo "devicelog/backend/internal/logentry/repository"
	logservice "devicelog/backend/internal/logentry/service"
	"devicelog/backend/internal/platform/apperr"
	sessionrepo "devicelog/backend/internal/session/repository"
	sessionservice "devicelog/backend/internal/session/service"
	"devicelog/backend/internal/timestamp"
)

var (
	levels   = []string{"DEBUG", "INFO", "INFO", "INFO", "WARN", "ERROR"}
	messages = []string{
		"app started",
		"BLE scan started",
		"connected to charger",
		"battery level 82%",
		"charging current dropped",
		"BLE connection lost",
	}
	platforms = []string{"android", "ios"}
)

func main() {
	dsn := pflag.String("database-url", "", "Database DSN (overrides DATABASE_URL)")
	devices := pflag.IntP("devices", "d", 2, "Number of demo devices")
	sessions := pflag.IntP("sessions", "s", 2, "Sessions per device")
	logs := pflag.IntP("logs", "l", 25, "Log lines per session")
	pflag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	url := cfg.DatabaseURL
	if *dsn != "" {
		url = *dsn
	}
	if url == "" {
		log.Fatal("DATABASE_URL is not set; create a .env from .env.example or set DATABASE_URL")
	}

	store, err := db.Open(url)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer store.Close()

	ts, err := timestamp.New(cfg.DisplayUTCOffset)
	if err != nil {
		log.Fatalf("timestamp: %v", err)
	}
	deviceSvc := deviceservice.NewService(devicerepo.NewSQLRepository(store), nil)
	sessionSvc := sessionservice.NewService(sessionrepo.NewSQLRepository(store), deviceSvc, cfg.DefaultPlatform, nil)
	logSvc, err := logservice.NewService(logrepo.NewSQLRepository(store), sessionSvc, ts, logservice.Options{MaxBatchSize: cfg.MaxBatchSize})
	if err != nil {
		log.Fatalf("log service: %v", err)
	}

	ctx := context.Background()
	nDevices, nSessions := *devices, *sessions
	start := time.Now().UTC().Add(-time.Duration(nDevices*nSessions) * time.Hour)
	for d := 1; d <= nDevices; d++ {
		deviceKey := fmt.Sprintf("demo-device-%03d", d)
		if _, err := deviceSvc.Get(ctx, deviceKey); err == nil {
			log.Printf("seed: %s already exists, skipping", deviceKey)
			continue
		} else if !apperr.IsKind(err, apperr.KindNotFound) {
			log.Fatalf("seed: %v", err)
		}
		for s := 1; s <= nSessions; s++ {
			at := start.Add(time.Duration((d-1)*nSessions+s) * time.Hour)
			batch := domain.Batch{
				DeviceKey:   deviceKey,
				SessionKey:  fmt.Sprintf("%d", at.UnixMilli()),
				AppVersion:  "1.4.2",
				BuildNumber: fmt.Sprintf("%d", 100+s),
				Platform:    platforms[(d-1)%len(platforms)],
				Entries:     demoEntries(at, *logs),
			}
			res, err := logSvc.AppendBatch(ctx, batch)
			if err != nil {
				log.Fatalf("seed: %s session %d: %v", deviceKey, s, err)
			}
			log.Printf("seed: %s session %d: %d logs", deviceKey, res.SessionID, res.Accepted)
		}
	}
	log.Println("seed: done")
}

func demoEntries(start time.Time, n int) []domain.RawEntry {
	out := make([]domain.RawEntry, n)
	for i := range out {
		ts := start.Add(time.Duration(i) * 1500 * time.Millisecond).Format(time.RFC3339Nano)
		out[i] = domain.RawEntry{
			TS:      &ts,
			Level:   levels[i%len(levels)],
			Message: messages[i%len(messages)],
		}
	}
	return out
}
