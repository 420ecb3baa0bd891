package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"qrattend/internal/attendance"
	"qrattend/internal/config"
	"qrattend/internal/store"
)

// Sweeper closes active sessions that outlived the configured TTL, the
// safety net against sessions a teacher forgot to stop. Check-in
// already rejects overdue sessions lazily; this makes the closure
// durable and stamps end_time.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	if cfg.SessionTTL <= 0 {
		log.Println("SESSION_TTL disabled, nothing to sweep")
		return
	}

	var st attendance.Store
	if cfg.StoreBackend == "memory" {
		// A memory store lives inside the API process; a separate
		// sweeper would only ever see its own empty copy.
		log.Fatal("sweeper requires STORE_BACKEND=postgres")
	}
	db, err := store.NewDB(cfg.DatabaseURL, true)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer db.Close()
	st = attendance.NewRepository(db.Client)

	// Rotation stays with the API process; the sweeper only expires.
	sessions := attendance.NewService(st, 0, cfg.SessionTTL)

	log.Printf("sweeper started, ttl=%s interval=%s", cfg.SessionTTL, cfg.SweepInterval)
	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			expired, err := sessions.CloseOverdue(ctx)
			if err != nil {
				log.Printf("sweep failed: %v", err)
				continue
			}
			for _, sess := range expired {
				log.Printf("expired session %s (course %s, started %s)", sess.ID, sess.CourseID, sess.StartTime.Format(time.RFC3339))
			}
		case <-ctx.Done():
			log.Println("sweeper stopped")
			return
		}
	}
}
