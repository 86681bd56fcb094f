package main

import (
	"errors"
	"flag"
	"log"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"gudangku/backend/internal/config"
)

func main() {
	var (
		action = flag.String("action", "up", "migration action: up, down, version, force")
		steps  = flag.Int("steps", 1, "number of steps for down migration")
		target = flag.Uint("target", 0, "target version for force")
	)
	flag.Parse()

	cfg := config.Load()
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL must be set")
	}

	m, err := migrate.New("file://"+cfg.MigrationsDir, pgxURL(cfg.DatabaseURL))
	if err != nil {
		log.Fatalf("open migrations: %v", err)
	}
	defer func() {
		if srcErr, dbErr := m.Close(); srcErr != nil || dbErr != nil {
			log.Printf("close: source=%v db=%v", srcErr, dbErr)
		}
	}()

	switch *action {
	case "up":
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			log.Fatalf("up: %v", err)
		}
		log.Println("migrations up to date")
	case "down":
		if err := m.Steps(-*steps); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			log.Fatalf("down: %v", err)
		}
		log.Printf("rolled back %d step(s)", *steps)
	case "version":
		version, dirty, err := m.Version()
		if err != nil {
			log.Fatalf("version: %v", err)
		}
		log.Printf("version=%d dirty=%t", version, dirty)
	case "force":
		log.Printf("forcing version %d; this clears dirty state", *target)
		if err := m.Force(int(*target)); err != nil {
			log.Fatalf("force: %v", err)
		}
		log.Println("version forced")
	default:
		log.Fatalf("unknown action %q", *action)
	}
}

// pgxURL rewrites a postgres:// connection URL onto the migrate pgx5
// driver scheme so both forms of DATABASE_URL work.
func pgxURL(databaseURL string) string {
	for _, prefix := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(databaseURL, prefix) {
			return "pgx5://" + strings.TrimPrefix(databaseURL, prefix)
		}
	}
	return databaseURL
}
