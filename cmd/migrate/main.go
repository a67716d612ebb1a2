package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/buildhive/engine/internal/services"
	"github.com/buildhive/engine/pkg/config"
	"github.com/buildhive/engine/pkg/database"
	"github.com/buildhive/engine/pkg/logger"
)

func main() {
	backfill := flag.Bool("backfill-sequences", false, "assign ordinals to timeline events that predate sequencing, then exit")
	flag.Parse()

	cfg := config.MustLoad()
	log, err := logger.Init(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx := context.Background()
	db, err := database.OpenPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal("failed to connect to database", zap.Error(err))
	}

	if *backfill {
		timeline := services.NewTimelineService(db)
		total := 0
		for {
			n, err := timeline.BackfillSequences(ctx, cfg.BackfillBatchSize)
			if err != nil {
				log.Fatal("backfill failed", zap.Int("processed", total), zap.Error(err))
			}
			if n == 0 {
				break
			}
			total += n
		}
		// With every row assigned, promote the column so the ordering
		// guarantee is enforced by the schema from here on.
		if err := db.WithContext(ctx).
			Exec("ALTER TABLE timeline_events ALTER COLUMN sequence SET NOT NULL").Error; err != nil {
			log.Fatal("enforcing sequence NOT NULL failed", zap.Int("processed", total), zap.Error(err))
		}
		fmt.Fprintf(os.Stdout, "backfill completed: %d rows\n", total)
		return
	}

	if err := runMigrations(db); err != nil {
		log.Fatal("migration failed", zap.Error(err))
	}

	fmt.Fprintln(os.Stdout, "migrations completed")
}
