package main

import (
	"gorm.io/gorm"

	"github.com/buildhive/engine/internal/models"
)

// registerModels returns all models that need migration
func registerModels() []interface{} {
	return []interface{}{
		&models.User{},
		&models.Project{},
		&models.Build{},
		&models.Version{},
		&models.TimelineEvent{},
		&models.ProjectSequence{},
		&models.OutboundEvent{},
	}
}

// runMigrations executes all database migrations
func runMigrations(db *gorm.DB) error {
	if err := enableUUIDExtension(db); err != nil {
		return err
	}

	if err := db.AutoMigrate(registerModels()...); err != nil {
		return err
	}

	return runCustomMigrations(db)
}

// runCustomMigrations handles schema changes AutoMigrate can't handle
func runCustomMigrations(db *gorm.DB) error {
	migrations := []func(*gorm.DB) error{
		addPublishedSingletonIndex,
		addTimelineIndexes,
	}

	for _, migration := range migrations {
		if err := migration(db); err != nil {
			return err
		}
	}

	return nil
}

// enableUUIDExtension ensures UUID generation is available
func enableUUIDExtension(db *gorm.DB) error {
	return db.Exec(`CREATE EXTENSION IF NOT EXISTS "pgcrypto"`).Error
}

// addPublishedSingletonIndex creates the partial unique index that caps each
// project at one live publication. Every publish path relies on the database
// rejecting a second live row; application checks are advisory only.
func addPublishedSingletonIndex(db *gorm.DB) error {
	return db.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_versions_published_singleton
		ON versions(project_id)
		WHERE is_published AND soft_deleted_at IS NULL
	`).Error
}

// addTimelineIndexes enforces per-project ordinal uniqueness and client
// message deduplication. Sequence stays nullable until the backfill has
// assigned ordinals to rows that predate sequencing.
func addTimelineIndexes(db *gorm.DB) error {
	if err := db.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_timeline_events_project_sequence
		ON timeline_events(project_id, sequence)
		WHERE sequence IS NOT NULL
	`).Error; err != nil {
		return err
	}

	return db.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_timeline_events_client_message
		ON timeline_events(project_id, client_message_id)
		WHERE client_message_id IS NOT NULL
	`).Error
}
