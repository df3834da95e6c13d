package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/SiriusScan/leakwatch/leakwatch/config"
	"github.com/SiriusScan/leakwatch/leakwatch/latest"
	"github.com/SiriusScan/leakwatch/leakwatch/postgres"
	"github.com/SiriusScan/leakwatch/leakwatch/postgres/models"
	"gorm.io/gorm"
)

func main() {
	log.Println("🔄 Starting migration 002: Populate is_latest")

	db := postgres.GetDB()
	if db == nil {
		log.Fatalf("❌ Failed to connect to database: %v", postgres.GetConnectionError())
	}

	if err := migrateUp(db, config.Load().BatchSize); err != nil {
		log.Fatalf("❌ Migration failed: %v", err)
	}

	log.Println("✅ Migration 002 completed successfully")
}

// migrateUp can be re-run safely; the resolvers only write rows whose flag differs.
func migrateUp(db *gorm.DB, batchSize int) error {
	ctx := context.Background()

	log.Println("📊 Flagging latest scans...")
	scans, err := latest.ResolveScans(ctx, db, batchSize)
	if err != nil {
		return fmt.Errorf("failed to resolve latest scans: %w", err)
	}
	log.Printf("✅ Scans: %d set, %d unset in %d chunks", scans.Set, scans.Unset, scans.Chunks)

	log.Println("📊 Flagging latest audits...")
	audits, err := latest.ResolveAudits(ctx, db, batchSize)
	if err != nil {
		return fmt.Errorf("failed to resolve latest audits: %w", err)
	}
	log.Printf("✅ Audits: %d set, %d unset in %d chunks", audits.Set, audits.Unset, audits.Chunks)
	return nil
}

func migrateDown(db *gorm.DB) error {
	log.Println("🔄 Clearing is_latest flags...")

	for _, m := range []any{&models.Scan{}, &models.Audit{}} {
		if err := db.Model(m).Where("is_latest = ?", true).Update("is_latest", false).Error; err != nil {
			return fmt.Errorf("failed to clear is_latest on %T: %w", m, err)
		}
	}

	log.Println("✅ is_latest flags cleared")
	return nil
}

func init() {
	if len(os.Args) > 1 && os.Args[1] == "--rollback" {
		log.Println("🔄 Running migration rollback...")
		db := postgres.GetDB()
		if db == nil {
			log.Fatal("❌ Failed to connect to database")
		}
		if err := migrateDown(db); err != nil {
			log.Fatalf("❌ Rollback failed: %v", err)
		}
		log.Println("✅ Rollback completed successfully")
		os.Exit(0)
	}
}
