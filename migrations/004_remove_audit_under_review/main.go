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

// legacyStatus is no longer a valid audit status.
const legacyStatus = "UNDER_REVIEW"

func main() {
	log.Println("🔄 Starting migration 004: Remove UNDER_REVIEW audits")

	db := postgres.GetDB()
	if db == nil {
		log.Fatalf("❌ Failed to connect to database: %v", postgres.GetConnectionError())
	}

	if err := migrateUp(db, config.Load().BatchSize); err != nil {
		log.Fatalf("❌ Migration failed: %v", err)
	}

	log.Println("✅ Migration 004 completed successfully")
}

func migrateUp(db *gorm.DB, batchSize int) error {
	log.Printf("📊 Deleting %s audits...", legacyStatus)

	res := db.Where("status = ?", legacyStatus).Delete(&models.Audit{})
	if res.Error != nil {
		return fmt.Errorf("failed to delete %s audits: %w", legacyStatus, res.Error)
	}
	log.Printf("✅ %d audits deleted", res.RowsAffected)

	// Deleted audits may have carried is_latest
	log.Println("📊 Re-flagging latest audits...")
	r, err := latest.ResolveAudits(context.Background(), db, batchSize)
	if err != nil {
		return fmt.Errorf("failed to resolve latest audits: %w", err)
	}
	log.Printf("✅ Audits: %d set, %d unset", r.Set, r.Unset)
	return nil
}

func migrateDown(db *gorm.DB) error {
	log.Printf("⚠️  Deleted %s audits cannot be restored; nothing to roll back", legacyStatus)
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
