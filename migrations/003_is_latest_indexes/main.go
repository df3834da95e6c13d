package main

import (
	"fmt"
	"log"
	"os"

	"github.com/SiriusScan/leakwatch/leakwatch/postgres"
	"gorm.io/gorm"
)

func main() {
	log.Println("🔄 Starting migration 003: Partial indexes on is_latest")

	db := postgres.GetDB()
	if db == nil {
		log.Fatalf("❌ Failed to connect to database: %v", postgres.GetConnectionError())
	}

	if err := migrateUp(db); err != nil {
		log.Fatalf("❌ Migration failed: %v", err)
	}

	log.Println("✅ Migration 003 completed successfully")
}

func migrateUp(db *gorm.DB) error {
	log.Println("📊 Creating indexes...")

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_scan_latest_chain ON scan(repository_id, rule_pack) WHERE is_latest;",
		"CREATE INDEX IF NOT EXISTS idx_audit_latest_finding ON audit(finding_id, status) WHERE is_latest;",
		"CREATE INDEX IF NOT EXISTS idx_finding_dir_scan ON finding(repository_id, rule_name, file_path) WHERE is_dir_scan;",
		"CREATE INDEX IF NOT EXISTS idx_finding_unsent ON finding(id) WHERE event_sent_on IS NULL;",
	}
	for _, indexSQL := range indexes {
		if err := db.Exec(indexSQL).Error; err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	log.Println("✅ All indexes created")
	return nil
}

func migrateDown(db *gorm.DB) error {
	log.Println("🔄 Dropping is_latest indexes...")

	dropIndexSQL := []string{
		"DROP INDEX IF EXISTS idx_finding_unsent;",
		"DROP INDEX IF EXISTS idx_finding_dir_scan;",
		"DROP INDEX IF EXISTS idx_audit_latest_finding;",
		"DROP INDEX IF EXISTS idx_scan_latest_chain;",
	}
	for _, sql := range dropIndexSQL {
		if err := db.Exec(sql).Error; err != nil {
			log.Printf("⚠️  Warning: Failed to drop index: %v", err)
		}
	}

	log.Println("✅ Indexes rolled back")
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
