package main

import (
	"fmt"
	"log"
	"os"
	"slices"

	"github.com/SiriusScan/leakwatch/leakwatch/postgres"
	"gorm.io/gorm"
)

// foreignKeys are added on PostgreSQL only; gorm models carry no associations.
var foreignKeys = []struct {
	table, name, definition string
}{
	{"repository", "fk_repository_vcs_instance", "FOREIGN KEY (vcs_instance) REFERENCES vcs_instance(id)"},
	{"rules", "fk_rules_rule_pack", "FOREIGN KEY (rule_pack) REFERENCES rule_pack(version) ON DELETE CASCADE"},
	{"scan", "fk_scan_repository", "FOREIGN KEY (repository_id) REFERENCES repository(id) ON DELETE CASCADE"},
	{"scan", "fk_scan_rule_pack", "FOREIGN KEY (rule_pack) REFERENCES rule_pack(version)"},
	{"finding", "fk_finding_repository", "FOREIGN KEY (repository_id) REFERENCES repository(id) ON DELETE CASCADE"},
	{"scan_finding", "fk_scan_finding_scan", "FOREIGN KEY (scan_id) REFERENCES scan(id) ON DELETE CASCADE"},
	{"scan_finding", "fk_scan_finding_finding", "FOREIGN KEY (finding_id) REFERENCES finding(id) ON DELETE CASCADE"},
	{"audit", "fk_audit_finding", "FOREIGN KEY (finding_id) REFERENCES finding(id) ON DELETE CASCADE"},
}

func main() {
	log.Println("🔄 Starting migration 001: Create Schema")

	db := postgres.GetDB()
	if db == nil {
		log.Fatalf("❌ Failed to connect to database: %v", postgres.GetConnectionError())
	}

	if err := migrateUp(db); err != nil {
		log.Fatalf("❌ Migration failed: %v", err)
	}

	log.Println("✅ Migration 001 completed successfully")
}

func migrateUp(db *gorm.DB) error {
	log.Println("📊 Creating tables...")
	if err := postgres.Migrate(db); err != nil {
		return err
	}
	log.Println("✅ Tables created")

	if db.Dialector.Name() != postgres.DriverPostgres {
		log.Printf("⚠️  Skipping foreign keys on %s", db.Dialector.Name())
		return nil
	}

	log.Println("📊 Creating foreign keys...")
	for _, fk := range foreignKeys {
		if db.Migrator().HasConstraint(fk.table, fk.name) {
			continue
		}
		sql := fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s %s", fk.table, fk.name, fk.definition)
		if err := db.Exec(sql).Error; err != nil {
			return fmt.Errorf("failed to create %s: %w", fk.name, err)
		}
	}
	log.Println("✅ All foreign keys created")
	return nil
}

func migrateDown(db *gorm.DB) error {
	log.Println("🔄 Dropping all tables...")

	tables := postgres.Models()
	slices.Reverse(tables)
	for _, m := range tables {
		if err := db.Migrator().DropTable(m); err != nil {
			return fmt.Errorf("failed to drop table for %T: %w", m, err)
		}
	}

	log.Println("✅ Schema rolled back")
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
