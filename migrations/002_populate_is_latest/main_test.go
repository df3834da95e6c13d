package main

import (
	"testing"
	"time"

	"github.com/SiriusScan/leakwatch/leakwatch/postgres/models"
	"github.com/SiriusScan/leakwatch/leakwatch/postgres/pgtest"
)

func TestMigrateUpAndDown(t *testing.T) {
	db := pgtest.Open(t)
	now := time.Now().UTC()

	scans := []models.Scan{
		{RepositoryID: 1, RulePack: "1.0.0", ScanType: models.ScanTypeBase, LastScannedCommit: "a", Timestamp: now},
		{RepositoryID: 1, RulePack: "1.0.0", ScanType: models.ScanTypeBase, LastScannedCommit: "b", Timestamp: now},
		{RepositoryID: 1, RulePack: "1.0.0", ScanType: models.ScanTypeIncremental, LastScannedCommit: "c", Timestamp: now, IncrementNumber: 1},
	}
	audits := []models.Audit{
		{FindingID: 1, Status: models.StatusNotAnalyzed, Auditor: "a", Timestamp: now},
		{FindingID: 1, Status: models.StatusTruePositive, Auditor: "a", Timestamp: now},
	}
	db.Create(&scans)
	db.Create(&audits)

	if err := migrateUp(db, 2); err != nil {
		t.Fatalf("❌ migrateUp failed: %v", err)
	}
	var latestScans, latestAudits []uint
	db.Model(&models.Scan{}).Where("is_latest = ?", true).Order("id").Pluck("id", &latestScans)
	db.Model(&models.Audit{}).Where("is_latest = ?", true).Pluck("id", &latestAudits)
	if len(latestScans) != 2 || latestScans[0] != scans[1].ID || latestScans[1] != scans[2].ID {
		t.Errorf("latest scans = %v", latestScans)
	}
	if len(latestAudits) != 1 || latestAudits[0] != audits[1].ID {
		t.Errorf("latest audits = %v", latestAudits)
	}

	if err := migrateDown(db); err != nil {
		t.Fatalf("❌ migrateDown failed: %v", err)
	}
	var flagged int64
	db.Model(&models.Scan{}).Where("is_latest = ?", true).Count(&flagged)
	if flagged != 0 {
		t.Errorf("%d scans still flagged", flagged)
	}
}
