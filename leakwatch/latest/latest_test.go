package latest

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/SiriusScan/leakwatch/leakwatch/postgres/models"
	"github.com/SiriusScan/leakwatch/leakwatch/postgres/pgtest"
	"gorm.io/gorm"
)

func addScan(t *testing.T, db *gorm.DB, repoID uint, rulePack, scanType string) uint {
	t.Helper()
	s := models.Scan{
		RepositoryID:      repoID,
		RulePack:          rulePack,
		ScanType:          scanType,
		LastScannedCommit: "abc",
		Timestamp:         time.Now().UTC(),
	}
	if err := db.Create(&s).Error; err != nil {
		t.Fatalf("❌ Failed to create scan: %v", err)
	}
	return s.ID
}

func latestScans(t *testing.T, db *gorm.DB) []uint {
	t.Helper()
	var ids []uint
	if err := db.Model(&models.Scan{}).Where("is_latest = ?", true).Order("id").Pluck("id", &ids).Error; err != nil {
		t.Fatalf("❌ Failed to list latest scans: %v", err)
	}
	return ids
}

func TestResolveScansChains(t *testing.T) {
	db := pgtest.Open(t)
	ctx := context.Background()

	s1 := addScan(t, db, 1, "1.0.0", models.ScanTypeBase)
	s2 := addScan(t, db, 1, "1.0.0", models.ScanTypeIncremental)
	s3 := addScan(t, db, 1, "1.0.0", models.ScanTypeBase)
	s4 := addScan(t, db, 1, "1.0.0", models.ScanTypeIncremental)
	s5 := addScan(t, db, 1, "2.0.0", models.ScanTypeBase)
	// An incremental scan of a rule pack with no base scan never becomes latest
	addScan(t, db, 2, "1.0.0", models.ScanTypeIncremental)
	s7 := addScan(t, db, 2, "2.0.0", models.ScanTypeBase)

	r, err := ResolveScans(ctx, db, 100)
	if err != nil {
		t.Fatalf("❌ ResolveScans failed: %v", err)
	}

	want := []uint{s3, s4, s5, s7}
	if got := latestScans(t, db); !slices.Equal(got, want) {
		t.Errorf("latest scans = %v, want %v (s1=%d s2=%d)", got, want, s1, s2)
	}
	if r.Set != 4 || r.Unset != 0 {
		t.Errorf("result = %+v, want 4 set", r)
	}

	again, err := ResolveScans(ctx, db, 100)
	if err != nil {
		t.Fatalf("❌ second ResolveScans failed: %v", err)
	}
	if again.Changed() {
		t.Errorf("second run changed rows: %+v", again)
	}
	t.Log("✅ Scan resolver is idempotent")
}

func TestResolveScansForMatchesFullResolve(t *testing.T) {
	db := pgtest.Open(t)
	ctx := context.Background()

	steps := []struct {
		repo     uint
		rulePack string
		scanType string
	}{
		{1, "1.0.0", models.ScanTypeBase},
		{1, "1.0.0", models.ScanTypeIncremental},
		{2, "1.0.0", models.ScanTypeBase},
		{1, "1.0.0", models.ScanTypeIncremental},
		{1, "1.0.0", models.ScanTypeBase},
		{2, "1.0.0", models.ScanTypeIncremental},
		{1, "2.0.0", models.ScanTypeBase},
	}
	for _, s := range steps {
		addScan(t, db, s.repo, s.rulePack, s.scanType)
		if _, err := ResolveScansFor(ctx, db, s.repo, s.rulePack, 100); err != nil {
			t.Fatalf("❌ ResolveScansFor failed: %v", err)
		}
	}
	incremental := latestScans(t, db)

	r, err := ResolveScans(ctx, db, 100)
	if err != nil {
		t.Fatalf("❌ ResolveScans failed: %v", err)
	}
	if r.Changed() {
		t.Errorf("full resolve disagreed with incremental maintenance: %+v", r)
	}
	if got := latestScans(t, db); !slices.Equal(got, incremental) {
		t.Errorf("latest scans = %v, want %v", got, incremental)
	}
	// repo 1 restarts its chain at 5, repo 2 keeps 3 and 6, 7 is alone in 2.0.0
	if want := []uint{3, 5, 6, 7}; !slices.Equal(incremental, want) {
		t.Errorf("latest scans = %v, want %v", incremental, want)
	}
}

func TestResolveAudits(t *testing.T) {
	db := pgtest.Open(t)
	ctx := context.Background()

	add := func(findingID uint, status string) uint {
		a := models.Audit{FindingID: findingID, Status: status, Auditor: "alice", Timestamp: time.Now().UTC()}
		if err := db.Create(&a).Error; err != nil {
			t.Fatalf("❌ Failed to create audit: %v", err)
		}
		return a.ID
	}
	add(1, models.StatusNotAnalyzed)
	add(1, models.StatusClarificationRequired)
	a3 := add(1, models.StatusTruePositive)
	a4 := add(2, models.StatusFalsePositive)

	r, err := ResolveAudits(ctx, db, 100)
	if err != nil {
		t.Fatalf("❌ ResolveAudits failed: %v", err)
	}
	if r.Set != 2 {
		t.Errorf("result = %+v, want 2 set", r)
	}

	var latest []uint
	db.Model(&models.Audit{}).Where("is_latest = ?", true).Order("id").Pluck("id", &latest)
	if !slices.Equal(latest, []uint{a3, a4}) {
		t.Errorf("latest audits = %v, want %v", latest, []uint{a3, a4})
	}

	// A new audit for finding 1 moves the flag
	a5 := add(1, models.StatusFalsePositive)
	r, err = ResolveAuditsFor(ctx, db, []uint{1}, 100)
	if err != nil {
		t.Fatalf("❌ ResolveAuditsFor failed: %v", err)
	}
	if r.Set != 1 || r.Unset != 1 {
		t.Errorf("result = %+v, want 1 set and 1 unset", r)
	}
	latest = nil
	db.Model(&models.Audit{}).Where("is_latest = ?", true).Order("id").Pluck("id", &latest)
	if !slices.Equal(latest, []uint{a4, a5}) {
		t.Errorf("latest audits = %v, want %v", latest, []uint{a4, a5})
	}

	again, err := ResolveAudits(ctx, db, 100)
	if err != nil {
		t.Fatalf("❌ ResolveAudits failed: %v", err)
	}
	if again.Changed() {
		t.Errorf("second run changed rows: %+v", again)
	}
}

func TestResolveAuditsBatches(t *testing.T) {
	db := pgtest.Open(t)

	audits := make([]models.Audit, 250)
	for i := range audits {
		audits[i] = models.Audit{FindingID: uint(i + 1), Status: models.StatusNotAnalyzed, Auditor: "bob", Timestamp: time.Now().UTC()}
	}
	if err := db.CreateInBatches(&audits, 100).Error; err != nil {
		t.Fatalf("❌ Failed to seed audits: %v", err)
	}

	r, err := ResolveAudits(context.Background(), db, 100)
	if err != nil {
		t.Fatalf("❌ ResolveAudits failed: %v", err)
	}
	if r.Set != 250 || r.Chunks != 3 {
		t.Errorf("result = %+v, want 250 set in 3 chunks", r)
	}
}

func TestCurrentStatus(t *testing.T) {
	if got := CurrentStatus(nil); got != models.StatusNotAnalyzed {
		t.Errorf("CurrentStatus(nil) = %s", got)
	}
	if got := CurrentStatus(&models.Audit{Status: models.StatusOutdated}); got != models.StatusOutdated {
		t.Errorf("CurrentStatus = %s", got)
	}
}
