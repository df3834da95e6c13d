package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/SiriusScan/leakwatch/leakwatch/apperr"
	"github.com/SiriusScan/leakwatch/leakwatch/latest"
	"github.com/SiriusScan/leakwatch/leakwatch/postgres/models"
	"github.com/SiriusScan/leakwatch/leakwatch/postgres/pgtest"
	"gorm.io/gorm"
)

func seedFindings(t *testing.T, db *gorm.DB, n int) []uint {
	t.Helper()
	ids := make([]uint, n)
	for i := range ids {
		f := models.Finding{
			RepositoryID:    1,
			RuleName:        "aws-key",
			FilePath:        "config.yaml",
			LineNumber:      i + 1,
			CommitID:        "c0ffee",
			CommitTimestamp: time.Now().UTC(),
			Author:          "dev",
		}
		if err := db.Create(&f).Error; err != nil {
			t.Fatalf("❌ Failed to create finding: %v", err)
		}
		ids[i] = f.ID
	}
	return ids
}

func statusOf(t *testing.T, db *gorm.DB, findingID uint) string {
	t.Helper()
	l, err := Latest(context.Background(), db, []uint{findingID})
	if err != nil {
		t.Fatalf("❌ Latest failed: %v", err)
	}
	a, ok := l[findingID]
	if !ok {
		return latest.CurrentStatus(nil)
	}
	return latest.CurrentStatus(&a)
}

func TestCreateMovesLatestFlag(t *testing.T) {
	db := pgtest.Open(t)
	ctx := context.Background()
	ids := seedFindings(t, db, 2)

	if _, err := Create(ctx, db, ids, models.StatusClarificationRequired, "alice", "checking"); err != nil {
		t.Fatalf("❌ Create failed: %v", err)
	}
	audits, err := Create(ctx, db, ids[:1], models.StatusTruePositive, "bob", "")
	if err != nil {
		t.Fatalf("❌ Create failed: %v", err)
	}
	if len(audits) != 1 || !audits[0].IsLatest {
		t.Errorf("unexpected audits %+v", audits)
	}

	var latestCount int64
	db.Model(&models.Audit{}).Where("finding_id = ? AND is_latest = ?", ids[0], true).Count(&latestCount)
	if latestCount != 1 {
		t.Errorf("finding has %d latest audits, want exactly 1", latestCount)
	}
	if got := statusOf(t, db, ids[0]); got != models.StatusTruePositive {
		t.Errorf("status = %s, want TRUE_POSITIVE", got)
	}
	if got := statusOf(t, db, ids[1]); got != models.StatusClarificationRequired {
		t.Errorf("status = %s, want CLARIFICATION_REQUIRED", got)
	}
}

// recordWrites logs, in order, each locking read of findings and each audit insert.
func recordWrites(t *testing.T, db *gorm.DB) *[]string {
	t.Helper()
	var events []string
	err := db.Callback().Query().Before("gorm:query").Register("test:record_locks", func(d *gorm.DB) {
		if _, ok := d.Statement.Clauses["FOR"]; ok && d.Statement.Table == "finding" {
			events = append(events, "lock finding")
		}
	})
	if err != nil {
		t.Fatalf("❌ Failed to register query callback: %v", err)
	}
	err = db.Callback().Create().Before("gorm:create").Register("test:record_audits", func(d *gorm.DB) {
		if d.Statement.Table == "audit" {
			events = append(events, "create audit")
		}
	})
	if err != nil {
		t.Fatalf("❌ Failed to register create callback: %v", err)
	}
	return &events
}

func TestAuditWritersLockFindings(t *testing.T) {
	t.Log("\n🔍 Testing that audit writers lock their findings first...")
	db := pgtest.Open(t)
	ctx := context.Background()
	ids := seedFindings(t, db, 3)
	events := recordWrites(t, db)

	if _, err := Create(ctx, db, ids, models.StatusTruePositive, "alice", ""); err != nil {
		t.Fatalf("❌ Create failed: %v", err)
	}
	err := db.Transaction(func(tx *gorm.DB) error {
		_, err := CreateAutomated(ctx, tx, ids[:1], models.StatusOutdated)
		return err
	})
	if err != nil {
		t.Fatalf("❌ CreateAutomated failed: %v", err)
	}

	want := []string{"lock finding", "create audit", "lock finding", "create audit"}
	if len(*events) != len(want) {
		t.Fatalf("❌ events = %v, want %v", *events, want)
	}
	for i := range want {
		if (*events)[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, (*events)[i], want[i])
		}
	}
	t.Log("✅ Findings are locked before their audits are inserted")
}

func TestCreateValidation(t *testing.T) {
	db := pgtest.Open(t)
	ctx := context.Background()
	ids := seedFindings(t, db, 1)

	if _, err := Create(ctx, db, ids, "UNDER_REVIEW", "alice", ""); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("unknown status: got %v, want validation error", err)
	}
	if _, err := Create(ctx, db, ids, models.StatusTruePositive, " ", ""); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("empty auditor: got %v, want validation error", err)
	}
	if _, err := Create(ctx, db, []uint{ids[0], 9999}, models.StatusTruePositive, "alice", ""); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("missing finding: got %v, want not found", err)
	}

	var n int64
	db.Model(&models.Audit{}).Count(&n)
	if n != 0 {
		t.Errorf("%d audits written by failed calls, want 0", n)
	}
}

func TestRestorePrevious(t *testing.T) {
	db := pgtest.Open(t)
	ctx := context.Background()
	ids := seedFindings(t, db, 3)

	// ids[0]: TRUE_POSITIVE then OUTDATED, ids[1]: only OUTDATED, ids[2]: FALSE_POSITIVE
	if _, err := Create(ctx, db, ids[:1], models.StatusTruePositive, "alice", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := Create(ctx, db, ids[2:], models.StatusFalsePositive, "alice", ""); err != nil {
		t.Fatal(err)
	}
	err := db.Transaction(func(tx *gorm.DB) error {
		_, err := CreateAutomated(ctx, tx, ids[:2], models.StatusOutdated)
		return err
	})
	if err != nil {
		t.Fatalf("❌ CreateAutomated failed: %v", err)
	}

	var restored int
	err = db.Transaction(func(tx *gorm.DB) error {
		var err error
		restored, err = RestorePrevious(ctx, tx, ids, models.StatusOutdated)
		return err
	})
	if err != nil {
		t.Fatalf("❌ RestorePrevious failed: %v", err)
	}
	if restored != 2 {
		t.Errorf("restored %d findings, want 2", restored)
	}

	want := []string{models.StatusTruePositive, models.StatusNotAnalyzed, models.StatusFalsePositive}
	for i, id := range ids {
		if got := statusOf(t, db, id); got != want[i] {
			t.Errorf("finding %d status = %s, want %s", id, got, want[i])
		}
	}

	history, err := History(ctx, db, ids[0])
	if err != nil {
		t.Fatalf("❌ History failed: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("history has %d audits, want 3 (audits are append only)", len(history))
	}
	if history[0].Auditor != models.AutomatedAuditor || history[0].Comment != models.AutomatedComment {
		t.Errorf("restore audit not marked automated: %+v", history[0])
	}
}

func TestListFilters(t *testing.T) {
	db := pgtest.Open(t)
	ctx := context.Background()
	ids := seedFindings(t, db, 3)

	Create(ctx, db, ids, models.StatusNotAnalyzed, "alice", "")
	Create(ctx, db, ids[:1], models.StatusTruePositive, "bob", "")

	all, total, err := List(ctx, db, Filter{}, 0, 100)
	if err != nil {
		t.Fatalf("❌ List failed: %v", err)
	}
	if total != 4 || len(all) != 4 {
		t.Errorf("got %d of %d audits, want 4", len(all), total)
	}

	bobs, total, _ := List(ctx, db, Filter{Auditor: "bob"}, 0, 100)
	if total != 1 || bobs[0].Status != models.StatusTruePositive {
		t.Errorf("auditor filter returned %+v", bobs)
	}

	current, total, _ := List(ctx, db, Filter{OnlyLatest: true, Statuses: []string{models.StatusNotAnalyzed}}, 0, 100)
	if total != 2 || len(current) != 2 {
		t.Errorf("latest NOT_ANALYZED audits = %d, want 2", total)
	}

	page, total, _ := List(ctx, db, Filter{}, 1, 2)
	if total != 4 || len(page) != 2 {
		t.Errorf("page has %d rows of %d, want 2 of 4", len(page), total)
	}

	if _, _, err := List(ctx, db, Filter{}, 0, 1001); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("limit above maximum: got %v, want validation error", err)
	}
}

func TestHistoryUnknownFinding(t *testing.T) {
	db := pgtest.Open(t)
	if _, err := History(context.Background(), db, 42); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("got %v, want not found", err)
	}
}
