package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/SiriusScan/leakwatch/leakwatch/apperr"
	"github.com/SiriusScan/leakwatch/leakwatch/audit"
	"github.com/SiriusScan/leakwatch/leakwatch/latest"
	"github.com/SiriusScan/leakwatch/leakwatch/postgres/models"
	"github.com/SiriusScan/leakwatch/leakwatch/postgres/pgtest"
	"gorm.io/gorm"
)

func newVcs(t *testing.T, db *gorm.DB, name, provider string) *models.VcsInstance {
	t.Helper()
	vcs, err := CreateVcsInstance(context.Background(), db, models.VcsInstance{
		Name: name, ProviderType: provider, Hostname: name + ".example.com", Port: 443, Scheme: "https",
	})
	if err != nil {
		t.Fatalf("❌ Failed to create vcs instance: %v", err)
	}
	return vcs
}

func newRepo(t *testing.T, db *gorm.DB, vcsID uint, key, name string) *models.Repository {
	t.Helper()
	repo, err := Create(context.Background(), db, models.Repository{
		ProjectKey: key, RepositoryID: name, RepositoryName: name, RepositoryURL: "https://example.com/" + name, VcsInstanceID: vcsID,
	})
	if err != nil {
		t.Fatalf("❌ Failed to create repository: %v", err)
	}
	return repo
}

func statusOf(t *testing.T, db *gorm.DB, findingID uint) string {
	t.Helper()
	l, err := audit.Latest(context.Background(), db, []uint{findingID})
	if err != nil {
		t.Fatalf("❌ Latest failed: %v", err)
	}
	if a, ok := l[findingID]; ok {
		return latest.CurrentStatus(&a)
	}
	return latest.CurrentStatus(nil)
}

func TestCreateVcsInstanceValidation(t *testing.T) {
	db := pgtest.Open(t)
	ctx := context.Background()
	newVcs(t, db, "bitbucket", models.ProviderBitbucket)

	tests := []struct {
		name string
		in   models.VcsInstance
		want error
	}{
		{"unknown provider", models.VcsInstance{Name: "x", ProviderType: "GITLAB", Hostname: "h", Port: 443, Scheme: "https"}, apperr.ErrValidation},
		{"bad port", models.VcsInstance{Name: "x", ProviderType: models.ProviderBitbucket, Hostname: "h", Port: 0, Scheme: "https"}, apperr.ErrValidation},
		{"bad scheme", models.VcsInstance{Name: "x", ProviderType: models.ProviderBitbucket, Hostname: "h", Port: 80, Scheme: "ftp"}, apperr.ErrValidation},
		{"duplicate name", models.VcsInstance{Name: "bitbucket", ProviderType: models.ProviderBitbucket, Hostname: "h", Port: 80, Scheme: "http"}, apperr.ErrConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := CreateVcsInstance(ctx, db, tt.in); !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestCreateRefreshesExistingRepository(t *testing.T) {
	db := pgtest.Open(t)
	ctx := context.Background()
	vcs := newVcs(t, db, "bitbucket", models.ProviderBitbucket)

	first := newRepo(t, db, vcs.ID, "PAY", "payments")
	again, err := Create(ctx, db, models.Repository{
		ProjectKey: "PAY", RepositoryID: "payments", RepositoryName: "payments-renamed", RepositoryURL: "https://example.com/new", VcsInstanceID: vcs.ID,
	})
	if err != nil {
		t.Fatalf("❌ Create failed: %v", err)
	}
	if again.ID != first.ID || again.RepositoryName != "payments-renamed" {
		t.Errorf("got %+v, want repository %d renamed", again, first.ID)
	}

	var count int64
	db.Model(&models.Repository{}).Count(&count)
	if count != 1 {
		t.Errorf("%d repositories, want 1", count)
	}

	_, err = Create(ctx, db, models.Repository{ProjectKey: "PAY", RepositoryID: "x", RepositoryName: "x", VcsInstanceID: 99})
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("unknown vcs instance: got %v, want not found", err)
	}
}

func TestListFilters(t *testing.T) {
	db := pgtest.Open(t)
	ctx := context.Background()
	bb := newVcs(t, db, "bitbucket", models.ProviderBitbucket)
	gh := newVcs(t, db, "github", models.ProviderGithubPublic)

	newRepo(t, db, bb.ID, "PAY", "payments")
	gone := newRepo(t, db, bb.ID, "PAY", "legacy-payments")
	newRepo(t, db, gh.ID, "OPS", "infra")
	if _, err := ToggleDeleted(ctx, db, []uint{gone.ID}); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		filter Filter
		want   int64
	}{
		{"active only", Filter{}, 2},
		{"including deleted", Filter{IncludeDeleted: true}, 3},
		{"name substring", Filter{RepositoryName: "payments", IncludeDeleted: true}, 2},
		{"project", Filter{ProjectKey: "OPS"}, 1},
		{"project ignores case", Filter{ProjectKey: "ops"}, 1},
		{"wildcards are literal", Filter{RepositoryName: "_", IncludeDeleted: true}, 0},
		{"provider", Filter{VcsProviders: []string{models.ProviderBitbucket}}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repos, total, err := List(ctx, db, tt.filter, 0, 100)
			if err != nil {
				t.Fatalf("❌ List failed: %v", err)
			}
			if total != tt.want || int64(len(repos)) != tt.want {
				t.Errorf("got %d (%d rows), want %d", total, len(repos), tt.want)
			}
		})
	}
}

func TestToggleDeletedRoundTrip(t *testing.T) {
	t.Log("\n🔍 Testing repository delete and undelete...")
	db := pgtest.Open(t)
	ctx := context.Background()
	vcs := newVcs(t, db, "bitbucket", models.ProviderBitbucket)
	repo := newRepo(t, db, vcs.ID, "PAY", "payments")

	var ids []uint
	for i := 1; i <= 3; i++ {
		f := models.Finding{RepositoryID: repo.ID, RuleName: "aws-key", FilePath: "a", LineNumber: i, CommitID: "c", CommitTimestamp: time.Now().UTC(), Author: "dev"}
		if err := db.Create(&f).Error; err != nil {
			t.Fatal(err)
		}
		ids = append(ids, f.ID)
	}
	audit.Create(ctx, db, ids[:1], models.StatusTruePositive, "alice", "")
	audit.Create(ctx, db, ids[1:2], models.StatusClarificationRequired, "alice", "")

	repos, err := ToggleDeleted(ctx, db, []uint{repo.ID})
	if err != nil {
		t.Fatalf("❌ ToggleDeleted failed: %v", err)
	}
	if repos[0].DeletedAt == nil {
		t.Fatal("❌ repository not marked deleted")
	}
	for _, id := range ids {
		if got := statusOf(t, db, id); got != models.StatusNotAccessible {
			t.Errorf("finding %d = %s, want NOT_ACCESSIBLE", id, got)
		}
	}

	repos, err = ToggleDeleted(ctx, db, []uint{repo.ID})
	if err != nil {
		t.Fatalf("❌ ToggleDeleted failed: %v", err)
	}
	if repos[0].DeletedAt != nil {
		t.Fatal("❌ repository still deleted")
	}
	want := []string{models.StatusTruePositive, models.StatusClarificationRequired, models.StatusNotAnalyzed}
	for i, id := range ids {
		if got := statusOf(t, db, id); got != want[i] {
			t.Errorf("finding %d = %s, want %s", id, got, want[i])
		}
	}

	var audits int64
	db.Model(&models.Audit{}).Count(&audits)
	if audits != 8 {
		t.Errorf("%d audits, want 8 (history is never rewritten)", audits)
	}
	t.Log("\n✅ Repository delete and undelete test passed")
}

func TestDeleteCascades(t *testing.T) {
	db := pgtest.Open(t)
	ctx := context.Background()
	vcs := newVcs(t, db, "bitbucket", models.ProviderBitbucket)
	repo := newRepo(t, db, vcs.ID, "PAY", "payments")
	other := newRepo(t, db, vcs.ID, "PAY", "other")

	for _, r := range []*models.Repository{repo, other} {
		s := models.Scan{RepositoryID: r.ID, RulePack: "1.0.0", ScanType: models.ScanTypeBase, LastScannedCommit: "c", Timestamp: time.Now().UTC()}
		db.Create(&s)
		f := models.Finding{RepositoryID: r.ID, RuleName: "aws-key", FilePath: "a", LineNumber: 1, CommitID: "c", CommitTimestamp: time.Now().UTC(), Author: "dev"}
		db.Create(&f)
		db.Create(&models.ScanFinding{ScanID: s.ID, FindingID: f.ID})
		audit.Create(ctx, db, []uint{f.ID}, models.StatusFalsePositive, "bob", "")
	}

	if err := Delete(ctx, db, repo.ID); err != nil {
		t.Fatalf("❌ Delete failed: %v", err)
	}
	for _, m := range []any{&models.Repository{}, &models.Scan{}, &models.Finding{}, &models.ScanFinding{}, &models.Audit{}} {
		var n int64
		db.Model(m).Count(&n)
		if n != 1 {
			t.Errorf("%T: %d rows left, want only the other repository's", m, n)
		}
	}
	if err := Delete(ctx, db, repo.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("second delete: got %v, want not found", err)
	}
}
