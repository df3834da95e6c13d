// Package ingest is the write side of leakwatch: it records scans and their
// findings, reconciles finding states, and applies review and rule pack
// changes, clearing the affected cache namespaces after each write.
package ingest

import (
	"context"
	"log/slog"

	"github.com/SiriusScan/leakwatch/leakwatch/apperr"
	"github.com/SiriusScan/leakwatch/leakwatch/audit"
	"github.com/SiriusScan/leakwatch/leakwatch/finding"
	"github.com/SiriusScan/leakwatch/leakwatch/postgres/models"
	"github.com/SiriusScan/leakwatch/leakwatch/repository"
	"github.com/SiriusScan/leakwatch/leakwatch/rulepack"
	"github.com/SiriusScan/leakwatch/leakwatch/scan"
	"github.com/SiriusScan/leakwatch/leakwatch/store"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Service performs every state-changing operation.
type Service struct {
	db    *gorm.DB
	cache *store.Cache
}

// NewService returns a service over db. cache may be nil.
func NewService(db *gorm.DB, cache *store.Cache) *Service {
	return &Service{db: db, cache: cache}
}

// DB returns the service's database handle.
func (s *Service) DB() *gorm.DB {
	return s.db
}

// Result summarises one findings ingestion.
type Result struct {
	ScanID   uint `json:"scan_id"`
	Linked   int  `json:"linked"`
	Created  int  `json:"created"`
	Updated  int  `json:"updated"`
	Reused   int  `json:"reused"`
	Outdated int  `json:"outdated"`
	Restored int  `json:"restored"`

	CreatedIDs []uint `json:"-"`
}

// CreateScan records a scan and updates its repository's latest chain.
func (s *Service) CreateScan(ctx context.Context, in scan.Create) (*models.Scan, error) {
	var out *models.Scan
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		out, err = scan.Insert(ctx, tx, in)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, store.NamespaceScans, store.NamespaceFindings, store.NamespaceRepository, store.NamespaceAudits)
	return out, nil
}

// IngestFindings stores the findings reported by a scan and reconciles the
// repository: persisted and linked first, then directory findings the scan
// no longer reported and findings whose rule left the active rule pack are
// marked OUTDATED, and reported findings that were OUTDATED are restored.
func (s *Service) IngestFindings(ctx context.Context, scanID uint, items []finding.Create) (*Result, error) {
	var res *Result
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		res, err = ingestFindings(ctx, tx, scanID, items)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.invalidate(ctx, store.NamespaceFindings, store.NamespaceAudits)
	logIngested(res)
	return res, nil
}

// ingestFindings runs one findings ingestion inside tx.
func ingestFindings(ctx context.Context, tx *gorm.DB, scanID uint, items []finding.Create) (*Result, error) {
	sc, err := scan.Get(ctx, tx, scanID)
	if err != nil {
		return nil, err
	}
	// Serialises ingestions of the same repository
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&models.Repository{}, sc.RepositoryID).Error; err != nil {
		return nil, apperr.FromStore("ingest.IngestFindings", err)
	}

	dirRules, err := rulepack.TaggedRuleNames(ctx, tx, sc.RulePack, models.TagScanAsDir)
	if err != nil {
		return nil, err
	}
	persisted, err := finding.Persist(ctx, tx, sc, items, dirRules)
	if err != nil {
		return nil, err
	}

	activeVersion := ""
	active, err := rulepack.Active(ctx, tx)
	if err != nil {
		return nil, err
	}
	if active != nil {
		activeVersion = active.Version
	}
	reconciled, err := finding.Reconcile(ctx, tx, sc, persisted.LinkedIDs, len(dirRules) > 0, activeVersion)
	if err != nil {
		return nil, err
	}

	return &Result{
		ScanID:     scanID,
		Linked:     len(persisted.LinkedIDs),
		Created:    len(persisted.CreatedIDs),
		CreatedIDs: persisted.CreatedIDs,
		Updated:    persisted.Updated,
		Reused:     persisted.Reused,
		Outdated:   reconciled.Outdated,
		Restored:   reconciled.Restored,
	}, nil
}

func logIngested(res *Result) {
	slog.Info("Findings ingested", "scan_id", res.ScanID, "linked", res.Linked, "created", res.Created,
		"updated", res.Updated, "outdated", res.Outdated, "restored", res.Restored)
}

// CreateAudit records a manual review decision for the given findings.
func (s *Service) CreateAudit(ctx context.Context, findingIDs []uint, status, auditor, comment string) ([]models.Audit, error) {
	audits, err := audit.Create(ctx, s.db, findingIDs, status, auditor, comment)
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, store.NamespaceFindings, store.NamespaceAudits)
	return audits, nil
}

// UploadRulePack stores a new rule pack.
func (s *Service) UploadRulePack(ctx context.Context, up rulepack.Upload) (*models.RulePack, error) {
	pack, err := rulepack.Create(ctx, s.db, up)
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, store.NamespaceRulePacks)
	return pack, nil
}

// ActivateRulePack makes version the active rule pack.
func (s *Service) ActivateRulePack(ctx context.Context, version string) (*models.RulePack, error) {
	pack, err := rulepack.Activate(ctx, s.db, version)
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, store.NamespaceRulePacks)
	return pack, nil
}

// MarkRulePackOutdated retires the findings only packs up to version report.
func (s *Service) MarkRulePackOutdated(ctx context.Context, version string) (int, error) {
	n, err := rulepack.MarkOutdated(ctx, s.db, version)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.invalidate(ctx, store.NamespaceFindings, store.NamespaceAudits)
	}
	return n, nil
}

// CreateVcsInstance stores a VCS instance.
func (s *Service) CreateVcsInstance(ctx context.Context, in models.VcsInstance) (*models.VcsInstance, error) {
	return repository.CreateVcsInstance(ctx, s.db, in)
}

// CreateRepository registers a repository or refreshes an existing one.
func (s *Service) CreateRepository(ctx context.Context, in models.Repository) (*models.Repository, error) {
	repo, err := repository.Create(ctx, s.db, in)
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, store.NamespaceRepository)
	return repo, nil
}

// ToggleRepositoriesDeleted flips the deleted state of each repository.
func (s *Service) ToggleRepositoriesDeleted(ctx context.Context, ids []uint) ([]models.Repository, error) {
	repos, err := repository.ToggleDeleted(ctx, s.db, ids)
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, store.NamespaceRepository, store.NamespaceFindings, store.NamespaceAudits)
	return repos, nil
}

// DeleteRepository removes a repository and everything recorded for it.
func (s *Service) DeleteRepository(ctx context.Context, id uint) error {
	if err := repository.Delete(ctx, s.db, id); err != nil {
		return err
	}
	s.invalidate(ctx, store.NamespaceRepository, store.NamespaceScans, store.NamespaceFindings, store.NamespaceAudits)
	return nil
}

// DeleteScan removes a scan and the findings only it reported.
func (s *Service) DeleteScan(ctx context.Context, id uint) error {
	if err := scan.Delete(ctx, s.db, id); err != nil {
		return err
	}
	s.invalidate(ctx, store.NamespaceScans, store.NamespaceFindings, store.NamespaceAudits)
	return nil
}

// invalidate clears cache namespaces. A failure only leaves entries to expire.
func (s *Service) invalidate(ctx context.Context, namespaces ...string) {
	if err := s.cache.Invalidate(ctx, namespaces...); err != nil {
		slog.Warn("Failed to invalidate cache", "namespaces", namespaces, "error", err)
	}
}
