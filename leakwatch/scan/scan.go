// Package scan records scanner runs and keeps each repository's latest scan chain current.
package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/SiriusScan/leakwatch/leakwatch/apperr"
	"github.com/SiriusScan/leakwatch/leakwatch/batch"
	"github.com/SiriusScan/leakwatch/leakwatch/latest"
	"github.com/SiriusScan/leakwatch/leakwatch/metrics"
	"github.com/SiriusScan/leakwatch/leakwatch/paging"
	"github.com/SiriusScan/leakwatch/leakwatch/postgres/models"
	"github.com/SiriusScan/leakwatch/leakwatch/repository"
	"github.com/SiriusScan/leakwatch/leakwatch/rulepack"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Create is a scan as reported by the scanner. A zero IncrementNumber on an
// INCREMENTAL scan means "next in the chain"; a zero Timestamp means now.
type Create struct {
	RepositoryID      uint      `json:"repository_id"`
	RulePack          string    `json:"rule_pack"`
	ScanType          string    `json:"scan_type"`
	LastScannedCommit string    `json:"last_scanned_commit"`
	Timestamp         time.Time `json:"timestamp"`
	IncrementNumber   int       `json:"increment_number"`
}

// Insert records a scan inside tx and recomputes the latest chain of its
// repository and rule pack. The repository row stays locked until tx ends.
// A repository marked deleted is undeleted, since it was evidently scanned.
func Insert(ctx context.Context, tx *gorm.DB, in Create) (*models.Scan, error) {
	const op = "scan.Insert"
	tx = tx.WithContext(ctx)

	if !models.IsValidScanType(in.ScanType) {
		return nil, apperr.Validation(op, "invalid scan type %q", in.ScanType)
	}
	if strings.TrimSpace(in.LastScannedCommit) == "" {
		return nil, apperr.Validation(op, "last scanned commit is required")
	}
	if _, err := rulepack.ParseVersion(in.RulePack); err != nil {
		return nil, err
	}

	var repo models.Repository
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&repo, in.RepositoryID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound(op, "repository %d not found", in.RepositoryID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock repository %d: %w", in.RepositoryID, err)
	}
	if _, err := rulepack.Get(ctx, tx, in.RulePack); err != nil {
		return nil, err
	}

	if repo.DeletedAt != nil {
		if _, err := repository.Restore(ctx, tx, &repo); err != nil {
			return nil, err
		}
	}

	increment, err := nextIncrement(tx, in)
	if err != nil {
		return nil, err
	}

	s := models.Scan{
		RepositoryID:      repo.ID,
		RulePack:          in.RulePack,
		ScanType:          in.ScanType,
		LastScannedCommit: in.LastScannedCommit,
		Timestamp:         in.Timestamp.UTC(),
		IncrementNumber:   increment,
	}
	if in.Timestamp.IsZero() {
		s.Timestamp = time.Now().UTC()
	}
	if err := tx.Create(&s).Error; err != nil {
		return nil, apperr.FromStore(op, err)
	}

	if _, err := latest.ResolveScansFor(ctx, tx, repo.ID, in.RulePack, batch.DefaultSize); err != nil {
		return nil, err
	}
	if err := tx.First(&s, s.ID).Error; err != nil {
		return nil, fmt.Errorf("failed to reload scan %d: %w", s.ID, err)
	}

	metrics.ScansIngested.WithLabelValues(s.ScanType).Inc()
	slog.Debug("Scan recorded", "scan_id", s.ID, "repository_id", repo.ID, "rule_pack", s.RulePack, "type", s.ScanType, "increment", s.IncrementNumber)
	return &s, nil
}

// nextIncrement returns the increment number for a new scan. BASE scans start
// a chain at zero. INCREMENTAL scans continue the current chain and may not
// reuse one of its numbers.
func nextIncrement(tx *gorm.DB, in Create) (int, error) {
	if in.ScanType == models.ScanTypeBase {
		return 0, nil
	}

	var chain []int
	err := tx.Model(&models.Scan{}).
		Where("repository_id = ? AND rule_pack = ? AND is_latest = ?", in.RepositoryID, in.RulePack, true).
		Pluck("increment_number", &chain).Error
	if err != nil {
		return 0, fmt.Errorf("failed to load scan chain: %w", err)
	}

	if in.IncrementNumber <= 0 {
		if len(chain) == 0 {
			return 1, nil
		}
		return slices.Max(chain) + 1, nil
	}
	if slices.Contains(chain, in.IncrementNumber) {
		return 0, apperr.Conflict("scan.Insert", "increment %d already exists for repository %d and rule pack %s",
			in.IncrementNumber, in.RepositoryID, in.RulePack)
	}
	return in.IncrementNumber, nil
}

// Get returns a scan by id.
func Get(ctx context.Context, db *gorm.DB, id uint) (*models.Scan, error) {
	var s models.Scan
	err := db.WithContext(ctx).First(&s, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("scan.Get", "scan %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get scan %d: %w", id, err)
	}
	return &s, nil
}

// Filter narrows List results. Zero values do not filter.
type Filter struct {
	RepositoryID uint
	RulePack     string
	ScanType     string
	OnlyLatest   bool
}

// List returns a page of scans, newest first, and the total matching count.
func List(ctx context.Context, db *gorm.DB, filter Filter, skip, limit int) ([]models.Scan, int64, error) {
	if err := paging.Validate("scan.List", skip, limit); err != nil {
		return nil, 0, err
	}

	query := db.WithContext(ctx).Model(&models.Scan{})
	if filter.RepositoryID != 0 {
		query = query.Where("repository_id = ?", filter.RepositoryID)
	}
	if filter.RulePack != "" {
		query = query.Where("rule_pack = ?", filter.RulePack)
	}
	if filter.ScanType != "" {
		query = query.Where("scan_type = ?", filter.ScanType)
	}
	if filter.OnlyLatest {
		query = query.Where("is_latest = ?", true)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count scans: %w", err)
	}
	var scans []models.Scan
	if err := query.Order("id DESC").Offset(skip).Limit(limit).Find(&scans).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to query scans: %w", err)
	}
	return scans, total, nil
}

// LatestForRepository returns the most recent scan of a repository.
func LatestForRepository(ctx context.Context, db *gorm.DB, repositoryID uint) (*models.Scan, error) {
	var scans []models.Scan
	err := db.WithContext(ctx).Where("repository_id = ?", repositoryID).Order("id DESC").Limit(1).Find(&scans).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get latest scan of repository %d: %w", repositoryID, err)
	}
	if len(scans) == 0 {
		return nil, apperr.NotFound("scan.LatestForRepository", "repository %d has no scans", repositoryID)
	}
	return &scans[0], nil
}

// Delete removes a scan, its links, and the findings only it reported
// together with their audits. The repository's chain is recomputed.
func Delete(ctx context.Context, db *gorm.DB, id uint) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		s, err := Get(ctx, tx, id)
		if err != nil {
			return err
		}

		var reported []uint
		if err := tx.Model(&models.ScanFinding{}).Where("scan_id = ?", id).Pluck("finding_id", &reported).Error; err != nil {
			return fmt.Errorf("failed to list findings of scan %d: %w", id, err)
		}
		if err := tx.Where("scan_id = ?", id).Delete(&models.ScanFinding{}).Error; err != nil {
			return fmt.Errorf("failed to unlink findings of scan %d: %w", id, err)
		}

		stillReported := tx.Model(&models.ScanFinding{}).Select("finding_id")
		var orphans []uint
		for _, chunk := range batch.Chunks(reported, batch.DefaultSize) {
			var ids []uint
			err := tx.Model(&models.Finding{}).
				Where("id IN ? AND id NOT IN (?)", chunk, stillReported).
				Pluck("id", &ids).Error
			if err != nil {
				return fmt.Errorf("failed to find orphaned findings: %w", err)
			}
			orphans = append(orphans, ids...)
		}
		_, err = batch.Apply(ctx, tx, orphans, batch.DefaultSize, func(tx *gorm.DB, chunk []uint) error {
			if err := tx.Where("finding_id IN ?", chunk).Delete(&models.Audit{}).Error; err != nil {
				return err
			}
			return tx.Where("id IN ?", chunk).Delete(&models.Finding{}).Error
		})
		if err != nil {
			return fmt.Errorf("failed to delete orphaned findings: %w", err)
		}

		if err := tx.Delete(&models.Scan{}, id).Error; err != nil {
			return fmt.Errorf("failed to delete scan %d: %w", id, err)
		}
		if _, err := latest.ResolveScansFor(ctx, tx, s.RepositoryID, s.RulePack, batch.DefaultSize); err != nil {
			return err
		}
		slog.Info("Scan deleted", "scan_id", id, "findings_removed", len(orphans))
		return nil
	})
}
