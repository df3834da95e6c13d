// Package repository manages VCS instances and the repositories scanned on them.
package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/SiriusScan/leakwatch/leakwatch/apperr"
	"github.com/SiriusScan/leakwatch/leakwatch/audit"
	"github.com/SiriusScan/leakwatch/leakwatch/paging"
	"github.com/SiriusScan/leakwatch/leakwatch/postgres"
	"github.com/SiriusScan/leakwatch/leakwatch/postgres/models"
	"gorm.io/gorm"
)

// CreateVcsInstance stores a new VCS instance. Names are unique.
func CreateVcsInstance(ctx context.Context, db *gorm.DB, in models.VcsInstance) (*models.VcsInstance, error) {
	const op = "repository.CreateVcsInstance"

	if strings.TrimSpace(in.Name) == "" || strings.TrimSpace(in.Hostname) == "" {
		return nil, apperr.Validation(op, "name and hostname are required")
	}
	if !models.IsValidProviderType(in.ProviderType) {
		return nil, apperr.Validation(op, "invalid provider type %q", in.ProviderType)
	}
	if in.Port < 1 || in.Port > 65535 {
		return nil, apperr.Validation(op, "invalid port %d", in.Port)
	}
	if in.Scheme != "http" && in.Scheme != "https" {
		return nil, apperr.Validation(op, "invalid scheme %q", in.Scheme)
	}

	in.ID = 0
	if err := db.WithContext(ctx).Create(&in).Error; err != nil {
		return nil, apperr.FromStore(op, err)
	}
	return &in, nil
}

// GetVcsInstance returns a VCS instance by id.
func GetVcsInstance(ctx context.Context, db *gorm.DB, id uint) (*models.VcsInstance, error) {
	var vcs models.VcsInstance
	err := db.WithContext(ctx).First(&vcs, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("repository.GetVcsInstance", "vcs instance %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get vcs instance %d: %w", id, err)
	}
	return &vcs, nil
}

// ListVcsInstances returns every VCS instance ordered by name.
func ListVcsInstances(ctx context.Context, db *gorm.DB) ([]models.VcsInstance, error) {
	var out []models.VcsInstance
	if err := db.WithContext(ctx).Order("name").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list vcs instances: %w", err)
	}
	return out, nil
}

// Create stores a repository, or refreshes the name and url of the one
// already registered under the same project key, repository id and VCS instance.
func Create(ctx context.Context, db *gorm.DB, in models.Repository) (*models.Repository, error) {
	const op = "repository.Create"

	if in.ProjectKey == "" || in.RepositoryID == "" || in.RepositoryName == "" {
		return nil, apperr.Validation(op, "project key, repository id and repository name are required")
	}

	var repo models.Repository
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := GetVcsInstance(ctx, tx, in.VcsInstanceID); err != nil {
			return err
		}

		var existing []models.Repository
		err := tx.Where("project_key = ? AND repository_id = ? AND vcs_instance = ?", in.ProjectKey, in.RepositoryID, in.VcsInstanceID).
			Limit(1).Find(&existing).Error
		if err != nil {
			return fmt.Errorf("failed to look up repository: %w", err)
		}

		if len(existing) == 0 {
			repo = models.Repository{
				ProjectKey:     in.ProjectKey,
				RepositoryID:   in.RepositoryID,
				RepositoryName: in.RepositoryName,
				RepositoryURL:  in.RepositoryURL,
				VcsInstanceID:  in.VcsInstanceID,
			}
			return apperr.FromStore(op, tx.Create(&repo).Error)
		}

		repo = existing[0]
		repo.RepositoryName = in.RepositoryName
		repo.RepositoryURL = in.RepositoryURL
		return apperr.FromStore(op, tx.Model(&repo).Updates(map[string]any{
			"repository_name": repo.RepositoryName,
			"repository_url":  repo.RepositoryURL,
		}).Error)
	})
	if err != nil {
		return nil, err
	}
	return &repo, nil
}

// Get returns a repository by id.
func Get(ctx context.Context, db *gorm.DB, id uint) (*models.Repository, error) {
	var repo models.Repository
	err := db.WithContext(ctx).First(&repo, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("repository.Get", "repository %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get repository %d: %w", id, err)
	}
	return &repo, nil
}

// Filter narrows List results. Zero values do not filter.
type Filter struct {
	ProjectKey     string
	RepositoryName string
	VcsProviders   []string
	IncludeDeleted bool
}

// List returns a page of repositories ordered by id and the total matching count.
func List(ctx context.Context, db *gorm.DB, filter Filter, skip, limit int) ([]models.Repository, int64, error) {
	if err := paging.Validate("repository.List", skip, limit); err != nil {
		return nil, 0, err
	}

	query := db.WithContext(ctx).Model(&models.Repository{})
	if filter.ProjectKey != "" {
		query = query.Where(postgres.Contains("repository.project_key", filter.ProjectKey))
	}
	if filter.RepositoryName != "" {
		query = query.Where(postgres.Contains("repository.repository_name", filter.RepositoryName))
	}
	if len(filter.VcsProviders) > 0 {
		query = query.Joins("JOIN vcs_instance ON vcs_instance.id = repository.vcs_instance").
			Where("vcs_instance.provider_type IN ?", filter.VcsProviders)
	}
	if !filter.IncludeDeleted {
		query = query.Where("repository.deleted_at IS NULL")
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count repositories: %w", err)
	}
	var repos []models.Repository
	if err := query.Order("repository.id").Offset(skip).Limit(limit).Find(&repos).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to query repositories: %w", err)
	}
	return repos, total, nil
}

// ToggleDeleted flips the deleted state of each repository. Deleting marks
// its findings NOT_ACCESSIBLE; undeleting restores their previous status.
func ToggleDeleted(ctx context.Context, db *gorm.DB, ids []uint) ([]models.Repository, error) {
	var out []models.Repository
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, id := range ids {
			repo, err := Get(ctx, tx, id)
			if err != nil {
				return err
			}
			if repo.DeletedAt != nil {
				_, err = Restore(ctx, tx, repo)
			} else {
				_, err = MarkDeleted(ctx, tx, repo)
			}
			if err != nil {
				return err
			}
			out = append(out, *repo)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MarkDeleted soft-deletes repo and audits its findings NOT_ACCESSIBLE.
// It returns the number of audits written.
func MarkDeleted(ctx context.Context, tx *gorm.DB, repo *models.Repository) (int, error) {
	now := time.Now().UTC()
	if err := tx.Model(repo).Update("deleted_at", now).Error; err != nil {
		return 0, fmt.Errorf("failed to mark repository %d deleted: %w", repo.ID, err)
	}
	repo.DeletedAt = &now

	var ids []uint
	err := tx.Model(&models.Finding{}).
		Joins("LEFT JOIN audit ON audit.finding_id = finding.id AND audit.is_latest = ?", true).
		Where("finding.repository_id = ?", repo.ID).
		Where("(audit.id IS NULL OR audit.status <> ?)", models.StatusNotAccessible).
		Order("finding.id").
		Pluck("finding.id", &ids).Error
	if err != nil {
		return 0, fmt.Errorf("failed to list findings of repository %d: %w", repo.ID, err)
	}

	n, err := audit.CreateAutomated(ctx, tx, ids, models.StatusNotAccessible)
	if err != nil {
		return 0, err
	}
	slog.Info("Repository marked deleted", "repository_id", repo.ID, "findings", n)
	return n, nil
}

// Restore clears the deleted mark of repo and restores the status its
// findings had before they became NOT_ACCESSIBLE. It returns the number of
// findings restored.
func Restore(ctx context.Context, tx *gorm.DB, repo *models.Repository) (int, error) {
	if err := tx.Model(repo).Update("deleted_at", nil).Error; err != nil {
		return 0, fmt.Errorf("failed to undelete repository %d: %w", repo.ID, err)
	}
	repo.DeletedAt = nil

	var ids []uint
	if err := tx.Model(&models.Finding{}).Where("repository_id = ?", repo.ID).Pluck("id", &ids).Error; err != nil {
		return 0, fmt.Errorf("failed to list findings of repository %d: %w", repo.ID, err)
	}
	n, err := audit.RestorePrevious(ctx, tx, ids, models.StatusNotAccessible)
	if err != nil {
		return 0, err
	}
	slog.Info("Repository undeleted", "repository_id", repo.ID, "findings_restored", n)
	return n, nil
}

// Delete removes a repository together with its scans, findings and audits.
func Delete(ctx context.Context, db *gorm.DB, id uint) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := Get(ctx, tx, id); err != nil {
			return err
		}

		findings := tx.Model(&models.Finding{}).Select("id").Where("repository_id = ?", id)
		scans := tx.Model(&models.Scan{}).Select("id").Where("repository_id = ?", id)

		steps := []struct {
			what  string
			query *gorm.DB
			model any
		}{
			{"audits", tx.Where("finding_id IN (?)", findings), &models.Audit{}},
			{"scan findings", tx.Where("scan_id IN (?)", scans), &models.ScanFinding{}},
			{"findings", tx.Where("repository_id = ?", id), &models.Finding{}},
			{"scans", tx.Where("repository_id = ?", id), &models.Scan{}},
			{"repository", tx.Where("id = ?", id), &models.Repository{}},
		}
		for _, s := range steps {
			if err := s.query.Delete(s.model).Error; err != nil {
				return fmt.Errorf("failed to delete %s of repository %d: %w", s.what, id, err)
			}
		}
		slog.Info("Repository deleted", "repository_id", id)
		return nil
	})
}
