// Package finding stores scanner findings, reconciles them after each scan and
// answers filtered finding queries.
package finding

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/SiriusScan/leakwatch/leakwatch/apperr"
	"github.com/SiriusScan/leakwatch/leakwatch/audit"
	"github.com/SiriusScan/leakwatch/leakwatch/batch"
	"github.com/SiriusScan/leakwatch/leakwatch/latest"
	"github.com/SiriusScan/leakwatch/leakwatch/paging"
	"github.com/SiriusScan/leakwatch/leakwatch/postgres"
	"github.com/SiriusScan/leakwatch/leakwatch/postgres/models"
	"gorm.io/gorm"
)

// View is a finding together with its current review state.
type View struct {
	models.Finding
	Status    string     `json:"status"`
	Auditor   string     `json:"auditor,omitempty"`
	Comment   string     `json:"comment,omitempty"`
	AuditedAt *time.Time `json:"audited_at,omitempty"`
}

// Filter narrows Query results. Zero values do not filter.
type Filter struct {
	Statuses       []string   `json:"statuses,omitempty"`
	RuleNames      []string   `json:"rule_names,omitempty"`
	RulePacks      []string   `json:"rule_pack_versions,omitempty"`
	VcsProviders   []string   `json:"vcs_providers,omitempty"`
	RepositoryName string     `json:"repository_name,omitempty"`
	ProjectKey     string     `json:"project_key,omitempty"`
	From           *time.Time `json:"start_date_time,omitempty"`
	To             *time.Time `json:"end_date_time,omitempty"`
	OnlyLatest     bool       `json:"only_latest,omitempty"`
	ScanIDs        []uint     `json:"scan_ids,omitempty"`
}

func (f Filter) needsScan() bool {
	return len(f.RulePacks) > 0 || f.From != nil || f.To != nil || f.OnlyLatest || len(f.ScanIDs) > 0
}

func (f Filter) validate() error {
	for _, s := range f.Statuses {
		if !models.IsValidStatus(s) {
			return apperr.Validation("finding.Query", "invalid status %q", s)
		}
	}
	for _, p := range f.VcsProviders {
		if !models.IsValidProviderType(p) {
			return apperr.Validation("finding.Query", "invalid vcs provider %q", p)
		}
	}
	if f.From != nil && f.To != nil && f.From.After(*f.To) {
		return apperr.Validation("finding.Query", "start date is after end date")
	}
	return nil
}

// filtered builds the joined finding query for f. Callers select from it.
func filtered(db *gorm.DB, f Filter) *gorm.DB {
	query := db.Model(&models.Finding{})

	if len(f.Statuses) > 0 {
		query = query.Joins("LEFT JOIN audit ON audit.finding_id = finding.id AND audit.is_latest = ?", true)
		if slices.Contains(f.Statuses, models.StatusNotAnalyzed) {
			query = query.Where("(audit.status IN ? OR audit.id IS NULL)", f.Statuses)
		} else {
			query = query.Where("audit.status IN ?", f.Statuses)
		}
	}
	if len(f.RuleNames) > 0 {
		query = query.Where("finding.rule_name IN ?", f.RuleNames)
	}
	if f.RepositoryName != "" || f.ProjectKey != "" || len(f.VcsProviders) > 0 {
		query = query.Joins("JOIN repository ON repository.id = finding.repository_id")
		if f.RepositoryName != "" {
			query = query.Where(postgres.Contains("repository.repository_name", f.RepositoryName))
		}
		if f.ProjectKey != "" {
			query = query.Where(postgres.Contains("repository.project_key", f.ProjectKey))
		}
		if len(f.VcsProviders) > 0 {
			query = query.Joins("JOIN vcs_instance ON vcs_instance.id = repository.vcs_instance").
				Where("vcs_instance.provider_type IN ?", f.VcsProviders)
		}
	}
	if f.needsScan() {
		query = query.
			Joins("JOIN scan_finding ON scan_finding.finding_id = finding.id").
			Joins("JOIN scan ON scan.id = scan_finding.scan_id")
		if len(f.RulePacks) > 0 {
			query = query.Where("scan.rule_pack IN ?", f.RulePacks)
		}
		if f.From != nil {
			query = query.Where("scan.timestamp >= ?", *f.From)
		}
		if f.To != nil {
			query = query.Where("scan.timestamp <= ?", *f.To)
		}
		if f.OnlyLatest {
			query = query.Where("scan.is_latest = ?", true)
		}
		if len(f.ScanIDs) > 0 {
			query = query.Where("scan.id IN ?", f.ScanIDs)
		}
	}
	return query
}

// Query returns a page of findings matching f, ordered by id, and the total
// number of matching findings. A finding without audits counts as NOT_ANALYZED.
func Query(ctx context.Context, db *gorm.DB, f Filter, skip, limit int) ([]View, int64, error) {
	if err := paging.Validate("finding.Query", skip, limit); err != nil {
		return nil, 0, err
	}
	if err := f.validate(); err != nil {
		return nil, 0, err
	}
	db = db.WithContext(ctx)

	var total int64
	if err := filtered(db, f).Distinct("finding.id").Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count findings: %w", err)
	}
	if total == 0 {
		return []View{}, 0, nil
	}

	var ids []uint
	err := filtered(db, f).Distinct("finding.id").
		Order("finding.id").Offset(skip).Limit(limit).
		Pluck("finding.id", &ids).Error
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query findings: %w", err)
	}

	views, err := load(ctx, db, ids)
	if err != nil {
		return nil, 0, err
	}
	return views, total, nil
}

// Get returns one finding with its current review state.
func Get(ctx context.Context, db *gorm.DB, id uint) (*View, error) {
	views, err := load(ctx, db.WithContext(ctx), []uint{id})
	if err != nil {
		return nil, err
	}
	if len(views) == 0 {
		return nil, apperr.NotFound("finding.Get", "finding %d not found", id)
	}
	return &views[0], nil
}

func load(ctx context.Context, db *gorm.DB, ids []uint) ([]View, error) {
	var findings []models.Finding
	for _, chunk := range batch.Chunks(ids, batch.DefaultSize) {
		var rows []models.Finding
		if err := db.Where("id IN ?", chunk).Order("id").Find(&rows).Error; err != nil {
			return nil, fmt.Errorf("failed to load findings: %w", err)
		}
		findings = append(findings, rows...)
	}

	audits, err := audit.Latest(ctx, db, ids)
	if err != nil {
		return nil, err
	}

	views := make([]View, len(findings))
	for i, f := range findings {
		views[i] = View{Finding: f, Status: models.StatusNotAnalyzed}
		if a, ok := audits[f.ID]; ok {
			views[i].Status = latest.CurrentStatus(&a)
			views[i].Auditor = a.Auditor
			views[i].Comment = a.Comment
			ts := a.Timestamp
			views[i].AuditedAt = &ts
		}
	}
	return views, nil
}

// DistinctRules returns the rule names of the findings matching f.
func DistinctRules(ctx context.Context, db *gorm.DB, f Filter) ([]string, error) {
	if err := f.validate(); err != nil {
		return nil, err
	}
	var rules []string
	err := filtered(db.WithContext(ctx), f).
		Distinct("finding.rule_name").
		Order("finding.rule_name").
		Pluck("finding.rule_name", &rules).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list detected rules: %w", err)
	}
	return rules, nil
}

// StatusCounts returns how many findings matching f sit in each status.
// The status filter of f is ignored and every status is present in the result.
func StatusCounts(ctx context.Context, db *gorm.DB, f Filter) (map[string]int64, error) {
	f.Statuses = nil
	if err := f.validate(); err != nil {
		return nil, err
	}
	db = db.WithContext(ctx)

	var ids []uint
	if err := filtered(db, f).Distinct("finding.id").Pluck("finding.id", &ids).Error; err != nil {
		return nil, fmt.Errorf("failed to list findings: %w", err)
	}
	audits, err := audit.Latest(ctx, db, ids)
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int64, len(models.Statuses()))
	for _, s := range models.Statuses() {
		counts[s] = 0
	}
	for _, id := range ids {
		if a, ok := audits[id]; ok {
			counts[latest.CurrentStatus(&a)]++
		} else {
			counts[latest.CurrentStatus(nil)]++
		}
	}
	return counts, nil
}

// MarkEventSent stamps event_sent_on for findings that were published.
func MarkEventSent(ctx context.Context, db *gorm.DB, ids []uint, at time.Time) error {
	if _, err := batch.SetColumn(ctx, db, &models.Finding{}, "event_sent_on", at.UTC(), ids, batch.DefaultSize); err != nil {
		return fmt.Errorf("failed to mark events sent: %w", err)
	}
	return nil
}
