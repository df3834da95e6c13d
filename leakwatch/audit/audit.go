// Package audit appends review decisions to findings. Audits are never
// updated or deleted; a finding's status is its latest audit's status.
package audit

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/SiriusScan/leakwatch/leakwatch/apperr"
	"github.com/SiriusScan/leakwatch/leakwatch/batch"
	"github.com/SiriusScan/leakwatch/leakwatch/latest"
	"github.com/SiriusScan/leakwatch/leakwatch/metrics"
	"github.com/SiriusScan/leakwatch/leakwatch/paging"
	"github.com/SiriusScan/leakwatch/leakwatch/postgres/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Create appends one audit per finding and moves their latest flags.
// Every finding must exist.
func Create(ctx context.Context, db *gorm.DB, findingIDs []uint, status, auditor, comment string) ([]models.Audit, error) {
	const op = "audit.Create"

	if !models.IsValidStatus(status) {
		return nil, apperr.Validation(op, "invalid audit status %q", status)
	}
	if strings.TrimSpace(auditor) == "" {
		return nil, apperr.Validation(op, "auditor is required")
	}
	if len(comment) > 255 {
		return nil, apperr.Validation(op, "comment exceeds 255 characters")
	}
	ids := unique(findingIDs)
	if len(ids) == 0 {
		return nil, apperr.Validation(op, "at least one finding id is required")
	}

	var audits []models.Audit
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var found int64
		for _, chunk := range batch.Chunks(ids, batch.DefaultSize) {
			var n int64
			if err := tx.Model(&models.Finding{}).Where("id IN ?", chunk).Count(&n).Error; err != nil {
				return fmt.Errorf("failed to check findings: %w", err)
			}
			found += n
		}
		if found != int64(len(ids)) {
			return apperr.NotFound(op, "%d of %d findings do not exist", int64(len(ids))-found, len(ids))
		}

		var err error
		audits, err = insert(ctx, tx, ids, status, auditor, comment)
		return err
	})
	if err != nil {
		return nil, err
	}
	return audits, nil
}

// CreateAutomated appends a system audit with the given status to each finding
// and returns how many were written. It must run inside the caller's transaction.
func CreateAutomated(ctx context.Context, tx *gorm.DB, findingIDs []uint, status string) (int, error) {
	ids := unique(findingIDs)
	if len(ids) == 0 {
		return 0, nil
	}
	audits, err := insert(ctx, tx, ids, status, models.AutomatedAuditor, models.AutomatedComment)
	return len(audits), err
}

// insert appends the audits and resolves their latest flags. The findings
// are locked first so concurrent writers see each other's audits.
func insert(ctx context.Context, tx *gorm.DB, findingIDs []uint, status, auditor, comment string) ([]models.Audit, error) {
	if err := lockFindings(tx.WithContext(ctx), findingIDs); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	audits := make([]models.Audit, len(findingIDs))
	for i, id := range findingIDs {
		audits[i] = models.Audit{
			FindingID: id,
			Status:    status,
			Auditor:   auditor,
			Comment:   comment,
			Timestamp: now,
		}
	}
	if err := tx.WithContext(ctx).CreateInBatches(&audits, batch.DefaultSize).Error; err != nil {
		return nil, apperr.FromStore("audit.insert", err)
	}
	if _, err := latest.ResolveAuditsFor(ctx, tx, findingIDs, batch.DefaultSize); err != nil {
		return nil, err
	}
	for i := range audits {
		audits[i].IsLatest = true
	}

	metrics.AuditsCreated.WithLabelValues(status, metrics.AuditOrigin(auditor == models.AutomatedAuditor)).Add(float64(len(audits)))
	return audits, nil
}

// lockFindings takes row locks on the given findings in id order.
func lockFindings(tx *gorm.DB, findingIDs []uint) error {
	ids := slices.Clone(findingIDs)
	slices.Sort(ids)
	for _, chunk := range batch.Chunks(ids, batch.DefaultSize) {
		var locked []models.Finding
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Select("id").Where("id IN ?", chunk).Order("id").Find(&locked).Error
		if err != nil {
			return fmt.Errorf("failed to lock findings: %w", err)
		}
	}
	return nil
}

// RestorePrevious looks at the findings whose latest audit has status from and
// appends an automated audit carrying the status of their most recent audit
// with any other status, or NOT_ANALYZED when there is none. It returns the
// number of findings restored.
func RestorePrevious(ctx context.Context, tx *gorm.DB, findingIDs []uint, from string) (int, error) {
	tx = tx.WithContext(ctx)

	var affected []uint
	for _, chunk := range batch.Chunks(unique(findingIDs), batch.DefaultSize) {
		var ids []uint
		err := tx.Model(&models.Audit{}).
			Where("finding_id IN ? AND is_latest = ? AND status = ?", chunk, true, from).
			Pluck("finding_id", &ids).Error
		if err != nil {
			return 0, fmt.Errorf("failed to find %s findings: %w", from, err)
		}
		affected = append(affected, ids...)
	}
	if len(affected) == 0 {
		return 0, nil
	}

	previous := make(map[uint]string, len(affected))
	for _, chunk := range batch.Chunks(affected, batch.DefaultSize) {
		var rows []models.Audit
		err := tx.Where("finding_id IN ? AND status <> ?", chunk, from).
			Order("id DESC").
			Find(&rows).Error
		if err != nil {
			return 0, fmt.Errorf("failed to load audit history: %w", err)
		}
		for _, a := range rows {
			if _, seen := previous[a.FindingID]; !seen {
				previous[a.FindingID] = a.Status
			}
		}
	}

	byStatus := make(map[string][]uint)
	for _, id := range affected {
		status, ok := previous[id]
		if !ok {
			status = models.StatusNotAnalyzed
		}
		byStatus[status] = append(byStatus[status], id)
	}

	restored := 0
	for _, status := range models.Statuses() {
		ids := byStatus[status]
		if len(ids) == 0 {
			continue
		}
		n, err := CreateAutomated(ctx, tx, ids, status)
		if err != nil {
			return restored, err
		}
		restored += n
	}
	return restored, nil
}

// Latest returns the latest audit of each finding that has one.
func Latest(ctx context.Context, db *gorm.DB, findingIDs []uint) (map[uint]models.Audit, error) {
	out := make(map[uint]models.Audit, len(findingIDs))
	for _, chunk := range batch.Chunks(unique(findingIDs), batch.DefaultSize) {
		var rows []models.Audit
		if err := db.WithContext(ctx).Where("finding_id IN ? AND is_latest = ?", chunk, true).Find(&rows).Error; err != nil {
			return nil, fmt.Errorf("failed to load latest audits: %w", err)
		}
		for _, a := range rows {
			out[a.FindingID] = a
		}
	}
	return out, nil
}

// History returns every audit of a finding, newest first.
func History(ctx context.Context, db *gorm.DB, findingID uint) ([]models.Audit, error) {
	db = db.WithContext(ctx)

	var n int64
	if err := db.Model(&models.Finding{}).Where("id = ?", findingID).Count(&n).Error; err != nil {
		return nil, fmt.Errorf("failed to check finding: %w", err)
	}
	if n == 0 {
		return nil, apperr.NotFound("audit.History", "finding %d not found", findingID)
	}

	var audits []models.Audit
	if err := db.Where("finding_id = ?", findingID).Order("id DESC").Find(&audits).Error; err != nil {
		return nil, fmt.Errorf("failed to load audits for finding %d: %w", findingID, err)
	}
	return audits, nil
}

// Filter narrows List results. Zero values do not filter.
type Filter struct {
	Auditor    string
	Statuses   []string
	From       *time.Time
	To         *time.Time
	OnlyLatest bool
}

// List returns a page of audits, newest first, and the total matching count.
func List(ctx context.Context, db *gorm.DB, filter Filter, skip, limit int) ([]models.Audit, int64, error) {
	if err := paging.Validate("audit.List", skip, limit); err != nil {
		return nil, 0, err
	}

	query := db.WithContext(ctx).Model(&models.Audit{})
	if filter.Auditor != "" {
		query = query.Where("auditor = ?", filter.Auditor)
	}
	if len(filter.Statuses) > 0 {
		query = query.Where("status IN ?", filter.Statuses)
	}
	if filter.From != nil {
		query = query.Where("timestamp >= ?", *filter.From)
	}
	if filter.To != nil {
		query = query.Where("timestamp <= ?", *filter.To)
	}
	if filter.OnlyLatest {
		query = query.Where("is_latest = ?", true)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count audits: %w", err)
	}

	var audits []models.Audit
	if err := query.Order("id DESC").Offset(skip).Limit(limit).Find(&audits).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to query audits: %w", err)
	}
	return audits, total, nil
}

func unique(ids []uint) []uint {
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}
