package finding

import (
	"context"
	"fmt"
	"slices"

	"github.com/SiriusScan/leakwatch/leakwatch/audit"
	"github.com/SiriusScan/leakwatch/leakwatch/postgres/models"
	"gorm.io/gorm"
)

// ReconcileResult counts the automated audits written by Reconcile.
type ReconcileResult struct {
	// DirOutdated are directory findings the scan no longer reported.
	DirOutdated int
	// RuleOutdated are untriaged findings whose rule left the active rule pack.
	RuleOutdated int
	// Outdated is the number of OUTDATED audits written; each finding at most once.
	Outdated int
	// Restored are reported findings that were OUTDATED and got their previous status back.
	Restored int
}

// Reconcile runs after the findings of scan were persisted and linked.
//
// When the scan's rule pack has directory rules, directory findings of the
// repository that this scan did not report become OUTDATED. When activeRulePack
// is set and has rules, untriaged findings of the repository whose rule is not
// part of it become OUTDATED. Both sets are merged so a finding is audited
// once, and linkedIDs are never included. Finally, reported findings whose
// latest status is OUTDATED go back to their previous status.
func Reconcile(ctx context.Context, tx *gorm.DB, scan *models.Scan, linkedIDs []uint, hasDirRules bool, activeRulePack string) (*ReconcileResult, error) {
	tx = tx.WithContext(ctx)
	res := &ReconcileResult{}

	var dirGone, ruleGone []uint
	var err error
	if hasDirRules {
		if dirGone, err = unreportedDirFindings(tx, scan); err != nil {
			return nil, err
		}
	}
	if activeRulePack != "" {
		if ruleGone, err = findingsOutsideRulePack(tx, scan, activeRulePack); err != nil {
			return nil, err
		}
	}
	linked := slices.Clone(linkedIDs)
	slices.Sort(linked)
	res.DirOutdated = len(dirGone)
	res.RuleOutdated = len(ruleGone)

	outdated := append(slices.Clone(dirGone), ruleGone...)
	slices.Sort(outdated)
	outdated = slices.Compact(outdated)
	outdated = slices.DeleteFunc(outdated, func(id uint) bool {
		_, found := slices.BinarySearch(linked, id)
		return found
	})

	if res.Outdated, err = audit.CreateAutomated(ctx, tx, outdated, models.StatusOutdated); err != nil {
		return nil, err
	}
	if res.Restored, err = audit.RestorePrevious(ctx, tx, linked, models.StatusOutdated); err != nil {
		return nil, err
	}
	return res, nil
}

func unreportedDirFindings(tx *gorm.DB, scan *models.Scan) ([]uint, error) {
	reported := tx.Model(&models.ScanFinding{}).Select("finding_id").Where("scan_id = ?", scan.ID)

	var ids []uint
	err := tx.Model(&models.Finding{}).
		Joins("LEFT JOIN audit ON audit.finding_id = finding.id AND audit.is_latest = ?", true).
		Where("finding.repository_id = ? AND finding.is_dir_scan = ?", scan.RepositoryID, true).
		Where("finding.id NOT IN (?)", reported).
		Where("(audit.id IS NULL OR audit.status <> ?)", models.StatusOutdated).
		Order("finding.id").
		Pluck("finding.id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to find unreported directory findings: %w", err)
	}
	return ids, nil
}

func findingsOutsideRulePack(tx *gorm.DB, scan *models.Scan, rulePack string) ([]uint, error) {
	var rules int64
	if err := tx.Model(&models.Rule{}).Where("rule_pack = ?", rulePack).Count(&rules).Error; err != nil {
		return nil, fmt.Errorf("failed to count rules of %s: %w", rulePack, err)
	}
	if rules == 0 {
		return nil, nil
	}

	ruleNames := tx.Model(&models.Rule{}).Select("rule_name").Where("rule_pack = ?", rulePack)
	reported := tx.Model(&models.ScanFinding{}).Select("finding_id").Where("scan_id = ?", scan.ID)

	var ids []uint
	err := tx.Model(&models.Finding{}).
		Joins("LEFT JOIN audit ON audit.finding_id = finding.id AND audit.is_latest = ?", true).
		Where("finding.repository_id = ?", scan.RepositoryID).
		Where("finding.rule_name NOT IN (?)", ruleNames).
		Where("finding.id NOT IN (?)", reported).
		Where("(audit.id IS NULL OR audit.status = ?)", models.StatusNotAnalyzed).
		Order("finding.id").
		Pluck("finding.id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to find findings outside rule pack %s: %w", rulePack, err)
	}
	return ids, nil
}
