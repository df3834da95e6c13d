package rulepack

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/SiriusScan/leakwatch/leakwatch/apperr"
	"github.com/SiriusScan/leakwatch/leakwatch/audit"
	"github.com/SiriusScan/leakwatch/leakwatch/postgres/models"
	"gorm.io/gorm"
)

// MarkOutdated retires the findings that only rule packs up to version still
// report. A finding qualifies when it is untriaged, has been reported by a
// scan using version or an older pack, and has not been reported by any scan
// using a newer pack. Each qualifying finding gets one automated OUTDATED
// audit; the count is returned. The active rule pack cannot be retired.
func MarkOutdated(ctx context.Context, db *gorm.DB, version string) (int, error) {
	const op = "rulepack.MarkOutdated"

	target, err := ParseVersion(version)
	if err != nil {
		return 0, err
	}

	marked := 0
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		pack, err := Get(ctx, tx, version)
		if err != nil {
			return err
		}
		if pack.Active {
			return apperr.Forbidden(op, "rule pack %s is active and cannot be marked outdated", version)
		}

		older, newer, err := splitVersions(tx, target)
		if err != nil {
			return err
		}

		ids, err := outdatedCandidates(tx, older, newer)
		if err != nil {
			return err
		}
		marked, err = audit.CreateAutomated(ctx, tx, ids, models.StatusOutdated)
		return err
	})
	if err != nil {
		return 0, err
	}

	slog.Info("Marked findings outdated", "rule_pack", version, "findings", marked)
	return marked, nil
}

// splitVersions partitions the stored versions into those at or below target
// and those above it.
func splitVersions(tx *gorm.DB, target Version) (older, newer []string, err error) {
	var versions []string
	if err := tx.Model(&models.RulePack{}).Pluck("version", &versions).Error; err != nil {
		return nil, nil, fmt.Errorf("failed to list rule pack versions: %w", err)
	}
	for _, s := range versions {
		v, err := ParseVersion(s)
		if err != nil {
			slog.Warn("Skipping rule pack with malformed version", "version", s)
			continue
		}
		if v.Compare(target) > 0 {
			newer = append(newer, s)
		} else {
			older = append(older, s)
		}
	}
	return older, newer, nil
}

func outdatedCandidates(tx *gorm.DB, older, newer []string) ([]uint, error) {
	if len(older) == 0 {
		return nil, nil
	}

	query := tx.Model(&models.Finding{}).
		Joins("JOIN scan_finding ON scan_finding.finding_id = finding.id").
		Joins("JOIN scan ON scan.id = scan_finding.scan_id").
		Joins("LEFT JOIN audit ON audit.finding_id = finding.id AND audit.is_latest = ?", true).
		Where("scan.rule_pack IN ?", older).
		Where("(audit.id IS NULL OR audit.status = ?)", models.StatusNotAnalyzed)

	if len(newer) > 0 {
		reportedByNewer := tx.Model(&models.ScanFinding{}).
			Select("scan_finding.finding_id").
			Joins("JOIN scan ON scan.id = scan_finding.scan_id").
			Where("scan.rule_pack IN ?", newer)
		query = query.Where("finding.id NOT IN (?)", reportedByNewer)
	}

	var ids []uint
	if err := query.Distinct("finding.id").Order("finding.id").Pluck("finding.id", &ids).Error; err != nil {
		return nil, fmt.Errorf("failed to find outdated findings: %w", err)
	}
	return ids, nil
}
