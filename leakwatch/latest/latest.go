// Package latest maintains the is_latest flags on scans and audits.
//
// A scan is latest when it belongs to the newest chain of its repository for
// its rule pack: the highest-id BASE scan and every scan after it. An audit is
// latest when it has the highest id among the audits of its finding. Both
// resolvers compute the target set, diff it against the rows currently
// flagged and write only the difference, so running them again is a no-op.
package latest

import (
	"context"
	"fmt"
	"slices"

	"github.com/SiriusScan/leakwatch/leakwatch/batch"
	"github.com/SiriusScan/leakwatch/leakwatch/metrics"
	"github.com/SiriusScan/leakwatch/leakwatch/postgres/models"
	"gorm.io/gorm"
)

// Result reports the flag changes a resolver made.
type Result struct {
	Set    int `json:"set"`
	Unset  int `json:"unset"`
	Chunks int `json:"chunks"`
}

// Changed reports whether any row was written.
func (r Result) Changed() bool {
	return r.Set > 0 || r.Unset > 0
}

func (r *Result) add(o Result) {
	r.Set += o.Set
	r.Unset += o.Unset
	r.Chunks += o.Chunks
}

// ResolveScans recomputes is_latest for every scan, one rule pack at a time.
func ResolveScans(ctx context.Context, db *gorm.DB, size int) (Result, error) {
	db = db.WithContext(ctx)

	var versions []string
	if err := db.Model(&models.Scan{}).Distinct("rule_pack").Order("rule_pack").Pluck("rule_pack", &versions).Error; err != nil {
		return Result{}, fmt.Errorf("failed to list scanned rule packs: %w", err)
	}

	var total Result
	for _, version := range versions {
		r, err := resolveScans(ctx, db, version, nil, size)
		total.add(r)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// ResolveScansFor recomputes is_latest for the scans of one repository and rule pack.
func ResolveScansFor(ctx context.Context, db *gorm.DB, repositoryID uint, rulePack string, size int) (Result, error) {
	return resolveScans(ctx, db.WithContext(ctx), rulePack, &repositoryID, size)
}

func resolveScans(ctx context.Context, db *gorm.DB, rulePack string, repositoryID *uint, size int) (Result, error) {
	target, err := LatestScanIDs(db, rulePack, repositoryID)
	if err != nil {
		return Result{}, err
	}

	current := db.Model(&models.Scan{}).Where("rule_pack = ? AND is_latest = ?", rulePack, true)
	if repositoryID != nil {
		current = current.Where("repository_id = ?", *repositoryID)
	}
	var flagged []uint
	if err := current.Order("id").Pluck("id", &flagged).Error; err != nil {
		return Result{}, fmt.Errorf("failed to list latest scans for rule pack %s: %w", rulePack, err)
	}

	return apply(ctx, db, &models.Scan{}, "scan", target, flagged, size)
}

// LatestScanIDs returns the ids of the scans that should carry is_latest for
// rulePack, optionally restricted to one repository.
func LatestScanIDs(db *gorm.DB, rulePack string, repositoryID *uint) ([]uint, error) {
	lastBase := db.Model(&models.Scan{}).
		Select("repository_id, MAX(id) AS base_id").
		Where("scan_type = ? AND rule_pack = ?", models.ScanTypeBase, rulePack)
	if repositoryID != nil {
		lastBase = lastBase.Where("repository_id = ?", *repositoryID)
	}
	lastBase = lastBase.Group("repository_id")

	var ids []uint
	err := db.Model(&models.Scan{}).
		Joins("JOIN (?) AS last_base ON last_base.repository_id = scan.repository_id", lastBase).
		Where("scan.rule_pack = ? AND scan.id >= last_base.base_id", rulePack).
		Order("scan.id").
		Pluck("scan.id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to compute latest scans for rule pack %s: %w", rulePack, err)
	}
	return ids, nil
}

// ResolveAudits recomputes is_latest for every audit.
func ResolveAudits(ctx context.Context, db *gorm.DB, size int) (Result, error) {
	db = db.WithContext(ctx)

	var target []uint
	if err := db.Model(&models.Audit{}).Group("finding_id").Pluck("MAX(id)", &target).Error; err != nil {
		return Result{}, fmt.Errorf("failed to compute latest audits: %w", err)
	}
	var flagged []uint
	if err := db.Model(&models.Audit{}).Where("is_latest = ?", true).Pluck("id", &flagged).Error; err != nil {
		return Result{}, fmt.Errorf("failed to list latest audits: %w", err)
	}

	return apply(ctx, db, &models.Audit{}, "audit", target, flagged, size)
}

// ResolveAuditsFor recomputes is_latest for the audits of the given findings.
func ResolveAuditsFor(ctx context.Context, db *gorm.DB, findingIDs []uint, size int) (Result, error) {
	db = db.WithContext(ctx)

	var target, flagged []uint
	for _, chunk := range batch.Chunks(findingIDs, size) {
		var ids []uint
		if err := db.Model(&models.Audit{}).Where("finding_id IN ?", chunk).Group("finding_id").Pluck("MAX(id)", &ids).Error; err != nil {
			return Result{}, fmt.Errorf("failed to compute latest audits: %w", err)
		}
		target = append(target, ids...)

		ids = nil
		if err := db.Model(&models.Audit{}).Where("finding_id IN ? AND is_latest = ?", chunk, true).Pluck("id", &ids).Error; err != nil {
			return Result{}, fmt.Errorf("failed to list latest audits: %w", err)
		}
		flagged = append(flagged, ids...)
	}

	return apply(ctx, db, &models.Audit{}, "audit", target, flagged, size)
}

// apply flags target rows true and previously flagged rows outside target false.
func apply(ctx context.Context, db *gorm.DB, model any, table string, target, flagged []uint, size int) (Result, error) {
	toSet, toUnset := diff(target, flagged)

	var r Result
	chunks, err := batch.SetColumn(ctx, db, model, "is_latest", false, toUnset, size)
	r.Chunks += chunks
	if err != nil {
		return r, fmt.Errorf("failed to clear is_latest on %s: %w", table, err)
	}
	r.Unset = len(toUnset)

	chunks, err = batch.SetColumn(ctx, db, model, "is_latest", true, toSet, size)
	r.Chunks += chunks
	if err != nil {
		return r, fmt.Errorf("failed to set is_latest on %s: %w", table, err)
	}
	r.Set = len(toSet)

	metrics.LatestFlagsChanged.WithLabelValues(table, "true").Add(float64(r.Set))
	metrics.LatestFlagsChanged.WithLabelValues(table, "false").Add(float64(r.Unset))
	return r, nil
}

// diff returns the ids in target but not flagged, and in flagged but not target.
func diff(target, flagged []uint) (toSet, toUnset []uint) {
	want := make(map[uint]bool, len(target))
	for _, id := range target {
		want[id] = true
	}
	have := make(map[uint]bool, len(flagged))
	for _, id := range flagged {
		have[id] = true
		if !want[id] {
			toUnset = append(toUnset, id)
		}
	}
	for _, id := range target {
		if !have[id] {
			toSet = append(toSet, id)
		}
	}
	slices.Sort(toSet)
	slices.Sort(toUnset)
	return toSet, toUnset
}

// CurrentStatus returns the status of a finding given its latest audit, which
// may be nil when the finding has never been audited.
func CurrentStatus(a *models.Audit) string {
	if a == nil {
		return models.StatusNotAnalyzed
	}
	return a.Status
}
