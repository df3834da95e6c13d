package finding

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/SiriusScan/leakwatch/leakwatch/apperr"
	"github.com/SiriusScan/leakwatch/leakwatch/batch"
	"github.com/SiriusScan/leakwatch/leakwatch/metrics"
	"github.com/SiriusScan/leakwatch/leakwatch/postgres/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Create is a finding as reported by the scanner.
type Create struct {
	FilePath        string    `json:"file_path"`
	LineNumber      int       `json:"line_number"`
	ColumnStart     int       `json:"column_start"`
	ColumnEnd       int       `json:"column_end"`
	CommitID        string    `json:"commit_id"`
	CommitMessage   string    `json:"commit_message"`
	CommitTimestamp time.Time `json:"commit_timestamp"`
	Author          string    `json:"author"`
	Email           string    `json:"email"`
	RuleName        string    `json:"rule_name"`
}

func (c Create) validate() error {
	if c.RuleName == "" || c.FilePath == "" || c.CommitID == "" {
		return apperr.Validation("finding.Persist", "rule name, file path and commit id are required")
	}
	if c.LineNumber < 0 || c.ColumnStart < 0 || c.ColumnEnd < 0 {
		return apperr.Validation("finding.Persist", "negative location in %s", c.FilePath)
	}
	return nil
}

// PersistResult describes what Persist did with the reported findings.
type PersistResult struct {
	// LinkedIDs holds every finding linked to the scan, sorted.
	LinkedIDs []uint
	// CreatedIDs holds the findings inserted by this call.
	CreatedIDs []uint
	Updated    int
	Reused     int
}

type locationKey struct {
	rule, path string
}

type commitKey struct {
	commit, rule, path      string
	line, colStart, colEnd int
}

// Persist stores the findings of a scan and links them to it. Findings whose
// rule is in dirRules are tracked per (rule, path): an existing one is
// updated in place and flagged is_dir_scan. Other findings reuse an identical
// row of the repository or are inserted.
func Persist(ctx context.Context, tx *gorm.DB, scan *models.Scan, items []Create, dirRules []string) (*PersistResult, error) {
	tx = tx.WithContext(ctx)
	res := &PersistResult{}

	isDir := make(map[string]bool, len(dirRules))
	for _, r := range dirRules {
		isDir[r] = true
	}

	var dirItems, commitItems []Create
	for _, it := range items {
		if err := it.validate(); err != nil {
			return nil, err
		}
		if isDir[it.RuleName] {
			dirItems = append(dirItems, it)
		} else {
			commitItems = append(commitItems, it)
		}
	}

	linked := make(map[uint]bool)
	if err := persistDirFindings(tx, scan.RepositoryID, dirItems, dirRules, res, linked); err != nil {
		return nil, err
	}
	if err := persistCommitFindings(tx, scan.RepositoryID, commitItems, res, linked); err != nil {
		return nil, err
	}

	for id := range linked {
		res.LinkedIDs = append(res.LinkedIDs, id)
	}
	slices.Sort(res.LinkedIDs)
	slices.Sort(res.CreatedIDs)

	links := make([]models.ScanFinding, len(res.LinkedIDs))
	for i, id := range res.LinkedIDs {
		links[i] = models.ScanFinding{ScanID: scan.ID, FindingID: id}
	}
	if len(links) > 0 {
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(&links, batch.DefaultSize).Error; err != nil {
			return nil, apperr.FromStore("finding.Persist", err)
		}
	}

	metrics.FindingsIngested.WithLabelValues("created").Add(float64(len(res.CreatedIDs)))
	metrics.FindingsIngested.WithLabelValues("updated").Add(float64(res.Updated))
	metrics.FindingsIngested.WithLabelValues("reused").Add(float64(res.Reused))
	return res, nil
}

func persistDirFindings(tx *gorm.DB, repositoryID uint, items []Create, dirRules []string, res *PersistResult, linked map[uint]bool) error {
	if len(items) == 0 {
		return nil
	}

	var existing []models.Finding
	err := tx.Where("repository_id = ? AND is_dir_scan = ? AND rule_name IN ?", repositoryID, true, dirRules).
		Order("id").Find(&existing).Error
	if err != nil {
		return fmt.Errorf("failed to load directory findings: %w", err)
	}
	byLocation := make(map[locationKey]uint, len(existing))
	for _, f := range existing {
		byLocation[locationKey{f.RuleName, f.FilePath}] = f.ID
	}

	for _, it := range items {
		key := locationKey{it.RuleName, it.FilePath}
		f := toModel(repositoryID, it, true)

		if id, ok := byLocation[key]; ok {
			err := tx.Model(&models.Finding{}).Where("id = ?", id).Updates(map[string]any{
				"line_number":      f.LineNumber,
				"column_start":     f.ColumnStart,
				"column_end":       f.ColumnEnd,
				"commit_id":        f.CommitID,
				"commit_message":   f.CommitMessage,
				"commit_timestamp": f.CommitTimestamp,
				"author":           f.Author,
				"email":            f.Email,
			}).Error
			if err != nil {
				return fmt.Errorf("failed to update directory finding %d: %w", id, err)
			}
			if !linked[id] {
				res.Updated++
			}
			linked[id] = true
			continue
		}

		if err := tx.Create(&f).Error; err != nil {
			return apperr.FromStore("finding.Persist", err)
		}
		byLocation[key] = f.ID
		linked[f.ID] = true
		res.CreatedIDs = append(res.CreatedIDs, f.ID)
	}
	return nil
}

func persistCommitFindings(tx *gorm.DB, repositoryID uint, items []Create, res *PersistResult, linked map[uint]bool) error {
	if len(items) == 0 {
		return nil
	}

	var commits []string
	for _, it := range items {
		commits = append(commits, it.CommitID)
	}
	slices.Sort(commits)
	commits = slices.Compact(commits)

	known := make(map[commitKey]uint)
	for _, chunk := range chunkStrings(commits, batch.DefaultSize) {
		var existing []models.Finding
		err := tx.Where("repository_id = ? AND is_dir_scan = ? AND commit_id IN ?", repositoryID, false, chunk).
			Order("id").Find(&existing).Error
		if err != nil {
			return fmt.Errorf("failed to load existing findings: %w", err)
		}
		for _, f := range existing {
			key := keyOf(f)
			if _, ok := known[key]; !ok {
				known[key] = f.ID
			}
		}
	}

	var fresh []models.Finding
	pending := make(map[commitKey]bool)
	for _, it := range items {
		f := toModel(repositoryID, it, false)
		key := keyOf(f)
		if id, ok := known[key]; ok {
			if !linked[id] {
				res.Reused++
			}
			linked[id] = true
			continue
		}
		if pending[key] {
			continue
		}
		pending[key] = true
		fresh = append(fresh, f)
	}

	if len(fresh) == 0 {
		return nil
	}
	if err := tx.CreateInBatches(&fresh, batch.DefaultSize).Error; err != nil {
		return apperr.FromStore("finding.Persist", err)
	}
	for _, f := range fresh {
		linked[f.ID] = true
		res.CreatedIDs = append(res.CreatedIDs, f.ID)
	}
	return nil
}

func toModel(repositoryID uint, it Create, dir bool) models.Finding {
	return models.Finding{
		RepositoryID:    repositoryID,
		RuleName:        it.RuleName,
		FilePath:        it.FilePath,
		LineNumber:      it.LineNumber,
		ColumnStart:     it.ColumnStart,
		ColumnEnd:       it.ColumnEnd,
		CommitID:        it.CommitID,
		CommitMessage:   it.CommitMessage,
		CommitTimestamp: it.CommitTimestamp.UTC(),
		Author:          it.Author,
		Email:           it.Email,
		IsDirScan:       dir,
	}
}

func keyOf(f models.Finding) commitKey {
	return commitKey{
		commit:   f.CommitID,
		rule:     f.RuleName,
		path:     f.FilePath,
		line:     f.LineNumber,
		colStart: f.ColumnStart,
		colEnd:   f.ColumnEnd,
	}
}

func chunkStrings(s []string, size int) [][]string {
	var out [][]string
	for start := 0; start < len(s); start += size {
		out = append(out, s[start:min(start+size, len(s))])
	}
	return out
}
