// Package rulepack manages versioned rule packs: upload, activation, lookups
// and retiring findings that only older packs still report.
package rulepack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/SiriusScan/leakwatch/leakwatch/apperr"
	"github.com/SiriusScan/leakwatch/leakwatch/paging"
	"github.com/SiriusScan/leakwatch/leakwatch/postgres/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AllowList is the uploaded form of a rule allow list.
type AllowList struct {
	Description string   `json:"description,omitempty"`
	Regexes     []string `json:"regexes,omitempty"`
	Paths       []string `json:"paths,omitempty"`
	Commits     []string `json:"commits,omitempty"`
	StopWords   []string `json:"stopwords,omitempty"`
}

func (a *AllowList) empty() bool {
	return len(a.Regexes) == 0 && len(a.Paths) == 0 && len(a.Commits) == 0 && len(a.StopWords) == 0
}

func (a *AllowList) model() models.RuleAllowList {
	return models.RuleAllowList{
		Description: a.Description,
		Regexes:     strings.Join(a.Regexes, ","),
		Paths:       strings.Join(a.Paths, ","),
		Commits:     strings.Join(a.Commits, ","),
		StopWords:   strings.Join(a.StopWords, ","),
	}
}

// RuleInput is the uploaded form of a rule.
type RuleInput struct {
	ID          string     `json:"id"`
	Description string     `json:"description,omitempty"`
	Entropy     *float64   `json:"entropy,omitempty"`
	SecretGroup *int       `json:"secret_group,omitempty"`
	Regex       string     `json:"regex,omitempty"`
	Path        string     `json:"path,omitempty"`
	Keywords    []string   `json:"keywords,omitempty"`
	Tags        []string   `json:"tags,omitempty"`
	Comment     string     `json:"comment,omitempty"`
	AllowList   *AllowList `json:"allowlist,omitempty"`
}

// Upload is a complete rule pack submitted for storage.
type Upload struct {
	Version         string      `json:"version"`
	GlobalAllowList *AllowList  `json:"allowlist,omitempty"`
	Rules           []RuleInput `json:"rules"`
}

// Create stores a new rule pack with its rules, allow lists and tags. The pack
// becomes active when no pack exists, when it is newer than the newest stored
// pack, or when the newest stored pack is inactive.
func Create(ctx context.Context, db *gorm.DB, up Upload) (*models.RulePack, error) {
	const op = "rulepack.Create"

	uploaded, err := ParseVersion(up.Version)
	if err != nil {
		return nil, err
	}
	if up.GlobalAllowList != nil && up.GlobalAllowList.empty() {
		return nil, apperr.Validation(op, "global allow list of rule pack %s is empty", up.Version)
	}
	seen := make(map[string]bool, len(up.Rules))
	for _, r := range up.Rules {
		if strings.TrimSpace(r.ID) == "" {
			return nil, apperr.Validation(op, "rule without an id in rule pack %s", up.Version)
		}
		if seen[r.ID] {
			return nil, apperr.Validation(op, "duplicate rule %q in rule pack %s", r.ID, up.Version)
		}
		seen[r.ID] = true
	}

	pack := &models.RulePack{Version: up.Version, Created: time.Now().UTC()}
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var exists int64
		if err := tx.Model(&models.RulePack{}).Where("version = ?", up.Version).Count(&exists).Error; err != nil {
			return fmt.Errorf("failed to check rule pack: %w", err)
		}
		if exists > 0 {
			return apperr.Conflict(op, "rule pack %s already exists", up.Version)
		}

		newest, err := newestPack(tx)
		if err != nil {
			return err
		}
		activate := newest == nil || !newest.Active
		if newest != nil {
			v, _ := ParseVersion(newest.Version)
			activate = activate || v.Compare(uploaded) < 0
		}

		if up.GlobalAllowList != nil {
			al := up.GlobalAllowList.model()
			if err := tx.Create(&al).Error; err != nil {
				return apperr.FromStore(op, err)
			}
			pack.GlobalAllowList = &al.ID
		}
		if err := tx.Create(pack).Error; err != nil {
			return apperr.FromStore(op, err)
		}
		if err := createRules(tx, up.Version, up.Rules); err != nil {
			return err
		}
		if !activate {
			return nil
		}
		if err := SetActive(tx, up.Version); err != nil {
			return err
		}
		pack.Active = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("Rule pack stored", "version", pack.Version, "rules", len(up.Rules), "active", pack.Active)
	return pack, nil
}

func createRules(tx *gorm.DB, version string, rules []RuleInput) error {
	tagIDs := make(map[string]uint)
	for _, in := range rules {
		rule := models.Rule{
			RulePack:    version,
			RuleName:    in.ID,
			Description: in.Description,
			Entropy:     in.Entropy,
			SecretGroup: in.SecretGroup,
			Regex:       in.Regex,
			Path:        in.Path,
			Keywords:    strings.Join(in.Keywords, ","),
			Comment:     in.Comment,
		}
		if in.AllowList != nil && !in.AllowList.empty() {
			al := in.AllowList.model()
			if err := tx.Create(&al).Error; err != nil {
				return apperr.FromStore("rulepack.createRules", err)
			}
			rule.AllowList = &al.ID
		}
		if err := tx.Create(&rule).Error; err != nil {
			return apperr.FromStore("rulepack.createRules", err)
		}

		for _, name := range in.Tags {
			id, ok := tagIDs[name]
			if !ok {
				tag := models.Tag{Name: name}
				if err := tx.Where(models.Tag{Name: name}).FirstOrCreate(&tag).Error; err != nil {
					return fmt.Errorf("failed to store tag %q: %w", name, err)
				}
				id = tag.ID
				tagIDs[name] = id
			}
			link := models.RuleTag{RuleID: rule.ID, TagID: id}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&link).Error; err != nil {
				return fmt.Errorf("failed to tag rule %q: %w", in.ID, err)
			}
		}
	}
	return nil
}

// newestPack returns the stored pack with the highest version, or nil.
func newestPack(tx *gorm.DB) (*models.RulePack, error) {
	var packs []models.RulePack
	if err := tx.Find(&packs).Error; err != nil {
		return nil, fmt.Errorf("failed to list rule packs: %w", err)
	}
	var newest *models.RulePack
	var newestVersion Version
	for i := range packs {
		v, err := ParseVersion(packs[i].Version)
		if err != nil {
			slog.Warn("Skipping rule pack with malformed version", "version", packs[i].Version)
			continue
		}
		if newest == nil || v.Compare(newestVersion) > 0 {
			newest, newestVersion = &packs[i], v
		}
	}
	return newest, nil
}

// SetActive makes version the only active rule pack. It is the one place
// the active flag is written.
func SetActive(tx *gorm.DB, version string) error {
	if err := tx.Model(&models.RulePack{}).Where("version <> ? AND active = ?", version, true).Update("active", false).Error; err != nil {
		return fmt.Errorf("failed to deactivate rule packs: %w", err)
	}
	res := tx.Model(&models.RulePack{}).Where("version = ?", version).Update("active", true)
	if res.Error != nil {
		return fmt.Errorf("failed to activate rule pack %s: %w", version, res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.NotFound("rulepack.SetActive", "rule pack %s not found", version)
	}
	return nil
}

// Activate makes an existing rule pack the active one.
func Activate(ctx context.Context, db *gorm.DB, version string) (*models.RulePack, error) {
	if _, err := ParseVersion(version); err != nil {
		return nil, err
	}
	var pack *models.RulePack
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := SetActive(tx, version); err != nil {
			return err
		}
		var err error
		pack, err = Get(ctx, tx, version)
		return err
	})
	if err != nil {
		return nil, err
	}
	slog.Info("Rule pack activated", "version", version)
	return pack, nil
}

// Get returns the rule pack with the given version.
func Get(ctx context.Context, db *gorm.DB, version string) (*models.RulePack, error) {
	var pack models.RulePack
	err := db.WithContext(ctx).Where("version = ?", version).First(&pack).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("rulepack.Get", "rule pack %s not found", version)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule pack %s: %w", version, err)
	}
	return &pack, nil
}

// Active returns the active rule pack, or nil when none is active.
func Active(ctx context.Context, db *gorm.DB) (*models.RulePack, error) {
	var packs []models.RulePack
	if err := db.WithContext(ctx).Where("active = ?", true).Limit(1).Find(&packs).Error; err != nil {
		return nil, fmt.Errorf("failed to get active rule pack: %w", err)
	}
	if len(packs) == 0 {
		return nil, nil
	}
	return &packs[0], nil
}

// Filter narrows List results. Zero values do not filter.
type Filter struct {
	Version string
	Active  *bool
}

// List returns a page of rule packs ordered by version, newest first, and
// the total matching count.
func List(ctx context.Context, db *gorm.DB, filter Filter, skip, limit int) ([]models.RulePack, int64, error) {
	if err := paging.Validate("rulepack.List", skip, limit); err != nil {
		return nil, 0, err
	}
	query := db.WithContext(ctx).Model(&models.RulePack{})
	if filter.Version != "" {
		query = query.Where("version = ?", filter.Version)
	}
	if filter.Active != nil {
		query = query.Where("active = ?", *filter.Active)
	}

	var packs []models.RulePack
	if err := query.Find(&packs).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list rule packs: %w", err)
	}

	// Ordering is numeric, which the database cannot do on a text column
	slices.SortStableFunc(packs, func(a, b models.RulePack) int {
		va, errA := ParseVersion(a.Version)
		vb, errB := ParseVersion(b.Version)
		if errA != nil || errB != nil {
			return strings.Compare(b.Version, a.Version)
		}
		return vb.Compare(va)
	})

	total := int64(len(packs))
	if skip >= len(packs) {
		return []models.RulePack{}, total, nil
	}
	end := min(skip+limit, len(packs))
	return packs[skip:end], total, nil
}

// Rules returns every rule of a rule pack ordered by name.
func Rules(ctx context.Context, db *gorm.DB, version string) ([]models.Rule, error) {
	var rules []models.Rule
	if err := db.WithContext(ctx).Where("rule_pack = ?", version).Order("rule_name").Find(&rules).Error; err != nil {
		return nil, fmt.Errorf("failed to list rules of %s: %w", version, err)
	}
	return rules, nil
}

// Rule returns one rule of a rule pack by name.
func Rule(ctx context.Context, db *gorm.DB, version, name string) (*models.Rule, error) {
	var rule models.Rule
	err := db.WithContext(ctx).Where("rule_pack = ? AND rule_name = ?", version, name).First(&rule).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("rulepack.Rule", "rule %q not found in rule pack %s", name, version)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule %q: %w", name, err)
	}
	return &rule, nil
}

// TaggedRuleNames returns the names of the rules in version carrying tag.
func TaggedRuleNames(ctx context.Context, db *gorm.DB, version, tag string) ([]string, error) {
	var names []string
	err := db.WithContext(ctx).Model(&models.Rule{}).
		Joins("JOIN rule_tag ON rule_tag.rule_id = rules.id").
		Joins("JOIN tag ON tag.id = rule_tag.tag_id").
		Where("rules.rule_pack = ? AND tag.name = ?", version, tag).
		Order("rules.rule_name").
		Pluck("rules.rule_name", &names).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list %s rules of %s: %w", tag, version, err)
	}
	return names, nil
}

// Tags returns the distinct tag names used by the rules of the given versions.
func Tags(ctx context.Context, db *gorm.DB, versions []string) ([]string, error) {
	query := db.WithContext(ctx).Model(&models.Tag{}).
		Joins("JOIN rule_tag ON rule_tag.tag_id = tag.id").
		Joins("JOIN rules ON rules.id = rule_tag.rule_id")
	if len(versions) > 0 {
		query = query.Where("rules.rule_pack IN ?", versions)
	}
	var tags []string
	if err := query.Distinct("tag.name").Order("tag.name").Pluck("tag.name", &tags).Error; err != nil {
		return nil, fmt.Errorf("failed to list tags: %w", err)
	}
	return tags, nil
}
