package models

import "time"

// TagScanAsDir marks rules whose findings are tracked per path rather than per commit.
const TagScanAsDir = "ScanAsDir"

// RulePack is a versioned bundle of detection rules. At most one pack is active.
type RulePack struct {
	Version         string    `gorm:"primaryKey;size:100" json:"version"`
	Active          bool      `gorm:"not null;default:false" json:"active"`
	GlobalAllowList *uint     `gorm:"column:global_allow_list" json:"global_allow_list,omitempty"`
	Created         time.Time `gorm:"not null" json:"created"`
}

func (RulePack) TableName() string {
	return "rule_pack"
}

// RuleAllowList holds the suppressions attached to a rule pack or a single rule.
type RuleAllowList struct {
	ID          uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	Description string `gorm:"type:text" json:"description,omitempty"`
	Regexes     string `gorm:"type:text" json:"regexes,omitempty"`
	Paths       string `gorm:"type:text" json:"paths,omitempty"`
	Commits     string `gorm:"type:text" json:"commits,omitempty"`
	StopWords   string `gorm:"type:text" json:"stop_words,omitempty"`
}

func (RuleAllowList) TableName() string {
	return "rule_allow_list"
}

// Rule is a single detection rule belonging to a rule pack.
type Rule struct {
	ID          uint     `gorm:"primaryKey;autoIncrement" json:"id"`
	RulePack    string   `gorm:"not null;size:100;uniqueIndex:uc_rule_name_version,priority:1" json:"rule_pack"`
	RuleName    string   `gorm:"not null;size:400;uniqueIndex:uc_rule_name_version,priority:2" json:"rule_name"`
	Description string   `gorm:"type:text" json:"description,omitempty"`
	Entropy     *float64 `json:"entropy,omitempty"`
	SecretGroup *int     `json:"secret_group,omitempty"`
	Regex       string   `gorm:"type:text" json:"regex,omitempty"`
	Path        string   `gorm:"type:text" json:"path,omitempty"`
	Keywords    string   `gorm:"type:text" json:"keywords,omitempty"`
	AllowList   *uint    `gorm:"column:allow_list" json:"allow_list,omitempty"`
	Comment     string   `gorm:"type:text" json:"comment,omitempty"`
}

func (Rule) TableName() string {
	return "rules"
}

type Tag struct {
	ID   uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	Name string `gorm:"uniqueIndex;not null;size:200" json:"name"`
}

func (Tag) TableName() string {
	return "tag"
}

type RuleTag struct {
	RuleID uint `gorm:"primaryKey;autoIncrement:false" json:"rule_id"`
	TagID  uint `gorm:"primaryKey;autoIncrement:false;index" json:"tag_id"`
}

func (RuleTag) TableName() string {
	return "rule_tag"
}
