package models

import "time"

// Audit statuses
const (
	StatusNotAnalyzed           = "NOT_ANALYZED"
	StatusNotAccessible         = "NOT_ACCESSIBLE"
	StatusClarificationRequired = "CLARIFICATION_REQUIRED"
	StatusFalsePositive         = "FALSE_POSITIVE"
	StatusTruePositive          = "TRUE_POSITIVE"
	StatusOutdated              = "OUTDATED"
)

// Auditor and comment stamped on audits the system creates on its own.
const (
	AutomatedAuditor = "resc"
	AutomatedComment = "automated"
)

// Finding is a detected secret at a location in a repository.
type Finding struct {
	ID              uint       `gorm:"primaryKey;autoIncrement" json:"id"`
	RepositoryID    uint       `gorm:"not null;index:idx_finding_location,priority:1" json:"repository_id"`
	RuleName        string     `gorm:"not null;size:400;index:idx_finding_location,priority:2" json:"rule_name"`
	FilePath        string     `gorm:"not null;size:500;index:idx_finding_location,priority:3" json:"file_path"`
	LineNumber      int        `gorm:"not null" json:"line_number"`
	ColumnStart     int        `gorm:"not null" json:"column_start"`
	ColumnEnd       int        `gorm:"not null" json:"column_end"`
	CommitID        string     `gorm:"not null;size:120" json:"commit_id"`
	CommitMessage   string     `gorm:"type:text" json:"commit_message"`
	CommitTimestamp time.Time  `gorm:"not null" json:"commit_timestamp"`
	Author          string     `gorm:"not null;size:200" json:"author"`
	Email           string     `gorm:"size:100" json:"email"`
	IsDirScan       bool       `gorm:"not null;default:false" json:"is_dir_scan"`
	EventSentOn     *time.Time `json:"event_sent_on,omitempty"`
}

func (Finding) TableName() string {
	return "finding"
}

// Audit is an immutable review decision on a finding. IsLatest is owned by
// the latest-audit resolver.
type Audit struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	FindingID uint      `gorm:"not null;index" json:"finding_id"`
	Status    string    `gorm:"not null;size:50" json:"status"`
	Auditor   string    `gorm:"not null;size:200" json:"auditor"`
	Comment   string    `gorm:"size:255" json:"comment"`
	Timestamp time.Time `gorm:"not null" json:"timestamp"`
	IsLatest  bool      `gorm:"not null;default:false;index" json:"is_latest"`
}

func (Audit) TableName() string {
	return "audit"
}

// IsValidStatus checks if an audit status is valid
func IsValidStatus(status string) bool {
	switch status {
	case StatusNotAnalyzed, StatusNotAccessible, StatusClarificationRequired,
		StatusFalsePositive, StatusTruePositive, StatusOutdated:
		return true
	default:
		return false
	}
}

// Statuses lists every audit status in display order.
func Statuses() []string {
	return []string{
		StatusNotAnalyzed, StatusNotAccessible, StatusClarificationRequired,
		StatusFalsePositive, StatusTruePositive, StatusOutdated,
	}
}
