package models

import "time"

// Scan types
const (
	ScanTypeBase        = "BASE"
	ScanTypeIncremental = "INCREMENTAL"
)

// Scan is one scanner run over a repository with a specific rule pack.
// IsLatest is owned by the latest-scan resolver and never set by callers.
type Scan struct {
	ID                uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	RepositoryID      uint      `gorm:"not null;index:idx_scan_repository_rule_pack,priority:1" json:"repository_id"`
	RulePack          string    `gorm:"not null;size:100;index:idx_scan_repository_rule_pack,priority:2" json:"rule_pack"`
	ScanType          string    `gorm:"not null;size:20" json:"scan_type"`
	LastScannedCommit string    `gorm:"not null;size:100" json:"last_scanned_commit"`
	Timestamp         time.Time `gorm:"not null;index" json:"timestamp"`
	IncrementNumber   int       `gorm:"not null;default:0" json:"increment_number"`
	IsLatest          bool      `gorm:"not null;default:false;index" json:"is_latest"`
}

func (Scan) TableName() string {
	return "scan"
}

// ScanFinding links a scan to every finding it reported.
type ScanFinding struct {
	ScanID    uint `gorm:"primaryKey;autoIncrement:false" json:"scan_id"`
	FindingID uint `gorm:"primaryKey;autoIncrement:false;index" json:"finding_id"`
}

func (ScanFinding) TableName() string {
	return "scan_finding"
}

// IsValidScanType checks if a scan type is valid
func IsValidScanType(scanType string) bool {
	return scanType == ScanTypeBase || scanType == ScanTypeIncremental
}
