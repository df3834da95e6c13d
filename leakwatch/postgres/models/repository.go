package models

import "time"

// VCS provider types
const (
	ProviderBitbucket    = "BITBUCKET"
	ProviderAzureDevOps  = "AZURE_DEVOPS"
	ProviderGithubPublic = "GITHUB_PUBLIC"
)

// VcsInstance is a configured version control system a repository belongs to.
type VcsInstance struct {
	ID           uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	Name         string `gorm:"uniqueIndex;not null;size:200" json:"name"`
	ProviderType string `gorm:"not null;size:100" json:"provider_type"`
	Hostname     string `gorm:"not null;size:200" json:"hostname"`
	Port         int    `gorm:"not null" json:"port"`
	Scheme       string `gorm:"not null;size:20" json:"scheme"`
	Exceptions   string `gorm:"type:text" json:"exceptions,omitempty"`
	Scope        string `gorm:"type:text" json:"scope,omitempty"`
	Organization string `gorm:"size:200" json:"organization,omitempty"`
}

func (VcsInstance) TableName() string {
	return "vcs_instance"
}

// Repository is a scanned source repository. A non-nil DeletedAt marks it
// as no longer reachable on its VCS instance.
type Repository struct {
	ID             uint       `gorm:"primaryKey;autoIncrement" json:"id"`
	ProjectKey     string     `gorm:"not null;size:100;uniqueIndex:uc_repository,priority:1" json:"project_key"`
	RepositoryID   string     `gorm:"not null;size:100;uniqueIndex:uc_repository,priority:2" json:"repository_id"`
	RepositoryName string     `gorm:"not null;size:100;index" json:"repository_name"`
	RepositoryURL  string     `gorm:"not null;size:200" json:"repository_url"`
	VcsInstanceID  uint       `gorm:"column:vcs_instance;not null;uniqueIndex:uc_repository,priority:3" json:"vcs_instance"`
	DeletedAt      *time.Time `gorm:"index" json:"deleted_at,omitempty"`
}

func (Repository) TableName() string {
	return "repository"
}

// IsValidProviderType checks if a VCS provider type is known
func IsValidProviderType(providerType string) bool {
	switch providerType {
	case ProviderBitbucket, ProviderAzureDevOps, ProviderGithubPublic:
		return true
	default:
		return false
	}
}
