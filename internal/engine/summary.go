package engine

import "github.com/umsync/syncctl/internal/target"

// ActionCounts aggregates dispatch outcomes for one target.
type ActionCounts struct {
	Sent      int `json:"sent"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Summary is the run's outcome record. It is produced even on partial
// failure; a reporting layer renders it.
type Summary struct {
	DirectoryUsersRead     int `json:"directory_users_read"`
	DirectoryUsersSelected int `json:"directory_users_selected"`

	AccountsRead      int `json:"accounts_read"`
	AccountsExcluded  int `json:"accounts_excluded"`
	AccountsUnchanged int `json:"accounts_unchanged"`
	AccountsCreated   int `json:"accounts_created"`
	AccountsUpdated   int `json:"accounts_updated"`

	StraysProcessed    int  `json:"strays_processed"`
	StrayLimitExceeded bool `json:"stray_limit_exceeded"`

	MappingConflicts []target.MappingConflict `json:"mapping_conflicts,omitempty"`

	TargetActions map[string]ActionCounts `json:"target_actions"`
	TargetErrors  map[string]string       `json:"target_errors,omitempty"`
}
