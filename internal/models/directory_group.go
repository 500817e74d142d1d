package models

import "gorm.io/datatypes"

// DirectoryGroup mirrors a group from an external directory. Groups are
// merge-on-write keyed by (source, name).
type DirectoryGroup struct {
	BaseModel

	Name        string `gorm:"not null;uniqueIndex:idx_directory_groups_source_name" json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`

	Members     datatypes.JSONSlice[string] `json:"members"`
	Permissions datatypes.JSONSlice[string] `json:"permissions"`

	ParentID *string                     `gorm:"type:uuid" json:"parent_id,omitempty"`
	Children datatypes.JSONSlice[string] `json:"children,omitempty"`

	// Source is the id of the provider this group was imported from.
	Source string `gorm:"type:uuid;not null;uniqueIndex:idx_directory_groups_source_name" json:"source"`
}
