package models

import (
	"time"
)

// DestContext is what resolve (for existing containers) or prepare
// (for newly created ones) learned about the destination-side
// container.
type DestContext struct {
	ID    string `json:"_id,omitempty"`
	Label string `json:"label,omitempty"`
	UID   string `json:"uid,omitempty"`
	// Files lists the basenames already present in the destination
	// container, used by duplicate detection.
	Files []string `json:"files,omitempty"`
}

// Container is one node of the destination hierarchy being built:
// level 0 is the group, level 4 the acquisition. Path is the
// source-side composite key and is unique per ingest.
type Container struct {
	ID       string  `gorm:"primaryKey;size:36" json:"id"`
	IngestID string  `gorm:"index:idx_container_path,unique;size:36" json:"ingest_id"`
	ParentID *string `gorm:"size:36" json:"parent_id,omitempty"`

	Level int    `json:"level"`
	Path  string `gorm:"index:idx_container_path,unique" json:"path"`

	SrcContext *SourceContext `gorm:"serializer:json" json:"src_context,omitempty"`
	DstContext *DestContext   `gorm:"serializer:json" json:"dst_context,omitempty"`
	DstPath    string         `json:"dst_path,omitempty"`

	// Existing is set when resolve found the container already present
	// at the destination. Error is raised on the container and every
	// ancestor when an item below acquires a blocking error. Sidecar
	// marks containers created in the duplicates twin project.
	Existing bool `json:"existing"`
	Error    bool `json:"error"`
	Sidecar  bool `json:"sidecar"`

	// DDFiles lists filenames found at the same sub-path of each
	// duplicate-detection reference project.
	DDFiles []string `gorm:"serializer:json" json:"dd_files,omitempty"`

	CreatedAt time.Time `json:"created"`
}

// NewContainer returns a placeholder container for the given level and
// source path. Destination fields are filled during resolve or prepare.
func NewContainer(ingestID string, parentID *string, level int, path string, src *SourceContext) *Container {
	return &Container{
		ID:         NewUUID(),
		IngestID:   ingestID,
		ParentID:   parentID,
		Level:      level,
		Path:       path,
		SrcContext: src,
		CreatedAt:  time.Now().UTC(),
	}
}

// HasDstFile reports whether filename is already present at the
// destination, either in the resolved container or in any
// duplicate-detection reference project.
func (container *Container) HasDstFile(filename string) bool {
	if container.DstContext != nil {
		for _, f := range container.DstContext.Files {
			if f == filename {
				return true
			}
		}
	}
	for _, f := range container.DDFiles {
		if f == filename {
			return true
		}
	}
	return false
}
