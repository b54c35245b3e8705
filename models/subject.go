package models

import (
	"encoding/json"
	"time"
)

// Subject is one row of the deterministic subject-code map: the code
// assigned to a tuple of source header values. MapKey is the canonical
// form of the tuple; the unique index on (ingest_id, map_key) keeps
// concurrent scan workers from minting two codes for the same patient.
type Subject struct {
	ID       string `gorm:"primaryKey;size:36" json:"id"`
	IngestID string `gorm:"index:idx_subject_map,unique;size:36" json:"ingest_id"`

	Code      string   `json:"code"`
	MapKey    string   `gorm:"index:idx_subject_map,unique" json:"-"`
	MapValues []string `gorm:"serializer:json" json:"map_values"`

	CreatedAt time.Time `json:"created"`
}

// SubjectMapKey is the canonical form of a map-value tuple.
func SubjectMapKey(mapValues []string) string {
	key, _ := json.Marshal(mapValues)
	return string(key)
}

// NewSubject returns a subject-code mapping row.
func NewSubject(ingestID, code string, mapValues []string) *Subject {
	return &Subject{
		ID:        NewUUID(),
		IngestID:  ingestID,
		Code:      code,
		MapKey:    SubjectMapKey(mapValues),
		MapValues: mapValues,
		CreatedAt: time.Now().UTC(),
	}
}

// Review is one recorded user edit from the in_review prompt: skip a
// subtree, or override context fields for it.
type Review struct {
	ID       string `gorm:"primaryKey;size:36" json:"id"`
	IngestID string `gorm:"index;size:36" json:"ingest_id"`

	Path    string            `json:"path"`
	Skip    bool              `json:"skip"`
	Context map[string]string `gorm:"serializer:json" json:"context,omitempty"`

	CreatedAt time.Time `json:"created"`
}

// ReviewChange is the wire form of one review edit.
type ReviewChange struct {
	Path    string            `json:"path"`
	Skip    bool              `json:"skip"`
	Context map[string]string `json:"context,omitempty"`
}

// DeidLog pairs the tag values of one source file before and after the
// de-identification profile ran.
type DeidLog struct {
	ID       string `gorm:"primaryKey;size:36" json:"id"`
	IngestID string `gorm:"index;size:36" json:"ingest_id"`

	SrcPath    string            `json:"src_path"`
	TagsBefore map[string]string `gorm:"serializer:json" json:"tags_before"`
	TagsAfter  map[string]string `gorm:"serializer:json" json:"tags_after"`

	CreatedAt time.Time `json:"created"`
}

// FWContainerMetadata is a metadata sidecar read while mirroring a
// destination project (strategy = project). Path is the hierarchy path
// of the container it describes; SrcPath is where the sidecar file was
// found in the source tree.
type FWContainerMetadata struct {
	ID       string `gorm:"primaryKey;size:36" json:"id"`
	IngestID string `gorm:"index;size:36" json:"ingest_id"`

	Level   int                    `json:"level"`
	Path    string                 `gorm:"index" json:"path"`
	SrcPath string                 `json:"src_path"`
	Content map[string]interface{} `gorm:"serializer:json" json:"content"`

	CreatedAt time.Time `json:"created"`
}
