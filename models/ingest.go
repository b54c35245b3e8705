package models

import (
	"time"

	"github.com/axonlab/ingest/constants"
	uuid "github.com/satori/go.uuid"
)

// StatusRecord is one entry of a status history: the status entered and
// the UTC epoch at which it was entered.
type StatusRecord struct {
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

// NewUUID returns a fresh v4 uuid string for use as a primary key.
func NewUUID() string {
	return uuid.NewV4().String()
}

// Ingest is one invocation of the pipeline operating on one source
// tree. It owns every other row through its id; deleting an ingest
// cascades to tasks, containers, items, uids, errors and logs.
type Ingest struct {
	ID    string `gorm:"primaryKey;size:36" json:"id"`
	Label string `gorm:"index" json:"label"`

	// Destination service auth for this ingest. ApiKey is redacted on
	// the wire by the API facade.
	ApiHost string `json:"api_host"`
	ApiUser string `json:"api_user"`
	ApiKey  string `json:"-"`

	// Config and Strategy are the serialized user configuration this
	// ingest was created with. They never change after creation.
	Config   *IngestConfig   `gorm:"serializer:json" json:"config"`
	Strategy *StrategyConfig `gorm:"serializer:json" json:"strategy"`

	Status  string         `gorm:"index" json:"status"`
	History []StatusRecord `gorm:"serializer:json" json:"history"`

	// TotalTime is filled when the ingest reaches a terminal status:
	// seconds from first to last history entry.
	TotalTime float64   `json:"total_time"`
	CreatedAt time.Time `json:"created"`
}

// NewIngest returns a created-status ingest with its history seeded.
func NewIngest(label string, config *IngestConfig, strategy *StrategyConfig) *Ingest {
	now := time.Now().UTC()
	return &Ingest{
		ID:       NewUUID(),
		Label:    label,
		Config:   config,
		Strategy: strategy,
		Status:   constants.IngestCreated,
		History: []StatusRecord{
			{Status: constants.IngestCreated, Timestamp: now.Unix()},
		},
		CreatedAt: now,
	}
}

// SetStatus appends a history record and updates the current status.
// Callers must have verified the transition first; this method only
// maintains the history/total-time invariants.
func (ingest *Ingest) SetStatus(status string) {
	now := time.Now().UTC().Unix()
	ingest.Status = status
	ingest.History = append(ingest.History, StatusRecord{Status: status, Timestamp: now})
	if constants.IsTerminalIngestStatus(status) && len(ingest.History) > 0 {
		ingest.TotalTime = float64(now - ingest.History[0].Timestamp)
	}
}

// Terminal reports whether the ingest has reached a final status.
func (ingest *Ingest) Terminal() bool {
	return constants.IsTerminalIngestStatus(ingest.Status)
}
