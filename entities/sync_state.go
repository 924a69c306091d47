package entities

import "time"

type ProcessedEvent struct {
	EventID     string    `json:"event_id" gorm:"primaryKey"`
	ProcessedAt time.Time `json:"processed_at"`
}

func (ProcessedEvent) TableName() string {
	return "processed_events"
}

// EventCheckpoint is a singleton row holding the identity sync watermark.
type EventCheckpoint struct {
	ID            int       `json:"id" gorm:"primaryKey;autoIncrement:false"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
}

func (EventCheckpoint) TableName() string {
	return "event_checkpoints"
}
