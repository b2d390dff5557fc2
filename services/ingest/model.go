package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

type EventStatus string

const (
	EventReceived   EventStatus = "RECEIVED"
	EventScored     EventStatus = "SCORED"
	EventGranted    EventStatus = "GRANTED"
	EventIneligible EventStatus = "INELIGIBLE"
	EventFailed     EventStatus = "FAILED"
)

// ParticipationEvent is one observed engagement post. Duplicate submissions
// of the same content into the same campaign collapse onto one row via the
// (campaign_id, content_hash) unique index.
type ParticipationEvent struct {
	ID          string      `json:"id" gorm:"column:id;primaryKey"`
	CampaignID  string      `json:"campaign_id" gorm:"column:campaign_id;index;uniqueIndex:idx_event_campaign_content"`
	Participant string      `json:"participant" gorm:"column:participant;index"`
	SourceRef   string      `json:"source_ref" gorm:"column:source_ref"`
	Content     string      `json:"content" gorm:"column:content"`
	ContentHash string      `json:"content_hash" gorm:"column:content_hash;uniqueIndex:idx_event_campaign_content"`
	Status      EventStatus `json:"status" gorm:"column:status;index"`
	OccurredAt  time.Time   `json:"occurred_at" gorm:"column:occurred_at"`
	CreatedAt   time.Time   `json:"created_at" gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time   `json:"updated_at" gorm:"column:updated_at;autoUpdateTime"`
}

func (ParticipationEvent) TableName() string {
	return "participation_events"
}

// HashContent is the dedupe key for a post body within a campaign.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
