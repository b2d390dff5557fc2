package scoring

import "time"

// ScoreResult is the immutable record of one oracle verdict for an event.
// Rows are written once and never updated; a re-score appends a new row with
// the next version, and reads take the highest version.
type ScoreResult struct {
	ID         string    `json:"id" gorm:"column:id;primaryKey"`
	EventID    string    `json:"event_id" gorm:"column:event_id;uniqueIndex:idx_score_event_version"`
	CampaignID string    `json:"campaign_id" gorm:"column:campaign_id;index"`
	Version    int       `json:"version" gorm:"column:version;uniqueIndex:idx_score_event_version"`
	Score      float64   `json:"score" gorm:"column:score"`
	Confidence float64   `json:"confidence" gorm:"column:confidence"`
	Oracle     string    `json:"oracle" gorm:"column:oracle"`
	Attempts   int       `json:"attempts" gorm:"column:attempts"`
	CreatedAt  time.Time `json:"created_at" gorm:"column:created_at;autoCreateTime"`
}

func (ScoreResult) TableName() string {
	return "score_results"
}
