package scoring

const (
	TaskScoringRetry = "scoring:retry"
)

type RetryPayload struct {
	EventID    string `json:"event_id"`
	CampaignID string `json:"campaign_id"`
	TraceID    string `json:"trace_id,omitempty"`
}
