package ingest

const (
	TaskEventProcess = "event:process"
)

type EventProcessPayload struct {
	EventID    string `json:"event_id"`
	CampaignID string `json:"campaign_id"`
	TraceID    string `json:"trace_id,omitempty"`
}
