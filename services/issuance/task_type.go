package issuance

const (
	TaskIssuanceDispatch  = "issuance:dispatch"
	TaskIssuanceReconcile = "issuance:reconcile"
	TaskCampaignSweep     = "campaign:sweep"
)

// QueueForChain routes each chain's issuance onto its own asynq queue so a
// slow or halted chain cannot starve the others.
func QueueForChain(chain string) string {
	return "issuance:" + chain
}

type DispatchPayload struct {
	GrantID    string `json:"grant_id"`
	CampaignID string `json:"campaign_id"`
	Chain      string `json:"chain"`
	TraceID    string `json:"trace_id,omitempty"`
}

type ReconcilePayload struct {
	GrantID string `json:"grant_id"`
	Chain   string `json:"chain"`
	TraceID string `json:"trace_id,omitempty"`
}
