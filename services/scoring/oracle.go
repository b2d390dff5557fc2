package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"rewardplane/services/ingest"
)

// HTTPOracle scores posts through the external scoring API.
type HTTPOracle struct {
	baseURL string
	client  *http.Client
}

func NewHTTPOracle(baseURL string) *HTTPOracle {
	return &HTTPOracle{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

type oracleRequest struct {
	EventID     string `json:"event_id"`
	CampaignID  string `json:"campaign_id"`
	Participant string `json:"participant"`
	Content     string `json:"content"`
}

type oracleResponse struct {
	Score      float64 `json:"score"`
	Confidence float64 `json:"confidence"`
	Oracle     string  `json:"oracle"`
}

func (o *HTTPOracle) Score(ctx context.Context, event *ingest.ParticipationEvent) (Verdict, error) {
	body, err := json.Marshal(oracleRequest{
		EventID:     event.ID,
		CampaignID:  event.CampaignID,
		Participant: event.Participant,
		Content:     event.Content,
	})
	if err != nil {
		return Verdict{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/v1/score", bytes.NewReader(body))
	if err != nil {
		return Verdict{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return Verdict{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Verdict{}, fmt.Errorf("oracle returned status %d", resp.StatusCode)
	}

	var out oracleResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Verdict{}, err
	}

	return Verdict{Score: out.Score, Confidence: out.Confidence, Oracle: out.Oracle}, nil
}
