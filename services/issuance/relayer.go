package issuance

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"rewardplane/pkg/config"
	"rewardplane/services/campaign"
)

// RelayerIssuer submits mints through the transaction relayer service, which
// holds the signing keys and routes by chain.
type RelayerIssuer struct {
	baseURL string
	chain   string
	client  *http.Client
}

func NewRelayerIssuer(baseURL, chain string) *RelayerIssuer {
	return &RelayerIssuer{
		baseURL: baseURL,
		chain:   chain,
		client:  &http.Client{Timeout: 90 * time.Second},
	}
}

type mintRequest struct {
	IdempotencyKey string `json:"idempotency_key"`
	Chain          string `json:"chain"`
	Recipient      string `json:"recipient"`
	Amount         int64  `json:"amount"`
	TierName       string `json:"tier_name"`
	CampaignID     string `json:"campaign_id"`
}

type mintResponse struct {
	TxReference string `json:"tx_reference"`
}

func (r *RelayerIssuer) Issue(ctx context.Context, req IssueRequest) (string, error) {
	body, err := json.Marshal(mintRequest{
		IdempotencyKey: req.IdempotencyKey,
		Chain:          req.Chain,
		Recipient:      req.Recipient,
		Amount:         req.Amount,
		TierName:       req.TierName,
		CampaignID:     req.CampaignID,
	})
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/v1/mints", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("relayer returned status %d", resp.StatusCode)
	}

	var out mintResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.TxReference, nil
}

func (r *RelayerIssuer) QueryByReference(ctx context.Context, idempotencyKey string) (string, bool, error) {
	endpoint := fmt.Sprintf("%s/v1/mints/%s", r.baseURL, url.PathEscape(idempotencyKey))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", false, err
	}

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return "", false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return "", false, fmt.Errorf("relayer returned status %d", resp.StatusCode)
	}

	var out mintResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", false, err
	}
	return out.TxReference, true, nil
}

// NewRegistry wires one relayer-backed issuer per catalog chain.
func NewRegistry(cfg *config.Config) Registry {
	registry := Registry{}
	if cfg.Issuance.RelayerURL == "" {
		return registry
	}
	for _, chain := range campaign.KnownChains {
		registry[chain] = NewRelayerIssuer(cfg.Issuance.RelayerURL, chain)
	}
	return registry
}
