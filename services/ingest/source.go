package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// HTTPContentSource reads post bodies from the social platform's read API.
type HTTPContentSource struct {
	baseURL string
	client  *http.Client
}

func NewHTTPContentSource(baseURL string) *HTTPContentSource {
	return &HTTPContentSource{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (s *HTTPContentSource) FetchPost(ctx context.Context, sourceRef string) (string, error) {
	endpoint := fmt.Sprintf("%s/v1/posts/%s", s.baseURL, url.PathEscape(sourceRef))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("content source returned status %d", resp.StatusCode)
	}

	var out struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}

	return out.Content, nil
}
