package feeds

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/firewatch/firewatch/internal/database"
)

// DispatchClient polls a CAD aggregator's JSON endpoint for one agency's
// active calls. The upstream keys calls by its own agency identifier, so the
// request always carries agency.DispatchFeedID rather than anything local.
type DispatchClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewDispatchClient creates a dispatch feed client
func NewDispatchClient(baseURL string) *DispatchClient {
	return &DispatchClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// FeedType returns the dispatch feed type
func (c *DispatchClient) FeedType() database.FeedType {
	return database.FeedTypeDispatch
}

// Fetch returns the agency's current dispatch calls
func (c *DispatchClient) Fetch(ctx context.Context, agency *database.Agency) ([]RawRecord, error) {
	if c.baseURL == "" {
		return nil, &FeedError{Feed: database.FeedTypeDispatch, Reason: "no endpoint configured"}
	}
	if agency.DispatchFeedID == "" {
		return nil, &FeedError{Feed: database.FeedTypeDispatch, Reason: fmt.Sprintf("agency %s has no dispatch feed id", agency.Slug)}
	}

	endpoint := fmt.Sprintf("%s?agency=%s", c.baseURL, url.QueryEscape(agency.DispatchFeedID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &FeedError{Feed: database.FeedTypeDispatch, Reason: "building request", Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &FeedError{Feed: database.FeedTypeDispatch, Reason: "request failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &FeedError{Feed: database.FeedTypeDispatch, Reason: fmt.Sprintf("upstream returned %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &FeedError{Feed: database.FeedTypeDispatch, Reason: "reading response", Err: err}
	}

	// The aggregator wraps calls in an envelope; some deployments return a
	// bare array, so try both shapes.
	var envelope struct {
		Calls []RawRecord `json:"calls"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Calls != nil {
		return envelope.Calls, nil
	}

	var records []RawRecord
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, &FeedError{Feed: database.FeedTypeDispatch, Reason: "decoding response", Err: err}
	}
	return records, nil
}
