package feeds

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/firewatch/firewatch/internal/database"
)

// WeatherClient polls the NWS active-alerts endpoint for the zones an
// agency covers. The GeoJSON features are flattened to RawRecords with the
// keys the normalizer expects before they cross the feed boundary.
type WeatherClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewWeatherClient creates a weather feed client
func NewWeatherClient(baseURL string) *WeatherClient {
	return &WeatherClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// FeedType returns the weather feed type
func (c *WeatherClient) FeedType() database.FeedType {
	return database.FeedTypeWeather
}

// Fetch returns the active alerts covering the agency's zones
func (c *WeatherClient) Fetch(ctx context.Context, agency *database.Agency) ([]RawRecord, error) {
	if len(agency.WeatherZones) == 0 {
		return nil, nil
	}

	endpoint := fmt.Sprintf("%s?zone=%s", c.baseURL, url.QueryEscape(strings.Join(agency.WeatherZones, ",")))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &FeedError{Feed: database.FeedTypeWeather, Reason: "building request", Err: err}
	}
	req.Header.Set("Accept", "application/geo+json")
	// NWS requires an identifying User-Agent
	req.Header.Set("User-Agent", "firewatch (feed-sync)")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &FeedError{Feed: database.FeedTypeWeather, Reason: "request failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &FeedError{Feed: database.FeedTypeWeather, Reason: fmt.Sprintf("upstream returned %d", resp.StatusCode)}
	}

	var payload struct {
		Features []struct {
			Properties map[string]interface{} `json:"properties"`
		} `json:"features"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, &FeedError{Feed: database.FeedTypeWeather, Reason: "decoding response", Err: err}
	}

	records := make([]RawRecord, 0, len(payload.Features))
	for _, f := range payload.Features {
		if f.Properties == nil {
			continue
		}
		records = append(records, flattenAlertProperties(f.Properties))
	}
	return records, nil
}

// flattenAlertProperties maps NWS property names onto the normalizer's keys
func flattenAlertProperties(props map[string]interface{}) RawRecord {
	record := RawRecord{
		"id":           props["id"],
		"event":        props["event"],
		"effective":    props["effective"],
		"expires":      props["expires"],
		"message_type": props["messageType"],
		"severity":     props["severity"],
		"urgency":      props["urgency"],
		"certainty":    props["certainty"],
		"headline":     props["headline"],
		"description":  props["description"],
	}

	// References arrive as objects carrying the superseded alert's identifier
	if refs, ok := props["references"].([]interface{}); ok {
		flattened := make([]interface{}, 0, len(refs))
		for _, r := range refs {
			switch v := r.(type) {
			case map[string]interface{}:
				if id, ok := v["identifier"].(string); ok && id != "" {
					flattened = append(flattened, id)
				} else if id, ok := v["@id"].(string); ok && id != "" {
					flattened = append(flattened, id)
				}
			case string:
				flattened = append(flattened, v)
			}
		}
		record["references"] = flattened
	}
	return record
}
