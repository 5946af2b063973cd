package grovekeepersdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Grovekeeper HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Asset is the API tree model.
type Asset struct {
	ID                string  `json:"id"`
	Species           string  `json:"species"`
	Description       string  `json:"description,omitempty"`
	PlantedAt         string  `json:"planted_at,omitempty"`
	Planter           string  `json:"planter,omitempty"`
	WaterIntervalDays int     `json:"water_interval_days"`
	CleanIntervalDays int     `json:"clean_interval_days"`
	LastWater         *string `json:"last_water,omitempty"`
	LastClean         *string `json:"last_clean,omitempty"`
	WaterCount        int     `json:"water_count"`
	CleanCount        int     `json:"clean_count"`
}

// Participant is the API participant model.
type Participant struct {
	Handle    string `json:"handle"`
	Score     int    `json:"score"`
	Suspended bool   `json:"suspended"`
	Warnings  int    `json:"warnings"`
	WaterDone int    `json:"water_done"`
	CleanDone int    `json:"clean_done"`
}

// ReviewEntry is a report awaiting a decision.
type ReviewEntry struct {
	ID          string `json:"id"`
	AssetID     string `json:"asset_id"`
	Action      string `json:"action"`
	Submitter   string `json:"submitter"`
	SubmittedAt string `json:"submitted_at"`
	MediaRef    string `json:"media_ref"`
}

// Decision is the outcome of deciding a report.
type Decision struct {
	Decision string      `json:"decision"`
	Entry    ReviewEntry `json:"entry"`
	Points   int         `json:"points,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateAsset registers a tree from a raw admin definition line.
func (c *Client) CreateAsset(ctx context.Context, definition string) (Asset, error) {
	var resp Asset
	err := c.do(ctx, http.MethodPost, "assets", map[string]any{"definition": definition}, &resp)
	return resp, err
}

// Assets lists registered trees.
func (c *Client) Assets(ctx context.Context) ([]Asset, error) {
	var resp struct {
		Items []Asset `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "assets", nil, &resp)
	return resp.Items, err
}

// SelectAsset picks a tree for a participant to care for.
func (c *Client) SelectAsset(ctx context.Context, handle, assetID string, chatID int64) (Asset, error) {
	var resp struct {
		Asset Asset `json:"asset"`
	}
	endpoint := fmt.Sprintf("participants/%s/selection", url.PathEscape(handle))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"asset_id": assetID, "chat_id": chatID}, &resp)
	return resp.Asset, err
}

// RequestAction opens a care report for the participant's selected tree.
func (c *Client) RequestAction(ctx context.Context, handle, action string, chatID int64) error {
	endpoint := fmt.Sprintf("participants/%s/requests", url.PathEscape(handle))
	return c.do(ctx, http.MethodPost, endpoint, map[string]any{"action": action, "chat_id": chatID}, nil)
}

// SubmitEvidence completes the outstanding request with photo evidence.
func (c *Client) SubmitEvidence(ctx context.Context, handle, mediaRef string, chatID int64) (ReviewEntry, error) {
	var resp ReviewEntry
	endpoint := fmt.Sprintf("participants/%s/evidence", url.PathEscape(handle))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"media_ref": mediaRef, "chat_id": chatID}, &resp)
	return resp, err
}

// Decide resolves a submitted report using the raw decision token.
func (c *Client) Decide(ctx context.Context, token string) (Decision, error) {
	var resp Decision
	err := c.do(ctx, http.MethodPost, "decisions", map[string]any{"token": token}, &resp)
	return resp, err
}

// PendingReviews lists reports awaiting a decision.
func (c *Client) PendingReviews(ctx context.Context) ([]ReviewEntry, error) {
	var resp struct {
		Items []ReviewEntry `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "reviews", nil, &resp)
	return resp.Items, err
}

// Leaderboard returns participants ranked by score.
func (c *Client) Leaderboard(ctx context.Context) ([]Participant, error) {
	var resp struct {
		Items []Participant `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "leaderboard", nil, &resp)
	return resp.Items, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
