package dealhealthsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Deal Health HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

// Deal represents the API deal model. Value is a decimal string.
type Deal struct {
	ID           string `json:"id"`
	UserID       string `json:"user_id"`
	Name         string `json:"name"`
	Value        string `json:"value"`
	Stage        string `json:"stage"`
	Owner        string `json:"owner"`
	Account      string `json:"account"`
	CloseDate    string `json:"close_date"`
	DaysInStage  int    `json:"days_in_stage"`
	HealthScore  int    `json:"health_score"`
	HealthStatus string `json:"health_status"`
	HealthTrend  string `json:"health_trend"`
	Version      int64  `json:"version"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
}

type MissingField struct {
	ID          string  `json:"id"`
	DealID      string  `json:"deal_id"`
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Impact      int     `json:"impact"`
	Resolved    bool    `json:"resolved"`
	ResolvedAt  *string `json:"resolved_at,omitempty"`
	CreatedAt   string  `json:"created_at"`
}

// DealDetail is a deal with its missing fields.
type DealDetail struct {
	Deal            Deal           `json:"deal"`
	MissingFields   []MissingField `json:"missing_fields"`
	PotentialGain   int            `json:"potential_gain"`
	UnresolvedCount int            `json:"unresolved_count"`
}

// Resolution is the outcome of resolving a missing field.
type Resolution struct {
	FieldID       string `json:"field_id"`
	DealID        string `json:"deal_id"`
	PreviousScore int    `json:"previous_score"`
	Score         int    `json:"score"`
	Status        string `json:"status"`
	Trend         string `json:"trend"`
}

type Summary struct {
	DealCount        int     `json:"deal_count"`
	TotalValue       string  `json:"total_value"`
	Healthy          int     `json:"healthy"`
	Watch            int     `json:"watch"`
	AtRisk           int     `json:"at_risk"`
	AvgDaysInStage   float64 `json:"avg_days_in_stage"`
	AvgHealthScore   float64 `json:"avg_health_score"`
	OpenFields       int     `json:"open_fields"`
	PotentialGain    int     `json:"potential_gain"`
	DealsWithMissing int     `json:"deals_with_missing"`
}

// CreateDealInput carries the fields of a new deal. Unset optional fields use
// server defaults.
type CreateDealInput struct {
	Name              string `json:"name"`
	Value             string `json:"value"`
	Stage             string `json:"stage,omitempty"`
	Owner             string `json:"owner,omitempty"`
	Account           string `json:"account"`
	CloseDate         string `json:"close_date"`
	DaysInStage       int    `json:"days_in_stage,omitempty"`
	HealthScore       *int   `json:"health_score,omitempty"`
	SkipStarterFields bool   `json:"skip_starter_fields,omitempty"`
}

// ListOptions filter and sort deal listings.
type ListOptions struct {
	Search       string
	Stage        string
	HealthStatus string
	Owner        string
	SortBy       string
	Order        string
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsPreconditionFailed reports whether err is a 409 precondition_failed, for
// example when resolving a field twice.
func IsPreconditionFailed(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict
}

// IsNotFound reports whether err is a 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// ListDeals returns deals visible to the caller.
func (c *Client) ListDeals(ctx context.Context, opts ListOptions) ([]Deal, error) {
	q := url.Values{}
	set := func(k, v string) {
		if v != "" {
			q.Set(k, v)
		}
	}
	set("search", opts.Search)
	set("stage", opts.Stage)
	set("health_status", opts.HealthStatus)
	set("owner", opts.Owner)
	set("sort_by", opts.SortBy)
	set("order", opts.Order)
	endpoint := "deals"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []Deal `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// GetDeal fetches a deal with its missing fields.
func (c *Client) GetDeal(ctx context.Context, id string) (DealDetail, error) {
	var resp DealDetail
	err := c.do(ctx, http.MethodGet, "deals/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// CreateDeal creates a deal.
func (c *Client) CreateDeal(ctx context.Context, in CreateDealInput) (Deal, error) {
	var resp Deal
	err := c.do(ctx, http.MethodPost, "deals", in, &resp)
	return resp, err
}

// ResolveField resolves a missing field on a deal.
func (c *Client) ResolveField(ctx context.Context, dealID, fieldID string) (Resolution, error) {
	var resp Resolution
	endpoint := fmt.Sprintf("deals/%s/fields/%s/resolve", url.PathEscape(dealID), url.PathEscape(fieldID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Summary returns pipeline figures over the caller's deals.
func (c *Client) Summary(ctx context.Context) (Summary, error) {
	var resp Summary
	err := c.do(ctx, http.MethodGet, "summary", nil, &resp)
	return resp, err
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
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
