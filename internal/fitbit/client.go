package fitbit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/pysugar/fitsync/internal/logging"
	"github.com/pysugar/fitsync/internal/util"
	"github.com/sony/gobreaker/v2"
)

// TokenProvider supplies a valid access token for a user. Implemented by the
// account store, which refreshes expiring tokens before handing them out.
type TokenProvider interface {
	AccessToken(ctx context.Context, userID string) (string, error)
}

// APIError is a non-2xx response from the Fitbit API.
type APIError struct {
	Status     int
	Message    string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("fitbit api: status %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("fitbit api: status %d", e.Status)
}

// Retryable reports whether the request may be retried (rate limit or
// provider-side failure).
func (e *APIError) Retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// Client is the authenticated Fitbit Web API client. A circuit breaker fails
// requests fast during a provider outage so resource fetchers don't each
// burn their full retry budget.
type Client struct {
	baseURL    string
	tokens     TokenProvider
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[[]byte]
	retries    int
}

// NewClient constructs the API client.
func NewClient(baseURL string, tokens TokenProvider, timeout time.Duration, retries int) *Client {
	breaker := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name: "fitbit-api",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &Client{
		baseURL:    baseURL,
		tokens:     tokens,
		httpClient: &http.Client{Timeout: timeout},
		breaker:    breaker,
		retries:    retries,
	}
}

// getJSON performs an authenticated GET with bounded retries, honoring
// Retry-After on 429 responses.
func (c *Client) getJSON(ctx context.Context, userID, path string, out any) error {
	token, err := c.tokens.AccessToken(ctx, userID)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		body, err := c.breaker.Execute(func() ([]byte, error) {
			return c.do(ctx, token, path)
		})
		if err == nil {
			return json.Unmarshal(body, out)
		}
		lastErr = err

		var apiErr *APIError
		if !errors.As(err, &apiErr) || !apiErr.Retryable() || attempt == c.retries {
			return err
		}
		delay := apiErr.RetryAfter
		if delay <= 0 {
			delay = time.Second << attempt
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}

func (c *Client) do(ctx context.Context, token, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		logging.Printf(ctx, "fitbit api error: %s -> %d %s", path, resp.StatusCode, util.TruncateBytes(body))
		return nil, &APIError{
			Status:     resp.StatusCode,
			Message:    parseErrorMessage(body),
			RetryAfter: parseRetryAfter(resp),
		}
	}
	return body, nil
}

// parseErrorMessage extracts Fitbit's error envelope message if present.
func parseErrorMessage(body []byte) string {
	var envelope apiErrorBody
	if err := json.Unmarshal(body, &envelope); err != nil {
		return ""
	}
	if len(envelope.Errors) > 0 {
		return envelope.Errors[0].Message
	}
	return ""
}

// parseRetryAfter reads the standard Retry-After header, as seconds or as an
// HTTP date. Returns 0 if absent or unparseable.
func parseRetryAfter(resp *http.Response) time.Duration {
	retryAfter := resp.Header.Get("Retry-After")
	if retryAfter == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(retryAfter); err == nil {
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(retryAfter); err == nil {
		return time.Until(t)
	}
	return 0
}

// FormatDate renders a date the way Fitbit path segments expect (YYYY-MM-DD).
func FormatDate(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// ActivitySummary fetches the daily activity summary for one date.
func (c *Client) ActivitySummary(ctx context.Context, userID string, date time.Time) (*ActivitySummary, error) {
	var out ActivitySummary
	path := fmt.Sprintf("/1/user/-/activities/date/%s.json", FormatDate(date))
	if err := c.getJSON(ctx, userID, path, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// HeartRateByDate fetches the heart rate summary for one date.
func (c *Client) HeartRateByDate(ctx context.Context, userID string, date time.Time) (*HeartRateResponse, error) {
	var out HeartRateResponse
	path := fmt.Sprintf("/1/user/-/activities/heart/date/%s/1d.json", FormatDate(date))
	if err := c.getJSON(ctx, userID, path, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// HRVRange fetches heart-rate variability for a date range.
func (c *Client) HRVRange(ctx context.Context, userID string, start, end time.Time) (*HRVResponse, error) {
	var out HRVResponse
	path := fmt.Sprintf("/1/user/-/hrv/date/%s/%s.json", FormatDate(start), FormatDate(end))
	if err := c.getJSON(ctx, userID, path, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SleepRange fetches sleep logs for a date range.
func (c *Client) SleepRange(ctx context.Context, userID string, start, end time.Time) (*SleepResponse, error) {
	var out SleepResponse
	path := fmt.Sprintf("/1.2/user/-/sleep/date/%s/%s.json", FormatDate(start), FormatDate(end))
	if err := c.getJSON(ctx, userID, path, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// BreathingRange fetches respiratory rate for a date range.
func (c *Client) BreathingRange(ctx context.Context, userID string, start, end time.Time) (*BreathingResponse, error) {
	var out BreathingResponse
	path := fmt.Sprintf("/1/user/-/br/date/%s/%s.json", FormatDate(start), FormatDate(end))
	if err := c.getJSON(ctx, userID, path, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// TemperatureRange fetches nightly skin temperature for a date range.
func (c *Client) TemperatureRange(ctx context.Context, userID string, start, end time.Time) (*TemperatureResponse, error) {
	var out TemperatureResponse
	path := fmt.Sprintf("/1/user/-/temp/skin/date/%s/%s.json", FormatDate(start), FormatDate(end))
	if err := c.getJSON(ctx, userID, path, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SpO2Range fetches blood oxygen saturation for a date range.
func (c *Client) SpO2Range(ctx context.Context, userID string, start, end time.Time) (SpO2Response, error) {
	var out SpO2Response
	path := fmt.Sprintf("/1/user/-/spo2/date/%s/%s.json", FormatDate(start), FormatDate(end))
	if err := c.getJSON(ctx, userID, path, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// BloodPressureRange fetches blood pressure logs for a date range.
func (c *Client) BloodPressureRange(ctx context.Context, userID string, start, end time.Time) (*BloodPressureResponse, error) {
	var out BloodPressureResponse
	path := fmt.Sprintf("/1/user/-/bp/date/%s/%s.json", FormatDate(start), FormatDate(end))
	if err := c.getJSON(ctx, userID, path, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// WeightRange fetches body weight logs for a date range.
func (c *Client) WeightRange(ctx context.Context, userID string, start, end time.Time) (*WeightResponse, error) {
	var out WeightResponse
	path := fmt.Sprintf("/1/user/-/body/log/weight/date/%s/%s.json", FormatDate(start), FormatDate(end))
	if err := c.getJSON(ctx, userID, path, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ActivityLogs fetches workouts logged after the given date.
func (c *Client) ActivityLogs(ctx context.Context, userID string, after time.Time) (*ActivityLogList, error) {
	var out ActivityLogList
	path := fmt.Sprintf("/1/user/-/activities/list.json?afterDate=%s&sort=asc&offset=0&limit=100", FormatDate(after))
	if err := c.getJSON(ctx, userID, path, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
