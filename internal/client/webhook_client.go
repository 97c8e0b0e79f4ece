package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// SendError is returned when the gateway rejects a message. PartialCost is set
// only when the gateway confirmed that segments were submitted to the carrier
// before the failure.
type SendError struct {
	StatusCode  int
	Reason      string
	PartialCost *int
	Err         error
}

func (e *SendError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *SendError) Unwrap() error { return e.Err }

// Submitted reports whether the carrier confirmed a submission.
func (e *SendError) Submitted() bool {
	return e.PartialCost != nil
}

type WebhookClient struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
}

type Option func(*WebhookClient)

func WithTimeout(d time.Duration) Option {
	return func(c *WebhookClient) {
		if d > 0 {
			c.client.Timeout = d
		}
	}
}

// WithRateLimit caps outgoing requests per second. A non-positive rate
// disables limiting.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *WebhookClient) {
		if perSecond <= 0 {
			c.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

func NewWebhookClient(url string, opts ...Option) *WebhookClient {
	c := &WebhookClient{
		url: url,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type sendRequest struct {
	PhoneNumber string   `json:"phoneNumber"`
	Message     string   `json:"message"`
	MediaURLs   []string `json:"mediaUrls,omitempty"`
}

type sendResponse struct {
	Message   string `json:"message"`
	MessageID string `json:"messageId"`
}

type errorResponse struct {
	Error             string `json:"error"`
	SubmittedSegments *int   `json:"submittedSegments"`
}

func (c *WebhookClient) Send(ctx context.Context, phoneNumber, message string, mediaURLs []string) (string, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", &SendError{Reason: "rate limiter", Err: err}
		}
	}

	reqBody, err := json.Marshal(sendRequest{
		PhoneNumber: phoneNumber,
		Message:     message,
		MediaURLs:   mediaURLs,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(reqBody))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", &SendError{Reason: "request failed", Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusAccepted {
		se := &SendError{
			StatusCode: resp.StatusCode,
			Reason:     fmt.Sprintf("unexpected status code: %d body=%q", resp.StatusCode, string(body)),
		}
		var er errorResponse
		if json.Unmarshal(body, &er) == nil && er.SubmittedSegments != nil && *er.SubmittedSegments > 0 {
			n := *er.SubmittedSegments
			se.PartialCost = &n
		}
		return "", se
	}

	// 202 means the gateway took the message. An unreadable body only loses
	// the remote id, the message is still delivered.
	var sr sendResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return "", nil
	}
	return sr.MessageID, nil
}
