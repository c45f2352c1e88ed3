package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/formaplus/automatisations/pkg/automatisations/domain"
)

// HTTPWebhookCaller performs outbound webhook calls. Every call runs under
// a deadline: the requested timeout, or the default, capped at maxTimeout.
type HTTPWebhookCaller struct {
	client         *http.Client
	defaultTimeout time.Duration
	maxTimeout     time.Duration
}

func NewHTTPWebhookCaller(client *http.Client, defaultTimeout, maxTimeout time.Duration) *HTTPWebhookCaller {
	if client == nil {
		client = NewHTTPClient(0)
	}
	if defaultTimeout <= 0 {
		defaultTimeout = 10 * time.Second
	}
	if maxTimeout <= 0 || maxTimeout < defaultTimeout {
		maxTimeout = defaultTimeout
	}
	return &HTTPWebhookCaller{client: client, defaultTimeout: defaultTimeout, maxTimeout: maxTimeout}
}

func (c *HTTPWebhookCaller) timeout(requested time.Duration) time.Duration {
	if requested <= 0 {
		return c.defaultTimeout
	}
	if requested > c.maxTimeout {
		return c.maxTimeout
	}
	return requested
}

func (c *HTTPWebhookCaller) Call(ctx context.Context, req WebhookRequest) (WebhookResult, error) {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodPost
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout(req.Timeout))
	defer cancel()

	var body io.Reader
	if req.Body != nil && method != http.MethodGet {
		b, err := json.Marshal(req.Body)
		if err != nil {
			return WebhookResult{}, domain.NewPermanentActionError(err, "encode webhook body")
		}
		body = bytes.NewReader(b)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return WebhookResult{}, domain.NewPermanentActionError(err, "build webhook request")
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return WebhookResult{}, domain.NewTransientActionError(err, "webhook %s timed out", req.URL)
		}
		return WebhookResult{}, domain.ClassifyError(fmt.Errorf("webhook %s: %w", req.URL, err))
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	result := WebhookResult{StatusCode: resp.StatusCode, Body: respBody}
	if err := ClassifyStatus(resp.StatusCode); err != nil {
		engineErr := domain.ClassifyError(err)
		engineErr.Cause = fmt.Sprintf("webhook %s %s: %s", method, req.URL, engineErr.Cause)
		return result, engineErr
	}
	return result, nil
}
