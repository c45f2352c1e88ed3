package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/formaplus/automatisations/pkg/automatisations/domain"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const maxResponseBody = 64 << 10

func itoa(i int64) string { return strconv.FormatInt(i, 10) }

// NewHTTPClient returns a client whose transport emits OpenTelemetry spans.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

// serviceClient talks JSON to an internal collaborator service.
type serviceClient struct {
	baseURL string
	token   string
	client  *http.Client
}

func newServiceClient(baseURL, token string, client *http.Client) *serviceClient {
	if client == nil {
		client = NewHTTPClient(30 * time.Second)
	}
	return &serviceClient{baseURL: strings.TrimRight(baseURL, "/"), token: token, client: client}
}

// do sends in as JSON and decodes the response into out when it is not nil.
// Transport failures and non-2xx statuses come back classified.
func (c *serviceClient) do(ctx context.Context, method, path string, in any, out any, headers map[string]string) (int, error) {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return 0, domain.NewPermanentActionError(err, "encode request")
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, domain.NewPermanentActionError(err, "build request")
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, domain.ClassifyError(fmt.Errorf("%s %s: %w", method, path, err))
	}
	defer resp.Body.Close()
	if err := ClassifyStatus(resp.StatusCode); err != nil {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		engineErr := domain.ClassifyError(err)
		engineErr.Cause = fmt.Sprintf("%s %s: %s %s", method, path, engineErr.Cause, strings.TrimSpace(string(msg)))
		return resp.StatusCode, engineErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBody)).Decode(out); err != nil && err != io.EOF {
			return resp.StatusCode, domain.NewPermanentActionError(err, "decode %s %s response", method, path)
		}
	}
	return resp.StatusCode, nil
}
