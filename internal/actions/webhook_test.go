package actions

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/formaplus/automatisations/pkg/automatisations/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPWebhookCaller_StatusClassification(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		wantErr       bool
		wantTransient bool
	}{
		{name: "ok", status: http.StatusOK},
		{name: "accepted", status: http.StatusAccepted},
		{name: "unavailable", status: http.StatusServiceUnavailable, wantErr: true, wantTransient: true},
		{name: "internal error", status: http.StatusInternalServerError, wantErr: true, wantTransient: true},
		{name: "too many requests", status: http.StatusTooManyRequests, wantErr: true, wantTransient: true},
		{name: "request timeout", status: http.StatusRequestTimeout, wantErr: true, wantTransient: true},
		{name: "not found", status: http.StatusNotFound, wantErr: true},
		{name: "bad request", status: http.StatusBadRequest, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			caller := NewHTTPWebhookCaller(srv.Client(), time.Second, 5*time.Second)
			res, err := caller.Call(context.Background(), WebhookRequest{URL: srv.URL})
			if !tt.wantErr {
				require.NoError(t, err)
				assert.Equal(t, tt.status, res.StatusCode)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantTransient, domain.IsTransient(err))
			assert.Equal(t, domain.ErrorKindActionExecution, domain.ClassifyError(err).Kind)
		})
	}
}

func TestHTTPWebhookCaller_SendsBodyAndHeaders(t *testing.T) {
	var gotMethod, gotHeader string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotHeader = r.Header.Get("X-Signature")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	caller := NewHTTPWebhookCaller(srv.Client(), time.Second, time.Second)
	res, err := caller.Call(context.Background(), WebhookRequest{
		URL:     srv.URL,
		Method:  "put",
		Headers: map[string]string{"X-Signature": "abc"},
		Body:    map[string]any{"apprenant": "42"},
	})
	require.NoError(t, err)
	assert.Equal(t, http.MethodPut, gotMethod)
	assert.Equal(t, "abc", gotHeader)
	assert.Equal(t, "42", gotBody["apprenant"])
	assert.JSONEq(t, `{"ok":true}`, string(res.Body))
}

func TestHTTPWebhookCaller_TimeoutIsTransient(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	caller := NewHTTPWebhookCaller(srv.Client(), 50*time.Millisecond, 50*time.Millisecond)
	_, err := caller.Call(context.Background(), WebhookRequest{URL: srv.URL, Timeout: time.Hour})
	require.Error(t, err)
	assert.True(t, domain.IsTransient(err))
}

func TestHTTPWebhookCaller_TimeoutClamp(t *testing.T) {
	caller := NewHTTPWebhookCaller(nil, 10*time.Second, 60*time.Second)
	assert.Equal(t, 10*time.Second, caller.timeout(0))
	assert.Equal(t, 30*time.Second, caller.timeout(30*time.Second))
	assert.Equal(t, 60*time.Second, caller.timeout(10*time.Minute))
}
