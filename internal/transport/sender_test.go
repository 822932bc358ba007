package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSenderSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"tx_1"}`))
	}))
	defer srv.Close()

	sender := NewSender(5 * time.Second)
	resp, err := sender.Send(context.Background(), &Request{
		Method:  http.MethodPost,
		URL:     srv.URL + "/transactions",
		Headers: map[string]string{"Authorization": "Bearer tok"},
		Body:    []byte(`{"amount":100}`),
	})

	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.Status)
	assert.JSONEq(t, `{"id":"tx_1"}`, string(resp.Body))
}

func TestSenderClassifiesStatuses(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		headers    map[string]string
		wantKind   Kind
		retryable  bool
		retryAfter time.Duration
	}{
		{"server error", 503, nil, KindServer, true, 0},
		{"bad gateway", 502, nil, KindServer, true, 0},
		{"rate limited", 429, map[string]string{"Retry-After": "3"}, KindRateLimited, true, 3 * time.Second},
		{"rate limited no header", 429, nil, KindRateLimited, true, 0},
		{"unauthorized", 401, nil, KindUnauthorized, false, 0},
		{"validation failure", 422, nil, KindClient, false, 0},
		{"not found", 404, nil, KindClient, false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tt.headers {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			sender := NewSender(5 * time.Second)
			_, err := sender.Send(context.Background(), &Request{Method: http.MethodGet, URL: srv.URL})

			var terr *Error
			require.ErrorAs(t, err, &terr)
			assert.Equal(t, tt.wantKind, terr.Kind)
			assert.Equal(t, tt.status, terr.Status)
			assert.Equal(t, tt.retryable, terr.Retryable())
			assert.Equal(t, tt.retryAfter, terr.RetryAfter)
		})
	}
}

func TestSenderNetworkFailure(t *testing.T) {
	sender := NewSender(time.Second)
	// Nothing listens here
	_, err := sender.Send(context.Background(), &Request{
		Method: http.MethodGet,
		URL:    "http://127.0.0.1:1/transactions",
	})

	var terr *Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, KindNetwork, terr.Kind)
	assert.Zero(t, terr.Status)
	assert.True(t, terr.Retryable())
	assert.True(t, terr.Connectivity())
}

func TestSenderTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	sender := NewSender(20 * time.Millisecond)
	_, err := sender.Send(context.Background(), &Request{Method: http.MethodGet, URL: srv.URL})

	var terr *Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, KindTimeout, terr.Kind)
	assert.True(t, terr.Retryable())
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 10*time.Second, parseRetryAfter("10"))
	assert.Equal(t, time.Duration(0), parseRetryAfter(""))
	assert.Equal(t, time.Duration(0), parseRetryAfter("garbage"))

	// HTTP-date in the future
	future := time.Now().Add(30 * time.Second).UTC().Format(http.TimeFormat)
	d := parseRetryAfter(future)
	assert.Greater(t, d, 20*time.Second)
	assert.LessOrEqual(t, d, 30*time.Second)

	// HTTP-date in the past clamps to zero
	past := time.Now().Add(-time.Minute).UTC().Format(http.TimeFormat)
	assert.Equal(t, time.Duration(0), parseRetryAfter(past))
}

func TestKindStrings(t *testing.T) {
	assert.Equal(t, "network", KindNetwork.String())
	assert.Equal(t, "timeout", KindTimeout.String())
	assert.Equal(t, "server", KindServer.String())
	assert.Equal(t, "rate_limited", KindRateLimited.String())
	assert.Equal(t, "client", KindClient.String())
	assert.Equal(t, "unauthorized", KindUnauthorized.String())
}
