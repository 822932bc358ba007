// Package transport implements the raw send primitive for outbound calls.
//
// All retry, circuit breaking, and queueing live above this package; the
// sender issues exactly one HTTP request per call and converts every failure
// into a single tagged Error at the boundary.
package transport

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
)

// Request describes one outbound call. Self-contained so a queued copy can
// be replayed after a restart.
type Request struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty"`
}

// Response is the successful result of a send.
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// Sender is the send primitive consumed by the resilient client.
type Sender interface {
	Send(ctx context.Context, req *Request) (*Response, error)
}

// RestySender sends requests through a resty client with a pooled transport.
type RestySender struct {
	client *resty.Client
}

// NewSender creates a production-ready sender.
//
// The retryablehttp client is used only for its tuned transport (connection
// pooling, sane TLS defaults); its retry loop is not engaged, the resilience
// layer owns retries.
func NewSender(timeout time.Duration) *RestySender {
	pooled := retryablehttp.NewClient()
	pooled.RetryMax = 0
	pooled.Logger = nil

	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("User-Agent", "LedgerLine-Client/1.0").
		SetTransport(pooled.HTTPClient.Transport)

	return &RestySender{client: client}
}

// Send issues the request once. Any failure is returned as *Error.
func (s *RestySender) Send(ctx context.Context, req *Request) (*Response, error) {
	r := s.client.R().SetContext(ctx)
	if len(req.Headers) > 0 {
		r.SetHeaders(req.Headers)
	}
	if len(req.Body) > 0 {
		r.SetBody(req.Body)
	}

	resp, err := r.Execute(req.Method, req.URL)
	if err != nil {
		return nil, classifyTransport(req.Method, req.URL, err)
	}

	if terr := classifyStatus(req.Method, req.URL, resp.StatusCode(), resp.Header()); terr != nil {
		return nil, terr
	}

	return &Response{
		Status:  resp.StatusCode(),
		Headers: resp.Header(),
		Body:    resp.Body(),
	}, nil
}

// classifyTransport converts a no-response failure into a tagged Error.
func classifyTransport(method, url string, err error) *Error {
	kind := KindNetwork
	if isTimeout(err) {
		kind = KindTimeout
	}
	return &Error{Kind: kind, Method: method, URL: url, Err: err}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
