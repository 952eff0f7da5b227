package main

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	"golang.org/x/net/http2"
)

// Classification buckets a completed attempt into the outcome shapes the
// aggregator and wire protocol understand.
type Classification string

const (
	ClassSuccess          Classification = "SUCCESS"
	ClassTimeout          Classification = "TIMEOUT"
	ClassConnectFailure   Classification = "CONNECT_FAILURE"
	ClassConnectionClosed Classification = "CONNECTION_CLOSED"
	ClassUnknownNetwork   Classification = "UNKNOWN_NETWORK_ERROR"
)

// RequestOutcome is the result of firing a single request. StatusKey is the
// decimal HTTP status for a completed round trip, or "REQUEST_ERROR" for
// any classification that never got a status line. ErrorDetail carries the
// finer classification for non-success outcomes.
type RequestOutcome struct {
	StatusKey   string
	StatusCode  int
	ElapsedMs   float64
	Class       Classification
	ErrorDetail string
}

// newExecutorClient builds the shared HTTP client used to fire load-test
// requests. TLS verification is left enabled: this tool targets endpoints
// the operator controls or has been authorized to test, and silently
// disabling verification would mask a real misconfiguration as traffic.
func newExecutorClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig:     &tls.Config{},
		MaxIdleConns:        0,
		MaxIdleConnsPerHost: 256,
		IdleConnTimeout:     90 * time.Second,
	}
	if err := http2.ConfigureTransport(transport); err != nil {
		logWarn("http2 not available, falling back to http/1.1: %v", err)
	}

	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}

// buildRequestURL applies query_params, in insertion order, on top of
// cfg.Target. An ApiKey auth with Location == LocationQuery appends its
// key/value pair last.
func buildRequestURL(cfg *TestConfig) (string, error) {
	base, err := url.Parse(sanitizedTarget(cfg))
	if err != nil {
		return "", err
	}

	var parts []string
	if base.RawQuery != "" {
		parts = append(parts, base.RawQuery)
	}
	for _, kv := range cfg.QueryParams {
		parts = append(parts, url.QueryEscape(kv.Key)+"="+url.QueryEscape(kv.Value))
	}
	if cfg.Auth.Kind == AuthAPIKey && cfg.Auth.Location == LocationQuery {
		parts = append(parts, url.QueryEscape(cfg.Auth.KeyName)+"="+url.QueryEscape(cfg.Auth.KeyValue))
	}
	base.RawQuery = strings.Join(parts, "&")

	return base.String(), nil
}

// buildRequestBody serializes cfg.Body and reports the Content-Type it
// implies, if any.
func buildRequestBody(cfg *TestConfig) (io.Reader, string, error) {
	switch cfg.Body.Kind {
	case BodyJSON:
		raw, err := json.Marshal(cfg.Body.JSONContent)
		if err != nil {
			return nil, "", fmt.Errorf("marshal json body: %w", err)
		}
		return bytes.NewReader(raw), "application/json", nil
	case BodyXML:
		return strings.NewReader(cfg.Body.XMLContent), "application/xml", nil
	default:
		return nil, "", nil
	}
}

// applyHeaders attaches operator-supplied headers in insertion order. It
// must run before the body rule sets Content-Type and before the auth rule
// sets Authorization, since spec requires both of those to win over
// whatever the operator put in cfg.Headers.
func applyHeaders(req *http.Request, cfg *TestConfig) {
	for _, kv := range cfg.Headers {
		req.Header.Set(kv.Key, kv.Value)
	}
}

// applyAuth sets the Authorization (or header-located API key) implied by
// cfg.Auth, overriding anything applyHeaders already set.
func applyAuth(req *http.Request, cfg *TestConfig) {
	switch cfg.Auth.Kind {
	case AuthBasic:
		req.SetBasicAuth(cfg.Auth.Username, cfg.Auth.Password)
	case AuthBearer:
		req.Header.Set("Authorization", "Bearer "+cfg.Auth.Token)
	case AuthAPIKey:
		if cfg.Auth.Location == LocationHeader {
			req.Header.Set(cfg.Auth.KeyName, cfg.Auth.KeyValue)
		}
	}
}

// Executor fires one request per call to Do, classifying the result per
// spec §4.3.
type Executor struct {
	client *http.Client
	url    string
}

func newExecutor(cfg *TestConfig, timeout time.Duration) (*Executor, error) {
	reqURL, err := buildRequestURL(cfg)
	if err != nil {
		return nil, err
	}
	return &Executor{client: newExecutorClient(timeout), url: reqURL}, nil
}

// Do fires a single request and never returns an error: every failure mode
// is folded into the returned RequestOutcome so callers don't need a
// second error-handling path.
func (e *Executor) Do(ctx context.Context, cfg *TestConfig) RequestOutcome {
	start := time.Now()

	body, contentType, err := buildRequestBody(cfg)
	if err != nil {
		return RequestOutcome{
			StatusKey:   "REQUEST_ERROR",
			Class:       ClassUnknownNetwork,
			ErrorDetail: err.Error(),
			ElapsedMs:   float64(time.Since(start)) / float64(time.Millisecond),
		}
	}

	req, err := http.NewRequestWithContext(ctx, cfg.Method, e.url, body)
	if err != nil {
		return RequestOutcome{
			StatusKey:   "REQUEST_ERROR",
			Class:       ClassUnknownNetwork,
			ErrorDetail: err.Error(),
			ElapsedMs:   float64(time.Since(start)) / float64(time.Millisecond),
		}
	}
	applyHeaders(req, cfg)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	applyAuth(req, cfg)

	resp, err := e.client.Do(req)
	elapsedMs := float64(time.Since(start)) / float64(time.Millisecond)
	if err != nil {
		class, detail := classifyRequestError(err)
		return RequestOutcome{
			StatusKey:   "REQUEST_ERROR",
			Class:       class,
			ErrorDetail: detail,
			ElapsedMs:   elapsedMs,
		}
	}
	defer resp.Body.Close()

	_, readErr := io.Copy(io.Discard, resp.Body)
	elapsedMs = float64(time.Since(start)) / float64(time.Millisecond)
	if readErr != nil {
		class, detail := classifyRequestError(readErr)
		return RequestOutcome{
			StatusKey:   "REQUEST_ERROR",
			Class:       class,
			ErrorDetail: detail,
			ElapsedMs:   elapsedMs,
		}
	}

	return RequestOutcome{
		StatusKey:  fmt.Sprintf("%d", resp.StatusCode),
		StatusCode: resp.StatusCode,
		Class:      ClassSuccess,
		ElapsedMs:  elapsedMs,
	}
}

// classifyRequestError maps a transport-level error into a Classification
// and a short human-readable detail string used verbatim in process
// frames' "error" field.
func classifyRequestError(err error) (Classification, string) {
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout, "Timeout"
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTimeout, "Timeout"
	}

	if errors.Is(err, syscall.ECONNREFUSED) {
		return ClassConnectFailure, "ConnectFailure"
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Op == "dial" {
			return ClassConnectFailure, "ConnectFailure"
		}
		return ClassConnectionClosed, "ConnectionClosed"
	}

	if errors.Is(err, io.EOF) || strings.Contains(err.Error(), "connection reset") {
		return ClassConnectionClosed, "ConnectionClosed"
	}

	return ClassUnknownNetwork, "UnknownNetworkError"
}
