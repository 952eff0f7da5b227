package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestExecutorDoSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	cfg := &TestConfig{Target: srv.URL, Method: "GET", TimeoutMs: 1000}
	exec, err := newExecutor(cfg, time.Second)
	if err != nil {
		t.Fatalf("newExecutor: %v", err)
	}

	outcome := exec.Do(context.Background(), cfg)
	if outcome.Class != ClassSuccess {
		t.Fatalf("got class %v, want ClassSuccess", outcome.Class)
	}
	if outcome.StatusKey != "200" {
		t.Errorf("got status key %q, want \"200\"", outcome.StatusKey)
	}
	if outcome.ElapsedMs <= 0 {
		t.Errorf("got elapsed %v, want > 0", outcome.ElapsedMs)
	}
}

func TestExecutorDoTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := &TestConfig{Target: srv.URL, Method: "GET", TimeoutMs: 20}
	exec, err := newExecutor(cfg, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("newExecutor: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	outcome := exec.Do(ctx, cfg)
	if outcome.Class != ClassTimeout {
		t.Fatalf("got class %v, want ClassTimeout", outcome.Class)
	}
	if outcome.StatusKey != "REQUEST_ERROR" {
		t.Errorf("got status key %q, want REQUEST_ERROR", outcome.StatusKey)
	}
}

func TestExecutorDoConnectFailure(t *testing.T) {
	cfg := &TestConfig{Target: "http://127.0.0.1:1", Method: "GET", TimeoutMs: 200}
	exec, err := newExecutor(cfg, 200*time.Millisecond)
	if err != nil {
		t.Fatalf("newExecutor: %v", err)
	}

	outcome := exec.Do(context.Background(), cfg)
	if outcome.Class != ClassConnectFailure {
		t.Fatalf("got class %v, want ClassConnectFailure", outcome.Class)
	}
}

func TestExecutorAppliesHeadersAndQueryParams(t *testing.T) {
	var gotHeader, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-Test")
		gotQuery = r.URL.Query().Get("q")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := &TestConfig{
		Target:      srv.URL,
		Method:      "GET",
		TimeoutMs:   1000,
		Headers:     OrderedMap{{Key: "X-Test", Value: "value"}},
		QueryParams: OrderedMap{{Key: "q", Value: "hello"}},
	}
	exec, err := newExecutor(cfg, time.Second)
	if err != nil {
		t.Fatalf("newExecutor: %v", err)
	}

	outcome := exec.Do(context.Background(), cfg)
	if outcome.Class != ClassSuccess {
		t.Fatalf("request failed: %+v", outcome)
	}
	if gotHeader != "value" {
		t.Errorf("got header %q, want %q", gotHeader, "value")
	}
	if gotQuery != "hello" {
		t.Errorf("got query %q, want %q", gotQuery, "hello")
	}
}

func TestExecutorAppliesBasicAuth(t *testing.T) {
	var gotUser, gotPass string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, gotPass, _ = r.BasicAuth()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := &TestConfig{
		Target:    srv.URL,
		Method:    "GET",
		TimeoutMs: 1000,
		Auth:      Auth{Kind: AuthBasic, Username: "alice", Password: "secret"},
	}
	exec, err := newExecutor(cfg, time.Second)
	if err != nil {
		t.Fatalf("newExecutor: %v", err)
	}

	exec.Do(context.Background(), cfg)
	if gotUser != "alice" || gotPass != "secret" {
		t.Errorf("got user/pass %q/%q", gotUser, gotPass)
	}
}

func TestExecutorBodyContentTypeOverridesOperatorHeader(t *testing.T) {
	var gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := &TestConfig{
		Target:    srv.URL,
		Method:    "POST",
		TimeoutMs: 1000,
		Headers:   OrderedMap{{Key: "Content-Type", Value: "text/plain"}},
		Body:      Body{Kind: BodyJSON, JSONContent: map[string]interface{}{"k": 1}},
	}
	exec, err := newExecutor(cfg, time.Second)
	if err != nil {
		t.Fatalf("newExecutor: %v", err)
	}

	if outcome := exec.Do(context.Background(), cfg); outcome.Class != ClassSuccess {
		t.Fatalf("request failed: %+v", outcome)
	}
	if gotContentType != "application/json" {
		t.Errorf("got Content-Type %q, want application/json (body rule must win over operator header)", gotContentType)
	}
}

func TestExecutorAuthOverridesOperatorAuthorizationHeader(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := &TestConfig{
		Target:    srv.URL,
		Method:    "GET",
		TimeoutMs: 1000,
		Headers:   OrderedMap{{Key: "Authorization", Value: "Bearer operator-supplied"}},
		Auth:      Auth{Kind: AuthBearer, Token: "from-auth-rule"},
	}
	exec, err := newExecutor(cfg, time.Second)
	if err != nil {
		t.Fatalf("newExecutor: %v", err)
	}

	exec.Do(context.Background(), cfg)
	if gotAuth != "Bearer from-auth-rule" {
		t.Errorf("got Authorization %q, want %q", gotAuth, "Bearer from-auth-rule")
	}
}

func TestClassifyRequestError(t *testing.T) {
	class, detail := classifyRequestError(context.DeadlineExceeded)
	if class != ClassTimeout || detail != "Timeout" {
		t.Errorf("got %v/%q, want ClassTimeout/Timeout", class, detail)
	}
}
