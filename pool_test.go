package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestBuildProcessFrameSuccess(t *testing.T) {
	frame, err := buildProcessFrame(RequestOutcome{StatusKey: "200", StatusCode: 200, Class: ClassSuccess, ElapsedMs: 12.5})
	if err != nil {
		t.Fatalf("buildProcessFrame: %v", err)
	}

	var decoded processFrame
	if err := json.Unmarshal(frame, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Status != "process" || decoded.HTTPStatus != float64(200) || decoded.DurationMs != 12.5 {
		t.Errorf("got %+v", decoded)
	}
}

func TestBuildProcessFrameError(t *testing.T) {
	frame, err := buildProcessFrame(RequestOutcome{StatusKey: "REQUEST_ERROR", Class: ClassTimeout, ElapsedMs: 100, ErrorDetail: "Timeout"})
	if err != nil {
		t.Fatalf("buildProcessFrame: %v", err)
	}

	var decoded processFrame
	if err := json.Unmarshal(frame, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Status != "process" || decoded.HTTPStatus != "REQUEST_ERROR" || decoded.Error != "Timeout" {
		t.Errorf("got %+v", decoded)
	}
}

func TestEnqueueFrameCriticalBlocksUntilRoom(t *testing.T) {
	outbound := make(chan []byte, 1)
	enqueueFrame(outbound, []byte("a"), true)

	done := make(chan struct{})
	go func() {
		enqueueFrame(outbound, []byte("b"), true)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("critical enqueue returned before the channel had room")
	case <-time.After(20 * time.Millisecond):
	}

	<-outbound
	<-done
}

func TestEnqueueFrameNonCriticalDropsWhenFull(t *testing.T) {
	outbound := make(chan []byte, 1)
	outbound <- []byte("full")

	enqueueFrame(outbound, []byte("dropped"), false)

	if len(outbound) != 1 {
		t.Fatalf("expected queue to stay at capacity 1, got %d", len(outbound))
	}
}

func TestRunWorkerPoolStopsOnSignal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := &TestConfig{Target: srv.URL, Method: "GET", Concurrency: 4, TimeoutMs: 1000}
	exec, err := newExecutor(cfg, time.Second)
	if err != nil {
		t.Fatalf("newExecutor: %v", err)
	}
	metrics := NewMetrics()
	outbound := make(chan []byte, 1<<12)

	var stop atomic.Bool
	go func() {
		time.Sleep(30 * time.Millisecond)
		stop.Store(true)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	runWorkerPool(ctx, cfg, exec, metrics, outbound, &stop)

	summary := metrics.Finalize(0.03)
	if summary.TotalRequests == 0 {
		t.Error("expected at least one recorded request before stop")
	}
}
