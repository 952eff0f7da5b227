package main

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// readPollInterval bounds how long readLoop blocks on a single ReadMessage
// call, so it can periodically check for session completion since
// gorilla's blocking read has no native cancellation.
const readPollInterval = 200 * time.Millisecond

// hardwareInfo is embedded in the echoed config of a start-config frame so
// the operator can see what capacity the validation rules were judged
// against.
type hardwareInfo struct {
	CPUCores   uint64 `json:"cpu_cores"`
	TotalRAMMB uint64 `json:"total_ram_mb"`
	FreeRAMMB  uint64 `json:"free_ram_mb"`
}

// startConfigPayload is the validated config echoed back, annotated with
// the hardware snapshot it was validated against.
type startConfigPayload struct {
	TestConfig
	HardwareInfo hardwareInfo `json:"hardware_info"`
}

// startConfigFrame echoes the accepted, defaulted config back to the
// operator before the run starts.
type startConfigFrame struct {
	Status string             `json:"status"`
	Config startConfigPayload `json:"config"`
}

// errorFrame reports a rejected config frame, after which the session keeps
// waiting for another one, or a failure to set up the test run.
type errorFrame struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// finalMetricsFrame is the terminal, flat summary of a completed run.
type finalMetricsFrame struct {
	Status             string         `json:"status"`
	TargetURL          string         `json:"target_url"`
	HTTPMethod         string         `json:"http_method"`
	DurationSecs       int            `json:"duration_secs"`
	Concurrency        int            `json:"concurrency"`
	Timestamp          string         `json:"timestamp"`
	TotalRequests      int            `json:"total_requests"`
	SuccessfulRequests int            `json:"successful_requests"`
	FailedRequests     int            `json:"failed_requests"`
	FastestResponseMs  float64        `json:"fastest_response_ms"`
	SlowestResponseMs  float64        `json:"slowest_response_ms"`
	MedianResponseMs   float64        `json:"median_response_ms"`
	ThroughputRps      float64        `json:"throughput_rps"`
	StatusCounts       map[string]int `json:"status_counts"`
}

// Session owns one operator connection end to end: receive a config frame,
// validate it, run the load test, stream telemetry, and report the final
// summary. Exactly one TestConfig is accepted per Session; frames that
// arrive while the test runs are read and ignored, and the session ends
// once the test is over.
type Session struct {
	conn     *websocket.Conn
	outbound chan []byte
	done     chan struct{}
}

func newSession(conn *websocket.Conn) *Session {
	return &Session{
		conn:     conn,
		outbound: make(chan []byte, outboundQueueCapacity),
		done:     make(chan struct{}),
	}
}

// Run drives the session to completion. It returns once the connection is
// closed, the test finishes, or ctx is done.
func (s *Session) Run(ctx context.Context) {
	defer close(s.done)
	defer s.conn.Close()

	writeLoopDone := make(chan struct{})
	go func() {
		defer close(writeLoopDone)
		s.writeLoop(ctx)
	}()

	s.readLoop(ctx)

	close(s.outbound)
	<-writeLoopDone
}

// readLoop stays in Awaiting-Config, retrying on every decode or
// validation failure, until a config validates or the connection itself
// closes. A bad config is reported to the operator as an error frame but
// never ends the session — only a real read error (operator disconnect,
// ctx cancellation) does.
func (s *Session) readLoop(ctx context.Context) {
	for {
		data, err := s.readOneMessage(ctx)
		if err != nil {
			return
		}

		cfg, err := decodeConfig(data)
		if err != nil {
			s.sendError("Invalid config format")
			continue
		}

		cpuCores, totalMemKB, freeMemKB := probe()
		if err := validateConfig(cfg, cpuCores, totalMemKB, freeMemKB); err != nil {
			s.sendError(err.Error())
			continue
		}

		s.sendStartConfig(cfg, cpuCores, totalMemKB, freeMemKB)
		s.runTest(ctx, cfg)
		return
	}
}

// readOneMessage polls ReadMessage with a short deadline so it can notice
// ctx cancellation without gorilla's call blocking forever.
func (s *Session) readOneMessage(ctx context.Context) ([]byte, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		s.conn.SetReadDeadline(time.Now().Add(readPollInterval))
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if ne, ok := err.(interface{ Timeout() bool }); ok && ne.Timeout() {
				continue
			}
			return nil, err
		}
		return data, nil
	}
}

// runTest executes the worker pool for cfg.DurationSecs, watching for an
// early operator disconnect in parallel so a dropped connection cancels
// the test instead of running it to completion unobserved.
func (s *Session) runTest(ctx context.Context, cfg *TestConfig) {
	metrics := NewMetrics()
	executor, err := newExecutor(cfg, time.Duration(cfg.TimeoutMs)*time.Millisecond)
	if err != nil {
		s.sendError(err.Error())
		return
	}

	testCtx, cancel := context.WithTimeout(ctx, time.Duration(cfg.DurationSecs)*time.Second)
	defer cancel()

	var stop atomic.Bool
	disconnect := make(chan struct{})
	go s.watchDisconnect(testCtx, disconnect, &stop)

	start := time.Now()
	runWorkerPool(testCtx, cfg, executor, metrics, s.outbound, &stop)
	elapsed := time.Since(start).Seconds()

	select {
	case <-disconnect:
		return
	default:
	}

	summary := metrics.Finalize(elapsed)
	s.sendFinalMetrics(cfg, summary)
}

// watchDisconnect reads frames for the duration of the test solely to
// notice the operator closing the connection. Any read error other than a
// poll timeout ends the test early: it sets stop, so workers exit after
// their current request, and closes disconnect, which the caller observes
// to skip the final summary. When ctx ends first, disconnect stays open.
func (s *Session) watchDisconnect(ctx context.Context, disconnect chan struct{}, stop *atomic.Bool) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		s.conn.SetReadDeadline(time.Now().Add(readPollInterval))
		_, _, err := s.conn.ReadMessage()
		if err != nil {
			if ne, ok := err.(interface{ Timeout() bool }); ok && ne.Timeout() {
				continue
			}
			stop.Store(true)
			close(disconnect)
			return
		}
		// A further text frame while a test is running is not part of the
		// protocol; ignore it and keep watching for disconnect.
	}
}

func (s *Session) sendStartConfig(cfg *TestConfig, cpuCores, totalMemKB, freeMemKB uint64) {
	payload := startConfigPayload{
		TestConfig: *cfg,
		HardwareInfo: hardwareInfo{
			CPUCores:   cpuCores,
			TotalRAMMB: totalMemKB / 1024,
			FreeRAMMB:  freeMemKB / 1024,
		},
	}
	frame, err := json.Marshal(startConfigFrame{Status: "start-config", Config: payload})
	if err != nil {
		logError("failed to encode start-config frame: %v", err)
		return
	}
	enqueueFrame(s.outbound, frame, true)
}

func (s *Session) sendError(message string) {
	frame, err := json.Marshal(errorFrame{Status: "error", Message: message})
	if err != nil {
		logError("failed to encode error frame: %v", err)
		return
	}
	enqueueFrame(s.outbound, frame, true)
}

func (s *Session) sendFinalMetrics(cfg *TestConfig, summary Summary) {
	frame, err := json.Marshal(finalMetricsFrame{
		Status:             "final_metrics",
		TargetURL:          sanitizedTarget(cfg),
		HTTPMethod:         cfg.Method,
		DurationSecs:       cfg.DurationSecs,
		Concurrency:        cfg.Concurrency,
		Timestamp:          time.Now().Format("2006/01/02 15:04:05"),
		TotalRequests:      summary.TotalRequests,
		SuccessfulRequests: summary.Successful,
		FailedRequests:     summary.Failed,
		FastestResponseMs:  summary.FastestMs,
		SlowestResponseMs:  summary.SlowestMs,
		MedianResponseMs:   summary.MedianMs,
		ThroughputRps:      summary.RequestsPerSec,
		StatusCounts:       summary.StatusCounts,
	})
	if err != nil {
		logError("failed to encode final_metrics frame: %v", err)
		return
	}
	enqueueFrame(s.outbound, frame, true)
}

// writeLoop is the single writer goroutine for this connection's
// websocket.Conn, serializing every outbound frame. gorilla's Conn is not
// safe for concurrent writers, so every frame — critical or not — funnels
// through this one goroutine via the outbound channel. Finalizing closes
// the socket with a normal-closure control frame rather than a bare TCP
// close, per spec §4.6; a write error means the connection is already
// broken, so there's no point attempting one in that case.
func (s *Session) writeLoop(ctx context.Context) {
	for {
		select {
		case frame, ok := <-s.outbound:
			if !ok {
				s.sendClose()
				return
			}
			s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				logWarn("write failed, ending session: %v", err)
				return
			}
		case <-ctx.Done():
			s.sendClose()
			return
		}
	}
}

// sendClose writes a normal-closure WebSocket close control frame. Best
// effort: the peer may already be gone, in which case the write error is
// logged and ignored since conn.Close() right after covers the teardown.
func (s *Session) sendClose() {
	deadline := time.Now().Add(time.Second)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := s.conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
		logWarn("failed to send close frame: %v", err)
	}
}
