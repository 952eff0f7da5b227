package main

import (
	"net/http"
	"sync/atomic"

	"github.com/gorilla/websocket"
)

// maxSessions is the global cap on concurrent load tests this instance
// will run. One generator node devotes all of its resources to one test
// at a time.
const maxSessions = 1

var activeSessionCount int32

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleWebSocket is the Admission Front: token check, then capacity gate,
// both before the upgrade, then hands the connection to a fresh Session
// for the rest of its lifetime.
func handleWebSocket(w http.ResponseWriter, r *http.Request) {
	expected := getEnv("WS_SECRET_TOKEN")
	query := r.URL.Query()
	if !query.Has("token") || query.Get("token") != expected {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	if atomic.AddInt32(&activeSessionCount, 1) > maxSessions {
		atomic.AddInt32(&activeSessionCount, -1)
		http.Error(w, "There is already an active WebSocket connection", http.StatusTooManyRequests)
		return
	}
	defer atomic.AddInt32(&activeSessionCount, -1)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logWarn("websocket upgrade failed: %v", err)
		return
	}

	session := newSession(conn)
	session.Run(r.Context())
}
