package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

var (
	verbose = flag.Int("verbose", logLevelInfo, "log verbosity; lower is chattier")
	listen  = flag.String("listen", ":8080", "address to listen on")
	path    = flag.String("path", "/ws", "websocket endpoint path")
)

func main() {
	flag.Parse()

	mux := http.NewServeMux()
	mux.HandleFunc(*path, handleWebSocket)

	server := &http.Server{
		Addr:    *listen,
		Handler: mux,
	}

	stopSignal := make(chan os.Signal, 1)
	signal.Notify(stopSignal, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stopSignal
		logInfo("received stop signal, shutting down")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logError("graceful shutdown failed: %v", err)
		}
	}()

	logInfo("listening on %s%s", *listen, *path)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logError("listen: %v", err)
		os.Exit(1)
	}
}
