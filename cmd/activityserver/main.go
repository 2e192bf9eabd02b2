// Command activityserver runs the SSE HTTP server described in spec §6:
// one POST endpoint accepting {sessionId?, userId?, groups?, message, model?,
// enabledTools?}, responding with a text/event-stream framing of the canonical
// ActivityEvent stream for that turn.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/arcflow-run/activitycore/internal/config"
	"github.com/arcflow-run/activitycore/internal/server"
)

func main() {
	cfgPath := os.Getenv("ACTIVITYCORE_CONFIG_FILE")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("activityserver: load config: %v", err)
	}

	deps, err := server.Wire(context.Background(), cfg)
	if err != nil {
		log.Fatalf("activityserver: wire dependencies: %v", err)
	}
	defer deps.Close(context.Background())

	if err := deps.Worker.Start(); err != nil {
		log.Fatalf("activityserver: start temporal worker: %v", err)
	}
	defer deps.Worker.Stop()

	handler := server.NewRouter(deps)

	addr := os.Getenv("ACTIVITYCORE_LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("activityserver: listening on %s", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("activityserver: serve: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
}
