// Package api wires the search service handlers into an HTTP server.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/reeltotext/rtt/config"
	"github.com/reeltotext/rtt/handlers"
	"github.com/reeltotext/rtt/log"
	"github.com/reeltotext/rtt/middleware"
)

func ListenAndServe(ctx context.Context, addr string, rttHandlers *handlers.RTTHandlersCollection) error {
	router := NewRTTAPIRouter(rttHandlers)
	server := http.Server{Addr: addr, Handler: router}
	ctx, cancel := context.WithCancel(ctx)

	log.LogNoVideoID(
		"Starting rtt search API!",
		"version", config.Version,
		"host", addr,
	)

	var err error
	go func() {
		err = server.ListenAndServe()
		cancel()
	}()

	<-ctx.Done()
	if err != nil {
		return err
	}

	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}

func NewRTTAPIRouter(rttHandlers *handlers.RTTHandlersCollection) *httprouter.Router {
	router := httprouter.New()
	withLogging := middleware.LogRequest()

	// Simple endpoint for healthchecks
	router.GET("/ok", withLogging(rttHandlers.Ok()))

	router.GET("/search", withLogging(rttHandlers.Search()))
	router.GET("/segments", withLogging(rttHandlers.Segments()))
	router.GET("/collections", withLogging(rttHandlers.Collections()))
	router.GET("/video/:id", withLogging(rttHandlers.Video()))
	router.GET("/static/frames/:video_id/:filename", withLogging(rttHandlers.Frame()))

	router.Handler("GET", "/metrics", promhttp.Handler())

	return router
}
