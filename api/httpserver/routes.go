// Package httpserver serves WebSocket subscriptions, metrics, health and
// read-only market queries.
package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"bourse/domain/market"
	"bourse/marketdata"
	"bourse/snapshot"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type KlineReader interface {
	Klines(ctx context.Context, symbol string, g market.Granularity, from, to time.Time, limit int) ([]market.Kline, error)
}

type DepthSource interface {
	Get(symbol string) (*snapshot.Snapshot, bool)
}

// Lanes is the dispatcher as seen by operators.
type Lanes interface {
	Paused() []string
	Resume(symbol string) error
}

type FeedStatus interface {
	State() marketdata.State
}

type Subscribers interface {
	SubscriberCount() int
}

// Dependencies wires handlers; nil members leave their routes out.
type Dependencies struct {
	Stream      http.Handler
	Klines      KlineReader
	Depth       DepthSource
	Lanes       Lanes
	Feed        FeedStatus
	Subscribers Subscribers
}

// NewRouter lays out:
//
//	/ws                                 subscriber sessions
//	/metrics                            prometheus
//	/healthz                            feed and lane health
//	/api/v1/klines                      stored candles
//	/api/v1/depth/{symbol}              last depth snapshot
//	/api/v1/lanes/{symbol}/resume       restart a paused lane
func NewRouter(deps Dependencies, log *zap.Logger) *mux.Router {
	h := &handlers{deps: deps, log: log.Named("http")}

	router := mux.NewRouter()
	router.Use(h.recovery)
	router.Use(h.logging)

	if deps.Stream != nil {
		router.Handle("/ws", deps.Stream).Methods(http.MethodGet)
	}
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/healthz", h.health).Methods(http.MethodGet)

	api := router.PathPrefix("/api/v1").Subrouter()
	if deps.Klines != nil {
		api.HandleFunc("/klines", h.klines).Methods(http.MethodGet)
	}
	if deps.Depth != nil {
		api.HandleFunc("/depth/{symbol}", h.depth).Methods(http.MethodGet)
	}
	if deps.Lanes != nil {
		api.HandleFunc("/lanes/{symbol}/resume", h.resume).Methods(http.MethodPost)
	}
	return router
}
