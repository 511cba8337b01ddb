package httpserver

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"bourse/dispatcher"
	"bourse/domain/market"
	"bourse/marketdata"
)

const (
	defaultKlineLimit = 500
	maxKlineLimit     = 1000
)

type ErrorResponse struct {
	Error string `json:"error"`
}

type HealthResponse struct {
	Status      string   `json:"status"`
	Feed        string   `json:"feed,omitempty"`
	PausedLanes []string `json:"pausedLanes,omitempty"`
	Subscribers int      `json:"subscribers"`
}

type LevelResponse struct {
	Price    string `json:"price"`
	Quantity string `json:"quantity"`
	Orders   int    `json:"orders"`
}

type DepthResponse struct {
	Symbol   string          `json:"symbol"`
	TradeSeq uint64          `json:"tradeSeq"`
	Taken    int64           `json:"taken"`
	Bids     []LevelResponse `json:"bids"`
	Asks     []LevelResponse `json:"asks"`
}

type handlers struct {
	deps Dependencies
	log  *zap.Logger
}

func (h *handlers) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Debug("write response", zap.Error(err))
	}
}

func (h *handlers) fail(w http.ResponseWriter, code int, msg string) {
	h.writeJSON(w, code, ErrorResponse{Error: msg})
}

// health is degraded while the feed is not connected or any lane is paused.
func (h *handlers) health(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{Status: "ok"}
	if h.deps.Feed != nil {
		st := h.deps.Feed.State()
		resp.Feed = st.String()
		if st != marketdata.StateConnected {
			resp.Status = "degraded"
		}
	}
	if h.deps.Lanes != nil {
		if resp.PausedLanes = h.deps.Lanes.Paused(); len(resp.PausedLanes) > 0 {
			resp.Status = "degraded"
		}
	}
	if h.deps.Subscribers != nil {
		resp.Subscribers = h.deps.Subscribers.SubscriberCount()
	}

	code := http.StatusOK
	if resp.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	h.writeJSON(w, code, resp)
}

// klines serves ?symbol=&interval=&from=&to=&limit= with epoch-millis bounds.
func (h *handlers) klines(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	symbol := strings.ToUpper(q.Get("symbol"))
	if symbol == "" {
		h.fail(w, http.StatusBadRequest, "symbol is required")
		return
	}
	interval := q.Get("interval")
	if interval == "" {
		interval = "1m"
	}
	g, err := market.ParseGranularity(interval)
	if err != nil {
		h.fail(w, http.StatusBadRequest, err.Error())
		return
	}

	var from, to time.Time
	for _, p := range []struct {
		name string
		dst  *time.Time
	}{{"from", &from}, {"to", &to}} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil || ms < 0 {
			h.fail(w, http.StatusBadRequest, p.name+" must be epoch millis")
			return
		}
		*p.dst = time.UnixMilli(ms).UTC()
	}

	limit := defaultKlineLimit
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 1 || limit > maxKlineLimit {
			h.fail(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
	}

	ks, err := h.deps.Klines.Klines(r.Context(), symbol, g, from, to, limit)
	if err != nil {
		h.log.Error("kline query", zap.String("symbol", symbol), zap.Stringer("interval", g), zap.Error(err))
		h.fail(w, http.StatusInternalServerError, "kline query failed")
		return
	}
	out := make([]market.KlineResponse, 0, len(ks))
	for _, k := range ks {
		out = append(out, k.Response())
	}
	h.writeJSON(w, http.StatusOK, out)
}

func (h *handlers) depth(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(mux.Vars(r)["symbol"])
	snap, ok := h.deps.Depth.Get(symbol)
	if !ok {
		h.fail(w, http.StatusNotFound, "no book for "+symbol)
		return
	}
	resp := DepthResponse{
		Symbol:   snap.Symbol,
		TradeSeq: snap.TradeSeq,
		Taken:    snap.Taken.UnixMilli(),
		Bids:     make([]LevelResponse, 0, len(snap.Bids)),
		Asks:     make([]LevelResponse, 0, len(snap.Asks)),
	}
	for _, l := range snap.Bids {
		resp.Bids = append(resp.Bids, LevelResponse{Price: l.Price.String(), Quantity: l.Quantity.String(), Orders: l.Orders})
	}
	for _, l := range snap.Asks {
		resp.Asks = append(resp.Asks, LevelResponse{Price: l.Price.String(), Quantity: l.Quantity.String(), Orders: l.Orders})
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) resume(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(mux.Vars(r)["symbol"])
	if err := h.deps.Lanes.Resume(symbol); err != nil {
		if errors.Is(err, dispatcher.ErrUnknownLane) {
			h.fail(w, http.StatusNotFound, err.Error())
			return
		}
		h.fail(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.log.Info("lane resume requested", zap.String("symbol", symbol), zap.String("remote", r.RemoteAddr))
	w.WriteHeader(http.StatusAccepted)
}
