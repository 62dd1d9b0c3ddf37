package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/vango-go/voicegate/pkg/gateway/lifecycle"
)

// CallGauge reports how many calls this process is carrying.
type CallGauge interface {
	Count() int
}

type HealthHandler struct {
	Gauge CallGauge
}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type healthResp struct {
		OK          bool `json:"ok"`
		ActiveCalls int  `json:"active_calls"`
	}
	active := 0
	if h.Gauge != nil {
		active = h.Gauge.Count()
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(healthResp{OK: true, ActiveCalls: active})
}

type ReadyHandler struct {
	Life *lifecycle.Lifecycle
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK       bool `json:"ok"`
		Draining bool `json:"draining,omitempty"`
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if h.Life.IsDraining() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(readyResp{OK: false, Draining: true})
		return
	}
	_ = json.NewEncoder(w).Encode(readyResp{OK: true})
}
