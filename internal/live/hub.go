// Package live serves the optional observation endpoint: Prometheus gauges
// for the running amplification totals and a websocket stream of real-time
// records for attached dashboards.
package live

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shuwens/reverb/internal/event"
	"github.com/shuwens/reverb/internal/stats"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Local observation endpoint; dashboards connect from anywhere.
		return true
	},
}

// wsRecord is the shape pushed to websocket clients per event.
type wsRecord struct {
	TimestampNS uint64  `json:"timestamp_ns"`
	Layer       string  `json:"layer"`
	Event       string  `json:"event"`
	Comm        string  `json:"comm"`
	Size        uint64  `json:"size"`
	AlignedSize uint64  `json:"aligned_size"`
	LatencyUS   float64 `json:"latency_us"`
	RequestID   uint64  `json:"request_id"`
	Workload    bool    `json:"workload"`
}

// Hub owns the live endpoint state.
type Hub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]bool

	reg *prometheus.Registry

	layerEvents *prometheus.GaugeVec
	layerBytes  *prometheus.GaugeVec
	totalAmp    prometheus.Gauge
	drops       prometheus.Gauge
}

// NewHub creates the hub and registers its metrics.
func NewHub() *Hub {
	h := &Hub{
		clients: make(map[*websocket.Conn]bool),
		reg:     prometheus.NewRegistry(),
		layerEvents: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "reverb_layer_events_total",
			Help: "Events observed per storage layer",
		}, []string{"layer"}),
		layerBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "reverb_layer_bytes_total",
			Help: "Bytes observed per storage layer",
		}, []string{"layer"}),
		totalAmp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "reverb_total_amplification",
			Help: "Current total write amplification factor",
		}),
		drops: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "reverb_producer_drops_total",
			Help: "Events dropped by the producer ring buffer",
		}),
	}
	h.reg.MustRegister(h.layerEvents, h.layerBytes, h.totalAmp, h.drops)
	return h
}

// Handler returns the endpoint mux: /metrics and /ws.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(h.reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/ws", h.serveWS)
	return mux
}

// Serve listens on addr until the listener fails. Run it on its own
// goroutine; the pipeline never blocks on it.
func (h *Hub) Serve(addr string) error {
	return http.ListenAndServe(addr, h.Handler())
}

func (h *Hub) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	h.mu.Lock()
	h.clients[conn] = true
	h.mu.Unlock()
}

// Publish pushes one record to every connected client, best effort. A
// failed write disconnects that client.
func (h *Hub) Publish(ev *event.LayerEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.clients) == 0 {
		return
	}

	rec := wsRecord{
		TimestampNS: ev.Timestamp,
		Layer:       ev.Layer.String(),
		Event:       ev.Kind.String(),
		Comm:        ev.Comm,
		Size:        ev.Size,
		AlignedSize: ev.EffectiveAligned(),
		LatencyUS:   float64(ev.Latency) / 1000.0,
		RequestID:   ev.RequestID,
		Workload:    ev.Workload,
	}
	for conn := range h.clients {
		if err := conn.WriteJSON(&rec); err != nil {
			conn.Close()
			delete(h.clients, conn)
		}
	}
}

// UpdateSummary refreshes the gauges from a statistics snapshot.
func (h *Hub) UpdateSummary(sum *stats.Summary, drops uint64) {
	for _, l := range event.Layers {
		s := sum.Layers[l]
		h.layerEvents.WithLabelValues(l.String()).Set(float64(s.Events))
		h.layerBytes.WithLabelValues(l.String()).Set(float64(s.Bytes))
	}
	if sum.Total != nil {
		h.totalAmp.Set(*sum.Total)
	}
	h.drops.Set(float64(drops))
}
