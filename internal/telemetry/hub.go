package telemetry

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/rjboer/ofdmsync/internal/logging"
)

// Config is the runtime configuration exposed by the hub.
type Config struct {
	HistoryLimit int `json:"historyLimit"`
	// SubscriberBuffer is the per-subscriber queue length. Records are
	// dropped for subscribers whose queue is full.
	SubscriberBuffer int `json:"subscriberBuffer"`
}

const (
	minHistoryLimit = 1
	maxHistoryLimit = 10_000
	minSubBuffer    = 1
	maxSubBuffer    = 4096
)

func defaultConfig() Config {
	return Config{HistoryLimit: 500, SubscriberBuffer: 64}
}

// validateConfig fills zero fields from base and range-checks the result.
func validateConfig(cfg, base Config) (Config, error) {
	if base.HistoryLimit == 0 || base.SubscriberBuffer == 0 {
		base = defaultConfig()
	}
	if cfg.HistoryLimit == 0 {
		cfg.HistoryLimit = base.HistoryLimit
	}
	if cfg.SubscriberBuffer == 0 {
		cfg.SubscriberBuffer = base.SubscriberBuffer
	}
	if cfg.HistoryLimit < minHistoryLimit || cfg.HistoryLimit > maxHistoryLimit {
		return Config{}, fmt.Errorf("history limit must be between %d and %d", minHistoryLimit, maxHistoryLimit)
	}
	if cfg.SubscriberBuffer < minSubBuffer || cfg.SubscriberBuffer > maxSubBuffer {
		return Config{}, fmt.Errorf("subscriber buffer must be between %d and %d", minSubBuffer, maxSubBuffer)
	}
	return cfg, nil
}

// SpectrumSnapshot is the latest input power spectrum, DC centered.
type SpectrumSnapshot struct {
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	Bins      []float64 `json:"bins"`
}

// ProcessStats describes the running process.
type ProcessStats struct {
	NumGoroutine int           `json:"numGoroutine"`
	HeapAlloc    uint64        `json:"heapAlloc"`
	Uptime       time.Duration `json:"uptime"`
}

// Diagnostics bundles process stats, counters and the spectrum snapshot.
type Diagnostics struct {
	Process  ProcessStats     `json:"process"`
	Counts   map[string]int   `json:"counts"`
	Spectrum SpectrumSnapshot `json:"spectrum"`
}

// HealthStatus is "ok" once a run has reported from a live source,
// "degraded" while only synthetic data was seen and "error" after the last
// run failed.
type HealthStatus struct {
	Status  string       `json:"status"`
	Reason  string       `json:"reason,omitempty"`
	Process ProcessStats `json:"process"`
}

// Hub keeps recent records and fans them out to live subscribers.
type Hub struct {
	mu          sync.RWMutex
	logger      logging.Logger
	started     time.Time
	config      Config
	history     []Record
	counts      map[string]int
	lastErr     string
	spectrum    SpectrumSnapshot
	subscribers map[chan Record]struct{}
}

// NewHub builds a hub retaining up to historyLimit records.
func NewHub(historyLimit int, logger logging.Logger) *Hub {
	if logger == nil {
		logger = logging.Default()
	}
	cfg, err := validateConfig(Config{HistoryLimit: historyLimit}, defaultConfig())
	if err != nil {
		logger.Warn("invalid telemetry history limit, using default", logging.F("limit", historyLimit), logging.F("error", err))
		cfg = defaultConfig()
	}
	return &Hub{
		logger:      logger.With(logging.F("subsystem", "telemetry")),
		started:     time.Now(),
		config:      cfg,
		counts:      make(map[string]int),
		subscribers: make(map[chan Record]struct{}),
	}
}

// Report implements Reporter.
func (h *Hub) Report(r Record) {
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.history = append(h.history, r)
	if over := len(h.history) - h.config.HistoryLimit; over > 0 {
		h.history = h.history[over:]
	}
	h.counts[r.Kind]++
	switch r.Kind {
	case KindError:
		h.lastErr = r.Error
	case KindResult:
		h.lastErr = ""
	}
	for ch := range h.subscribers {
		select {
		case ch <- r:
		default:
			h.logger.Debug("dropping record for slow subscriber", logging.F("kind", r.Kind))
		}
	}
}

// History returns a copy of the retained records, oldest first.
func (h *Hub) History() []Record {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]Record(nil), h.history...)
}

// ConfigSnapshot returns the active configuration.
func (h *Hub) ConfigSnapshot() Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.config
}

// UpdateSpectrumSnapshot stores the latest input spectrum.
func (h *Hub) UpdateSpectrumSnapshot(bins []float64, source string) {
	snap := SpectrumSnapshot{Timestamp: time.Now(), Source: source, Bins: append([]float64(nil), bins...)}
	h.mu.Lock()
	h.spectrum = snap
	h.mu.Unlock()
}

// Subscribe registers a live listener. The returned cancel function must be
// called exactly once.
func (h *Hub) Subscribe() (<-chan Record, func()) {
	_, ch, cancel := h.subscribe(false)
	return ch, cancel
}

// SubscribeWithHistory is Subscribe plus a copy of the retained records. A
// record is either in the copy or delivered on the channel, never both.
func (h *Hub) SubscribeWithHistory() ([]Record, <-chan Record, func()) {
	return h.subscribe(true)
}

func (h *Hub) subscribe(withHistory bool) ([]Record, <-chan Record, func()) {
	h.mu.Lock()
	var history []Record
	if withHistory {
		history = append([]Record(nil), h.history...)
	}
	ch := make(chan Record, h.config.SubscriberBuffer)
	h.subscribers[ch] = struct{}{}
	n := len(h.subscribers)
	h.mu.Unlock()
	h.logger.Debug("subscriber added", logging.F("subscribers", n))

	cancel := func() {
		h.mu.Lock()
		delete(h.subscribers, ch)
		close(ch)
		h.mu.Unlock()
	}
	return history, ch, cancel
}

func (h *Hub) applyConfig(cfg Config) {
	h.config = cfg
	if over := len(h.history) - cfg.HistoryLimit; over > 0 {
		h.history = h.history[over:]
	}
}

func (h *Hub) process() ProcessStats {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ProcessStats{
		NumGoroutine: runtime.NumGoroutine(),
		HeapAlloc:    ms.HeapAlloc,
		Uptime:       time.Since(h.started),
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func onlyGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func (h *Hub) handleHistory(w http.ResponseWriter, r *http.Request) {
	if !onlyGet(w, r) {
		return
	}
	writeJSON(w, h.History())
}

func (h *Hub) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	if !onlyGet(w, r) {
		return
	}
	writeJSON(w, h.ConfigSnapshot())
}

func (h *Hub) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var incoming Config
	if err := json.NewDecoder(r.Body).Decode(&incoming); err != nil {
		http.Error(w, fmt.Sprintf("invalid config payload: %v", err), http.StatusBadRequest)
		return
	}

	h.mu.Lock()
	cfg, err := validateConfig(incoming, h.config)
	if err == nil {
		h.applyConfig(cfg)
	}
	h.mu.Unlock()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.logger.Info("telemetry config updated", logging.F("history_limit", cfg.HistoryLimit), logging.F("subscriber_buffer", cfg.SubscriberBuffer))
	writeJSON(w, cfg)
}

func (h *Hub) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	if !onlyGet(w, r) {
		return
	}
	h.mu.RLock()
	d := Diagnostics{Counts: make(map[string]int, len(h.counts)), Spectrum: h.spectrum}
	for k, v := range h.counts {
		d.Counts[k] = v
	}
	h.mu.RUnlock()
	d.Process = h.process()
	writeJSON(w, d)
}

func (h *Hub) handleSpectrumSnapshot(w http.ResponseWriter, r *http.Request) {
	if !onlyGet(w, r) {
		return
	}
	h.mu.RLock()
	snap := h.spectrum
	h.mu.RUnlock()
	writeJSON(w, snap)
}

func (h *Hub) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !onlyGet(w, r) {
		return
	}
	h.mu.RLock()
	status := HealthStatus{Status: "ok"}
	switch {
	case h.lastErr != "":
		status.Status, status.Reason = "error", h.lastErr
	case h.spectrum.Source == "" || isSynthetic(h.spectrum.Source):
		status.Status, status.Reason = "degraded", "no live samples"
	}
	h.mu.RUnlock()
	status.Process = h.process()
	writeJSON(w, status)
}

func isSynthetic(source string) bool {
	return source == "mock" || source == "synth"
}

// handleLive streams records as server-sent events, starting with the
// retained history.
func (h *Hub) handleLive(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	history, ch, cancel := h.SubscribeWithHistory()
	defer cancel()

	send := func(rec Record) {
		payload, err := json.Marshal(rec)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", rec.Kind, payload)
	}
	for _, rec := range history {
		send(rec)
	}
	flusher.Flush()

	for {
		select {
		case rec, ok := <-ch:
			if !ok {
				return
			}
			send(rec)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
