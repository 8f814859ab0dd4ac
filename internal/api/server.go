// Package api serves the sorter's operator HTTP interface: status, fault
// history, profiles, operator actions, a live event stream, prometheus
// metrics and a debug chart of classification confidence.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/banshee-data/coinsorter/internal/coin"
	"github.com/banshee-data/coinsorter/internal/db"
	"github.com/banshee-data/coinsorter/internal/engine"
	"github.com/banshee-data/coinsorter/internal/httputil"
	"github.com/banshee-data/coinsorter/internal/metrics"
	"github.com/banshee-data/coinsorter/internal/monitoring"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

const defaultLimit = 100

// Sorter is the running engine as the API sees it.
type Sorter interface {
	Status() engine.Status
	RecentFaults(n int) []coin.FaultEvent
	Profiles() *coin.ProfileSet
	ResetDegraded(ctx context.Context) error
	JamClear(ctx context.Context, gate int) (int, error)
	Events() *metrics.Broadcaster
	Recorder() *metrics.Recorder
}

// Archive is the persisted history the API can read. *db.DB implements it.
type Archive interface {
	RecentFaults(ctx context.Context, limit int) ([]coin.FaultEvent, error)
	FaultCounts(ctx context.Context, since time.Time) (map[coin.FaultKind]int, error)
	RecentTransits(ctx context.Context, limit int) ([]db.ArchiveEntry, error)
	BinTotals(ctx context.Context) ([]db.BinTotal, error)
	ProfileSetVersions(ctx context.Context) ([]db.ProfileSetSummary, error)
}

type Server struct {
	sorter   Sorter
	archive  Archive
	gatherer prometheus.Gatherer
}

// NewServer returns a server for sorter. archive and gatherer may be nil;
// the routes that need them then answer 404.
func NewServer(sorter Sorter, archive Archive, gatherer prometheus.Gatherer) *Server {
	return &Server{sorter: sorter, archive: archive, gatherer: gatherer}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.showStatus)
	mux.HandleFunc("/api/faults", s.listFaults)
	mux.HandleFunc("/api/faults/counts", s.faultCounts)
	mux.HandleFunc("/api/profiles", s.showProfiles)
	mux.HandleFunc("/api/profiles/history", s.profileHistory)
	mux.HandleFunc("/api/transits", s.listTransits)
	mux.HandleFunc("/api/bins", s.binTotals)
	mux.HandleFunc("/api/degraded/reset", s.resetDegraded)
	mux.HandleFunc("/api/gates/{gate}/jam-clear", s.jamClear)
	mux.HandleFunc("/api/events", s.streamEvents)
	mux.HandleFunc("/debug/confidence", s.confidenceChart)
	if s.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// parseLimit reads ?limit=, defaulting to defaultLimit.
func parseLimit(r *http.Request) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return defaultLimit, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 || n > 10000 {
		return 0, fmt.Errorf("invalid 'limit' parameter %q", v)
	}
	return n, nil
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, s.sorter.Status())
}

// listFaults serves the in-memory recent faults, or the persisted log with
// ?source=archive.
func (s *Server) listFaults(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	switch r.URL.Query().Get("source") {
	case "", "live":
		httputil.WriteJSONOK(w, nonNil(s.sorter.RecentFaults(limit)))
	case "archive":
		if s.archive == nil {
			httputil.NotFound(w, "no archive configured")
			return
		}
		faults, err := s.archive.RecentFaults(r.Context(), limit)
		if err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("Failed to retrieve faults: %v", err))
			return
		}
		httputil.WriteJSONOK(w, nonNil(faults))
	default:
		httputil.BadRequest(w, "source must be 'live' or 'archive'")
	}
}

// faultCounts returns archived fault totals per kind over ?hours= (default 24).
func (s *Server) faultCounts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.archive == nil {
		httputil.NotFound(w, "no archive configured")
		return
	}
	hours := 24
	if h := r.URL.Query().Get("hours"); h != "" {
		parsed, err := strconv.Atoi(h)
		if err != nil || parsed < 1 {
			httputil.BadRequest(w, "Invalid 'hours' parameter")
			return
		}
		hours = parsed
	}
	counts, err := s.archive.FaultCounts(r.Context(), time.Now().Add(-time.Duration(hours)*time.Hour))
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to count faults: %v", err))
		return
	}
	httputil.WriteJSONOK(w, counts)
}

type profilesResponse struct {
	Version     uint64                     `json:"version"`
	CommittedAt time.Time                  `json:"committed_at"`
	Profiles    []coin.DenominationProfile `json:"profiles"`
}

func (s *Server) showProfiles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	ps := s.sorter.Profiles()
	httputil.WriteJSONOK(w, profilesResponse{
		Version:     ps.Version(),
		CommittedAt: ps.CommittedAt(),
		Profiles:    nonNil(ps.Profiles()),
	})
}

func (s *Server) profileHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.archive == nil {
		httputil.NotFound(w, "no archive configured")
		return
	}
	versions, err := s.archive.ProfileSetVersions(r.Context())
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to list profile sets: %v", err))
		return
	}
	httputil.WriteJSONOK(w, nonNil(versions))
}

func (s *Server) listTransits(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.archive == nil {
		httputil.NotFound(w, "no archive configured")
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	entries, err := s.archive.RecentTransits(r.Context(), limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to retrieve transits: %v", err))
		return
	}
	httputil.WriteJSONOK(w, nonNil(entries))
}

// binTotals serves lifetime per-bin counts from the archive; the live
// tally since start is part of /api/status.
func (s *Server) binTotals(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.archive == nil {
		httputil.NotFound(w, "no archive configured")
		return
	}
	totals, err := s.archive.BinTotals(r.Context())
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to retrieve bin totals: %v", err))
		return
	}
	httputil.WriteJSONOK(w, nonNil(totals))
}

func (s *Server) resetDegraded(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	if err := s.sorter.ResetDegraded(r.Context()); err != nil {
		s.writeSorterError(w, err)
		return
	}
	httputil.WriteJSONOK(w, s.sorter.Status())
}

func (s *Server) jamClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	gate, err := strconv.Atoi(r.PathValue("gate"))
	if err != nil {
		httputil.BadRequest(w, "Invalid gate id")
		return
	}
	n, err := s.sorter.JamClear(r.Context(), gate)
	if err != nil {
		s.writeSorterError(w, err)
		return
	}
	httputil.WriteJSONOK(w, map[string]int{"gate": gate, "cancelled": n})
}

func (s *Server) writeSorterError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrNotRunning):
		httputil.ServiceUnavailable(w, err.Error())
	case errors.Is(err, coin.ErrUnknownGate):
		httputil.BadRequest(w, err.Error())
	default:
		httputil.InternalServerError(w, err.Error())
	}
}

// streamEvents relays the engine's event stream as server-sent events until
// the client goes away.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.InternalServerError(w, "streaming unsupported")
		return
	}

	events := s.sorter.Events()
	id, ch := events.Subscribe()
	defer events.Unsubscribe(id)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				monitoring.Warnf("api: encode event: %v", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// nonNil keeps empty lists encoding as [] rather than null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
