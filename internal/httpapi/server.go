// Package httpapi exposes the match pipeline over HTTP (spec §6): the
// match-now endpoints, the async start+SSE-progress pair, session data and
// stored-image retrieval, health, and live config. Routing follows the
// teacher's flat http.HandleFunc-per-path style
// (jobindex-spectura/main.go screenshotHandler registration), generalized
// to a ServeMux with Go 1.22 method-and-path patterns.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/infernokun/inferno-comics-matcher/internal/config"
	"github.com/infernokun/inferno-comics-matcher/internal/model"
	"github.com/infernokun/inferno-comics-matcher/internal/pipeline"
	"github.com/infernokun/inferno-comics-matcher/internal/progress"
	"github.com/infernokun/inferno-comics-matcher/internal/session"
	"github.com/infernokun/inferno-comics-matcher/internal/xlog"
)

// Server holds everything the HTTP handlers need.
type Server struct {
	ConfigStore *config.Store
	Sessions    *session.Manager
	Pipeline    *pipeline.Pipeline
	ProgressURL string
	HTTPClient  *http.Client

	progressTimeouts progressTimeouts

	mu        sync.Mutex
	reporters map[string]*progress.Reporter
	statuses  map[string]model.ProgressEvent
}

type progressTimeouts struct {
	minInterval     time.Duration
	updateTimeout   time.Duration
	completeTimeout time.Duration
}

// New constructs a Server. The timeout arguments mirror the ServiceConfig
// progress fields (spec §4.8).
func New(cs *config.Store, sessions *session.Manager, pl *pipeline.Pipeline, progressURL string, minInterval, updateTimeout, completeTimeout time.Duration) *Server {
	return &Server{
		ConfigStore: cs,
		Sessions:    sessions,
		Pipeline:    pl,
		ProgressURL: progressURL,
		HTTPClient:  &http.Client{},
		progressTimeouts: progressTimeouts{
			minInterval: minInterval, updateTimeout: updateTimeout, completeTimeout: completeTimeout,
		},
		reporters: make(map[string]*progress.Reporter),
		statuses:  make(map[string]model.ProgressEvent),
	}
}

// Routes returns the configured ServeMux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /image-matcher", s.handleImageMatcher)
	mux.HandleFunc("POST /image-matcher-multiple", s.handleImageMatcherMultiple)
	mux.HandleFunc("POST /image-matcher/start", s.handleImageMatcherStart)
	mux.HandleFunc("GET /image-matcher/progress", s.handleProgressSSE)
	mux.HandleFunc("GET /image-matcher/status", s.handleStatus)
	mux.HandleFunc("GET /image-matcher/{sessionId}/data", s.handleSessionData)
	mux.HandleFunc("GET /stored_images/{sessionId}/{filename}", s.handleStoredImage)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /config", s.handleConfigGet)
	mux.HandleFunc("POST /config", s.handleConfigPost)
	return mux
}

// --- request parsing --------------------------------------------------------

func parseMultipartRequest(r *http.Request, maxMemory int64) ([]pipeline.QueryImage, []model.CandidateCover, error) {
	if err := r.ParseMultipartForm(maxMemory); err != nil {
		return nil, nil, fmt.Errorf("parsing multipart form: %w", err)
	}

	var queries []pipeline.QueryImage
	for field, headers := range r.MultipartForm.File {
		if field != "image" && field != "images" {
			continue
		}
		for _, h := range headers {
			f, err := h.Open()
			if err != nil {
				return nil, nil, fmt.Errorf("opening upload %s: %w", h.Filename, err)
			}
			data := make([]byte, h.Size)
			if _, err := f.Read(data); err != nil && h.Size > 0 {
				f.Close()
				return nil, nil, fmt.Errorf("reading upload %s: %w", h.Filename, err)
			}
			f.Close()
			ext := strings.TrimPrefix(filepath.Ext(h.Filename), ".")
			queries = append(queries, pipeline.QueryImage{Filename: h.Filename, Data: data, Ext: ext})
		}
	}

	covers, err := DecodeCandidateCovers([]byte(r.FormValue("candidate_covers")))
	if err != nil {
		return nil, nil, err
	}

	return queries, covers, nil
}

// DecodeCandidateCovers normalizes the upstream catalog's candidates payload.
// The catalog may send "urls" either as a single string or as an array; both
// decode into model.CandidateCover with URLs as a slice.
func DecodeCandidateCovers(raw []byte) ([]model.CandidateCover, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var entries []struct {
		model.CandidateCover
		URLs json.RawMessage `json:"urls"`
	}
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("decoding candidates: %w", err)
	}
	covers := make([]model.CandidateCover, len(entries))
	for i, e := range entries {
		covers[i] = e.CandidateCover
		var single string
		if json.Unmarshal(e.URLs, &single) == nil {
			covers[i].URLs = []string{single}
		} else if len(e.URLs) > 0 && json.Unmarshal(e.URLs, &covers[i].URLs) != nil {
			return nil, fmt.Errorf("decoding candidates: entry %d has invalid urls %s", i, e.URLs)
		}
	}
	return covers, nil
}

// --- synchronous match endpoints --------------------------------------------

const maxUploadMemory = 32 << 20

func (s *Server) handleImageMatcher(w http.ResponseWriter, r *http.Request) {
	s.runSyncMatch(w, r)
}

func (s *Server) handleImageMatcherMultiple(w http.ResponseWriter, r *http.Request) {
	s.runSyncMatch(w, r)
}

func (s *Server) runSyncMatch(w http.ResponseWriter, r *http.Request) {
	queries, covers, err := parseMultipartRequest(r, maxUploadMemory)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(queries) == 0 {
		http.Error(w, `at least one "image" file is required`, http.StatusBadRequest)
		return
	}
	if len(covers) == 0 {
		http.Error(w, "candidate_covers must not be empty", http.StatusBadRequest)
		return
	}

	sessionID := uuid.NewString()
	sink := noopSink{}

	result, err := s.Pipeline.MatchBatch(r.Context(), sessionID, queries, covers, sink)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

type noopSink struct{}

func (noopSink) Update(ctx context.Context, stage model.ProgressStage, progressPct float64, message string) {
}
func (noopSink) Complete(ctx context.Context, result interface{}) {}
func (noopSink) Error(ctx context.Context, message string)       {}
func (noopSink) ReportProcessedFile(ctx context.Context, metadata model.ProcessedFileMetadata) {
}

// --- async start + SSE progress ---------------------------------------------

func (s *Server) handleImageMatcherStart(w http.ResponseWriter, r *http.Request) {
	queries, covers, err := parseMultipartRequest(r, maxUploadMemory)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(queries) == 0 {
		http.Error(w, `at least one "image" file is required`, http.StatusBadRequest)
		return
	}
	if len(covers) == 0 {
		http.Error(w, "candidate_covers must not be empty", http.StatusBadRequest)
		return
	}

	sessionID := uuid.NewString()
	reporter := progress.NewReporter(sessionID, s.ProgressURL, s.HTTPClient,
		s.progressTimeouts.minInterval, s.progressTimeouts.updateTimeout, s.progressTimeouts.completeTimeout)
	reporter.ProbeHealth(r.Context())

	s.mu.Lock()
	s.reporters[sessionID] = reporter
	s.mu.Unlock()

	go func() {
		ctx := context.Background()
		statusCh, unsubscribe := reporter.Subscribe(64)
		go s.trackStatus(sessionID, statusCh)
		defer unsubscribe()

		if _, err := s.Pipeline.MatchBatch(ctx, sessionID, queries, covers, reporter); err != nil {
			xlog.Printf("httpapi: match batch %s failed: %v", sessionID, err)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"sessionId": sessionID})
}

func (s *Server) trackStatus(sessionID string, ch <-chan model.ProgressEvent) {
	for ev := range ch {
		s.mu.Lock()
		s.statuses[sessionID] = ev
		s.mu.Unlock()
	}
}

func (s *Server) handleProgressSSE(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		http.Error(w, "sessionId query parameter is required", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	reporter, ok := s.reporters[sessionID]
	s.mu.Unlock()
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, unsubscribe := reporter.Subscribe(64)
	defer unsubscribe()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
			if ev.Stage == model.StageComplete || ev.Stage == model.StageError {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	s.mu.Lock()
	ev, ok := s.statuses[sessionID]
	s.mu.Unlock()
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

// --- session data and stored images ------------------------------------------

func (s *Server) handleSessionData(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionId")
	result, err := s.Sessions.ReadResult(sessionID)
	if err != nil {
		http.Error(w, "session result not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleStoredImage(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionId")
	filename := r.PathValue("filename")

	path, err := s.Sessions.ResolvePath(sessionID, filename)
	if err != nil {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	http.ServeFile(w, r, path)
}

// --- health and config -------------------------------------------------------

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleConfigGet(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ConfigStore.Get())
}

func (s *Server) handleConfigPost(w http.ResponseWriter, r *http.Request) {
	var doc config.Document
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	threshold, err := config.ParseSimilarityThreshold(doc.SimilarityThresholdRaw)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	doc.SimilarityThreshold = threshold
	s.ConfigStore.Set(doc)
	writeJSON(w, http.StatusOK, doc)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		xlog.Printf("httpapi: failed to encode response: %v", err)
	}
}
