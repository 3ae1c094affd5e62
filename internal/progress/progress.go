// Package progress implements the progress reporter (spec §4.8): a
// per-session stage machine that rate-limits outbound updates, fans them out
// to local subscribers for the SSE endpoint, and forwards them to an
// external progress service over HTTP. The rate limiting is
// golang.org/x/time/rate (the teacher's own dependency, unused in its GUI
// form but exercised here for exactly what it's built for); the subscriber
// hub adapts the teacher's connection-set/broadcast pattern
// (pkg/api/server.go, see DESIGN.md) into a bounded, drop-newest-on-overflow
// fan-out, without that code's websocket transport.
package progress

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/infernokun/inferno-comics-matcher/internal/model"
	"github.com/infernokun/inferno-comics-matcher/internal/xlog"
	"github.com/infernokun/inferno-comics-matcher/internal/xutil"
)

// FirstUpdatesAlwaysSent is the number of leading updates per session that
// bypass rate limiting unconditionally (spec §4.8).
const FirstUpdatesAlwaysSent = 5

// MinDeltaPercent is the minimum progress jump, in percentage points, that
// bypasses rate limiting.
const MinDeltaPercent = 3.0

var (
	imageMessageRe     = regexp.MustCompile(`Image\s+(\d+)/(\d+):\s*(.+)`)
	candidateMessageRe = regexp.MustCompile(`candidate\s+(\d+)/(\d+)`)
)

// Sink receives progress events; the matcher pipeline depends only on this
// interface, not on Reporter directly, so tests can substitute a fake.
type Sink interface {
	Update(ctx context.Context, stage model.ProgressStage, progressPct float64, message string)
	Complete(ctx context.Context, result interface{})
	Error(ctx context.Context, message string)
	ReportProcessedFile(ctx context.Context, metadata model.ProcessedFileMetadata)
}

// Reporter is the concrete Sink implementation used in production.
type Reporter struct {
	sessionID string
	baseURL   string
	client    *http.Client

	updateTimeout   time.Duration
	completeTimeout time.Duration

	limiter *rate.Limiter

	mu           sync.Mutex
	lastStage    model.ProgressStage
	lastProgress float64
	updateCount  int

	// healthy and healthChecked track the one-shot startup probe outcome;
	// SafeFlag lets ProbeHealth and isHealthy run without taking mu, since
	// they're on the hot path of every outbound delivery attempt.
	healthy       xutil.SafeFlag
	healthChecked xutil.SafeFlag

	// maxProgress enforces that the progress percentage reported to
	// subscribers and the external service never regresses, even if two
	// pipeline stages race and report out of order.
	maxProgress xutil.MonotonicMax

	subMu       sync.Mutex
	subscribers map[chan model.ProgressEvent]struct{}
}

// NewReporter constructs a Reporter for one session. minInterval bounds the
// rate of non-bypassed updates sent to both subscribers and the external
// service.
func NewReporter(sessionID, baseURL string, client *http.Client, minInterval, updateTimeout, completeTimeout time.Duration) *Reporter {
	if client == nil {
		client = &http.Client{}
	}
	return &Reporter{
		sessionID:       sessionID,
		baseURL:         baseURL,
		client:          client,
		updateTimeout:   updateTimeout,
		completeTimeout: completeTimeout,
		limiter:         rate.NewLimiter(rate.Every(minInterval), 1),
		subscribers:     make(map[chan model.ProgressEvent]struct{}),
	}
}

// ProbeHealth performs a one-shot startup check of the external progress
// service. On failure, outbound HTTP delivery is disabled for the lifetime
// of this Reporter, but local subscriber fan-out continues unaffected.
func (r *Reporter) ProbeHealth(ctx context.Context) {
	if r.baseURL == "" {
		r.setHealthy(false)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/health", nil)
	if err != nil {
		r.setHealthy(false)
		return
	}
	resp, err := r.client.Do(req)
	if err != nil {
		xlog.Printf("progress: health probe for %s failed: %v", r.baseURL, err)
		r.setHealthy(false)
		return
	}
	resp.Body.Close()
	r.setHealthy(resp.StatusCode == http.StatusOK)
}

func (r *Reporter) setHealthy(v bool) {
	r.healthy.Set(v)
	r.healthChecked.Set(true)
}

func (r *Reporter) isHealthy() bool {
	return r.healthChecked.Value() && r.healthy.Value()
}

// Subscribe registers a new local subscriber, returning its event channel
// and an unsubscribe function. The channel is bounded; when full, new
// events are dropped rather than blocking the reporter (drop-newest).
func (r *Reporter) Subscribe(buffer int) (<-chan model.ProgressEvent, func()) {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan model.ProgressEvent, buffer)
	r.subMu.Lock()
	r.subscribers[ch] = struct{}{}
	r.subMu.Unlock()

	unsubscribe := func() {
		r.subMu.Lock()
		delete(r.subscribers, ch)
		r.subMu.Unlock()
		close(ch)
	}
	return ch, unsubscribe
}

func (r *Reporter) publishLocal(ev model.ProgressEvent) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for ch := range r.subscribers {
		select {
		case ch <- ev:
		default:
			// Drop-newest: a slow subscriber loses this event rather than
			// stalling the whole session.
		}
	}
}

// progressScale preserves two decimal digits of precision when tracking
// progress through xutil.MonotonicMax, which operates on integers.
const progressScale = 100

// Update reports a stage/progress/message tuple, subject to rate limiting.
func (r *Reporter) Update(ctx context.Context, stage model.ProgressStage, progressPct float64, message string) {
	progressPct = float64(r.maxProgress.Offer(int(progressPct*progressScale))) / progressScale

	bypass, stats := r.shouldBypass(stage, progressPct, message)
	// Every sent update, bypassed or not, takes the limiter's token, so a
	// non-bypassed update waits a full interval after the last one sent.
	allowed := r.limiter.Allow()
	if !bypass && !allowed {
		return
	}

	ev := model.ProgressEvent{
		SessionID:       r.sessionID,
		Stage:           stage,
		Progress:        progressPct,
		Message:         message,
		ExtractedStats:  stats,
		TimestampMillis: nowMillis(),
	}
	r.publishLocal(ev)
	r.deliver(ctx, "/progress/update", ev, r.updateTimeout, false)
}

// Complete reports the terminal success event, bypassing rate limiting
// unconditionally, and retries once on delivery failure (spec §4.8).
func (r *Reporter) Complete(ctx context.Context, result interface{}) {
	r.maxProgress.Offer(100 * progressScale)
	ev := model.ProgressEvent{
		SessionID:       r.sessionID,
		Stage:           model.StageComplete,
		Progress:        100,
		Message:         "complete",
		TimestampMillis: nowMillis(),
	}
	r.publishLocal(ev)
	r.deliverResult(ctx, result, true)
}

// Error reports the terminal failure event, bypassing rate limiting
// unconditionally, and retries once on delivery failure.
func (r *Reporter) Error(ctx context.Context, message string) {
	ev := model.ProgressEvent{
		SessionID:       r.sessionID,
		Stage:           model.StageError,
		Progress:        r.currentProgress(),
		Message:         message,
		TimestampMillis: nowMillis(),
	}
	r.publishLocal(ev)
	r.deliver(ctx, "/progress/error", ev, r.completeTimeout, true)
}

// ReportProcessedFile notifies the external progress service that a query or
// candidate image has been durably stored (spec §6
// <progressBase>/progress/processed-file). It bypasses local subscribers
// entirely: this is a bookkeeping call to the external service, not a stage
// transition a UI needs to render.
func (r *Reporter) ReportProcessedFile(ctx context.Context, metadata model.ProcessedFileMetadata) {
	metadata.SessionID = r.sessionID
	if !r.isHealthy() {
		return
	}
	if err := r.postJSON(ctx, "/progress/processed-file", metadata, r.updateTimeout); err != nil {
		xlog.Printf("progress: processed-file delivery failed for session %s: %v", r.sessionID, err)
	}
}

func (r *Reporter) currentProgress() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastProgress
}

// shouldBypass implements the rate-limit bypass rules from spec §4.8: stage
// transition, delta >= 3pp, terminal events, progress >= 100, per-image
// messages, and the first few updates of a session.
func (r *Reporter) shouldBypass(stage model.ProgressStage, progressPct float64, message string) (bool, *model.ExtractedStats) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.updateCount++
	stats := parseExtractedStats(message)

	bypass := false
	if r.updateCount <= FirstUpdatesAlwaysSent {
		bypass = true
	}
	if stage != r.lastStage {
		bypass = true
	}
	if progressPct-r.lastProgress >= MinDeltaPercent {
		bypass = true
	}
	if progressPct >= 100 {
		bypass = true
	}
	if stage == model.StageComplete || stage == model.StageError {
		bypass = true
	}
	if imageMessageRe.MatchString(message) {
		// Per-image ("Image i/N: ...") messages always get through.
		bypass = true
	}

	r.lastStage = stage
	r.lastProgress = progressPct
	return bypass, stats
}

// parseExtractedStats pulls structured counters out of free-text progress
// messages, matching the "Image i/N: filename" and "candidate i/N" shapes
// the pipeline emits (spec §4.8).
func parseExtractedStats(message string) *model.ExtractedStats {
	if m := imageMessageRe.FindStringSubmatch(message); m != nil {
		idx, _ := strconv.Atoi(m[1])
		total, _ := strconv.Atoi(m[2])
		return &model.ExtractedStats{ProcessedItems: idx, TotalItems: total}
	}
	if m := candidateMessageRe.FindStringSubmatch(message); m != nil {
		idx, _ := strconv.Atoi(m[1])
		total, _ := strconv.Atoi(m[2])
		return &model.ExtractedStats{ProcessedItems: idx, TotalItems: total}
	}
	return nil
}

func (r *Reporter) deliver(ctx context.Context, path string, ev model.ProgressEvent, timeout time.Duration, retryOnce bool) {
	if !r.isHealthy() {
		return
	}
	if err := r.postJSON(ctx, path, ev, timeout); err != nil {
		xlog.Printf("progress: delivery failed for session %s: %v", r.sessionID, err)
		if retryOnce {
			if err := r.postJSON(ctx, path, ev, timeout); err != nil {
				xlog.Printf("progress: retry delivery failed for session %s: %v", r.sessionID, err)
			}
		}
	}
}

func (r *Reporter) deliverResult(ctx context.Context, result interface{}, retryOnce bool) {
	if !r.isHealthy() {
		return
	}
	if err := r.postJSON(ctx, "/progress/complete", result, r.completeTimeout); err != nil {
		xlog.Printf("progress: completion delivery failed for session %s: %v", r.sessionID, err)
		if retryOnce {
			if err := r.postJSON(ctx, "/progress/complete", result, r.completeTimeout); err != nil {
				xlog.Printf("progress: retry completion delivery failed for session %s: %v", r.sessionID, err)
			}
		}
	}
}

func (r *Reporter) postJSON(ctx context.Context, path string, payload interface{}, timeout time.Duration) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling progress payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building progress request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting progress: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("progress service returned status %d", resp.StatusCode)
	}
	return nil
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
