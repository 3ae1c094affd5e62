package progress

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/infernokun/inferno-comics-matcher/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProbeHealthMarksUnhealthyOnFailure(t *testing.T) {
	r := NewReporter("s1", "http://127.0.0.1:1", http.DefaultClient, time.Millisecond, time.Second, time.Second)
	r.ProbeHealth(context.Background())
	assert.False(t, r.isHealthy())
}

func TestProbeHealthMarksHealthyOnSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r := NewReporter("s1", srv.URL, http.DefaultClient, time.Millisecond, time.Second, time.Second)
	r.ProbeHealth(context.Background())
	assert.True(t, r.isHealthy())
}

func TestFirstUpdatesAlwaysDeliveredToSubscriber(t *testing.T) {
	r := NewReporter("s1", "", http.DefaultClient, time.Hour, time.Second, time.Second)
	ch, unsub := r.Subscribe(16)
	defer unsub()

	for i := 0; i < FirstUpdatesAlwaysSent; i++ {
		r.Update(context.Background(), model.StageComparingImages, float64(i), "tick")
	}

	received := 0
	timeout := time.After(time.Second)
	for received < FirstUpdatesAlwaysSent {
		select {
		case <-ch:
			received++
		case <-timeout:
			t.Fatalf("expected %d events, got %d", FirstUpdatesAlwaysSent, received)
		}
	}
}

func TestRateLimiterSuppressesRapidSmallDeltas(t *testing.T) {
	r := NewReporter("s1", "", http.DefaultClient, time.Hour, time.Second, time.Second)
	ch, unsub := r.Subscribe(16)
	defer unsub()

	for i := 0; i < FirstUpdatesAlwaysSent; i++ {
		r.Update(context.Background(), model.StageComparingImages, 50, "warmup")
	}
	for i := 0; i < FirstUpdatesAlwaysSent; i++ {
		<-ch
	}

	// Same stage, tiny delta, well within the rate limit window: suppressed.
	r.Update(context.Background(), model.StageComparingImages, 50.5, "steady")

	select {
	case ev := <-ch:
		t.Fatalf("expected suppression, got event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStageTransitionBypassesRateLimit(t *testing.T) {
	r := NewReporter("s1", "", http.DefaultClient, time.Hour, time.Second, time.Second)
	ch, unsub := r.Subscribe(16)
	defer unsub()

	for i := 0; i < FirstUpdatesAlwaysSent; i++ {
		r.Update(context.Background(), model.StageComparingImages, 50, "warmup")
		<-ch
	}

	r.Update(context.Background(), model.StageProcessingResults, 51, "moved on")
	select {
	case ev := <-ch:
		assert.Equal(t, model.StageProcessingResults, ev.Stage)
	case <-time.After(time.Second):
		t.Fatal("expected stage-transition bypass event")
	}
}

func TestCompleteAlwaysDeliversAndPostsToExternalService(t *testing.T) {
	var posts int32
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Only POSTs are counted; the health probe is a GET.
		if r.Method == http.MethodPost {
			atomic.AddInt32(&posts, 1)
			path = r.URL.Path
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r := NewReporter("s1", srv.URL, http.DefaultClient, time.Hour, time.Second, time.Second)
	r.ProbeHealth(context.Background())
	require.True(t, r.isHealthy())

	r.Complete(context.Background(), map[string]string{"status": "ok"})
	assert.Equal(t, int32(1), atomic.LoadInt32(&posts))
	assert.Equal(t, "/progress/complete", path)
}

func TestUpdateAndErrorAndProcessedFilePostToDistinctPaths(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Only POSTs are recorded; the health probe is a GET.
		if r.Method == http.MethodPost {
			paths = append(paths, r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r := NewReporter("s1", srv.URL, http.DefaultClient, time.Microsecond, time.Second, time.Second)
	r.ProbeHealth(context.Background())
	require.True(t, r.isHealthy())

	r.Update(context.Background(), model.StageComparingImages, 10, "tick")
	r.Error(context.Background(), "boom")
	r.ReportProcessedFile(context.Background(), model.ProcessedFileMetadata{FileHash: "abc", StoredFileName: "query_abc.jpg"})

	require.Len(t, paths, 3)
	assert.Equal(t, "/progress/update", paths[0])
	assert.Equal(t, "/progress/error", paths[1])
	assert.Equal(t, "/progress/processed-file", paths[2])
}

func TestParseExtractedStatsFromImageMessage(t *testing.T) {
	stats := parseExtractedStats("Image 3/10: cover.jpg")
	require.NotNil(t, stats)
	assert.Equal(t, 3, stats.ProcessedItems)
	assert.Equal(t, 10, stats.TotalItems)
}

func TestParseExtractedStatsFromCandidateMessage(t *testing.T) {
	stats := parseExtractedStats("comparing candidate 4/9")
	require.NotNil(t, stats)
	assert.Equal(t, 4, stats.ProcessedItems)
	assert.Equal(t, 9, stats.TotalItems)
}

func TestParseExtractedStatsReturnsNilForPlainMessage(t *testing.T) {
	assert.Nil(t, parseExtractedStats("starting up"))
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	r := NewReporter("s1", "", http.DefaultClient, time.Hour, time.Second, time.Second)
	ch, unsub := r.Subscribe(16)
	unsub()

	_, ok := <-ch
	assert.False(t, ok)
}
