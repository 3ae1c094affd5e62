package httpapi

import (
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"image/jpeg"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infernokun/inferno-comics-matcher/internal/cache"
	"github.com/infernokun/inferno-comics-matcher/internal/config"
	"github.com/infernokun/inferno-comics-matcher/internal/fetch"
	"github.com/infernokun/inferno-comics-matcher/internal/model"
	"github.com/infernokun/inferno-comics-matcher/internal/pipeline"
	"github.com/infernokun/inferno-comics-matcher/internal/session"
)

func checkerJPEG(t *testing.T, w, h, cell int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if ((x/cell)+(y/cell))%2 == 0 {
				img.Set(x, y, color.RGBA{R: 20, G: 20, B: 20, A: 255})
			} else {
				img.Set(x, y, color.RGBA{R: 230, G: 230, B: 230, A: 255})
			}
		}
	}
	buf := &bytes.Buffer{}
	require.NoError(t, jpeg.Encode(buf, img, &jpeg.Options{Quality: 90}))
	return buf.Bytes()
}

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	dir := t.TempDir()

	c, err := cache.Open(filepath.Join(dir, "cache.db"), filepath.Join(dir, "images"))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	sessions, err := session.NewManager(filepath.Join(dir, "storage"))
	require.NoError(t, err)

	imgBytes := checkerJPEG(t, 256, 256, 16)
	candidateSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write(imgBytes)
	}))
	t.Cleanup(candidateSrv.Close)

	f := fetch.New(c, 5*time.Second, 4)
	cs, err := config.NewStore("", "balanced")
	require.NoError(t, err)
	doc := cs.Get()
	doc.Options.UseComicDetection = false
	cs.Set(doc)

	pl := pipeline.New(cs, c, f, sessions)

	s := New(cs, sessions, pl, "", 0, time.Second, time.Second)
	return s, candidateSrv
}

func buildUploadRequest(t *testing.T, path, candidatesURL string) *http.Request {
	t.Helper()
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)

	part, err := w.CreateFormFile("image", "query.jpg")
	require.NoError(t, err)
	_, err = part.Write(checkerJPEG(t, 256, 256, 16))
	require.NoError(t, err)

	covers := []model.CandidateCover{{Name: "Test Comic", IssueNumber: "1", URLs: []string{candidatesURL}}}
	candidatesJSON, err := json.Marshal(covers)
	require.NoError(t, err)
	require.NoError(t, w.WriteField("candidate_covers", string(candidatesJSON)))
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, path, body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func TestImageMatcherSyncReturnsRankedResults(t *testing.T) {
	s, candidateSrv := newTestServer(t)
	req := buildUploadRequest(t, "/image-matcher", candidateSrv.URL)
	rec := httptest.NewRecorder()

	s.Routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var result model.SessionResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.Len(t, result.QueryImages, 1)
	assert.Equal(t, 1, result.QueryImages[0].TotalMatches)
}

func TestImageMatcherRejectsMissingImage(t *testing.T) {
	s, _ := newTestServer(t)
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	require.NoError(t, w.WriteField("candidate_covers", "[]"))
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/image-matcher", body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	rec := httptest.NewRecorder()

	s.Routes().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestImageMatcherRejectsEmptyCandidateCovers(t *testing.T) {
	s, _ := newTestServer(t)
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)

	part, err := w.CreateFormFile("image", "query.jpg")
	require.NoError(t, err)
	_, err = part.Write(checkerJPEG(t, 256, 256, 16))
	require.NoError(t, err)
	require.NoError(t, w.WriteField("candidate_covers", "[]"))
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/image-matcher", body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	rec := httptest.NewRecorder()

	s.Routes().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestImageMatcherStartReturnsSessionIDAndPersistsResult(t *testing.T) {
	s, candidateSrv := newTestServer(t)
	req := buildUploadRequest(t, "/image-matcher/start", candidateSrv.URL)
	rec := httptest.NewRecorder()

	s.Routes().ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	sessionID := resp["sessionId"]
	require.NotEmpty(t, sessionID)

	require.Eventually(t, func() bool {
		_, err := s.Sessions.ReadResult(sessionID)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSessionDataReturns404ForUnknownSession(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/image-matcher/does-not-exist/data", nil)
	rec := httptest.NewRecorder()

	s.Routes().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStoredImageRejectsTraversal(t *testing.T) {
	s, _ := newTestServer(t)
	_, err := s.Sessions.SessionDir("sess1")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/stored_images/sess1/..%2F..%2Fetc%2Fpasswd", nil)
	rec := httptest.NewRecorder()

	s.Routes().ServeHTTP(rec, req)
	assert.NotEqual(t, http.StatusOK, rec.Code)
}

func TestHealthReturnsOK(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	s.Routes().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestConfigGetAndPostRoundTrip(t *testing.T) {
	s, _ := newTestServer(t)

	getReq := httptest.NewRequest(http.MethodGet, "/config", nil)
	getRec := httptest.NewRecorder()
	s.Routes().ServeHTTP(getRec, getReq)
	require.Equal(t, http.StatusOK, getRec.Code)

	var doc config.Document
	require.NoError(t, json.Unmarshal(getRec.Body.Bytes(), &doc))
	doc.SimilarityThresholdRaw = "0.7"

	updated, err := json.Marshal(doc)
	require.NoError(t, err)
	postReq := httptest.NewRequest(http.MethodPost, "/config", bytes.NewReader(updated))
	postReq.Header.Set("Content-Type", "application/json")
	postRec := httptest.NewRecorder()
	s.Routes().ServeHTTP(postRec, postReq)
	require.Equal(t, http.StatusOK, postRec.Code)

	assert.Equal(t, 0.7, s.ConfigStore.Get().SimilarityThreshold)
}

func TestConfigPostRejectsInvalidThreshold(t *testing.T) {
	s, _ := newTestServer(t)
	body := []byte(`{"similarityThreshold": "not-a-number"}`)
	req := httptest.NewRequest(http.MethodPost, "/config", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	s.Routes().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
