// Package pipeline orchestrates one match request end to end (spec §4.6):
// preprocessing the query images, extracting features for every unique
// candidate URL, comparing each query against each candidate, and ranking
// results, while reporting staged progress. The worker-pool shape is
// grounded on the teacher's Pipeline (pkg/wallpaper/pipeline.go), adapted
// from a long-lived job/result channel pair to a per-request
// golang.org/x/sync/errgroup fan-out since this service has no persistent
// background queue to drain.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/infernokun/inferno-comics-matcher/internal/cache"
	"github.com/infernokun/inferno-comics-matcher/internal/config"
	"github.com/infernokun/inferno-comics-matcher/internal/detect"
	"github.com/infernokun/inferno-comics-matcher/internal/feature"
	"github.com/infernokun/inferno-comics-matcher/internal/fetch"
	"github.com/infernokun/inferno-comics-matcher/internal/imgproc"
	"github.com/infernokun/inferno-comics-matcher/internal/match"
	"github.com/infernokun/inferno-comics-matcher/internal/model"
	"github.com/infernokun/inferno-comics-matcher/internal/progress"
	"github.com/infernokun/inferno-comics-matcher/internal/session"
	"github.com/infernokun/inferno-comics-matcher/internal/xlog"
	"github.com/infernokun/inferno-comics-matcher/internal/xutil"
)

// Progress band boundaries, in percent, per spec §4.6.
const (
	bandProcessingDataStart      = 12.0
	bandProcessingDataEnd        = 20.0
	bandInitMatcherStart         = 20.0
	bandInitMatcherEnd           = 25.0
	bandExtractFeaturesStart     = 25.0
	bandExtractFeaturesEnd       = 35.0
	bandComparingStart           = 35.0
	bandComparingEnd             = 85.0
	bandProcessingResultsStart   = 85.0
	bandProcessingResultsEnd     = 95.0
	bandFinalizingStart          = 95.0
	bandFinalizingEnd            = 100.0
)

// QueryImage is one uploaded query image, decoded on arrival at the API
// boundary.
type QueryImage struct {
	Filename string
	Data     []byte
	Ext      string
}

// Pipeline wires together every stage needed to run a match batch. It reads
// its tuning from a live config.Store so a POST /config update or a
// fsnotify-triggered reload (config.Store.Watch) takes effect on the next
// match batch without restarting the service.
type Pipeline struct {
	ConfigStore *config.Store
	Cache       *cache.Store
	Fetcher     *fetch.Fetcher
	Sessions    *session.Manager
}

// New constructs a Pipeline from its dependencies.
func New(cs *config.Store, c *cache.Store, f *fetch.Fetcher, sessions *session.Manager) *Pipeline {
	return &Pipeline{ConfigStore: cs, Cache: c, Fetcher: f, Sessions: sessions}
}

type candidateFeatures struct {
	url      string
	cover    *model.CandidateCover
	features model.FeatureSet
	status   model.MatchStatus
}

// MatchBatch runs the full pipeline for a set of query images against a set
// of candidate covers, reporting progress through sink, and returns the
// assembled session result. The result is also persisted via p.Sessions. A
// panic on this goroutine is recovered into an error event, an error result
// document and a returned error.
func (p *Pipeline) MatchBatch(ctx context.Context, sessionID string, queries []QueryImage, covers []model.CandidateCover, sink progress.Sink) (result model.SessionResult, err error) {
	cfg := p.ConfigStore.Get()
	result = model.SessionResult{
		SessionID: sessionID,
		Timestamp: time.Now(),
		Threshold: cfg.SimilarityThreshold,
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("fatal: %v", r)
			sink.Error(ctx, err.Error())
			result.Error = err.Error()
			_ = p.Sessions.WriteResult(sessionID, result)
		}
	}()

	if len(covers) == 0 {
		err := fmt.Errorf("bad_request: candidate_covers must not be empty")
		sink.Error(ctx, err.Error())
		result.Error = err.Error()
		return result, err
	}

	sink.Update(ctx, model.StageProcessingData, bandProcessingDataStart, fmt.Sprintf("Image 0/%d: starting", len(queries)))

	queryFeatures, queryLocalURLs, decodeFailed, err := p.processQueryImages(ctx, cfg, sessionID, queries, sink)
	if err != nil {
		sink.Error(ctx, err.Error())
		result.Error = err.Error()
		_ = p.Sessions.WriteResult(sessionID, result)
		return result, err
	}

	sink.Update(ctx, model.StageInitializingMatcher, bandInitMatcherStart, "initializing matcher")
	sink.Update(ctx, model.StageInitializingMatcher, bandInitMatcherEnd, "matcher ready")

	candidateURLs := model.FlattenCandidateCovers(covers)
	candFeatures := p.extractCandidateFeatures(ctx, cfg, candidateURLs, sink)

	outcomes := make([]model.QueryImageOutcome, len(queries))
	totalBand := bandComparingEnd - bandComparingStart
	subBand := totalBand
	if len(queries) > 0 {
		subBand = totalBand / float64(len(queries))
	}

	for qi := range queries {
		base := bandComparingStart + float64(qi)*subBand

		if decodeFailed[qi] {
			// spec §7 decode_failure: the batch continues, but this query
			// contributes no matches and is recorded as a failed image.
			sink.Update(ctx, model.StageComparingImages, base+subBand, fmt.Sprintf("Image %d/%d: decode failure", qi+1, len(queries)))
			outcomes[qi] = model.QueryImageOutcome{
				LocalQueryImageURL: queryLocalURLs[qi],
				TopMatches:         []model.RankedResult{},
				TotalMatches:       0,
				Error:              "decode_failure: query image could not be decoded",
			}
			continue
		}

		sink.Update(ctx, model.StageComparingImages, base, fmt.Sprintf("Image %d/%d: comparing", qi+1, len(queries)))

		outcome := p.compareAgainstCandidates(ctx, cfg, queryFeatures[qi], candFeatures, base, base+subBand, len(queries), sink)
		outcome.LocalQueryImageURL = queryLocalURLs[qi]
		outcomes[qi] = outcome
	}

	sink.Update(ctx, model.StageProcessingResults, bandProcessingResultsStart, "ranking results")
	p.persistCandidateImages(ctx, sessionID, outcomes, sink)
	summary := summarize(outcomes)
	sink.Update(ctx, model.StageProcessingResults, bandProcessingResultsEnd, "results ranked")

	sink.Update(ctx, model.StageFinalizing, bandFinalizingStart, "writing result")
	result.QueryImages = outcomes
	result.Summary = summary

	if err := p.Sessions.WriteResult(sessionID, result); err != nil {
		xlog.Printf("pipeline: failed to write result for session %s: %v", sessionID, err)
	}
	sink.Update(ctx, model.StageFinalizing, bandFinalizingEnd, "done")
	sink.Complete(ctx, result)

	return result, nil
}

// processQueryImages persists and extracts features for each query image,
// isolating a single bad image so it doesn't abort the rest of the batch
// (spec §4.6 per-query isolation).
func (p *Pipeline) processQueryImages(ctx context.Context, cfg config.Document, sessionID string, queries []QueryImage, sink progress.Sink) ([]model.FeatureSet, []string, []bool, error) {
	features := make([]model.FeatureSet, len(queries))
	localURLs := make([]string, len(queries))
	decodeFailed := make([]bool, len(queries))

	span := bandProcessingDataEnd - bandProcessingDataStart
	step := span
	if len(queries) > 0 {
		step = span / float64(len(queries))
	}

	for i, q := range queries {
		progressPct := bandProcessingDataStart + float64(i)*step
		sink.Update(ctx, model.StageProcessingData, progressPct, fmt.Sprintf("Image %d/%d: %s", i+1, len(queries), q.Filename))

		name, err := p.Sessions.SaveQueryImage(sessionID, q.Data, q.Ext)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("saving query image %s: %w", q.Filename, err)
		}
		localURLs[i] = name
		sum := sha256.Sum256(q.Data)
		sink.ReportProcessedFile(ctx, model.ProcessedFileMetadata{
			FileHash:         hex.EncodeToString(sum[:]),
			StoredFileName:   name,
			OriginalFileName: q.Filename,
		})

		img, _, err := imgproc.DecodeImage(ctx, q.Data, "")
		if err != nil {
			// Isolated failure (spec §7 decode_failure): this query image
			// yields zero features and is reported as a failed image further
			// up in MatchBatch, rather than aborting the batch.
			decodeFailed[i] = true
			continue
		}

		region := detect.Detect(img)
		if cfg.Options.UseComicDetection {
			img = detect.Crop(img, region)
		}

		gray := imgproc.Preprocess(img)
		res := feature.Extract(gray, cfg.Detectors.SIFT.FeatureCount, cfg.Detectors.ORB.FeatureCount)
		features[i] = res.Features
	}

	return features, localURLs, decodeFailed, nil
}

// extractCandidateFeatures fetches and extracts features for every unique
// candidate URL, bounded by the configured worker count, preferring the
// feature cache over re-extraction.
func (p *Pipeline) extractCandidateFeatures(ctx context.Context, cfg config.Document, urls []model.CandidateURL, sink progress.Sink) []candidateFeatures {
	results := make([]candidateFeatures, len(urls))
	processed := xutil.NewSafeCounter()

	g, gctx := errgroup.WithContext(ctx)
	workers := cfg.MaxWorkers
	if workers <= 0 {
		workers = 4
	}
	g.SetLimit(workers)

	span := bandExtractFeaturesEnd - bandExtractFeaturesStart

	for i, u := range urls {
		i, u := i, u
		g.Go(func() error {
			cf := p.extractOneCandidate(gctx, cfg, u)
			results[i] = cf

			done := processed.Add(1)
			pct := bandExtractFeaturesStart + span*float64(done)/float64(len(urls))
			sink.Update(gctx, model.StageExtractingFeatures, pct, fmt.Sprintf("candidate %d/%d", done, len(urls)))
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (p *Pipeline) extractOneCandidate(ctx context.Context, cfg config.Document, u model.CandidateURL) candidateFeatures {
	cf := candidateFeatures{url: u.URL, cover: u.Cover, status: model.StatusFailedDownload}

	if p.Cache != nil {
		if rec, ok, err := p.Cache.GetFeatures(ctx, u.URL); err == nil && ok {
			cf.features = rec.Features
			cf.status = model.StatusSuccess
			return cf
		}
	}

	outcome := p.Fetcher.FetchOne(ctx, u.URL)
	if outcome.Err != nil {
		return cf
	}

	img, _, err := imgproc.DecodeImage(ctx, outcome.Data, "")
	if err != nil {
		cf.status = model.StatusFailedFeatures
		return cf
	}

	wasCropped := false
	if cfg.Options.UseComicDetection {
		region := detect.Detect(img)
		if region.Score > 0 {
			img = detect.Crop(img, region)
			wasCropped = true
		}
	}

	gray := imgproc.Preprocess(img)
	res := feature.Extract(gray, cfg.Detectors.SIFT.FeatureCount, cfg.Detectors.ORB.FeatureCount)
	cf.features = res.Features
	cf.status = model.StatusSuccess

	if p.Cache != nil {
		b := img.Bounds()
		if err := p.Cache.PutFeatures(ctx, u.URL, model.CachedFeatureRecord{
			Features:   res.Features,
			ImageWidth: b.Dx(), ImageHeight: b.Dy(),
			WasCropped: wasCropped,
		}); err != nil {
			xlog.Printf("pipeline: failed to cache features for %s: %v", u.URL, err)
		}
	}

	return cf
}

// persistCandidateImages copies a local, session-scoped image for every
// candidate that made it into some query's top matches (spec §4.7, §3: a
// Ranked Result carries "both the original and a locally cached candidate
// URL"), deduplicating across queries so a candidate appearing in more than
// one query's results is only fetched and copied once. Image bytes are
// fetched through the same cache-first path as extraction, so a candidate
// that was already downloaded during this batch is a cache read, not a new
// HTTP request.
func (p *Pipeline) persistCandidateImages(ctx context.Context, sessionID string, outcomes []model.QueryImageOutcome, sink progress.Sink) {
	localURLs := make(map[string]string)

	for qi := range outcomes {
		for ti := range outcomes[qi].TopMatches {
			m := &outcomes[qi].TopMatches[ti]
			if m.Status != model.StatusSuccess && m.Status != model.StatusFailedFeatures {
				continue // no bytes available for a failed download
			}
			if local, ok := localURLs[m.URL]; ok {
				m.LocalCandidateURL = local
				continue
			}

			data, ok := p.fetchCandidateBytes(ctx, m.URL)
			if !ok {
				continue
			}

			var comicName, issueNumber string
			if m.CoverMetadata != nil {
				comicName = m.CoverMetadata.Name
				issueNumber = m.CoverMetadata.IssueNumber
			}
			filename, err := p.Sessions.SaveCandidateImage(sessionID, comicName, issueNumber, m.URL, data, candidateImageExt(m.URL))
			if err != nil {
				xlog.Printf("pipeline: failed to persist candidate image %s: %v", m.URL, err)
				continue
			}
			localURLs[m.URL] = filename
			m.LocalCandidateURL = filename
			sum := sha256.Sum256(data)
			sink.ReportProcessedFile(ctx, model.ProcessedFileMetadata{
				FileHash:         hex.EncodeToString(sum[:]),
				StoredFileName:   filename,
				OriginalFileName: m.URL,
			})
		}
	}
}

func (p *Pipeline) fetchCandidateBytes(ctx context.Context, url string) ([]byte, bool) {
	if p.Cache != nil {
		if _, data, ok, err := p.Cache.GetImage(ctx, url); err == nil && ok {
			return data, true
		}
	}
	outcome := p.Fetcher.FetchOne(ctx, url)
	if outcome.Err != nil {
		return nil, false
	}
	return outcome.Data, true
}

func candidateImageExt(rawURL string) string {
	u := rawURL
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	ext := strings.TrimPrefix(filepath.Ext(u), ".")
	if ext == "" {
		return "jpg"
	}
	return ext
}

// compareAgainstCandidates matches one query's features against every
// candidate, returning its ranked top-K outcome.
func (p *Pipeline) compareAgainstCandidates(ctx context.Context, cfg config.Document, queryFeatures model.FeatureSet, candidates []candidateFeatures, start, end float64, totalQueries int, sink progress.Sink) model.QueryImageOutcome {
	var outcome model.QueryImageOutcome
	results := make([]model.RankedResult, 0, len(candidates))

	siftWeight := cfg.FeatureWeights.SIFT
	orbWeight := cfg.FeatureWeights.ORB
	siftRatio := cfg.RatioThresholds.SIFT
	orbRatio := cfg.RatioThresholds.ORB

	for i, c := range candidates {
		if ctx.Err() != nil {
			break
		}

		if len(candidates) > 0 {
			pct := start + (end-start)*float64(i+1)/float64(len(candidates))
			sink.Update(ctx, model.StageComparingImages, pct, fmt.Sprintf("candidate %d/%d", i+1, len(candidates)))
		}

		r := model.RankedResult{
			URL:    c.url,
			Status: c.status,
			CoverMetadata: c.cover,
			CandidateFeatureCounts: model.CandidateFeatureCounts{
				SIFTCount: c.features.SIFT.Count,
				ORBCount:  c.features.ORB.Count,
			},
		}

		if c.status == model.StatusSuccess {
			siftResult := match.MatchSIFT(queryFeatures.SIFT, c.features.SIFT, siftRatio)
			orbResult := match.MatchORB(queryFeatures.ORB, c.features.ORB, orbRatio)
			similarity := match.Fuse(siftResult, orbResult, siftWeight, orbWeight)

			r.Similarity = similarity
			r.MeetsThreshold = similarity >= cfg.SimilarityThreshold
			r.MatchDetails = map[string]model.MatchDetail{
				"sift": {GoodMatches: siftResult.GoodMatches, Similarity: siftResult.Similarity},
				"orb":  {GoodMatches: orbResult.GoodMatches, Similarity: orbResult.Similarity},
			}
		}

		results = append(results, r)
	}

	// Stable sort by similarity descending; ties keep their original
	// (input) relative order, per spec §4.6.
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Similarity > results[j].Similarity
	})

	batch := cfg.ResultBatch
	if batch <= 0 || batch > len(results) {
		batch = len(results)
	}
	outcome.TopMatches = results[:batch]
	outcome.TotalMatches = len(results)
	return outcome
}

func summarize(outcomes []model.QueryImageOutcome) model.SessionSummary {
	var s model.SessionSummary
	s.TotalImagesProcessed = len(outcomes)
	for _, o := range outcomes {
		if o.Error == "" {
			s.SuccessfulImages++
		} else {
			s.FailedImages++
		}
		s.TotalMatchesAllImages += o.TotalMatches
	}
	return s
}
