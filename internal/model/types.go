// Package model holds the data shapes shared across the matching pipeline:
// candidate covers as received from the catalog, the feature sets extracted
// from images, match results, and the documents persisted per session.
package model

import "time"

// MatchStatus classifies the outcome of matching one candidate URL.
type MatchStatus string

const (
	StatusSuccess        MatchStatus = "success"
	StatusFailedDownload MatchStatus = "failed_download"
	StatusFailedFeatures MatchStatus = "failed_features"
)

// CandidateCover is the upstream catalog record for a potential match: one
// comic, one or more candidate image URLs. The catalog service returns this
// either as a single-URL or multi-URL shape; callers normalize at the
// boundary (see httpapi.DecodeCandidateCovers) so the rest of the pipeline
// only ever sees this normalized shape.
type CandidateCover struct {
	Name              string   `json:"name"`
	IssueNumber       string   `json:"issueNumber"`
	URLs              []string `json:"urls"`
	ComicVineID       string   `json:"comicVineId"`
	ParentComicVineID string   `json:"parentComicVineId"`
	Error             string   `json:"error,omitempty"`
}

// CandidateURL expands a CandidateCover into one entry per URL, retaining a
// back-reference to the owning cover record.
type CandidateURL struct {
	URL   string
	Cover *CandidateCover
}

// FlattenCandidateCovers expands a list of covers into one CandidateURL per
// URL, preserving input order and de-duplicating repeated URLs (the first
// occurrence's cover wins the back-reference; downstream code matches a
// duplicate URL only once per spec §4.6).
func FlattenCandidateCovers(covers []CandidateCover) []CandidateURL {
	seen := make(map[string]bool, len(covers))
	out := make([]CandidateURL, 0, len(covers))
	for i := range covers {
		c := &covers[i]
		for _, u := range c.URLs {
			if u == "" || seen[u] {
				continue
			}
			seen[u] = true
			out = append(out, CandidateURL{URL: u, Cover: c})
		}
	}
	return out
}

// Keypoint is a single detected feature point, carried independently of
// whichever detector family produced it.
type Keypoint struct {
	X        float64
	Y        float64
	Size     float64
	Angle    float64
	Response float64
	Octave   int
	ClassID  int
}

// DescriptorSet holds one detector family's keypoints and descriptor rows
// (one row per keypoint).
type DescriptorSet struct {
	Keypoints   []Keypoint
	Descriptors [][]float32 // scale-invariant family: 128-wide float rows
	Binary      [][]uint64  // binary family: fixed-width packed-bit rows
	Count       int
}

// FeatureSet is the pair of descriptor families extracted from one image.
type FeatureSet struct {
	SIFT DescriptorSet
	ORB  DescriptorSet
}

// CachedImage mirrors one row of the cache store's image table.
type CachedImage struct {
	URLHash        string
	URL            string
	FilePath       string
	ByteSize       int64
	CreatedAt      time.Time
	LastAccessedAt time.Time
}

// CachedFeatureRecord mirrors one row of the cache store's feature table.
type CachedFeatureRecord struct {
	URLHash               string
	URL                   string
	Features              FeatureSet
	ProcessingTimeSeconds float64
	ImageWidth            int
	ImageHeight           int
	WasCropped            bool
	CreatedAt             time.Time
	LastAccessedAt        time.Time
}

// MatchDetail is the per-algorithm-family diagnostic for one comparison.
type MatchDetail struct {
	TotalMatches int     `json:"totalMatches"`
	GoodMatches  int     `json:"goodMatches"`
	Similarity   float64 `json:"similarity"`
}

// CandidateFeatureCounts reports how many keypoints each family produced
// for a candidate, independent of whether matching succeeded.
type CandidateFeatureCounts struct {
	SIFTCount int `json:"siftCount"`
	ORBCount  int `json:"orbCount"`
}

// RankedResult is one candidate's outcome against one query image.
type RankedResult struct {
	URL                    string                 `json:"url"`
	Similarity             float64                `json:"similarity"`
	Status                 MatchStatus            `json:"status"`
	MeetsThreshold         bool                   `json:"meetsThreshold"`
	MatchDetails           map[string]MatchDetail `json:"matchDetails"`
	CandidateFeatureCounts CandidateFeatureCounts `json:"candidateFeatureCounts"`
	CoverMetadata          *CandidateCover        `json:"coverMetadata,omitempty"`
	LocalCandidateURL      string                 `json:"localCandidateUrl,omitempty"`
}

// QueryImageOutcome is the per-query-image section of a SessionResult.
type QueryImageOutcome struct {
	LocalQueryImageURL string         `json:"localQueryImageUrl"`
	TopMatches         []RankedResult `json:"topMatches"`
	TotalMatches       int            `json:"totalMatches"`
	Error              string         `json:"error,omitempty"`
}

// SessionSummary aggregates outcomes across all query images of a session.
type SessionSummary struct {
	TotalImagesProcessed  int `json:"totalImagesProcessed"`
	SuccessfulImages      int `json:"successfulImages"`
	FailedImages          int `json:"failedImages"`
	TotalMatchesAllImages int `json:"totalMatchesAllImages"`
}

// SessionResult is the persisted JSON document capturing the entire outcome
// of one pipeline invocation.
type SessionResult struct {
	SessionID   string              `json:"sessionId"`
	Timestamp   time.Time           `json:"timestamp"`
	Threshold   float64             `json:"threshold"`
	QueryImages []QueryImageOutcome `json:"queryImages"`
	Summary     SessionSummary      `json:"summary"`
	Error       string              `json:"error,omitempty"`
}

// ProgressStage is one of the closed set of pipeline stages.
type ProgressStage string

const (
	StageProcessingData      ProgressStage = "processing_data"
	StageInitializingMatcher ProgressStage = "initializing_matcher"
	StageExtractingFeatures  ProgressStage = "extracting_features"
	StageComparingImages     ProgressStage = "comparing_images"
	StageProcessingResults   ProgressStage = "processing_results"
	StageFinalizing          ProgressStage = "finalizing"
	StageComplete            ProgressStage = "complete"
	StageError               ProgressStage = "error"
)

// ExtractedStats are the counters the progress reporter derives by parsing
// structured fields out of update messages (spec §4.8).
type ExtractedStats struct {
	TotalItems      int    `json:"totalItems,omitempty"`
	ProcessedItems  int    `json:"processedItems,omitempty"`
	SuccessfulItems int    `json:"successfulItems,omitempty"`
	FailedItems     int    `json:"failedItems,omitempty"`
	CurrentStage    string `json:"currentStage,omitempty"`
}

// ProgressEvent is one emission on a session's progress stream.
type ProgressEvent struct {
	SessionID       string          `json:"sessionId"`
	Stage           ProgressStage   `json:"stage"`
	Progress        float64         `json:"progress"`
	Message         string          `json:"message"`
	ExtractedStats  *ExtractedStats `json:"extractedStats,omitempty"`
	TimestampMillis int64           `json:"timestampMillis"`
}

// ProcessedFileMetadata is the payload for the reporter's processed-file
// operation (spec §6 POST <progressBase>/progress/processed-file): it tells
// the external progress service that one query or candidate image has been
// durably stored under a content-addressed name.
type ProcessedFileMetadata struct {
	SessionID        string `json:"session_id"`
	FileHash         string `json:"file_hash"`
	StoredFileName   string `json:"stored_file_name"`
	OriginalFileName string `json:"original_file_name"`
}
