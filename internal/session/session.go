// Package session implements the session and result store (spec §4.7): a
// per-session directory holding deduplicated query images, copied candidate
// images, and the final JSON result document. Path resolution follows the
// teacher's FileManager.validateID pattern (pkg/wallpaper/file_manager.go)
// so no persisted or served path can resolve outside its session directory;
// the atomic-write pattern follows the teacher's store.go
// saveCacheInternalOriginalLocked (temp file, then rename).
package session

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/infernokun/inferno-comics-matcher/internal/cache"
	"github.com/infernokun/inferno-comics-matcher/internal/model"
)

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Manager creates and resolves paths within the session storage tree.
type Manager struct {
	root string
}

// NewManager returns a Manager rooted at storageRoot, creating it if needed.
func NewManager(storageRoot string) (*Manager, error) {
	if err := os.MkdirAll(storageRoot, 0755); err != nil {
		return nil, fmt.Errorf("creating storage root: %w", err)
	}
	return &Manager{root: storageRoot}, nil
}

// validateID rejects any identifier that could escape the storage root,
// mirroring the teacher's FileManager.validateID.
func validateID(id string) error {
	if id == "" || strings.Contains(id, "..") || strings.ContainsRune(id, filepath.Separator) || strings.ContainsRune(id, '/') {
		return fmt.Errorf("session: invalid id %q", id)
	}
	return nil
}

func sanitizeSegment(s string) string {
	s = unsafeChars.ReplaceAllString(s, "_")
	if s == "" {
		return "unnamed"
	}
	return s
}

// SessionDir returns (and creates) the directory for sessionID.
func (m *Manager) SessionDir(sessionID string) (string, error) {
	if err := validateID(sessionID); err != nil {
		return "", err
	}
	dir := filepath.Join(m.root, sessionID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating session directory: %w", err)
	}
	return dir, nil
}

// ResolvePath returns the absolute path of filename within sessionID's
// directory, rejecting any path that would resolve outside it.
func (m *Manager) ResolvePath(sessionID, filename string) (string, error) {
	if err := validateID(sessionID); err != nil {
		return "", err
	}
	if filename == "" || strings.Contains(filename, "..") {
		return "", fmt.Errorf("session: invalid filename %q", filename)
	}
	base, err := filepath.Abs(filepath.Join(m.root, sessionID))
	if err != nil {
		return "", err
	}
	full, err := filepath.Abs(filepath.Join(base, filename))
	if err != nil {
		return "", err
	}
	if full != base && !strings.HasPrefix(full, base+string(filepath.Separator)) {
		return "", fmt.Errorf("session: path %q escapes session directory", filename)
	}
	return full, nil
}

// SaveQueryImage writes data under a SHA-256 content-addressed filename
// (query_<hash>.<ext>) so re-uploading the same bytes reuses the existing
// file (spec §4.7 dedup rule). It returns the filename, not the full path.
func (m *Manager) SaveQueryImage(sessionID string, data []byte, ext string) (string, error) {
	dir, err := m.SessionDir(sessionID)
	if err != nil {
		return "", err
	}
	ext = normalizeExt(ext)
	sum := sha256.Sum256(data)
	filename := fmt.Sprintf("query_%s%s", hex.EncodeToString(sum[:]), ext)
	path := filepath.Join(dir, filename)

	if _, err := os.Stat(path); err == nil {
		return filename, nil // already persisted, dedup hit
	}
	if err := writeFileAtomic(path, data); err != nil {
		return "", fmt.Errorf("saving query image: %w", err)
	}
	return filename, nil
}

// SaveCandidateImage copies a candidate image into the session directory,
// named to be traceable back to its comic/issue/URL without leaking the
// raw URL into the filesystem.
func (m *Manager) SaveCandidateImage(sessionID, comicName, issueNumber, url string, data []byte, ext string) (string, error) {
	dir, err := m.SessionDir(sessionID)
	if err != nil {
		return "", err
	}
	ext = normalizeExt(ext)
	urlHash := cache.HashURL(url)
	shortHash := urlHash
	if len(shortHash) > 8 {
		shortHash = shortHash[:8]
	}
	filename := fmt.Sprintf("candidate_%s_%s_%s%s",
		sanitizeSegment(comicName), sanitizeSegment(issueNumber), shortHash, ext)
	path := filepath.Join(dir, filename)

	if _, err := os.Stat(path); err == nil {
		return filename, nil
	}
	if err := writeFileAtomic(path, data); err != nil {
		return "", fmt.Errorf("saving candidate image: %w", err)
	}
	return filename, nil
}

func normalizeExt(ext string) string {
	ext = strings.TrimPrefix(ext, ".")
	if ext == "" {
		ext = "jpg"
	}
	return "." + unsafeChars.ReplaceAllString(ext, "")
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

const resultFilename = "result.json"

// WriteResult persists the session's final result document atomically,
// coercing any non-finite float (NaN/Inf, which can arise from degenerate
// similarity computations) to 0 so the document always round-trips through
// encoding/json. If serialization still fails, a minimal error document is
// written instead so the session directory never ends up without a result
// file (spec §4.7).
func (m *Manager) WriteResult(sessionID string, result model.SessionResult) error {
	dir, err := m.SessionDir(sessionID)
	if err != nil {
		return err
	}
	sanitizeResult(&result)

	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		data, _ = json.MarshalIndent(model.SessionResult{
			SessionID: result.SessionID,
			Error:     fmt.Sprintf("failed to serialize result: %v", err),
		}, "", "  ")
	}

	path := filepath.Join(dir, resultFilename)
	return writeFileAtomic(path, data)
}

// ReadResult loads a previously written result document.
func (m *Manager) ReadResult(sessionID string) (model.SessionResult, error) {
	path, err := m.ResolvePath(sessionID, resultFilename)
	if err != nil {
		return model.SessionResult{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return model.SessionResult{}, err
	}
	var result model.SessionResult
	if err := json.Unmarshal(data, &result); err != nil {
		return model.SessionResult{}, fmt.Errorf("decoding result document: %w", err)
	}
	return result, nil
}

func sanitizeResult(r *model.SessionResult) {
	r.Threshold = finiteOrZero(r.Threshold)
	for qi := range r.QueryImages {
		for ti := range r.QueryImages[qi].TopMatches {
			m := &r.QueryImages[qi].TopMatches[ti]
			m.Similarity = finiteOrZero(m.Similarity)
			for k, d := range m.MatchDetails {
				d.Similarity = finiteOrZero(d.Similarity)
				m.MatchDetails[k] = d
			}
		}
	}
}

func finiteOrZero(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}
