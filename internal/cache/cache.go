// Package cache implements the two-tier cache store (spec §4.1): SQLite
// metadata plus a filesystem JPEG byte cache, both keyed by the MD5 hash of
// the source URL. The atomic temp-file-then-rename write pattern and the
// path-safety check are grounded on the teacher's store.go
// saveCacheInternalOriginalLocked and file_manager.go validateID; the SQLite
// metadata layer is enrichment from the sibling example repo that uses
// database/sql with mattn/go-sqlite3 for its own metadata store.
package cache

import (
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/infernokun/inferno-comics-matcher/internal/keypoint"
	"github.com/infernokun/inferno-comics-matcher/internal/model"
	"github.com/infernokun/inferno-comics-matcher/internal/xlog"
	"github.com/infernokun/inferno-comics-matcher/internal/xutil"
)

// ImageQuality is the JPEG quality for cached images (spec §4.1). PutImage
// stores the bytes it is given as-is and does not re-encode them, so the
// store itself does not apply this value.
const ImageQuality = 85

// Store is the combined SQLite metadata + filesystem byte cache.
type Store struct {
	db       *sql.DB
	cacheDir string

	imageHits     xutil.SafeCounter
	imageMisses   xutil.SafeCounter
	featureHits   xutil.SafeCounter
	featureMisses xutil.SafeCounter

	timeSavedMu   sync.Mutex
	timeSavedSecs float64
}

// Stats summarizes the cache's current size and effectiveness (spec §4.1
// stats()).
type Stats struct {
	CachedImages        int     `json:"cachedImages"`
	CachedFeatures      int     `json:"cachedFeatures"`
	DiskBytes           int64   `json:"diskBytes"`
	ProcessingTimeSaved float64 `json:"processingTimeSaved"`
	HitRateImage        float64 `json:"hitRateImage"`
	HitRateFeature      float64 `json:"hitRateFeature"`
}

// HashURL returns the hex MD5 digest used as the cache key for url.
func HashURL(url string) string {
	sum := md5.Sum([]byte(url))
	return hex.EncodeToString(sum[:])
}

// Open creates (or opens) the SQLite metadata database at dbPath and ensures
// cacheDir exists for image bytes.
func Open(dbPath, cacheDir string) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening cache db: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite3 driver does not support concurrent writers

	s := &Store{db: db, cacheDir: cacheDir}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS cached_images (
			url_hash TEXT PRIMARY KEY,
			url TEXT NOT NULL,
			byte_size INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			last_accessed_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_cached_images_url ON cached_images(url)`,
		`CREATE INDEX IF NOT EXISTS idx_cached_images_last_accessed ON cached_images(last_accessed_at)`,
		`CREATE TABLE IF NOT EXISTS cached_features (
			url_hash TEXT PRIMARY KEY,
			url TEXT NOT NULL,
			sift_blob BLOB NOT NULL,
			orb_blob BLOB NOT NULL,
			processing_time_seconds REAL NOT NULL,
			image_width INTEGER NOT NULL,
			image_height INTEGER NOT NULL,
			was_cropped INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			last_accessed_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_cached_features_url ON cached_features(url)`,
		`CREATE INDEX IF NOT EXISTS idx_cached_features_last_accessed ON cached_features(last_accessed_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrating cache schema: %w", err)
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// validateHash rejects any hash value that could be used for path traversal,
// mirroring the teacher's FileManager.validateID check. HashURL-produced
// values never trip this; it guards against a caller passing a raw URL by
// mistake.
func validateHash(hash string) error {
	if hash == "" || strings.Contains(hash, "..") || strings.ContainsRune(hash, filepath.Separator) {
		return fmt.Errorf("cache: invalid url hash %q", hash)
	}
	return nil
}

func (s *Store) imagePath(hash string) string {
	return filepath.Join(s.cacheDir, hash+".jpg")
}

// GetImage returns the cached JPEG bytes for url, if present, and touches
// the last-accessed timestamp.
func (s *Store) GetImage(ctx context.Context, url string) (model.CachedImage, []byte, bool, error) {
	hash := HashURL(url)
	if err := validateHash(hash); err != nil {
		return model.CachedImage{}, nil, false, err
	}

	var rec model.CachedImage
	var createdAt, lastAccessedAt int64
	row := s.db.QueryRowContext(ctx,
		`SELECT url_hash, url, byte_size, created_at, last_accessed_at FROM cached_images WHERE url_hash = ?`, hash)
	if err := row.Scan(&rec.URLHash, &rec.URL, &rec.ByteSize, &createdAt, &lastAccessedAt); err != nil {
		if err == sql.ErrNoRows {
			s.imageMisses.Add(1)
			return model.CachedImage{}, nil, false, nil
		}
		return model.CachedImage{}, nil, false, fmt.Errorf("querying cached image: %w", err)
	}

	data, err := os.ReadFile(s.imagePath(hash))
	if err != nil {
		if os.IsNotExist(err) {
			// Metadata survived without the file; treat as a miss.
			s.imageMisses.Add(1)
			return model.CachedImage{}, nil, false, nil
		}
		return model.CachedImage{}, nil, false, fmt.Errorf("reading cached image bytes: %w", err)
	}

	rec.CreatedAt = time.UnixMilli(createdAt)
	rec.LastAccessedAt = time.UnixMilli(lastAccessedAt)
	rec.FilePath = s.imagePath(hash)

	if _, err := s.db.ExecContext(ctx, `UPDATE cached_images SET last_accessed_at = ? WHERE url_hash = ?`,
		nowMillis(), hash); err != nil {
		xlog.Printf("cache: failed to touch last_accessed_at for %s: %v", hash, err)
	}

	s.imageHits.Add(1)
	return rec, data, true, nil
}

// PutImage writes jpegBytes to the filesystem cache and records its
// metadata, overwriting any prior entry for the same URL.
func (s *Store) PutImage(ctx context.Context, url string, jpegBytes []byte) error {
	hash := HashURL(url)
	if err := validateHash(hash); err != nil {
		return err
	}

	path := s.imagePath(hash)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, jpegBytes, 0644); err != nil {
		return fmt.Errorf("writing temp cache file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming cache file into place: %w", err)
	}

	now := nowMillis()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cached_images (url_hash, url, byte_size, created_at, last_accessed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(url_hash) DO UPDATE SET byte_size = excluded.byte_size, last_accessed_at = excluded.last_accessed_at
	`, hash, url, len(jpegBytes), now, now)
	if err != nil {
		return fmt.Errorf("recording cached image metadata: %w", err)
	}
	return nil
}

// GetFeatures returns the cached feature set for url, if present.
func (s *Store) GetFeatures(ctx context.Context, url string) (model.CachedFeatureRecord, bool, error) {
	hash := HashURL(url)
	if err := validateHash(hash); err != nil {
		return model.CachedFeatureRecord{}, false, err
	}

	var rec model.CachedFeatureRecord
	var siftBlob, orbBlob []byte
	var wasCropped int
	var createdAt, lastAccessedAt int64
	row := s.db.QueryRowContext(ctx, `
		SELECT url_hash, url, sift_blob, orb_blob, processing_time_seconds, image_width, image_height,
		       was_cropped, created_at, last_accessed_at
		FROM cached_features WHERE url_hash = ?`, hash)
	err := row.Scan(&rec.URLHash, &rec.URL, &siftBlob, &orbBlob, &rec.ProcessingTimeSeconds,
		&rec.ImageWidth, &rec.ImageHeight, &wasCropped, &createdAt, &lastAccessedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			s.featureMisses.Add(1)
			return model.CachedFeatureRecord{}, false, nil
		}
		return model.CachedFeatureRecord{}, false, fmt.Errorf("querying cached features: %w", err)
	}

	fs, err := keypoint.DecodeFeatureSet(siftBlob, orbBlob)
	if err != nil {
		return model.CachedFeatureRecord{}, false, fmt.Errorf("decoding cached features: %w", err)
	}
	rec.Features = fs
	rec.WasCropped = wasCropped != 0
	rec.CreatedAt = time.UnixMilli(createdAt)
	rec.LastAccessedAt = time.UnixMilli(lastAccessedAt)

	if _, err := s.db.ExecContext(ctx, `UPDATE cached_features SET last_accessed_at = ? WHERE url_hash = ?`,
		nowMillis(), hash); err != nil {
		xlog.Printf("cache: failed to touch last_accessed_at for %s: %v", hash, err)
	}

	s.featureHits.Add(1)
	s.timeSavedMu.Lock()
	s.timeSavedSecs += rec.ProcessingTimeSeconds
	s.timeSavedMu.Unlock()

	return rec, true, nil
}

// PutFeatures records a feature set for url, overwriting any prior entry.
func (s *Store) PutFeatures(ctx context.Context, url string, rec model.CachedFeatureRecord) error {
	hash := HashURL(url)
	if err := validateHash(hash); err != nil {
		return err
	}

	siftBlob, orbBlob, err := keypoint.EncodeFeatureSet(rec.Features)
	if err != nil {
		return fmt.Errorf("encoding features for cache: %w", err)
	}

	wasCropped := 0
	if rec.WasCropped {
		wasCropped = 1
	}
	now := nowMillis()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cached_features (url_hash, url, sift_blob, orb_blob, processing_time_seconds,
			image_width, image_height, was_cropped, created_at, last_accessed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(url_hash) DO UPDATE SET
			sift_blob = excluded.sift_blob, orb_blob = excluded.orb_blob,
			processing_time_seconds = excluded.processing_time_seconds,
			image_width = excluded.image_width, image_height = excluded.image_height,
			was_cropped = excluded.was_cropped, last_accessed_at = excluded.last_accessed_at
	`, hash, url, siftBlob, orbBlob, rec.ProcessingTimeSeconds, rec.ImageWidth, rec.ImageHeight,
		wasCropped, now, now)
	if err != nil {
		return fmt.Errorf("recording cached features: %w", err)
	}
	return nil
}

// Stats reports cache occupancy and hit-rate/time-saved effectiveness
// (spec §4.1 stats()).
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(byte_size), 0) FROM cached_images`).
		Scan(&stats.CachedImages, &stats.DiskBytes); err != nil {
		return stats, fmt.Errorf("counting cached images: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cached_features`).
		Scan(&stats.CachedFeatures); err != nil {
		return stats, fmt.Errorf("counting cached features: %w", err)
	}

	if hits, misses := s.imageHits.Value(), s.imageMisses.Value(); hits+misses > 0 {
		stats.HitRateImage = float64(hits) / float64(hits+misses)
	}
	if hits, misses := s.featureHits.Value(), s.featureMisses.Value(); hits+misses > 0 {
		stats.HitRateFeature = float64(hits) / float64(hits+misses)
	}

	s.timeSavedMu.Lock()
	stats.ProcessingTimeSaved = s.timeSavedSecs
	s.timeSavedMu.Unlock()

	return stats, nil
}

// Cleanup deletes cache entries (both metadata and, for images, the backing
// file) whose last_accessed_at is older than olderThanDays days.
func (s *Store) Cleanup(ctx context.Context, olderThanDays int) (deletedImages, deletedFeatures int, err error) {
	cutoff := time.Now().AddDate(0, 0, -olderThanDays).UnixMilli()

	rows, err := s.db.QueryContext(ctx, `SELECT url_hash FROM cached_images WHERE last_accessed_at < ?`, cutoff)
	if err != nil {
		return 0, 0, fmt.Errorf("selecting stale images: %w", err)
	}
	var staleHashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			rows.Close()
			return 0, 0, err
		}
		staleHashes = append(staleHashes, h)
	}
	rows.Close()

	for _, h := range staleHashes {
		if err := os.Remove(s.imagePath(h)); err != nil && !os.IsNotExist(err) {
			xlog.Printf("cache: failed to remove stale image file %s: %v", h, err)
		}
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM cached_images WHERE last_accessed_at < ?`, cutoff)
	if err != nil {
		return 0, 0, fmt.Errorf("deleting stale image metadata: %w", err)
	}
	n, _ := res.RowsAffected()
	deletedImages = int(n)

	res, err = s.db.ExecContext(ctx, `DELETE FROM cached_features WHERE last_accessed_at < ?`, cutoff)
	if err != nil {
		return deletedImages, 0, fmt.Errorf("deleting stale feature metadata: %w", err)
	}
	n, _ = res.RowsAffected()
	deletedFeatures = int(n)

	return deletedImages, deletedFeatures, nil
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
