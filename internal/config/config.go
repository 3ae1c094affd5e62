// Package config provides layered configuration for the matching service:
// built-in defaults, a YAML document, a named performance preset, and
// per-field environment variable overrides, following the shape of the
// teacher's flat tuning-constants struct (pkg/wallpaper/tuning.go) widened
// to the spec's preset model (spec §4.9).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/infernokun/inferno-comics-matcher/internal/xlog"
)

// DetectorConfig configures one descriptor family.
type DetectorConfig struct {
	Enabled      bool `yaml:"enabled" json:"enabled"`
	FeatureCount int  `yaml:"feature_count" json:"featureCount"`
}

// Detectors configures both descriptor families.
type Detectors struct {
	SIFT DetectorConfig `yaml:"sift" json:"sift"`
	ORB  DetectorConfig `yaml:"orb" json:"orb"`
}

// FeatureWeights configures the fusion weights applied when both families
// produce a nonzero similarity (spec §4.5, Open Question 1).
type FeatureWeights struct {
	SIFT float64 `yaml:"sift" json:"sift"`
	ORB  float64 `yaml:"orb" json:"orb"`
}

// RatioThresholds configures Lowe's ratio test thresholds per family.
type RatioThresholds struct {
	SIFT float64 `yaml:"sift" json:"sift"`
	ORB  float64 `yaml:"orb" json:"orb"`
}

// Options toggles optional pipeline behavior for a preset.
type Options struct {
	UseAdvancedMatching bool `yaml:"use_advanced_matching" json:"useAdvancedMatching"`
	UseComicDetection   bool `yaml:"use_comic_detection" json:"useComicDetection"`
	CacheOnly           bool `yaml:"cache_only" json:"cacheOnly"`
}

// Preset is one named performance profile (spec §4.9).
type Preset struct {
	ImageSize      int            `yaml:"image_size" json:"imageSize"`
	MaxWorkers     int            `yaml:"max_workers" json:"maxWorkers"`
	Detectors      Detectors      `yaml:"detectors" json:"detectors"`
	FeatureWeights FeatureWeights `yaml:"feature_weights" json:"featureWeights"`
	Options        Options        `yaml:"options" json:"options"`
}

// Document is the full layered configuration document.
type Document struct {
	PerformanceLevel       string             `yaml:"performance_level" json:"performanceLevel"`
	ResultBatch            int                `yaml:"result_batch" json:"resultBatch"`
	SimilarityThresholdRaw interface{}        `yaml:"similarity_threshold" json:"similarityThreshold"`
	Presets                map[string]Preset  `yaml:"presets" json:"presets"`

	// Flattened fields, populated by applying the selected preset on top
	// of the document defaults (see ApplyPreset).
	ImageSize       int             `yaml:"-" json:"imageSizeEffective"`
	MaxWorkers      int             `yaml:"-" json:"maxWorkersEffective"`
	Detectors       Detectors       `yaml:"-" json:"detectorsEffective"`
	FeatureWeights  FeatureWeights  `yaml:"-" json:"featureWeightsEffective"`
	RatioThresholds RatioThresholds `yaml:"-" json:"ratioThresholdsEffective"`
	Options         Options         `yaml:"-" json:"optionsEffective"`

	// SimilarityThreshold is the normalized [0,1] decimal parsed
	// from SimilarityThresholdRaw (spec §4.9, §8 parsing laws).
	SimilarityThreshold float64 `yaml:"-" json:"similarityThresholdEffective"`
}

// Defaults returns the built-in configuration defaults, equivalent to the
// teacher's setDefaultValues/DefaultTuningConfig.
func Defaults() Document {
	d := Document{
		PerformanceLevel:       "balanced",
		ResultBatch:            10,
		SimilarityThresholdRaw: "0.55",
		Presets:                DefaultPresets(),
		RatioThresholds:        RatioThresholds{SIFT: 0.75, ORB: 0.70},
	}
	d.ApplyPreset(d.PerformanceLevel)
	return d
}

// DefaultPresets returns the built-in named presets.
func DefaultPresets() map[string]Preset {
	return map[string]Preset{
		"fast": {
			ImageSize:  600,
			MaxWorkers: 8,
			Detectors: Detectors{
				SIFT: DetectorConfig{Enabled: true, FeatureCount: 300},
				ORB:  DetectorConfig{Enabled: true, FeatureCount: 500},
			},
			FeatureWeights: FeatureWeights{SIFT: 0.7, ORB: 0.3},
			Options:        Options{UseAdvancedMatching: false, UseComicDetection: true, CacheOnly: false},
		},
		"balanced": {
			ImageSize:  800,
			MaxWorkers: 6,
			Detectors: Detectors{
				SIFT: DetectorConfig{Enabled: true, FeatureCount: 1000},
				ORB:  DetectorConfig{Enabled: true, FeatureCount: 1000},
			},
			FeatureWeights: FeatureWeights{SIFT: 0.7, ORB: 0.3},
			Options:        Options{UseAdvancedMatching: true, UseComicDetection: true, CacheOnly: false},
		},
		"accurate": {
			ImageSize:  1200,
			MaxWorkers: 4,
			Detectors: Detectors{
				SIFT: DetectorConfig{Enabled: true, FeatureCount: 1000},
				ORB:  DetectorConfig{Enabled: true, FeatureCount: 1000},
			},
			FeatureWeights: FeatureWeights{SIFT: 0.7, ORB: 0.3},
			Options:        Options{UseAdvancedMatching: true, UseComicDetection: true, CacheOnly: false},
		},
	}
}

// ApplyPreset copies the named preset's fields over the document's flat
// top-level fields. Applying the same preset twice yields the same config
// (spec §8 idempotence law): the operation is a pure copy, not a merge.
func (d *Document) ApplyPreset(name string) {
	preset, ok := d.Presets[name]
	if !ok {
		// "custom" (or an unknown name) leaves the flattened fields as
		// whatever the document already carries.
		return
	}
	d.PerformanceLevel = name
	d.ImageSize = preset.ImageSize
	d.MaxWorkers = preset.MaxWorkers
	d.Detectors = preset.Detectors
	d.FeatureWeights = preset.FeatureWeights
	d.Options = preset.Options
}

// ParseSimilarityThreshold normalizes a threshold value expressed as a
// percentage string ("55%"), a decimal string ("0.55"), a percentage number
// (55), or a decimal number (0.55) into a decimal in [0,1] (spec §4.9, §8).
func ParseSimilarityThreshold(raw interface{}) (float64, error) {
	switch v := raw.(type) {
	case nil:
		return 0.55, nil
	case float64:
		return normalizeThresholdNumber(v), nil
	case int:
		return normalizeThresholdNumber(float64(v)), nil
	case string:
		s := strings.TrimSpace(v)
		if strings.HasSuffix(s, "%") {
			n, err := strconv.ParseFloat(strings.TrimSuffix(s, "%"), 64)
			if err != nil {
				return 0, fmt.Errorf("parsing percentage threshold %q: %w", v, err)
			}
			return n / 100, nil
		}
		n, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("parsing threshold %q: %w", v, err)
		}
		return normalizeThresholdNumber(n), nil
	default:
		return 0, fmt.Errorf("similarity_threshold: unsupported type %T", raw)
	}
}

// normalizeThresholdNumber treats any value > 1 as a percentage (e.g. 55 ->
// 0.55) and otherwise assumes it is already a decimal fraction.
func normalizeThresholdNumber(n float64) float64 {
	if n > 1 {
		return n / 100
	}
	return n
}

// Load reads the layered document: defaults, then the YAML file at path (if
// it exists), then the preset named by performanceLevel (if non-empty,
// overriding the file's own performance_level).
func Load(path, performanceLevel string) (Document, error) {
	doc := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return doc, fmt.Errorf("reading config file %s: %w", path, err)
			}
		} else {
			merged := doc
			if err := yaml.Unmarshal(data, &merged); err != nil {
				return doc, fmt.Errorf("parsing config file %s: %w", path, err)
			}
			if merged.Presets == nil {
				merged.Presets = doc.Presets
			}
			doc = merged
		}
	}

	level := performanceLevel
	if level == "" {
		level = doc.PerformanceLevel
	}
	doc.ApplyPreset(level)

	threshold, err := ParseSimilarityThreshold(doc.SimilarityThresholdRaw)
	if err != nil {
		return doc, err
	}
	doc.SimilarityThreshold = threshold

	return doc, nil
}

// Store holds the live, hot-reloadable configuration document, mirroring
// the read/write locking the teacher uses for its Config singleton
// (pkg/wallpaper/config.go's mu sync.RWMutex).
type Store struct {
	mu       sync.RWMutex
	doc      Document
	path     string
	level    string
	watcher  *fsnotify.Watcher
}

// NewStore loads the initial document and returns a Store wrapping it.
func NewStore(path, performanceLevel string) (*Store, error) {
	doc, err := Load(path, performanceLevel)
	if err != nil {
		return nil, err
	}
	return &Store{doc: doc, path: path, level: performanceLevel}, nil
}

// Get returns a copy of the current configuration document.
func (s *Store) Get() Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc
}

// Set replaces the current configuration document (used by the POST /config
// endpoint).
func (s *Store) Set(doc Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc = doc
}

// Watch starts watching the backing YAML file for changes and reloads the
// document on each write event. It is a best-effort feature: a missing file
// or unsupported filesystem silently disables hot-reload rather than
// failing startup.
func (s *Store) Watch() {
	if s.path == "" {
		return
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		xlog.Printf("config: fsnotify unavailable, hot-reload disabled: %v", err)
		return
	}
	if err := watcher.Add(s.path); err != nil {
		xlog.Printf("config: cannot watch %s, hot-reload disabled: %v", s.path, err)
		watcher.Close()
		return
	}
	s.watcher = watcher

	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				doc, err := Load(s.path, s.level)
				if err != nil {
					xlog.Printf("config: reload of %s failed, keeping previous document: %v", s.path, err)
					continue
				}
				s.Set(doc)
				xlog.Printf("config: reloaded %s", s.path)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				xlog.Printf("config: watch error: %v", err)
			}
		}
	}()
}

// Close stops the hot-reload watcher, if any.
func (s *Store) Close() error {
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}
