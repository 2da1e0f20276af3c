package history

import (
	"sync"

	"github.com/vidforge/vidforge/pkg/logging"
	"github.com/vidforge/vidforge/pkg/models"
)

// Config holds history store configuration
type Config struct {
	MaxRecords int // Ring buffer capacity, oldest evicted first
	// HighConfidenceThreshold is the per-path record count at which sample
	// size stops discounting confidence
	HighConfidenceThreshold int
}

// DefaultConfig returns sensible defaults for the history store
func DefaultConfig() Config {
	return Config{
		MaxRecords:              50,
		HighConfidenceThreshold: 5,
	}
}

// Store is a session-scoped ledger of past conversion attempts. It feeds
// the strategy registry's historical override and recent-failure rules.
// History is an optimization: persistence failures are logged and
// swallowed, never surfaced to callers.
type Store struct {
	mu       sync.RWMutex
	records  []models.ConversionRecord
	config   Config
	snapshot SnapshotStore
	log      *logging.Logger
}

// NewStore creates a history store. snapshot may be nil for a purely
// in-memory session; an existing snapshot with a matching version is
// hydrated, anything else is discarded.
func NewStore(config Config, snapshot SnapshotStore, log *logging.Logger) *Store {
	if config.MaxRecords <= 0 {
		config.MaxRecords = DefaultConfig().MaxRecords
	}
	if config.HighConfidenceThreshold <= 0 {
		config.HighConfidenceThreshold = DefaultConfig().HighConfidenceThreshold
	}
	if log == nil {
		log = logging.Nop()
	}

	s := &Store{
		config:   config,
		snapshot: snapshot,
		log:      log,
	}
	s.hydrate()
	return s
}

// Record appends one attempt, evicting the oldest records beyond capacity,
// and persists a snapshot.
func (s *Store) Record(rec models.ConversionRecord) {
	s.mu.Lock()
	rec.Codec = models.NormalizeCodec(rec.Codec)
	s.records = append(s.records, rec)
	if over := len(s.records) - s.config.MaxRecords; over > 0 {
		s.records = append([]models.ConversionRecord(nil), s.records[over:]...)
	}
	s.mu.Unlock()

	s.persist()
}

// History returns all records matching the normalized codec family and
// exact format, oldest first, or nil if there are none.
func (s *Store) History(codec string, format models.Format) []models.ConversionRecord {
	family := models.NormalizeCodec(codec)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.ConversionRecord
	for _, rec := range s.records {
		if rec.Codec == family && rec.Format == format {
			out = append(out, rec)
		}
	}
	return out
}

// Len returns the current record count
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// All returns a copy of every record, oldest first
func (s *Store) All() []models.ConversionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.ConversionRecord(nil), s.records...)
}

// Clear empties the store and re-persists the empty snapshot
func (s *Store) Clear() {
	s.mu.Lock()
	s.records = nil
	s.mu.Unlock()

	s.persist()
}

type pathStats struct {
	count        int
	successes    int
	successRate  float64
	avgSuccessMs int64
}

// RecommendedPath derives the best execution path for codec+format from
// recorded outcomes. Paths are ranked by success rate, then successful
// attempt count, then lowest average successful duration. Returns nil when
// no path has a single success, no matter how many failures are on file.
func (s *Store) RecommendedPath(codec string, format models.Format) *models.RecommendedPath {
	matching := s.History(codec, format)
	if len(matching) == 0 {
		return nil
	}

	stats := make(map[models.Path]*pathStats)
	for _, rec := range matching {
		st := stats[rec.Path]
		if st == nil {
			st = &pathStats{}
			stats[rec.Path] = st
		}
		st.count++
		if rec.Success {
			st.successes++
			st.avgSuccessMs += rec.DurationMs
		}
	}
	for _, st := range stats {
		st.successRate = float64(st.successes) / float64(st.count)
		if st.successes > 0 {
			st.avgSuccessMs /= int64(st.successes)
		}
	}

	var best models.Path
	var bestStats *pathStats
	for path, st := range stats {
		if bestStats == nil || better(st, bestStats) {
			best = path
			bestStats = st
		}
	}

	if bestStats == nil || bestStats.successes == 0 {
		return nil
	}

	confidence := float64(bestStats.count) / float64(s.config.HighConfidenceThreshold)
	if confidence > 1 {
		confidence = 1
	}
	confidence *= bestStats.successRate
	if confidence < 0 {
		confidence = 0
	}

	return &models.RecommendedPath{
		Path:           best,
		Confidence:     confidence,
		BasedOnRecords: bestStats.count,
		AvgDurationMs:  bestStats.avgSuccessMs,
	}
}

// better reports whether a should be ranked ahead of b
func better(a, b *pathStats) bool {
	if a.successRate != b.successRate {
		return a.successRate > b.successRate
	}
	if a.successes != b.successes {
		return a.successes > b.successes
	}
	// Both have identical rates and counts; prefer the faster path. Paths
	// without successes have avgSuccessMs 0 but lose on the rate check.
	return a.avgSuccessMs < b.avgSuccessMs
}

func (s *Store) hydrate() {
	if s.snapshot == nil {
		return
	}
	snap, err := s.snapshot.Load()
	if err != nil {
		s.log.Warn("history snapshot load failed", map[string]interface{}{"error": err.Error()})
		return
	}
	if snap == nil {
		return
	}
	if snap.Version != SnapshotVersion {
		s.log.Info("history snapshot version mismatch, discarding", map[string]interface{}{
			"found":    snap.Version,
			"expected": SnapshotVersion,
		})
		return
	}
	records := snap.Records
	if over := len(records) - s.config.MaxRecords; over > 0 {
		records = records[over:]
	}
	s.records = append([]models.ConversionRecord(nil), records...)
}

func (s *Store) persist() {
	if s.snapshot == nil {
		return
	}
	snap := &Snapshot{
		Records:    s.All(),
		MaxRecords: s.config.MaxRecords,
		Version:    SnapshotVersion,
	}
	if err := s.snapshot.Save(snap); err != nil {
		s.log.Warn("history snapshot save failed", map[string]interface{}{"error": err.Error()})
	}
}
