package mapping

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/biomapper/strategy-engine/engine"
	"github.com/biomapper/strategy-engine/engine/store"
)

// When a cached row predates confidence scoring its column is null; hits
// from such rows report this default.
const defaultCachedConfidence = 0.8

// CacheStore is the slice of the persistence contract the cache uses.
type CacheStore interface {
	QueryEntityMappings(ctx context.Context, query store.MappingQuery) ([]*store.EntityMapping, error)
	UpsertEntityMappings(ctx context.Context, mappings []store.EntityMapping) (int, error)
	InsertPathExecutionLog(ctx context.Context, entry *store.PathExecutionLog) (string, error)
}

// Cache is the at-most-one-compute memoization layer over entity mappings.
// De-duplication leans on the store's four-tuple uniqueness constraint, not
// on in-process locking, so concurrent writers are safe.
type Cache struct {
	st      CacheStore
	metrics *engine.Metrics
}

// NewCache builds a Cache. Pass nil metrics to skip instrumentation.
func NewCache(st CacheStore, metrics *engine.Metrics) *Cache {
	if metrics == nil {
		metrics = engine.NopMetrics()
	}
	return &Cache{st: st, metrics: metrics}
}

// CheckCache splits ids into cache hits, materialized as ready Results, and
// the uncached remainder. pathID, when non-empty, keeps only rows whose
// stored path details carry that path id; expiry, when non-nil, keeps only
// rows updated at or after it.
func (c *Cache) CheckCache(ctx context.Context, ids []string, sourceType, targetType, pathID string, expiry *time.Time) (map[string]*Result, []string, error) {
	ids = dedupe(ids)
	if len(ids) == 0 {
		return map[string]*Result{}, nil, nil
	}

	rows, err := c.st.QueryEntityMappings(ctx, store.MappingQuery{
		SourceIDs:    ids,
		SourceType:   sourceType,
		TargetType:   targetType,
		UpdatedSince: expiry,
	})
	if err != nil {
		return nil, nil, engine.WrapError(engine.KindCacheRetrieval, "query entity mappings", err)
	}

	bySource := make(map[string][]*store.EntityMapping)
	for _, row := range rows {
		// The path id lives inside the JSON detail blob, so the filter is
		// applied after the query.
		if pathID != "" && pathIDOf(row.PathDetails) != pathID {
			continue
		}
		bySource[row.SourceID] = append(bySource[row.SourceID], row)
	}

	cached := make(map[string]*Result, len(bySource))
	var uncached []string
	for _, id := range ids {
		matches := bySource[id]
		if len(matches) == 0 {
			uncached = append(uncached, id)
			c.metrics.CacheMissesTotal.Inc()
			continue
		}
		cached[id] = materializeHit(id, matches)
		c.metrics.CacheHitsTotal.Inc()
	}
	return cached, uncached, nil
}

// materializeHit turns cached rows for one source id into the Result shape
// a path execution would produce.
func materializeHit(sourceID string, rows []*store.EntityMapping) *Result {
	var targets []string
	for _, row := range rows {
		targets = append(targets, decodeTargets(row.TargetID)...)
	}
	targets = dedupe(targets)

	first := rows[0]
	confidence := defaultCachedConfidence
	if first.ConfidenceScore != nil {
		confidence = *first.ConfidenceScore
	}
	r := &Result{
		SourceIdentifier:  sourceID,
		TargetIdentifiers: targets,
		Status:            StatusSuccess,
		ConfidenceScore:   confidence,
		HopCount:          first.HopCount,
		MappingDirection:  first.MappingDirection,
		MappingSource:     first.MappingSource,
		Cached:            true,
	}
	if len(targets) > 0 {
		r.MappedValue = targets[0]
	}
	if first.PathDetails != nil {
		r.MappingPathDetails = first.PathDetails
	}
	return r
}

// decodeTargets interprets a stored target id: a JSON array yields multiple
// targets, anything else is a single target.
func decodeTargets(raw string) []string {
	if strings.HasPrefix(strings.TrimSpace(raw), "[") {
		var many []string
		if err := json.Unmarshal([]byte(raw), &many); err == nil {
			return many
		}
	}
	return []string{raw}
}

func pathIDOf(details map[string]any) string {
	if details == nil {
		return ""
	}
	id, _ := details["path_id"].(string)
	return id
}

// StoreMappingResults writes one EntityMapping row per (source, target)
// pair in results and records one PathExecutionLog for the attempt.
// Duplicate rows are absorbed by the store's uniqueness constraint. The
// returned id identifies the path log.
func (c *Cache) StoreMappingResults(ctx context.Context, results map[string]*Result, path Path, sourceType, targetType, sessionID string) (string, error) {
	started := time.Now().UTC()
	hop := path.HopCount()
	direction := path.Direction()
	source := SourceFor(path.Steps)

	var mappings []store.EntityMapping
	for sourceID, r := range results {
		if r == nil || len(r.TargetIdentifiers) == 0 {
			continue
		}
		confidence := r.ConfidenceScore
		if confidence == 0 {
			confidence = DeriveConfidence(&hop, path.IsReverse, path.Steps)
		}
		details := r.MappingPathDetails
		if details == nil {
			details = PathDetails(path, nil)
		}
		for _, target := range r.TargetIdentifiers {
			if target == "" {
				continue
			}
			score := confidence
			mappings = append(mappings, store.EntityMapping{
				SourceID:         sourceID,
				SourceType:       sourceType,
				TargetID:         target,
				TargetType:       targetType,
				ConfidenceScore:  &score,
				MappingSource:    source,
				HopCount:         hop,
				MappingDirection: direction,
				PathDetails:      details,
				LastUpdated:      started,
			})
		}
	}

	if len(mappings) > 0 {
		if _, err := c.st.UpsertEntityMappings(ctx, mappings); err != nil {
			return "", engine.WrapError(engine.KindCacheStorage, "upsert entity mappings", err)
		}
	}

	status := store.PathLogNoMapping
	if len(mappings) > 0 {
		status = store.PathLogSuccess
	}
	ended := time.Now().UTC()
	logEntry := &store.PathExecutionLog{
		PathID:                 path.ID,
		RepresentativeSourceID: representativeSource(results),
		SourceEntityType:       sourceType,
		StartTime:              started,
		EndTime:                ended,
		DurationMS:             ended.Sub(started).Milliseconds(),
		Status:                 status,
	}
	if sessionID != "" {
		logEntry.LogMessages = []string{"session:" + sessionID}
	}
	logID, err := c.st.InsertPathExecutionLog(ctx, logEntry)
	if err != nil {
		return "", engine.WrapError(engine.KindCacheStorage, "record path execution log", err)
	}
	return logID, nil
}

func representativeSource(results map[string]*Result) string {
	keys := make([]string, 0, len(results))
	for id := range results {
		keys = append(keys, id)
	}
	sort.Strings(keys)
	if len(keys) == 0 {
		return ""
	}
	return keys[0]
}
