package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"tablebridge/engine/internal/cache"
	"tablebridge/engine/internal/metrics"
	"tablebridge/engine/internal/models"
)

// DefaultResolverTTL is how long a linked table snapshot stays valid.
const DefaultResolverTTL = 5 * time.Minute

// linkedTable is one cached snapshot of a linked table: record id to
// primary-field name and the lower-cased inverse.
type linkedTable struct {
	mu        sync.RWMutex
	idToName  map[string]string
	nameToID  map[string]string
	fetchedAt time.Time
}

// LinkedRecordResolver translates linked record ids to primary-field
// names and back. The cache and singleflight group are process-wide and
// shared across runs; the client is bound per run so each run uses its
// own token.
type LinkedRecordResolver struct {
	client  AirtableClient
	cache   cache.Cache
	group   *singleflight.Group
	ttl     time.Duration
	metrics *metrics.MetricsRegistry
}

// NewLinkedRecordResolver binds a client to the shared cache and
// singleflight group. metrics may be nil.
func NewLinkedRecordResolver(client AirtableClient, c cache.Cache, group *singleflight.Group, ttl time.Duration, m *metrics.MetricsRegistry) *LinkedRecordResolver {
	if ttl <= 0 {
		ttl = DefaultResolverTTL
	}
	return &LinkedRecordResolver{client: client, cache: c, group: group, ttl: ttl, metrics: m}
}

func tableKey(baseID, tableID string) string {
	return "linked:" + baseID + ":" + tableID
}

// ResolveIDsToNames returns the primary-field name for each id. Ids the
// linked table does not contain come back in missing.
func (r *LinkedRecordResolver) ResolveIDsToNames(ctx context.Context, baseID, tableID string, ids []string) (map[string]string, []string, error) {
	entry, err := r.tableEntry(ctx, baseID, tableID)
	if err != nil {
		return nil, nil, err
	}
	entry.mu.RLock()
	defer entry.mu.RUnlock()

	names := make(map[string]string, len(ids))
	var missing []string
	for _, id := range ids {
		if name, ok := entry.idToName[id]; ok {
			names[id] = name
		} else {
			missing = append(missing, id)
		}
	}
	return names, missing, nil
}

// ResolveNamesToIDs returns the record id for each name, matching
// case-insensitively. When createMissing is set, unknown names get a
// minimal record created in the linked table and enter the cache.
func (r *LinkedRecordResolver) ResolveNamesToIDs(ctx context.Context, baseID, tableID string, names []string, createMissing bool) (map[string]string, []string, error) {
	entry, err := r.tableEntry(ctx, baseID, tableID)
	if err != nil {
		return nil, nil, err
	}

	ids := make(map[string]string, len(names))
	var missing []string
	entry.mu.RLock()
	for _, name := range names {
		key := strings.ToLower(strings.TrimSpace(name))
		if id, ok := entry.nameToID[key]; ok {
			ids[key] = id
		} else {
			missing = append(missing, name)
		}
	}
	entry.mu.RUnlock()

	if len(missing) == 0 || !createMissing {
		return ids, missing, nil
	}

	primary, err := r.primaryFieldName(ctx, baseID, tableID)
	if err != nil {
		return ids, missing, err
	}
	batch := make([]map[string]interface{}, 0, len(missing))
	for _, name := range missing {
		batch = append(batch, map[string]interface{}{primary: name})
	}
	created, err := r.client.CreateRecords(ctx, baseID, tableID, batch)
	if err != nil {
		return ids, missing, fmt.Errorf("creating %d linked records in %s: %w", len(missing), tableID, err)
	}

	entry.mu.Lock()
	for i, rec := range created {
		if i >= len(missing) {
			break
		}
		name := missing[i]
		key := strings.ToLower(strings.TrimSpace(name))
		entry.idToName[rec.ID] = name
		entry.nameToID[key] = rec.ID
		ids[key] = rec.ID
	}
	entry.mu.Unlock()

	return ids, nil, nil
}

// PreloadTable forces a fresh fetch of a linked table and returns the
// record count and elapsed time.
func (r *LinkedRecordResolver) PreloadTable(ctx context.Context, baseID, tableID string) (int, time.Duration, error) {
	start := time.Now()
	r.cache.Delete(tableKey(baseID, tableID))
	entry, err := r.tableEntry(ctx, baseID, tableID)
	if err != nil {
		return 0, time.Since(start), err
	}
	entry.mu.RLock()
	n := len(entry.idToName)
	entry.mu.RUnlock()
	return n, time.Since(start), nil
}

// Clear drops the cached snapshot for one table.
func (r *LinkedRecordResolver) Clear(baseID, tableID string) {
	r.cache.Delete(tableKey(baseID, tableID))
}

// ClearExpired evicts expired snapshots now.
func (r *LinkedRecordResolver) ClearExpired() {
	r.cache.DeleteExpired()
}

// tableEntry returns the cached snapshot for a table, fetching it once on
// miss. Concurrent misses for the same table coalesce into one fetch.
func (r *LinkedRecordResolver) tableEntry(ctx context.Context, baseID, tableID string) (*linkedTable, error) {
	key := tableKey(baseID, tableID)
	if v, ok := r.cache.Get(key); ok {
		if entry, ok := v.(*linkedTable); ok {
			if r.metrics != nil {
				r.metrics.ResolverCacheHitsTotal.WithLabelValues(tableID).Inc()
			}
			return entry, nil
		}
	}
	if r.metrics != nil {
		r.metrics.ResolverCacheMissesTotal.WithLabelValues(tableID).Inc()
	}

	v, err, _ := r.group.Do(key, func() (interface{}, error) {
		// Another waiter may have populated the cache while we queued.
		if v, ok := r.cache.Get(key); ok {
			return v, nil
		}
		entry, err := r.fetchTable(ctx, baseID, tableID)
		if err != nil {
			return nil, err
		}
		r.cache.Set(key, entry, r.ttl)
		return entry, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*linkedTable), nil
}

func (r *LinkedRecordResolver) fetchTable(ctx context.Context, baseID, tableID string) (*linkedTable, error) {
	primary, err := r.primaryFieldName(ctx, baseID, tableID)
	if err != nil {
		return nil, err
	}
	records, err := r.client.ListRecords(ctx, baseID, tableID, ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("fetching linked table %s: %w", tableID, err)
	}

	entry := &linkedTable{
		idToName:  make(map[string]string, len(records)),
		nameToID:  make(map[string]string, len(records)),
		fetchedAt: time.Now(),
	}
	for _, rec := range records {
		raw, ok := rec.Fields[primary]
		if !ok || raw == nil {
			continue
		}
		name := strings.TrimSpace(fmt.Sprintf("%v", raw))
		if name == "" {
			continue
		}
		entry.idToName[rec.ID] = name
		entry.nameToID[strings.ToLower(name)] = rec.ID
	}
	return entry, nil
}

// primaryFieldName looks up the primary field of a table via the base
// schema, cached alongside the table snapshots.
func (r *LinkedRecordResolver) primaryFieldName(ctx context.Context, baseID, tableID string) (string, error) {
	key := "schema:" + baseID
	var tables []models.TableSchema
	if v, ok := r.cache.Get(key); ok {
		tables, _ = v.([]models.TableSchema)
	}
	if tables == nil {
		v, err, _ := r.group.Do(key, func() (interface{}, error) {
			if v, ok := r.cache.Get(key); ok {
				return v, nil
			}
			fetched, err := r.client.GetBaseSchema(ctx, baseID)
			if err != nil {
				return nil, err
			}
			r.cache.Set(key, fetched, r.ttl)
			return fetched, nil
		})
		if err != nil {
			return "", fmt.Errorf("fetching base schema for %s: %w", baseID, err)
		}
		tables = v.([]models.TableSchema)
	}

	for i := range tables {
		if tables[i].ID == tableID || tables[i].Name == tableID {
			if pf := tables[i].PrimaryField(); pf != nil {
				return pf.Name, nil
			}
			break
		}
	}
	return "", fmt.Errorf("table %s has no primary field in base %s", tableID, baseID)
}
