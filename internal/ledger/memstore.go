package ledger

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/spectyra/spectyra-core/internal/convo"
)

// MemStore is the in-memory SampleStore and RowStore used by tests and dry
// runs. Folds happen under one lock, so concurrent samples for the same
// bucket never lose an update.
type MemStore struct {
	mu      sync.Mutex
	samples map[string]BaselineSample
	rows    []Row
}

// NewMemStore builds an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{samples: map[string]BaselineSample{}}
}

func (m *MemStore) GetSample(_ context.Context, workloadKey string) (BaselineSample, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sample, ok := m.samples[strings.TrimSpace(workloadKey)]
	return sample, ok, nil
}

func (m *MemStore) NearestSample(_ context.Context, workloadKey string, minN int64) (BaselineSample, bool, error) {
	path, provider, model, sizeClass, ok := convo.SplitWorkloadKey(workloadKey)
	if !ok {
		return BaselineSample{}, false, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	type candidate struct {
		key      string
		sample   BaselineSample
		distance int
	}
	var candidates []candidate
	for key, sample := range m.samples {
		p, pr, mo, sz, ok := convo.SplitWorkloadKey(key)
		if !ok || p != path || pr != provider || mo != model || sz == sizeClass {
			continue
		}
		if sample.N < minN {
			continue
		}
		candidates = append(candidates, candidate{key: key, sample: sample, distance: sizeDistance(sizeClass, sz)})
	}
	if len(candidates) == 0 {
		return BaselineSample{}, false, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].distance != candidates[j].distance {
			return candidates[i].distance < candidates[j].distance
		}
		if candidates[i].sample.N != candidates[j].sample.N {
			return candidates[i].sample.N > candidates[j].sample.N
		}
		return candidates[i].key < candidates[j].key
	})
	return candidates[0].sample, true, nil
}

func (m *MemStore) UpsertSample(_ context.Context, workloadKey string, tokens, costUSD float64, atUnixMs int64) error {
	key := strings.TrimSpace(workloadKey)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples[key] = Fold(m.samples[key], key, tokens, costUSD, atUnixMs)
	return nil
}

func (m *MemStore) AppendRow(_ context.Context, row Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, row)
	return nil
}

// ListRows returns the most recent rows, oldest first, optionally filtered
// by workload key. limit <= 0 means no limit.
func (m *MemStore) ListRows(_ context.Context, workloadKey string, limit int) ([]Row, error) {
	key := strings.TrimSpace(workloadKey)
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Row
	for _, row := range m.rows {
		if key != "" && row.WorkloadKey != key {
			continue
		}
		out = append(out, row)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

var sizeOrder = map[string]int{"s": 0, "m": 1, "l": 2}

func sizeDistance(a, b string) int {
	da, db := sizeOrder[a], sizeOrder[b]
	if da > db {
		return da - db
	}
	return db - da
}
