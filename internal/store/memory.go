package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vanshika/votetrace/internal/domain"
)

type statKey struct {
	constituencyID string
	hour           int64
}

func keyFor(constituencyID string, hour time.Time) statKey {
	return statKey{constituencyID: constituencyID, hour: hour.UTC().UnixNano()}
}

// Memory is a goroutine-safe in-process Store.
type Memory struct {
	mu             sync.RWMutex
	transactions   map[string]domain.Transaction
	stats          map[statKey]domain.HourlyStat
	alerts         map[string]domain.Alert
	jobs           map[string]domain.FileProcessingJob
	constituencies map[string]domain.Constituency
	regions        map[int]domain.Region
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		transactions:   make(map[string]domain.Transaction),
		stats:          make(map[statKey]domain.HourlyStat),
		alerts:         make(map[string]domain.Alert),
		jobs:           make(map[string]domain.FileProcessingJob),
		constituencies: make(map[string]domain.Constituency),
		regions:        make(map[int]domain.Region),
	}
}

// PutConstituency seeds reference data.
func (m *Memory) PutConstituency(c domain.Constituency) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.constituencies[c.ID] = c
}

func (m *Memory) Exists(_ context.Context, id string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.transactions[id]
	return ok, nil
}

func (m *Memory) BulkInsert(_ context.Context, txs []domain.Transaction) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var inserted []string
	for _, tx := range txs {
		if _, ok := m.transactions[tx.ID]; ok {
			continue
		}
		m.transactions[tx.ID] = tx
		inserted = append(inserted, tx.ID)
	}
	return inserted, nil
}

func (m *Memory) QueryTransactions(_ context.Context, constituencyID string, start, end time.Time) ([]domain.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Transaction
	for _, tx := range m.transactions {
		if tx.ConstituencyID != constituencyID {
			continue
		}
		if tx.Timestamp.Before(start) || !tx.Timestamp.Before(end) {
			continue
		}
		out = append(out, tx)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Transactions returns every stored transaction ordered by id.
func (m *Memory) Transactions() []domain.Transaction {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Transaction, 0, len(m.transactions))
	for _, tx := range m.transactions {
		out = append(out, tx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Memory) UpsertHourlyStat(_ context.Context, stat domain.HourlyStat) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stat.Hour = stat.Hour.UTC()
	m.stats[keyFor(stat.ConstituencyID, stat.Hour)] = stat
	return nil
}

func (m *Memory) GetHourlyStat(_ context.Context, constituencyID string, hour time.Time) (domain.HourlyStat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stat, ok := m.stats[keyFor(constituencyID, hour)]
	if !ok {
		return domain.HourlyStat{}, fmt.Errorf("hourly stat %s@%s: %w", constituencyID, hour.UTC().Format(time.RFC3339), ErrNotFound)
	}
	return stat, nil
}

func (m *Memory) CreateAlert(_ context.Context, alert domain.Alert) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.alerts[alert.ID]; ok {
		return false, nil
	}
	m.alerts[alert.ID] = alert
	return true, nil
}

func (m *Memory) CountAlerts(_ context.Context, constituencyID string, windowStart time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, a := range m.alerts {
		if a.ConstituencyID == constituencyID && a.WindowStart.Equal(windowStart) {
			count++
		}
	}
	return count, nil
}

// Alerts returns every stored alert ordered by window then type.
func (m *Memory) Alerts() []domain.Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Alert, 0, len(m.alerts))
	for _, a := range m.alerts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].WindowStart.Equal(out[j].WindowStart) {
			return out[i].WindowStart.Before(out[j].WindowStart)
		}
		return out[i].Type < out[j].Type
	})
	return out
}

func (m *Memory) CreateJob(_ context.Context, job domain.FileProcessingJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	m.jobs[job.ID] = job
	return nil
}

func (m *Memory) UpdateJob(_ context.Context, job domain.FileProcessingJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; !ok {
		return fmt.Errorf("job %s: %w", job.ID, ErrNotFound)
	}
	m.jobs[job.ID] = job
	return nil
}

// Job returns a recorded job.
func (m *Memory) Job(id string) (domain.FileProcessingJob, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	return job, ok
}

func (m *Memory) GetConstituency(_ context.Context, id string) (domain.Constituency, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.constituencies[id]
	if !ok {
		return domain.Constituency{}, fmt.Errorf("constituency %s: %w", id, ErrNotFound)
	}
	return c, nil
}

// RegisterPath upserts the region by id. A known constituency picks up the path's names
// and region; an unknown one is left for validation to reject.
func (m *Memory) RegisterPath(_ context.Context, meta domain.PathMetadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.regions[meta.RegionID] = domain.Region{ID: meta.RegionID, Name: meta.RegionName}
	c, ok := m.constituencies[meta.ConstituencyID]
	if !ok {
		return nil
	}
	c.Name = meta.ConstituencyName
	c.RegionID = meta.RegionID
	c.ElectionName = meta.ElectionName
	if c.ElectionID == "" {
		c.ElectionID = meta.ElectionName
	}
	m.constituencies[meta.ConstituencyID] = c
	return nil
}

// Region returns a registered region.
func (m *Memory) Region(id int) (domain.Region, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.regions[id]
	return r, ok
}

var _ Store = (*Memory)(nil)
