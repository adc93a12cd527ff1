// Package memory is an in-process implementation of the whalewatch store.
// It enforces the same uniqueness rules as the Postgres schema and is used by
// tests and by the worker when STORE=memory.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/brojonat/whalewatch/service/db"
	"github.com/brojonat/whalewatch/service/whale"
)

// Store keeps whales and alerts in maps guarded by a single mutex.
type Store struct {
	mu          sync.Mutex
	now         func() time.Time
	nextWhaleID int64
	nextAlertID int64
	whales      map[string]*db.WhaleTransaction
	alerts      map[int64]*db.Alert
	alertByHash map[string]int64
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for created_at.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New returns an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		now:         time.Now,
		whales:      make(map[string]*db.WhaleTransaction),
		alerts:      make(map[int64]*db.Alert),
		alertByHash: make(map[string]int64),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) InsertWhaleIfAbsent(ctx context.Context, params db.CreateWhaleParams) (*db.WhaleTransaction, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if !params.Priority.Valid() {
		return nil, false, fmt.Errorf("invalid priority %q", params.Priority)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.whales[params.TxHash]; ok {
		return nil, false, nil
	}
	s.nextWhaleID++
	w := &db.WhaleTransaction{
		ID:               s.nextWhaleID,
		TxHash:           params.TxHash,
		BlockNumber:      params.BlockNumber,
		Timestamp:        params.Timestamp.UTC(),
		FromAddress:      params.FromAddress,
		ToAddress:        params.ToAddress,
		ValueETH:         params.ValueETH,
		ValueUSD:         params.ValueUSD,
		GasUsed:          params.GasUsed,
		GasPrice:         params.GasPrice,
		Priority:         params.Priority,
		ExchangeInvolved: params.ExchangeInvolved,
		IngestID:         params.IngestID,
		Source:           params.Source,
		CreatedAt:        s.now().UTC(),
	}
	s.whales[w.TxHash] = w
	cp := *w
	return &cp, true, nil
}

func (s *Store) GetWhale(ctx context.Context, txHash string) (*db.WhaleTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.whales[txHash]
	if !ok {
		return nil, db.ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (s *Store) ListRecentWhales(ctx context.Context, since time.Time, priorities []whale.Priority) ([]*db.WhaleTransaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	want := make(map[whale.Priority]bool, len(priorities))
	for _, p := range priorities {
		want[p] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*db.WhaleTransaction
	for _, w := range s.whales {
		if !w.CreatedAt.Before(since) && want[w.Priority] {
			cp := *w
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) ListWhales(ctx context.Context, params db.ListWhalesParams) ([]*db.WhaleTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*db.WhaleTransaction
	for _, w := range s.whales {
		if params.Priority != "" && w.Priority != params.Priority {
			continue
		}
		if !params.Since.IsZero() && w.CreatedAt.Before(params.Since) {
			continue
		}
		cp := *w
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return truncate(out, params.Limit), nil
}

func (s *Store) AlertExistsForHash(ctx context.Context, txHash string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.alertByHash[txHash]
	return ok, nil
}

// InsertAlerts validates the whole batch before writing so that a bad entry
// leaves the store untouched, matching the transactional Postgres behaviour.
func (s *Store) InsertAlerts(ctx context.Context, alerts []db.CreateAlertParams) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	for _, a := range alerts {
		if !a.Priority.Valid() {
			return 0, fmt.Errorf("alert for %s: invalid priority %q", a.RelatedTxHash, a.Priority)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	inserted := 0
	for _, a := range alerts {
		if _, ok := s.alertByHash[a.RelatedTxHash]; ok {
			continue
		}
		createdAt := a.CreatedAt
		if createdAt.IsZero() {
			createdAt = s.now()
		}
		s.nextAlertID++
		s.alerts[s.nextAlertID] = &db.Alert{
			ID:            s.nextAlertID,
			AlertType:     a.AlertType,
			Priority:      a.Priority,
			Title:         a.Title,
			Message:       a.Message,
			RelatedTxHash: a.RelatedTxHash,
			RelatedData:   append([]byte(nil), a.RelatedData...),
			Status:        db.AlertPending,
			CreatedAt:     createdAt.UTC(),
		}
		s.alertByHash[a.RelatedTxHash] = s.nextAlertID
		inserted++
	}
	return inserted, nil
}

func (s *Store) ListPendingAlerts(ctx context.Context, maxRetry, limit int) ([]*db.Alert, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*db.Alert
	for _, a := range s.alerts {
		if a.Status == db.AlertPending && a.RetryCount < maxRetry {
			out = append(out, copyAlert(a))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if ri, rj := out[i].Priority.Rank(), out[j].Priority.Rank(); ri != rj {
			return ri > rj
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return truncate(out, int32(limit)), nil
}

func (s *Store) ListAlerts(ctx context.Context, params db.ListAlertsParams) ([]*db.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*db.Alert
	for _, a := range s.alerts {
		if params.Status == "" || a.Status == params.Status {
			out = append(out, copyAlert(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return truncate(out, params.Limit), nil
}

func (s *Store) GetAlert(ctx context.Context, id int64) (*db.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.alerts[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return copyAlert(a), nil
}

func (s *Store) UpdateAlertStatus(ctx context.Context, u db.AlertStatusUpdate) error {
	applied, err := s.UpdateAlertStatuses(ctx, []db.AlertStatusUpdate{u})
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		return db.ErrNotFound
	}
	return nil
}

// UpdateAlertStatuses applies the batch under one lock, skipping updates for
// alerts that are no longer pending or whose retry count would go backwards.
func (s *Store) UpdateAlertStatuses(ctx context.Context, updates []db.AlertStatusUpdate) ([]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var applied []int64
	for _, u := range updates {
		a, ok := s.alerts[u.ID]
		if !ok || a.Status != db.AlertPending || a.RetryCount > u.RetryCount {
			continue
		}
		processedBy := u.ProcessedBy
		a.Status = u.Status
		a.Delivered = u.Delivered
		a.SentAt = u.SentAt
		a.ErrorMessage = u.ErrorMessage
		a.ProcessedBy = &processedBy
		a.RetryCount = u.RetryCount
		applied = append(applied, u.ID)
	}
	return applied, nil
}

func (s *Store) DeleteAlertsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, a := range s.alerts {
		if a.CreatedAt.Before(cutoff) {
			delete(s.alerts, id)
			delete(s.alertByHash, a.RelatedTxHash)
			n++
		}
	}
	return n, nil
}

func (s *Store) CountAlertsByStatus(ctx context.Context) (map[db.AlertStatus]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[db.AlertStatus]int64)
	for _, a := range s.alerts {
		counts[a.Status]++
	}
	return counts, nil
}

func copyAlert(a *db.Alert) *db.Alert {
	cp := *a
	cp.RelatedData = append([]byte(nil), a.RelatedData...)
	return &cp
}

func truncate[T any](items []T, limit int32) []T {
	if limit > 0 && int(limit) < len(items) {
		return items[:limit]
	}
	return items
}
