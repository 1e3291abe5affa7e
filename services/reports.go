package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/presencepro/tracker/models"
)

// ReportStore keeps every report as one JSON list under a single key,
// newest first. Each mutation reads the whole list, edits it and writes it
// back, serialized by a mutex.
type ReportStore struct {
	kv  KVStore
	key string
	mu  sync.Mutex
}

func NewReportStore(kv KVStore, key string) *ReportStore {
	return &ReportStore{kv: kv, key: key}
}

func (s *ReportStore) List(ctx context.Context) ([]models.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(ctx)
}

func (s *ReportStore) Get(ctx context.Context, id string) (*models.Report, error) {
	reports, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := range reports {
		if reports[i].ID == id {
			return &reports[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrReportNotFound, id)
}

// Add prepends r to the list. A report already stored under r.ID is
// replaced in place, so adding the same report twice keeps one record.
func (s *ReportStore) Add(ctx context.Context, r models.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	reports, err := s.load(ctx)
	if err != nil {
		return err
	}
	for i := range reports {
		if reports[i].ID == r.ID {
			reports[i] = r
			return s.save(ctx, reports)
		}
	}
	reports = append([]models.Report{r}, reports...)
	return s.save(ctx, reports)
}

func (s *ReportStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	reports, err := s.load(ctx)
	if err != nil {
		return err
	}
	kept := reports[:0]
	found := false
	for _, r := range reports {
		if r.ID == id {
			found = true
			continue
		}
		kept = append(kept, r)
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrReportNotFound, id)
	}
	return s.save(ctx, kept)
}

// DeleteAll removes the whole list.
func (s *ReportStore) DeleteAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.kv.Delete(ctx, s.key); err != nil {
		return &PersistenceError{Op: "deleting reports", Err: err}
	}
	return nil
}

// UpdateComment replaces the comment of one report.
func (s *ReportStore) UpdateComment(ctx context.Context, id, comment string) (*models.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reports, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	for i := range reports {
		if reports[i].ID != id {
			continue
		}
		reports[i].Comment = comment
		if err := s.save(ctx, reports); err != nil {
			return nil, err
		}
		updated := reports[i]
		return &updated, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrReportNotFound, id)
}

func (s *ReportStore) load(ctx context.Context) ([]models.Report, error) {
	data, err := s.kv.Get(ctx, s.key)
	if errors.Is(err, ErrKeyNotFound) {
		return []models.Report{}, nil
	}
	if err != nil {
		return nil, &PersistenceError{Op: "reading reports", Err: err}
	}
	var reports []models.Report
	if len(data) > 0 {
		if err := json.Unmarshal(data, &reports); err != nil {
			return nil, &PersistenceError{Op: "decoding reports", Err: err}
		}
	}
	if reports == nil {
		reports = []models.Report{}
	}
	return reports, nil
}

func (s *ReportStore) save(ctx context.Context, reports []models.Report) error {
	data, err := json.Marshal(reports)
	if err != nil {
		return &PersistenceError{Op: "encoding reports", Err: err}
	}
	if err := s.kv.Set(ctx, s.key, data); err != nil {
		return &PersistenceError{Op: "writing reports", Err: err}
	}
	return nil
}
