// Package memstore is an in-memory registry store with the same semantics as
// the PostgreSQL repositories, for unit tests.
package memstore

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/dnc-compliance-engine/internal/domain/dnc"
	"github.com/davidleathers/dnc-compliance-engine/internal/domain/errors"
	"github.com/davidleathers/dnc-compliance-engine/internal/domain/values"
)

// Store holds every table behind one mutex
type Store struct {
	mu        sync.RWMutex
	entries   map[string]*dnc.SuppressionEntry
	optOuts   map[string]*dnc.PermanentOptOut
	batches   map[uuid.UUID]*dnc.UploadBatch
	failNext  error
	failCalls atomic.Int64
}

// New creates an empty store
func New() *Store {
	return &Store{
		entries: make(map[string]*dnc.SuppressionEntry),
		optOuts: make(map[string]*dnc.PermanentOptOut),
		batches: make(map[uuid.UUID]*dnc.UploadBatch),
	}
}

// Registry exposes the store through the repository interfaces
func (s *Store) Registry() *dnc.Store {
	return &dnc.Store{
		Suppressions: (*suppressions)(s),
		OptOuts:      (*optOuts)(s),
		Batches:      (*batches)(s),
	}
}

// FailWith makes every repository call return err until cleared with nil
func (s *Store) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = err
}

// FailedCalls reports how many repository calls were rejected by FailWith
func (s *Store) FailedCalls() int64 {
	return s.failCalls.Load()
}

// Entries returns a snapshot of every stored suppression entry, expired included
func (s *Store) Entries() []dnc.SuppressionEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]dnc.SuppressionEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, *e)
	}
	return out
}

// Batch returns a copy of a stored batch
func (s *Store) Batch(id uuid.UUID) (dnc.UploadBatch, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.batches[id]
	if !ok {
		return dnc.UploadBatch{}, false
	}
	return copyBatch(b), true
}

// check must be called with the lock held
func (s *Store) check() error {
	if s.failNext != nil {
		s.failCalls.Add(1)
		return errors.NewStoreUnavailableError("memstore unavailable").WithCause(s.failNext)
	}
	return nil
}

type suppressions Store

func (r *suppressions) UpsertBatch(_ context.Context, entries []*dnc.SuppressionEntry) (*dnc.UpsertResult, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}

	result := &dnc.UpsertResult{}
	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		key := e.Key()
		if _, dup := seen[key]; dup {
			result.Duplicates++
			continue
		}
		seen[key] = struct{}{}

		if existing, ok := s.entries[key]; ok && existing.ExpiryDate.After(e.AddedDate) {
			result.Duplicates++
			continue
		}
		stored := *e
		s.entries[key] = &stored
		result.Inserted++
	}
	return result, nil
}

func (r *suppressions) FindActive(_ context.Context, tenantScope string, phone values.PhoneNumber, now time.Time) ([]*dnc.SuppressionEntry, error) {
	s := (*Store)(r)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}

	var found []*dnc.SuppressionEntry
	for _, e := range s.entries {
		if e.PhoneNumber.Equal(phone) && e.VisibleTo(tenantScope) && !e.IsExpired(now) {
			entry := *e
			found = append(found, &entry)
		}
	}
	return found, nil
}

func (r *suppressions) DeleteExpired(_ context.Context, before time.Time) (int64, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return 0, err
	}

	var deleted int64
	for key, e := range s.entries {
		if e.IsExpired(before) {
			delete(s.entries, key)
			deleted++
		}
	}
	return deleted, nil
}

func (r *suppressions) DeleteByBatch(_ context.Context, tenantScope string, batchID uuid.UUID) (int64, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return 0, err
	}

	var deleted int64
	for key, e := range s.entries {
		if e.TenantScope == tenantScope && e.UploadBatchID == batchID {
			delete(s.entries, key)
			deleted++
		}
	}
	return deleted, nil
}

func (r *suppressions) CountBySource(_ context.Context, tenantScope string, now time.Time) (map[values.ListSource]int64, error) {
	s := (*Store)(r)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}

	counts := make(map[values.ListSource]int64)
	for _, e := range s.entries {
		if e.VisibleTo(tenantScope) && !e.IsExpired(now) {
			counts[e.Source]++
		}
	}
	return counts, nil
}

type optOuts Store

func optOutKey(tenantScope string, phone values.PhoneNumber) string {
	return tenantScope + "|" + phone.String()
}

func (r *optOuts) Add(_ context.Context, o *dnc.PermanentOptOut) (*dnc.PermanentOptOut, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}

	key := optOutKey(o.TenantScope, o.PhoneNumber)
	if existing, ok := s.optOuts[key]; ok {
		if existing.IsActive() {
			return nil, errors.NewDuplicateEntryError("phone number already has an active internal opt-out")
		}
		existing.Reactivate(o)
		out := *existing
		return &out, nil
	}

	stored := *o
	s.optOuts[key] = &stored
	out := stored
	return &out, nil
}

func (r *optOuts) FindByPhone(_ context.Context, tenantScope string, phone values.PhoneNumber) (*dnc.PermanentOptOut, error) {
	s := (*Store)(r)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}

	o, ok := s.optOuts[optOutKey(tenantScope, phone)]
	if !ok {
		return nil, errors.NewNotFoundError("opt-out")
	}
	out := *o
	return &out, nil
}

func (r *optOuts) Remove(_ context.Context, tenantScope string, phone values.PhoneNumber, removedBy, reason string, at time.Time) (*dnc.PermanentOptOut, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}

	o, ok := s.optOuts[optOutKey(tenantScope, phone)]
	if !ok {
		return nil, errors.NewNotFoundError("active opt-out")
	}
	if err := o.Remove(removedBy, reason, at); err != nil {
		return nil, err
	}
	out := *o
	return &out, nil
}

func (r *optOuts) CountActive(_ context.Context, tenantScope string) (int64, error) {
	s := (*Store)(r)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return 0, err
	}

	var n int64
	for _, o := range s.optOuts {
		if o.TenantScope == tenantScope && o.IsActive() {
			n++
		}
	}
	return n, nil
}

type batches Store

func copyBatch(b *dnc.UploadBatch) dnc.UploadBatch {
	out := *b
	out.Errors = append([]dnc.RowError{}, b.Errors...)
	return out
}

func (r *batches) Create(_ context.Context, b *dnc.UploadBatch) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}

	if _, exists := s.batches[b.ID]; exists {
		return errors.NewDuplicateEntryError("upload batch already exists")
	}
	stored := copyBatch(b)
	s.batches[b.ID] = &stored
	return nil
}

func (r *batches) Finalize(_ context.Context, b *dnc.UploadBatch) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}

	existing, ok := s.batches[b.ID]
	if !ok || existing.Status != dnc.BatchStatusProcessing {
		return errors.NewValidationError("BATCH_FINALIZED", "upload batch has already been finalized")
	}
	stored := copyBatch(b)
	s.batches[b.ID] = &stored
	return nil
}

func (r *batches) GetByID(_ context.Context, tenantScope string, id uuid.UUID) (*dnc.UploadBatch, error) {
	s := (*Store)(r)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}

	b, ok := s.batches[id]
	if !ok || b.TenantScope != tenantScope {
		return nil, errors.NewNotFoundError("upload batch")
	}
	out := copyBatch(b)
	return &out, nil
}

func (r *batches) List(_ context.Context, tenantScope string, limit int) ([]*dnc.UploadBatch, error) {
	s := (*Store)(r)
	return s.selectBatches(func(b *dnc.UploadBatch) bool { return b.TenantScope == tenantScope }, true, limit)
}

func (r *batches) FindStale(_ context.Context, olderThan time.Time) ([]*dnc.UploadBatch, error) {
	s := (*Store)(r)
	return s.selectBatches(func(b *dnc.UploadBatch) bool {
		return b.Status == dnc.BatchStatusProcessing && b.UploadDate.Before(olderThan)
	}, false, 0)
}

func (s *Store) selectBatches(match func(*dnc.UploadBatch) bool, newestFirst bool, limit int) ([]*dnc.UploadBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}

	out := make([]*dnc.UploadBatch, 0)
	for _, b := range s.batches {
		if match(b) {
			c := copyBatch(b)
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if newestFirst {
			return out[i].UploadDate.After(out[j].UploadDate)
		}
		return out[i].UploadDate.Before(out[j].UploadDate)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var (
	_ dnc.SuppressionRepository = (*suppressions)(nil)
	_ dnc.OptOutRepository      = (*optOuts)(nil)
	_ dnc.UploadBatchRepository = (*batches)(nil)
)
