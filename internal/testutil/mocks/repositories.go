package mocks

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"github.com/davidleathers/dnc-compliance-engine/internal/domain/dnc"
	"github.com/davidleathers/dnc-compliance-engine/internal/domain/values"
)

// SuppressionRepository mock
type SuppressionRepository struct {
	mock.Mock
}

func (m *SuppressionRepository) UpsertBatch(ctx context.Context, entries []*dnc.SuppressionEntry) (*dnc.UpsertResult, error) {
	args := m.Called(ctx, entries)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*dnc.UpsertResult), args.Error(1)
}

func (m *SuppressionRepository) FindActive(ctx context.Context, tenantScope string, phone values.PhoneNumber, now time.Time) ([]*dnc.SuppressionEntry, error) {
	args := m.Called(ctx, tenantScope, phone, now)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*dnc.SuppressionEntry), args.Error(1)
}

func (m *SuppressionRepository) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	args := m.Called(ctx, before)
	return args.Get(0).(int64), args.Error(1)
}

func (m *SuppressionRepository) DeleteByBatch(ctx context.Context, tenantScope string, batchID uuid.UUID) (int64, error) {
	args := m.Called(ctx, tenantScope, batchID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *SuppressionRepository) CountBySource(ctx context.Context, tenantScope string, now time.Time) (map[values.ListSource]int64, error) {
	args := m.Called(ctx, tenantScope, now)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[values.ListSource]int64), args.Error(1)
}

// OptOutRepository mock
type OptOutRepository struct {
	mock.Mock
}

func (m *OptOutRepository) Add(ctx context.Context, optOut *dnc.PermanentOptOut) (*dnc.PermanentOptOut, error) {
	args := m.Called(ctx, optOut)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*dnc.PermanentOptOut), args.Error(1)
}

func (m *OptOutRepository) FindByPhone(ctx context.Context, tenantScope string, phone values.PhoneNumber) (*dnc.PermanentOptOut, error) {
	args := m.Called(ctx, tenantScope, phone)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*dnc.PermanentOptOut), args.Error(1)
}

func (m *OptOutRepository) Remove(ctx context.Context, tenantScope string, phone values.PhoneNumber, removedBy, reason string, at time.Time) (*dnc.PermanentOptOut, error) {
	args := m.Called(ctx, tenantScope, phone, removedBy, reason, at)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*dnc.PermanentOptOut), args.Error(1)
}

func (m *OptOutRepository) CountActive(ctx context.Context, tenantScope string) (int64, error) {
	args := m.Called(ctx, tenantScope)
	return args.Get(0).(int64), args.Error(1)
}

// UploadBatchRepository mock
type UploadBatchRepository struct {
	mock.Mock
}

func (m *UploadBatchRepository) Create(ctx context.Context, batch *dnc.UploadBatch) error {
	args := m.Called(ctx, batch)
	return args.Error(0)
}

func (m *UploadBatchRepository) Finalize(ctx context.Context, batch *dnc.UploadBatch) error {
	args := m.Called(ctx, batch)
	return args.Error(0)
}

func (m *UploadBatchRepository) GetByID(ctx context.Context, tenantScope string, id uuid.UUID) (*dnc.UploadBatch, error) {
	args := m.Called(ctx, tenantScope, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*dnc.UploadBatch), args.Error(1)
}

func (m *UploadBatchRepository) List(ctx context.Context, tenantScope string, limit int) ([]*dnc.UploadBatch, error) {
	args := m.Called(ctx, tenantScope, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*dnc.UploadBatch), args.Error(1)
}

func (m *UploadBatchRepository) FindStale(ctx context.Context, olderThan time.Time) ([]*dnc.UploadBatch, error) {
	args := m.Called(ctx, olderThan)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*dnc.UploadBatch), args.Error(1)
}

// Store wires fresh repository mocks into a registry store
func Store() (*dnc.Store, *SuppressionRepository, *OptOutRepository, *UploadBatchRepository) {
	s, o, b := &SuppressionRepository{}, &OptOutRepository{}, &UploadBatchRepository{}
	return &dnc.Store{Suppressions: s, OptOuts: o, Batches: b}, s, o, b
}

var (
	_ dnc.SuppressionRepository = (*SuppressionRepository)(nil)
	_ dnc.OptOutRepository      = (*OptOutRepository)(nil)
	_ dnc.UploadBatchRepository = (*UploadBatchRepository)(nil)
)
