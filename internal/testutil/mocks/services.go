package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/davidleathers/dnc-compliance-engine/internal/domain/dnc"
)

// StatusCache mock
type StatusCache struct {
	mock.Mock
}

func (m *StatusCache) Get(ctx context.Context, tenantScope, phone string) (*dnc.DNCStatus, int64, bool) {
	args := m.Called(ctx, tenantScope, phone)
	var status *dnc.DNCStatus
	if args.Get(0) != nil {
		status = args.Get(0).(*dnc.DNCStatus)
	}
	return status, args.Get(1).(int64), args.Bool(2)
}

func (m *StatusCache) Set(ctx context.Context, epoch int64, tenantScope string, status dnc.DNCStatus) {
	m.Called(ctx, epoch, tenantScope, status)
}

func (m *StatusCache) Invalidate(ctx context.Context) {
	m.Called(ctx)
}

// Checker mock
type Checker struct {
	mock.Mock
}

func (m *Checker) Check(ctx context.Context, tenantScope, phone string) (*dnc.DNCStatus, error) {
	args := m.Called(ctx, tenantScope, phone)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*dnc.DNCStatus), args.Error(1)
}

// Locker mock. A nil first return value means the lock is held elsewhere.
type Locker struct {
	mock.Mock
	Released int
}

func (m *Locker) TryAcquire(ctx context.Context) (func(context.Context) error, error) {
	args := m.Called(ctx)
	if held, _ := args.Get(0).(bool); held {
		return func(context.Context) error {
			m.Released++
			return nil
		}, args.Error(1)
	}
	return nil, args.Error(1)
}
