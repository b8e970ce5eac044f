package handler_test

import (
	"context"

	"conductor.app/conductor/internal/model"
	"conductor.app/conductor/internal/registry"
)

type mockJobService struct {
	submitFn func(ctx context.Context, req registry.SubmitRequest) (*registry.SubmitResult, error)
	batchFn  func(ctx context.Context, reqs []registry.SubmitRequest) []registry.BatchItem
	getFn    func(ctx context.Context, jobID int64) (*model.Job, error)
	cancelFn func(ctx context.Context, jobID int64) error
}

func (m *mockJobService) Submit(ctx context.Context, req registry.SubmitRequest) (*registry.SubmitResult, error) {
	if m.submitFn != nil {
		return m.submitFn(ctx, req)
	}
	return nil, nil
}

func (m *mockJobService) SubmitBatch(ctx context.Context, reqs []registry.SubmitRequest) []registry.BatchItem {
	if m.batchFn != nil {
		return m.batchFn(ctx, reqs)
	}
	return nil
}

func (m *mockJobService) Get(ctx context.Context, jobID int64) (*model.Job, error) {
	if m.getFn != nil {
		return m.getFn(ctx, jobID)
	}
	return nil, nil
}

func (m *mockJobService) Cancel(ctx context.Context, jobID int64) error {
	if m.cancelFn != nil {
		return m.cancelFn(ctx, jobID)
	}
	return nil
}
