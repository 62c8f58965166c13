package workflow

import (
	"context"
	"sync"
	"time"

	xerrors "TaskMesh-Chain/internal/errors"
)

// MemoryStore 以内存方式保存工作流聚合，用于测试与单机部署。
type MemoryStore struct {
	mu        sync.RWMutex
	workflows map[string]*Workflow
	order     []string // 按创建顺序追加的全量索引
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows: make(map[string]*Workflow),
	}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, workflow *Workflow) error {
	if workflow == nil || workflow.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "workflow 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workflows[workflow.ID]; ok {
		return ErrWorkflowConflict
	}
	now := time.Now().Unix()
	if workflow.CreatedAt == 0 {
		workflow.CreatedAt = now
	}
	workflow.UpdatedAt = now

	m.workflows[workflow.ID] = cloneWorkflow(workflow)
	m.order = append(m.order, workflow.ID)
	return nil
}

// Get 返回工作流副本。
func (m *MemoryStore) Get(_ context.Context, id string) (*Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	workflow, ok := m.workflows[id]
	if !ok {
		return nil, ErrWorkflowNotFound
	}
	return cloneWorkflow(workflow), nil
}

// Update 整体覆盖工作流聚合。
func (m *MemoryStore) Update(_ context.Context, workflow *Workflow) error {
	if workflow == nil || workflow.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "workflow 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.workflows[workflow.ID]
	if !ok {
		return ErrWorkflowNotFound
	}
	workflow.UpdatedAt = time.Now().Unix()

	clone := cloneWorkflow(workflow)
	clone.CreatedAt = existing.CreatedAt
	m.workflows[workflow.ID] = clone
	return nil
}

// List 按创建顺序倒序返回符合过滤条件的工作流。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	results := make([]*Workflow, 0, opts.Limit)
	for i := len(m.order) - 1; i >= 0; i-- {
		workflow := m.workflows[m.order[i]]
		if !matchesListFilters(workflow, opts) {
			continue
		}
		results = append(results, cloneWorkflow(workflow))
		if len(results) >= opts.Limit {
			break
		}
	}
	return results, nil
}

// Stats 返回按状态统计的工作流数量。
func (m *MemoryStore) Stats(_ context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{}
	for _, workflow := range m.workflows {
		stats.Total++
		switch workflow.Status {
		case StatusDraft:
			stats.Draft++
		case StatusActive:
			stats.Active++
		case StatusCompleted:
			stats.Completed++
		case StatusFailed:
			stats.Failed++
		case StatusCancelled:
			stats.Cancelled++
		}
	}
	return stats, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func matchesListFilters(workflow *Workflow, opts ListOptions) bool {
	if len(opts.Statuses) > 0 {
		matched := false
		for _, status := range opts.Statuses {
			if workflow.Status == status {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if opts.Creator != nil && workflow.Creator != *opts.Creator {
		return false
	}
	return true
}

// ensure interface compliance at compile time
var _ Store = (*MemoryStore)(nil)
