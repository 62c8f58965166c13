package market

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "TaskMesh-Chain/internal/errors"
)

// MemoryStore 以内存方式保存任务状态，用于测试与单机部署。
type MemoryStore struct {
	mu           sync.RWMutex
	tasks        map[common.Hash]*Task
	order        []common.Hash // 按创建顺序追加的全量索引
	byCapability map[string]map[common.Hash]struct{}
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:        make(map[common.Hash]*Task),
		byCapability: make(map[string]map[common.Hash]struct{}),
	}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, task *Task) error {
	if task == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[task.ID]; ok {
		return ErrTaskConflict
	}
	now := time.Now().Unix()
	if task.CreatedAt == 0 {
		task.CreatedAt = now
	}
	task.UpdatedAt = now

	clone := cloneTask(task)
	m.tasks[task.ID] = clone
	m.order = append(m.order, task.ID)
	if clone.Status == StatusOpen {
		m.indexCapabilities(clone)
	}
	return nil
}

// Get 返回任务副本。
func (m *MemoryStore) Get(_ context.Context, id common.Hash) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return cloneTask(task), nil
}

// Update 覆盖已有任务的状态。离开 Open 状态时同步摘除能力索引。
func (m *MemoryStore) Update(_ context.Context, task *Task) error {
	if task == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.tasks[task.ID]
	if !ok {
		return ErrTaskNotFound
	}
	task.UpdatedAt = time.Now().Unix()

	clone := cloneTask(task)
	clone.CreatedAt = existing.CreatedAt
	m.tasks[task.ID] = clone

	if existing.Status == StatusOpen && clone.Status != StatusOpen {
		m.unindexCapabilities(existing)
	}
	return nil
}

// List 按创建顺序倒序返回符合过滤条件的任务。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	results := make([]*Task, 0, opts.Limit)
	for i := len(m.order) - 1; i >= 0; i-- {
		task := m.tasks[m.order[i]]
		if !matchesListFilters(task, opts) {
			continue
		}
		results = append(results, cloneTask(task))
		if len(results) >= opts.Limit {
			break
		}
	}
	return results, nil
}

// Stats 返回按状态统计的任务数量。
func (m *MemoryStore) Stats(_ context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{}
	for _, task := range m.tasks {
		stats.Total++
		switch task.Status {
		case StatusOpen:
			stats.Open++
		case StatusAssigned:
			stats.Assigned++
		case StatusSubmitted:
			stats.Submitted++
		case StatusPendingReview:
			stats.PendingReview++
		case StatusDisputed:
			stats.Disputed++
		case StatusCompleted:
			stats.Completed++
		case StatusCancelled:
			stats.Cancelled++
		case StatusFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

// OpenByCapability 实现 Store 接口。
func (m *MemoryStore) OpenByCapability(_ context.Context, capability string) ([]common.Hash, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	set, ok := m.byCapability[normalizeCapability(capability)]
	if !ok {
		return nil, nil
	}
	// 按创建顺序返回，保证两次计算得到同一序列。
	ids := make([]common.Hash, 0, len(set))
	for _, id := range m.order {
		if _, member := set[id]; member {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func (m *MemoryStore) indexCapabilities(task *Task) {
	for _, capability := range task.Capabilities {
		key := normalizeCapability(capability)
		set, ok := m.byCapability[key]
		if !ok {
			set = make(map[common.Hash]struct{})
			m.byCapability[key] = set
		}
		set[task.ID] = struct{}{}
	}
}

func (m *MemoryStore) unindexCapabilities(task *Task) {
	for _, capability := range task.Capabilities {
		key := normalizeCapability(capability)
		if set, ok := m.byCapability[key]; ok {
			delete(set, task.ID)
			if len(set) == 0 {
				delete(m.byCapability, key)
			}
		}
	}
}

func normalizeCapability(capability string) string {
	return strings.TrimSpace(strings.ToLower(capability))
}

func matchesListFilters(task *Task, opts ListOptions) bool {
	if len(opts.Statuses) > 0 {
		matched := false
		for _, status := range opts.Statuses {
			if task.Status == status {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if opts.Requester != nil && task.Requester != *opts.Requester {
		return false
	}
	if opts.Capability != "" {
		key := normalizeCapability(opts.Capability)
		matched := false
		for _, capability := range task.Capabilities {
			if normalizeCapability(capability) == key {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

// ensure interface compliance at compile time
var _ Store = (*MemoryStore)(nil)
