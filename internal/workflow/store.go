package workflow

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// ListOptions 控制工作流查询的过滤与截断。
type ListOptions struct {
	Limit    int
	Statuses []Status
	Creator  *common.Address
}

func (opts *ListOptions) applyDefaults() {
	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if opts.Limit > 200 {
		opts.Limit = 200
	}
}

// Stats 按状态统计工作流数量。
type Stats struct {
	Total     int `json:"total"`
	Draft     int `json:"draft"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// Store 以聚合方式持久化工作流及其步骤。实现必须满足：
//   - Create 在编号已存在时返回 ErrWorkflowConflict；
//   - Update 整体覆盖工作流与全部步骤；
//   - 终态工作流永久保留，供审计检索；
//   - 工作流编号存在一个按创建顺序追加的全量索引。
type Store interface {
	Create(ctx context.Context, workflow *Workflow) error
	Get(ctx context.Context, id string) (*Workflow, error)
	Update(ctx context.Context, workflow *Workflow) error
	List(ctx context.Context, opts ListOptions) ([]*Workflow, error)
	Stats(ctx context.Context) (Stats, error)
	Close() error
}
