package market

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// ListOptions 控制任务查询的过滤与截断。
type ListOptions struct {
	Limit      int
	Statuses   []Status
	Requester  *common.Address
	Capability string
}

func (opts *ListOptions) applyDefaults() {
	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if opts.Limit > 200 {
		opts.Limit = 200
	}
}

// Stats 按状态统计任务数量。
type Stats struct {
	Total         int `json:"total"`
	Open          int `json:"open"`
	Assigned      int `json:"assigned"`
	Submitted     int `json:"submitted"`
	PendingReview int `json:"pending_review"`
	Disputed      int `json:"disputed"`
	Completed     int `json:"completed"`
	Cancelled     int `json:"cancelled"`
	Failed        int `json:"failed"`
}

// Store 定义任务状态的持久化接口。实现必须满足：
//   - Create 在编号已存在时返回 ErrTaskConflict，绝不覆盖；
//   - 终态任务永久保留，Get/List 可以继续检索；
//   - 任务编号存在一个按创建顺序追加的全量索引，供审计枚举；
//   - 能力索引只包含 Open 状态的任务。
type Store interface {
	Create(ctx context.Context, task *Task) error
	Get(ctx context.Context, id common.Hash) (*Task, error)
	Update(ctx context.Context, task *Task) error
	List(ctx context.Context, opts ListOptions) ([]*Task, error)
	Stats(ctx context.Context) (Stats, error)
	// OpenByCapability 返回能力索引下仍处于 Open 状态的任务编号，按创建顺序。
	OpenByCapability(ctx context.Context, capability string) ([]common.Hash, error)
	Close() error
}
