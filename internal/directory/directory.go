package directory

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	xerrors "TaskMesh-Chain/internal/errors"
)

// AgentID 是代理在目录中的唯一编号，从 1 开始分配。
type AgentID uint64

// Profile 描述目录中一个代理的快照，供市场侧做资格校验与评分。
type Profile struct {
	ID             AgentID        `json:"id"`
	Owner          common.Address `json:"owner"`
	Name           string         `json:"name"`
	Capabilities   []string       `json:"capabilities"`
	Active         bool           `json:"active"`
	Reputation     uint64         `json:"reputation"`
	TasksCompleted uint64         `json:"tasks_completed"`
	TasksFailed    uint64         `json:"tasks_failed"`
	Staked         *big.Int       `json:"staked"`
	Earned         *big.Int       `json:"earned"`
}

// Directory 抽象外部代理目录。核心只依赖这组窄接口，
// 单元测试可以用内存实现替换。
type Directory interface {
	// OwnerOf 返回代理所有者的地址。
	OwnerOf(ctx context.Context, id AgentID) (common.Address, error)
	// IsActive 判断代理当前是否处于活跃状态。
	IsActive(ctx context.Context, id AgentID) (bool, error)
	// HasCapability 判断代理是否具备指定能力标签。
	HasCapability(ctx context.Context, id AgentID, capability string) (bool, error)
	// AgentsByCapability 返回注册在指定能力下的全部代理编号。
	AgentsByCapability(ctx context.Context, capability string) ([]AgentID, error)
	// Profile 返回代理的完整快照，供顾问式评分使用。
	Profile(ctx context.Context, id AgentID) (Profile, error)
	// RecordTaskOutcome 记录一次任务结果（完成计数与收入累计）。
	RecordTaskOutcome(ctx context.Context, id AgentID, succeeded bool, payout *big.Int) error
	// Slash 对代理的质押执行惩罚。
	Slash(ctx context.Context, id AgentID, reason string) error
}

// ErrAgentNotFound 表示目录中不存在指定代理。
var ErrAgentNotFound = xerrors.New(CodeAgentNotFound, "agent not found")

const CodeAgentNotFound xerrors.Code = "AGENT_NOT_FOUND"

func init() {
	xerrors.Register(CodeAgentNotFound, xerrors.Attributes{
		Message:  "agent not found",
		Kind:     xerrors.KindState,
		Severity: xerrors.SeverityInfo,
	})
}
