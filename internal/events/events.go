package events

import (
	"context"
	"math/big"
	"time"

	"github.com/google/uuid"
)

// Type 标识领域事件的种类。
type Type string

const (
	TypeTaskCreated   Type = "task.created"
	TypeTaskAssigned  Type = "task.assigned"
	TypeTaskSubmitted Type = "task.submitted"
	TypeTaskCompleted Type = "task.completed"
	TypeTaskDisputed  Type = "task.disputed"
	TypeTaskCancelled Type = "task.cancelled"
	TypeTaskFailed    Type = "task.failed"

	TypeWorkflowCreated   Type = "workflow.created"
	TypeWorkflowStarted   Type = "workflow.started"
	TypeWorkflowCompleted Type = "workflow.completed"
	TypeWorkflowFailed    Type = "workflow.failed"
	TypeWorkflowCancelled Type = "workflow.cancelled"

	TypeStepAdded     Type = "step.added"
	TypeStepStarted   Type = "step.started"
	TypeStepCompleted Type = "step.completed"
	TypeStepFailed    Type = "step.failed"
)

// Event 携带重放读模型所需的全部标识与金额，消费方无需回查核心状态。
// 金额使用十进制字符串表示，避免 JSON 数字精度问题。
type Event struct {
	ID         string `json:"id"`
	Type       Type   `json:"type"`
	OccurredAt int64  `json:"occurred_at"`
	TaskID     string `json:"task_id,omitempty"`
	WorkflowID string `json:"workflow_id,omitempty"`
	StepID     uint64 `json:"step_id,omitempty"`
	AgentID    uint64 `json:"agent_id,omitempty"`
	Actor      string `json:"actor,omitempty"`
	Reward     string `json:"reward,omitempty"`
	Fee        string `json:"fee,omitempty"`
	Payout     string `json:"payout,omitempty"`
	Refund     string `json:"refund,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// New 创建带唯一编号与时间戳的事件。
func New(eventType Type) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		OccurredAt: time.Now().Unix(),
	}
}

// Amount 将金额格式化为事件字段值，nil 返回空串。
func Amount(value *big.Int) string {
	if value == nil {
		return ""
	}
	return value.String()
}

// Publisher 负责将领域事件投递给外部的通知/索引层。
// 事件在本地状态提交之后发布，发布失败不回滚状态转换。
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}
