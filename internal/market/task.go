package market

import (
	"encoding/binary"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"TaskMesh-Chain/internal/directory"
	xerrors "TaskMesh-Chain/internal/errors"
)

// Status 表示任务在生命周期中的状态。
type Status string

const (
	StatusOpen          Status = "open"
	StatusAssigned      Status = "assigned"
	StatusSubmitted     Status = "submitted"
	StatusPendingReview Status = "pending_review"
	StatusDisputed      Status = "disputed"
	StatusCompleted     Status = "completed"
	StatusCancelled     Status = "cancelled"
	StatusFailed        Status = "failed"
)

// IsValidStatus 检查给定的任务状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusOpen, StatusAssigned, StatusSubmitted, StatusPendingReview,
		StatusDisputed, StatusCompleted, StatusCancelled, StatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal 判断状态是否为终态。终态任务保留存档，不再参与任何转换。
func IsTerminal(status Status) bool {
	switch status {
	case StatusCompleted, StatusCancelled, StatusFailed:
		return true
	default:
		return false
	}
}

// Task 描述一个托管酬金的市场任务。酬金在创建时全额进入托管，
// 直到状态到达终态才会释放或退回。
type Task struct {
	ID                   common.Hash       `json:"id"`
	Requester            common.Address    `json:"requester"`
	AssignedAgent        directory.AgentID `json:"assigned_agent,omitempty"` // 0 表示未指派
	Title                string            `json:"title"`
	DescriptionRef       string            `json:"description_ref"`
	Capabilities         []string          `json:"capabilities"`
	Reward               *big.Int          `json:"reward"`
	Status               Status            `json:"status"`
	RequiresVerification bool              `json:"requires_verification"`
	ResultRef            string            `json:"result_ref,omitempty"`
	CreatedAt            int64             `json:"created_at"`
	Deadline             int64             `json:"deadline"`
	SubmittedAt          int64             `json:"submitted_at,omitempty"` // 0 表示未提交
	UpdatedAt            int64             `json:"updated_at"`
}

// DeriveTaskID 按 请求者‖标题‖创建时刻（纳秒） 推导任务编号。
// 推导结果与来源系统保持一致；编号碰撞必须被拒绝而不是覆盖。
func DeriveTaskID(requester common.Address, title string, createdAtNanos int64) common.Hash {
	var nanos [8]byte
	binary.BigEndian.PutUint64(nanos[:], uint64(createdAtNanos))
	return crypto.Keccak256Hash(requester.Bytes(), []byte(title), nanos[:])
}

var (
	// ErrTaskNotFound 表示指定的任务不存在。
	ErrTaskNotFound = xerrors.New(CodeTaskNotFound, "task not found")
	// ErrTaskConflict 表示任务编号已存在。
	ErrTaskConflict = xerrors.New(CodeTaskConflict, "task id already exists")
	// ErrTaskBusy 表示任务正处于另一个状态转换之中。
	ErrTaskBusy = xerrors.New(CodeTaskBusy, "task transition already in flight")
	// ErrNotOpen 表示任务不处于可接单状态。
	ErrNotOpen = xerrors.New(CodeTaskNotOpen, "task is not open")
	// ErrNotAssigned 表示任务不处于已指派状态。
	ErrNotAssigned = xerrors.New(CodeTaskNotAssigned, "task is not assigned")
	// ErrNotReviewable 表示任务不在可审批/驳回的状态。
	ErrNotReviewable = xerrors.New(CodeTaskNotReviewable, "task has no pending submission")
	// ErrNotDisputed 表示任务不在争议状态。
	ErrNotDisputed = xerrors.New(CodeTaskNotDisputed, "task is not disputed")
	// ErrExpired 表示任务截止时间已过。
	ErrExpired = xerrors.New(xerrors.CodeExpired, "task deadline has passed")
	// ErrCapabilityMismatch 表示代理不具备任务要求的任何能力。
	ErrCapabilityMismatch = xerrors.New(CodeCapabilityMismatch, "agent holds none of the required capabilities")
	// ErrAgentInactive 表示代理当前不可接单。
	ErrAgentInactive = xerrors.New(CodeAgentInactive, "agent is not active")
	// ErrUnauthorized 表示调用者没有执行该操作的权限。
	ErrUnauthorized = xerrors.New(xerrors.CodeUnauthorized, "")
	// ErrAutoReleaseNotDue 表示自动放款等待期尚未结束。
	ErrAutoReleaseNotDue = xerrors.New(xerrors.CodeNotDue, "auto release timeout has not elapsed")
	// ErrVerificationRequired 表示任务要求人工审核，不能自动放款。
	ErrVerificationRequired = xerrors.New(CodeVerificationRequired, "task requires human verification")
)

const (
	CodeTaskNotFound         xerrors.Code = "TASK_NOT_FOUND"
	CodeTaskConflict         xerrors.Code = "TASK_CONFLICT"
	CodeTaskBusy             xerrors.Code = "TASK_BUSY"
	CodeTaskNotOpen          xerrors.Code = "TASK_NOT_OPEN"
	CodeTaskNotAssigned      xerrors.Code = "TASK_NOT_ASSIGNED"
	CodeTaskNotReviewable    xerrors.Code = "TASK_NOT_REVIEWABLE"
	CodeTaskNotDisputed      xerrors.Code = "TASK_NOT_DISPUTED"
	CodeCapabilityMismatch   xerrors.Code = "CAPABILITY_MISMATCH"
	CodeAgentInactive        xerrors.Code = "AGENT_INACTIVE"
	CodeVerificationRequired xerrors.Code = "VERIFICATION_REQUIRED"
	CodeTaskValidation       xerrors.Code = "TASK_VALIDATION_FAILED"
)

func init() {
	xerrors.Register(CodeTaskNotFound, xerrors.Attributes{
		Message:  "task not found",
		Kind:     xerrors.KindState,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeTaskConflict, xerrors.Attributes{
		Message:  "task id already exists",
		Kind:     xerrors.KindState,
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeTaskBusy, xerrors.Attributes{
		Message:  "task transition already in flight",
		Kind:     xerrors.KindState,
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
	xerrors.Register(CodeTaskNotOpen, xerrors.Attributes{
		Message:  "task is not open",
		Kind:     xerrors.KindState,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeTaskNotAssigned, xerrors.Attributes{
		Message:  "task is not assigned",
		Kind:     xerrors.KindState,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeTaskNotReviewable, xerrors.Attributes{
		Message:  "task has no pending submission",
		Kind:     xerrors.KindState,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeTaskNotDisputed, xerrors.Attributes{
		Message:  "task is not disputed",
		Kind:     xerrors.KindState,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeCapabilityMismatch, xerrors.Attributes{
		Message:  "agent holds none of the required capabilities",
		Kind:     xerrors.KindValidation,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeAgentInactive, xerrors.Attributes{
		Message:  "agent is not active",
		Kind:     xerrors.KindState,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeVerificationRequired, xerrors.Attributes{
		Message:  "task requires human verification",
		Kind:     xerrors.KindState,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeTaskValidation, xerrors.Attributes{
		Message:  "task validation failed",
		Kind:     xerrors.KindValidation,
		Severity: xerrors.SeverityInfo,
	})
}

func cloneTask(task *Task) *Task {
	clone := *task
	clone.Capabilities = append([]string(nil), task.Capabilities...)
	if task.Reward != nil {
		clone.Reward = new(big.Int).Set(task.Reward)
	}
	return &clone
}
