package workflow

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"TaskMesh-Chain/internal/directory"
	xerrors "TaskMesh-Chain/internal/errors"
)

// Status 表示工作流整体的状态。
type Status string

const (
	StatusDraft     Status = "draft"
	StatusActive    Status = "active"
	StatusPaused    Status = "paused" // 预留状态，当前没有操作会进入
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal 判断工作流状态是否为终态。
func IsTerminal(status Status) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// StepStatus 表示单个步骤的状态。“就绪”不是存储状态，
// 而是依据依赖集实时计算的谓词。
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped" // 预留状态，供外部调度器标记
)

// StepType 是给链下调度器使用的提示信息，依赖引擎不区分对待。
type StepType string

const (
	StepTypeSequential  StepType = "sequential"
	StepTypeParallel    StepType = "parallel"
	StepTypeConditional StepType = "conditional"
)

// IsValidStepType 检查步骤类型是否为支持的枚举值。
func IsValidStepType(stepType StepType) bool {
	switch stepType {
	case StepTypeSequential, StepTypeParallel, StepTypeConditional:
		return true
	default:
		return false
	}
}

// StepID 是步骤在所属工作流内的编号，从 1 开始按追加顺序分配。
type StepID uint64

// Step 是工作流内的一个受限子任务：接单前受依赖门控，
// 完成时立即按托管费率结算。
type Step struct {
	ID            StepID            `json:"id"`
	Name          string            `json:"name"`
	Capability    string            `json:"capability"`
	AssignedAgent directory.AgentID `json:"assigned_agent,omitempty"` // 0 表示未指派
	Reward        *big.Int          `json:"reward"`
	Type          StepType          `json:"type"`
	Status        StepStatus        `json:"status"`
	Dependencies  []StepID          `json:"dependencies,omitempty"`
	InputRef      string            `json:"input_ref,omitempty"`
	OutputRef     string            `json:"output_ref,omitempty"`
	StartedAt     int64             `json:"started_at,omitempty"`
	CompletedAt   int64             `json:"completed_at,omitempty"`
}

// Workflow 是一笔聚合预算下的步骤有向无环图。
// Spent 记录已为步骤预留的预算份额，任何时刻 Spent ≤ Budget。
type Workflow struct {
	ID          string         `json:"id"`
	Creator     common.Address `json:"creator"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Budget      *big.Int       `json:"budget"`
	Spent       *big.Int       `json:"spent"`
	Status      Status         `json:"status"`
	Steps       []*Step        `json:"steps"`
	CreatedAt   int64          `json:"created_at"`
	Deadline    int64          `json:"deadline"`
	UpdatedAt   int64          `json:"updated_at"`
}

// StepByID 返回指定编号的步骤，不存在时返回 nil。
func (w *Workflow) StepByID(id StepID) *Step {
	for _, step := range w.Steps {
		if step.ID == id {
			return step
		}
	}
	return nil
}

// DependenciesSatisfied 判断步骤的全部依赖是否都已完成。
// 空依赖集恒为真。
func (w *Workflow) DependenciesSatisfied(step *Step) bool {
	for _, dep := range step.Dependencies {
		depStep := w.StepByID(dep)
		if depStep == nil || depStep.Status != StepCompleted {
			return false
		}
	}
	return true
}

// ReadySteps 重新计算就绪集：处于 Pending 且依赖全部完成的步骤。
// 每次调用都从头计算，不做缓存，保证两次计算结果一致。
func (w *Workflow) ReadySteps() []StepID {
	var ready []StepID
	for _, step := range w.Steps {
		if step.Status != StepPending {
			continue
		}
		if w.DependenciesSatisfied(step) {
			ready = append(ready, step.ID)
		}
	}
	return ready
}

// CompletedRewards 返回所有已完成步骤的酬金之和，
// 退款金额 = Budget − CompletedRewards。
func (w *Workflow) CompletedRewards() *big.Int {
	total := new(big.Int)
	for _, step := range w.Steps {
		if step.Status == StepCompleted {
			total.Add(total, step.Reward)
		}
	}
	return total
}

// Settled 判断是否所有步骤都已结束（Completed 或 Skipped）。
func (w *Workflow) Settled() bool {
	for _, step := range w.Steps {
		if step.Status != StepCompleted && step.Status != StepSkipped {
			return false
		}
	}
	return len(w.Steps) > 0
}

var (
	// ErrWorkflowNotFound 表示指定的工作流不存在。
	ErrWorkflowNotFound = xerrors.New(CodeWorkflowNotFound, "workflow not found")
	// ErrWorkflowConflict 表示工作流编号已存在。
	ErrWorkflowConflict = xerrors.New(CodeWorkflowConflict, "workflow id already exists")
	// ErrWorkflowBusy 表示工作流正处于另一个状态转换之中。
	ErrWorkflowBusy = xerrors.New(CodeWorkflowBusy, "workflow transition already in flight")
	// ErrNotDraft 表示工作流已离开草稿状态，不能再追加步骤或启动。
	ErrNotDraft = xerrors.New(CodeWorkflowNotDraft, "workflow is not a draft")
	// ErrNotActive 表示工作流不在运行状态。
	ErrNotActive = xerrors.New(CodeWorkflowNotActive, "workflow is not active")
	// ErrNotCancellable 表示工作流已到终态，不能撤销。
	ErrNotCancellable = xerrors.New(CodeWorkflowNotCancellable, "workflow already reached a terminal status")
	// ErrNoSteps 表示工作流没有任何步骤，不能启动。
	ErrNoSteps = xerrors.New(CodeWorkflowNoSteps, "workflow has no steps")
	// ErrBudgetExceeded 表示步骤酬金预留将突破工作流预算。
	ErrBudgetExceeded = xerrors.New(CodeBudgetExceeded, "step reservation exceeds workflow budget")
	// ErrStepNotFound 表示步骤编号在工作流内不存在。
	ErrStepNotFound = xerrors.New(CodeStepNotFound, "step not found in workflow")
	// ErrStepNotPending 表示步骤不处于待接单状态。
	ErrStepNotPending = xerrors.New(CodeStepNotPending, "step is not pending")
	// ErrStepNotRunning 表示步骤不处于运行状态。
	ErrStepNotRunning = xerrors.New(CodeStepNotRunning, "step is not running")
	// ErrStepNotReady 表示步骤仍有依赖未完成。
	ErrStepNotReady = xerrors.New(CodeStepNotReady, "step dependencies are not all completed")
	// ErrBadDependency 表示依赖引用了不存在的步骤或自身。
	ErrBadDependency = xerrors.New(CodeBadDependency, "dependency must reference an existing earlier step")
)

const (
	CodeWorkflowNotFound       xerrors.Code = "WORKFLOW_NOT_FOUND"
	CodeWorkflowConflict       xerrors.Code = "WORKFLOW_CONFLICT"
	CodeWorkflowBusy           xerrors.Code = "WORKFLOW_BUSY"
	CodeWorkflowNotDraft       xerrors.Code = "WORKFLOW_NOT_DRAFT"
	CodeWorkflowNotActive      xerrors.Code = "WORKFLOW_NOT_ACTIVE"
	CodeWorkflowNotCancellable xerrors.Code = "WORKFLOW_NOT_CANCELLABLE"
	CodeWorkflowNoSteps        xerrors.Code = "WORKFLOW_NO_STEPS"
	CodeBudgetExceeded         xerrors.Code = "WORKFLOW_BUDGET_EXCEEDED"
	CodeStepNotFound           xerrors.Code = "STEP_NOT_FOUND"
	CodeStepNotPending         xerrors.Code = "STEP_NOT_PENDING"
	CodeStepNotRunning         xerrors.Code = "STEP_NOT_RUNNING"
	CodeStepNotReady           xerrors.Code = "STEP_NOT_READY"
	CodeBadDependency          xerrors.Code = "STEP_BAD_DEPENDENCY"
	CodeWorkflowValidation     xerrors.Code = "WORKFLOW_VALIDATION_FAILED"
)

func init() {
	xerrors.Register(CodeWorkflowNotFound, xerrors.Attributes{
		Message:  "workflow not found",
		Kind:     xerrors.KindState,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeWorkflowConflict, xerrors.Attributes{
		Message:  "workflow id already exists",
		Kind:     xerrors.KindState,
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeWorkflowBusy, xerrors.Attributes{
		Message:  "workflow transition already in flight",
		Kind:     xerrors.KindState,
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
	xerrors.Register(CodeWorkflowNotDraft, xerrors.Attributes{
		Message:  "workflow is not a draft",
		Kind:     xerrors.KindState,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeWorkflowNotActive, xerrors.Attributes{
		Message:  "workflow is not active",
		Kind:     xerrors.KindState,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeWorkflowNotCancellable, xerrors.Attributes{
		Message:  "workflow already reached a terminal status",
		Kind:     xerrors.KindState,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeWorkflowNoSteps, xerrors.Attributes{
		Message:  "workflow has no steps",
		Kind:     xerrors.KindValidation,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeBudgetExceeded, xerrors.Attributes{
		Message:  "step reservation exceeds workflow budget",
		Kind:     xerrors.KindResource,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeStepNotFound, xerrors.Attributes{
		Message:  "step not found in workflow",
		Kind:     xerrors.KindState,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeStepNotPending, xerrors.Attributes{
		Message:  "step is not pending",
		Kind:     xerrors.KindState,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeStepNotRunning, xerrors.Attributes{
		Message:  "step is not running",
		Kind:     xerrors.KindState,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeStepNotReady, xerrors.Attributes{
		Message:  "step dependencies are not all completed",
		Kind:     xerrors.KindState,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeBadDependency, xerrors.Attributes{
		Message:  "dependency must reference an existing earlier step",
		Kind:     xerrors.KindResource,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeWorkflowValidation, xerrors.Attributes{
		Message:  "workflow validation failed",
		Kind:     xerrors.KindValidation,
		Severity: xerrors.SeverityInfo,
	})
}

func cloneWorkflow(workflow *Workflow) *Workflow {
	clone := *workflow
	if workflow.Budget != nil {
		clone.Budget = new(big.Int).Set(workflow.Budget)
	}
	if workflow.Spent != nil {
		clone.Spent = new(big.Int).Set(workflow.Spent)
	}
	clone.Steps = make([]*Step, len(workflow.Steps))
	for i, step := range workflow.Steps {
		clone.Steps[i] = cloneStep(step)
	}
	return &clone
}

func cloneStep(step *Step) *Step {
	clone := *step
	if step.Reward != nil {
		clone.Reward = new(big.Int).Set(step.Reward)
	}
	clone.Dependencies = append([]StepID(nil), step.Dependencies...)
	return &clone
}
