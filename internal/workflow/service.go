package workflow

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"TaskMesh-Chain/internal/directory"
	xerrors "TaskMesh-Chain/internal/errors"
	"TaskMesh-Chain/internal/escrow"
	"TaskMesh-Chain/internal/events"
	"TaskMesh-Chain/internal/ledger"
	"TaskMesh-Chain/internal/observability/metrics"
	"TaskMesh-Chain/pkg/logger"
)

// Params 描述编排服务的账户配置。
type Params struct {
	EscrowAccount   common.Address
	PlatformAccount common.Address
}

// Service 实现工作流编排引擎：预算托管、步骤依赖门控与逐步结算。
// 步骤完成即付，工作流层没有人工审批环节。
type Service struct {
	store      Store
	accountant *escrow.Accountant
	ledger     ledger.Ledger
	directory  directory.Directory
	publisher  events.Publisher
	params     Params

	guardMu  sync.Mutex
	inFlight map[string]struct{}

	now func() time.Time
}

// NewService 构造编排服务。
func NewService(store Store, accountant *escrow.Accountant, tokens ledger.Ledger, dir directory.Directory, publisher events.Publisher, params Params) (*Service, error) {
	if store == nil || accountant == nil || tokens == nil || dir == nil || publisher == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "编排服务依赖不完整")
	}
	if params.EscrowAccount == (common.Address{}) || params.PlatformAccount == (common.Address{}) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "托管账户与平台账户不能为空")
	}
	return &Service{
		store:      store,
		accountant: accountant,
		ledger:     tokens,
		directory:  dir,
		publisher:  publisher,
		params:     params,
		inFlight:   make(map[string]struct{}),
		now:        time.Now,
	}, nil
}

// CreateWorkflowInput 描述创建工作流所需的字段。
type CreateWorkflowInput struct {
	Name        string
	Description string
	Budget      *big.Int
	Deadline    time.Time
}

// CreateWorkflow 托管聚合预算并登记草稿工作流。
func (s *Service) CreateWorkflow(ctx context.Context, creator common.Address, input CreateWorkflowInput) (*Workflow, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, xerrors.New(CodeWorkflowValidation, "工作流名称不能为空")
	}
	if creator == (common.Address{}) {
		return nil, xerrors.New(CodeWorkflowValidation, "创建者地址不能为空")
	}
	if input.Budget == nil || input.Budget.Sign() <= 0 {
		return nil, xerrors.New(CodeWorkflowValidation, "工作流预算必须为正整数")
	}
	now := s.now()
	if !input.Deadline.After(now) {
		return nil, xerrors.New(CodeWorkflowValidation, "工作流截止时间必须晚于当前时间")
	}

	// 校验全部通过，先托管预算，再落库。
	if err := s.ledger.TransferFrom(ctx, creator, s.params.EscrowAccount, input.Budget); err != nil {
		if stdErrors.Is(err, ledger.ErrInsufficientBalance) {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeLedgerFailure, err, "预算托管失败")
	}

	workflow := &Workflow{
		ID:          uuid.NewString(),
		Creator:     creator,
		Name:        name,
		Description: strings.TrimSpace(input.Description),
		Budget:      new(big.Int).Set(input.Budget),
		Spent:       new(big.Int),
		Status:      StatusDraft,
		CreatedAt:   now.Unix(),
		Deadline:    input.Deadline.Unix(),
	}
	if err := s.store.Create(ctx, workflow); err != nil {
		if refundErr := s.ledger.Transfer(ctx, creator, input.Budget); refundErr != nil {
			logger.L().Error("预算补偿退款失败",
				slog.String("workflow_id", workflow.ID),
				slog.Any("error", refundErr),
			)
		}
		return nil, err
	}

	logger.Audit().Info("工作流预算托管",
		slog.String("workflow_id", workflow.ID),
		slog.String("creator", creator.Hex()),
		slog.String("budget", workflow.Budget.String()),
	)

	event := events.New(events.TypeWorkflowCreated)
	event.WorkflowID = workflow.ID
	event.Actor = creator.Hex()
	event.Reward = events.Amount(workflow.Budget)
	s.emit(ctx, event)

	return cloneWorkflow(workflow), nil
}

// AddStepInput 描述追加步骤所需的字段。
type AddStepInput struct {
	Name         string
	Capability   string
	Reward       *big.Int
	Type         StepType
	Dependencies []StepID
	InputRef     string
}

// AddStep 在草稿工作流上追加步骤并预留其酬金份额。
// 依赖只能引用同一工作流中已存在的步骤，禁止自引用，
// 因此依赖图天然无环。
func (s *Service) AddStep(ctx context.Context, caller common.Address, workflowID string, input AddStepInput) (*Workflow, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, xerrors.New(CodeWorkflowValidation, "步骤名称不能为空")
	}
	capability := strings.TrimSpace(strings.ToLower(input.Capability))
	if capability == "" {
		return nil, xerrors.New(CodeWorkflowValidation, "步骤必须声明能力要求")
	}
	if input.Reward == nil || input.Reward.Sign() <= 0 {
		return nil, xerrors.New(CodeWorkflowValidation, "步骤酬金必须为正整数")
	}
	if input.Type == "" {
		input.Type = StepTypeSequential
	}
	if !IsValidStepType(input.Type) {
		return nil, xerrors.New(CodeWorkflowValidation, "未知的步骤类型")
	}

	release, err := s.acquire(workflowID)
	if err != nil {
		return nil, err
	}
	defer release()

	workflow, err := s.store.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if workflow.Status != StatusDraft {
		return nil, ErrNotDraft
	}
	if workflow.Creator != caller {
		return nil, xerrors.New(xerrors.CodeUnauthorized, "只有创建者可以追加步骤")
	}

	nextID := StepID(len(workflow.Steps) + 1)
	seen := make(map[StepID]struct{}, len(input.Dependencies))
	for _, dep := range input.Dependencies {
		if dep == nextID || workflow.StepByID(dep) == nil {
			return nil, ErrBadDependency
		}
		if _, dup := seen[dep]; dup {
			return nil, ErrBadDependency
		}
		seen[dep] = struct{}{}
	}

	reserved := new(big.Int).Add(workflow.Spent, input.Reward)
	if reserved.Cmp(workflow.Budget) > 0 {
		return nil, ErrBudgetExceeded
	}

	step := &Step{
		ID:           nextID,
		Name:         name,
		Capability:   capability,
		Reward:       new(big.Int).Set(input.Reward),
		Type:         input.Type,
		Status:       StepPending,
		Dependencies: append([]StepID(nil), input.Dependencies...),
		InputRef:     strings.TrimSpace(input.InputRef),
	}
	workflow.Steps = append(workflow.Steps, step)
	workflow.Spent = reserved
	if err := s.store.Update(ctx, workflow); err != nil {
		return nil, err
	}

	event := events.New(events.TypeStepAdded)
	event.WorkflowID = workflowID
	event.StepID = uint64(step.ID)
	event.Actor = caller.Hex()
	event.Reward = events.Amount(step.Reward)
	s.emit(ctx, event)

	return workflow, nil
}

// StartWorkflow 把至少含一个步骤的草稿工作流切换为运行状态。
// 初始就绪集即依赖集为空的步骤。
func (s *Service) StartWorkflow(ctx context.Context, caller common.Address, workflowID string) (*Workflow, error) {
	release, err := s.acquire(workflowID)
	if err != nil {
		return nil, err
	}
	defer release()

	workflow, err := s.store.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if workflow.Status != StatusDraft {
		return nil, ErrNotDraft
	}
	if workflow.Creator != caller {
		return nil, xerrors.New(xerrors.CodeUnauthorized, "只有创建者可以启动工作流")
	}
	if len(workflow.Steps) == 0 {
		return nil, ErrNoSteps
	}

	workflow.Status = StatusActive
	if err := s.store.Update(ctx, workflow); err != nil {
		return nil, err
	}

	logger.L().Info("工作流启动",
		slog.String("workflow_id", workflowID),
		slog.Int("steps", len(workflow.Steps)),
		slog.Int("initially_ready", len(workflow.ReadySteps())),
	)

	event := events.New(events.TypeWorkflowStarted)
	event.WorkflowID = workflowID
	event.Actor = caller.Hex()
	s.emit(ctx, event)

	return workflow, nil
}

// AcceptStep 由代理所有者认领一个就绪步骤。
// 步骤只有在全部依赖完成后才能进入运行状态。
func (s *Service) AcceptStep(ctx context.Context, caller common.Address, workflowID string, stepID StepID, agentID directory.AgentID) (*Workflow, error) {
	release, err := s.acquire(workflowID)
	if err != nil {
		return nil, err
	}
	defer release()

	workflow, err := s.store.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if workflow.Status != StatusActive {
		return nil, ErrNotActive
	}
	step := workflow.StepByID(stepID)
	if step == nil {
		return nil, ErrStepNotFound
	}
	if step.Status != StepPending {
		return nil, ErrStepNotPending
	}
	if !workflow.DependenciesSatisfied(step) {
		return nil, ErrStepNotReady
	}

	owner, err := s.directory.OwnerOf(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if owner != caller {
		return nil, xerrors.New(xerrors.CodeUnauthorized, "调用者不是该代理的所有者")
	}
	active, err := s.directory.IsActive(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if !active {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "代理当前不可接单")
	}
	capable, err := s.directory.HasCapability(ctx, agentID, step.Capability)
	if err != nil {
		return nil, err
	}
	if !capable {
		return nil, xerrors.New(CodeWorkflowValidation, "代理不具备步骤要求的能力")
	}

	step.Status = StepRunning
	step.AssignedAgent = agentID
	step.StartedAt = s.now().Unix()
	if err := s.store.Update(ctx, workflow); err != nil {
		return nil, err
	}

	event := events.New(events.TypeStepStarted)
	event.WorkflowID = workflowID
	event.StepID = uint64(stepID)
	event.AgentID = uint64(agentID)
	event.Actor = caller.Hex()
	s.emit(ctx, event)

	return workflow, nil
}

// CompleteStep 由被指派代理的所有者提交产出并立即结算该步骤。
// 结算后重算就绪集；全部步骤结束时工作流进入完成态。
func (s *Service) CompleteStep(ctx context.Context, caller common.Address, workflowID string, stepID StepID, outputRef string) (*Workflow, error) {
	outputRef = strings.TrimSpace(outputRef)
	if outputRef == "" {
		return nil, xerrors.New(CodeWorkflowValidation, "步骤产出指针不能为空")
	}

	release, err := s.acquire(workflowID)
	if err != nil {
		return nil, err
	}
	defer release()

	workflow, err := s.store.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if workflow.Status != StatusActive {
		return nil, ErrNotActive
	}
	step := workflow.StepByID(stepID)
	if step == nil {
		return nil, ErrStepNotFound
	}
	if step.Status != StepRunning {
		return nil, ErrStepNotRunning
	}
	owner, err := s.directory.OwnerOf(ctx, step.AssignedAgent)
	if err != nil {
		return nil, err
	}
	if owner != caller {
		return nil, xerrors.New(xerrors.CodeUnauthorized, "调用者不是被指派代理的所有者")
	}

	split, err := s.accountant.SplitReward(step.Reward)
	if err != nil {
		return nil, err
	}

	step.Status = StepCompleted
	step.OutputRef = outputRef
	step.CompletedAt = s.now().Unix()

	workflowDone := workflow.Settled()
	if workflowDone {
		workflow.Status = StatusCompleted
	}
	if err := s.store.Update(ctx, workflow); err != nil {
		return nil, err
	}

	// 本地状态已提交，随后执行外部转账与目录通知。
	if err := s.ledger.Transfer(ctx, owner, split.Payout); err != nil {
		logger.L().Error("步骤放款失败",
			slog.String("workflow_id", workflowID),
			slog.Uint64("step_id", uint64(stepID)),
			slog.Any("error", err),
		)
		return nil, xerrors.Wrap(xerrors.CodeLedgerFailure, err, "步骤放款失败")
	}
	if split.Fee.Sign() > 0 {
		if err := s.ledger.Transfer(ctx, s.params.PlatformAccount, split.Fee); err != nil {
			logger.L().Error("平台手续费入账失败",
				slog.String("workflow_id", workflowID),
				slog.Uint64("step_id", uint64(stepID)),
				slog.Any("error", err),
			)
			return nil, xerrors.Wrap(xerrors.CodeLedgerFailure, err, "平台手续费入账失败")
		}
	}
	metrics.ObserveSettlement("payout")
	if split.Fee.Sign() > 0 {
		metrics.ObserveSettlement("fee")
	}
	if err := s.directory.RecordTaskOutcome(ctx, step.AssignedAgent, true, split.Payout); err != nil {
		logger.L().Warn("记录步骤完成失败", slog.Uint64("agent_id", uint64(step.AssignedAgent)), slog.Any("error", err))
	}

	logger.Audit().Info("步骤结算完成",
		slog.String("workflow_id", workflowID),
		slog.Uint64("step_id", uint64(stepID)),
		slog.Uint64("agent_id", uint64(step.AssignedAgent)),
		slog.String("payout", split.Payout.String()),
		slog.String("fee", split.Fee.String()),
	)

	event := events.New(events.TypeStepCompleted)
	event.WorkflowID = workflowID
	event.StepID = uint64(stepID)
	event.AgentID = uint64(step.AssignedAgent)
	event.Reward = events.Amount(split.Reward)
	event.Fee = events.Amount(split.Fee)
	event.Payout = events.Amount(split.Payout)
	s.emit(ctx, event)

	if workflowDone {
		done := events.New(events.TypeWorkflowCompleted)
		done.WorkflowID = workflowID
		done.Reward = events.Amount(workflow.CompletedRewards())
		s.emit(ctx, done)
	}

	return workflow, nil
}

// FailStep 由创建者宣告某个运行中的步骤失败。单步失败即整个工作流失败，
// 未结算的预算全额退回创建者。
func (s *Service) FailStep(ctx context.Context, caller common.Address, workflowID string, stepID StepID, reason string) (*Workflow, error) {
	release, err := s.acquire(workflowID)
	if err != nil {
		return nil, err
	}
	defer release()

	workflow, err := s.store.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if workflow.Status != StatusActive {
		return nil, ErrNotActive
	}
	if workflow.Creator != caller {
		return nil, xerrors.New(xerrors.CodeUnauthorized, "只有创建者可以宣告步骤失败")
	}
	step := workflow.StepByID(stepID)
	if step == nil {
		return nil, ErrStepNotFound
	}
	if step.Status != StepRunning {
		return nil, ErrStepNotRunning
	}

	step.Status = StepFailed
	step.CompletedAt = s.now().Unix()
	workflow.Status = StatusFailed
	if err := s.store.Update(ctx, workflow); err != nil {
		return nil, err
	}

	refund := new(big.Int).Sub(workflow.Budget, workflow.CompletedRewards())
	if refund.Sign() > 0 {
		if err := s.ledger.Transfer(ctx, workflow.Creator, refund); err != nil {
			logger.L().Error("工作流失败退款失败",
				slog.String("workflow_id", workflowID),
				slog.Any("error", err),
			)
			return nil, xerrors.Wrap(xerrors.CodeLedgerFailure, err, "工作流失败退款失败")
		}
		metrics.ObserveSettlement("refund")
	}

	logger.Audit().Info("工作流失败退款",
		slog.String("workflow_id", workflowID),
		slog.Uint64("step_id", uint64(stepID)),
		slog.String("refund", refund.String()),
		slog.String("reason", reason),
	)

	stepEvent := events.New(events.TypeStepFailed)
	stepEvent.WorkflowID = workflowID
	stepEvent.StepID = uint64(stepID)
	stepEvent.AgentID = uint64(step.AssignedAgent)
	stepEvent.Actor = caller.Hex()
	stepEvent.Reason = reason
	s.emit(ctx, stepEvent)

	failEvent := events.New(events.TypeWorkflowFailed)
	failEvent.WorkflowID = workflowID
	failEvent.Refund = events.Amount(refund)
	failEvent.Reason = reason
	s.emit(ctx, failEvent)

	return workflow, nil
}

// CancelWorkflow 由创建者撤销尚未到终态的工作流，
// 退回预算中尚未支付给已完成步骤的部分。
func (s *Service) CancelWorkflow(ctx context.Context, caller common.Address, workflowID string) (*Workflow, error) {
	release, err := s.acquire(workflowID)
	if err != nil {
		return nil, err
	}
	defer release()

	workflow, err := s.store.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	switch workflow.Status {
	case StatusDraft, StatusActive, StatusPaused:
	default:
		return nil, ErrNotCancellable
	}
	if workflow.Creator != caller {
		return nil, xerrors.New(xerrors.CodeUnauthorized, "只有创建者可以撤销工作流")
	}

	workflow.Status = StatusCancelled
	if err := s.store.Update(ctx, workflow); err != nil {
		return nil, err
	}

	refund := new(big.Int).Sub(workflow.Budget, workflow.CompletedRewards())
	if refund.Sign() > 0 {
		if err := s.ledger.Transfer(ctx, workflow.Creator, refund); err != nil {
			logger.L().Error("撤销工作流退款失败",
				slog.String("workflow_id", workflowID),
				slog.Any("error", err),
			)
			return nil, xerrors.Wrap(xerrors.CodeLedgerFailure, err, "撤销工作流退款失败")
		}
		metrics.ObserveSettlement("refund")
	}

	logger.Audit().Info("工作流撤销退款",
		slog.String("workflow_id", workflowID),
		slog.String("creator", workflow.Creator.Hex()),
		slog.String("refund", refund.String()),
	)

	event := events.New(events.TypeWorkflowCancelled)
	event.WorkflowID = workflowID
	event.Actor = caller.Hex()
	event.Refund = events.Amount(refund)
	s.emit(ctx, event)

	return workflow, nil
}

// ReadySteps 返回工作流当前的就绪步骤编号。
func (s *Service) ReadySteps(ctx context.Context, workflowID string) ([]StepID, error) {
	workflow, err := s.store.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if workflow.Status != StatusActive {
		return nil, ErrNotActive
	}
	return workflow.ReadySteps(), nil
}

// Get 返回指定工作流。
func (s *Service) Get(ctx context.Context, workflowID string) (*Workflow, error) {
	return s.store.Get(ctx, workflowID)
}

// List 返回符合过滤条件的工作流列表。
func (s *Service) List(ctx context.Context, opts ListOptions) ([]*Workflow, error) {
	return s.store.List(ctx, opts)
}

// Stats 返回工作流统计信息。
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	return s.store.Stats(ctx)
}

// Close 释放底层资源。
func (s *Service) Close() error {
	return s.store.Close()
}

// acquire 为工作流加 in-flight 标记，阻止同一工作流的并发/重入转换。
func (s *Service) acquire(workflowID string) (func(), error) {
	s.guardMu.Lock()
	defer s.guardMu.Unlock()
	if _, busy := s.inFlight[workflowID]; busy {
		return nil, ErrWorkflowBusy
	}
	s.inFlight[workflowID] = struct{}{}
	return func() {
		s.guardMu.Lock()
		delete(s.inFlight, workflowID)
		s.guardMu.Unlock()
	}, nil
}

// emit 在状态提交后发布事件，失败仅记录告警，不回滚状态。
func (s *Service) emit(ctx context.Context, event events.Event) {
	if err := s.publisher.Publish(ctx, event); err != nil {
		logger.L().Error("事件发布失败",
			slog.String("event_type", string(event.Type)),
			slog.String("workflow_id", event.WorkflowID),
			slog.Any("error", err),
		)
	}
}
