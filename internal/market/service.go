package market

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"TaskMesh-Chain/internal/directory"
	xerrors "TaskMesh-Chain/internal/errors"
	"TaskMesh-Chain/internal/escrow"
	"TaskMesh-Chain/internal/events"
	"TaskMesh-Chain/internal/ledger"
	"TaskMesh-Chain/internal/observability/metrics"
	"TaskMesh-Chain/pkg/logger"
)

// DefaultAutoReleaseTimeout 是提交后无人审批时允许任何人触发放款的等待期。
const DefaultAutoReleaseTimeout = 7 * 24 * time.Hour

// ErrNoCandidate 表示没有符合条件的代理可供推荐。
var ErrNoCandidate = xerrors.New(CodeNoCandidate, "no eligible agent for this task")

const CodeNoCandidate xerrors.Code = "NO_ELIGIBLE_AGENT"

func init() {
	xerrors.Register(CodeNoCandidate, xerrors.Attributes{
		Message:  "no eligible agent for this task",
		Kind:     xerrors.KindState,
		Severity: xerrors.SeverityInfo,
	})
}

// Params 描述市场服务的账户与时限配置。
type Params struct {
	EscrowAccount      common.Address
	PlatformAccount    common.Address
	Arbitrator         common.Address
	AutoReleaseTimeout time.Duration
}

// Service 实现任务生命周期状态机。所有外部转账与目录通知都发生在
// 本地状态提交之后；同一任务的转换通过 in-flight 标记串行化，杜绝重入。
type Service struct {
	store      Store
	accountant *escrow.Accountant
	ledger     ledger.Ledger
	directory  directory.Directory
	publisher  events.Publisher
	params     Params

	guardMu  sync.Mutex
	inFlight map[common.Hash]struct{}

	now func() time.Time
}

// NewService 构造市场服务。
func NewService(store Store, accountant *escrow.Accountant, tokens ledger.Ledger, dir directory.Directory, publisher events.Publisher, params Params) (*Service, error) {
	if store == nil || accountant == nil || tokens == nil || dir == nil || publisher == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "市场服务依赖不完整")
	}
	if params.EscrowAccount == (common.Address{}) || params.PlatformAccount == (common.Address{}) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "托管账户与平台账户不能为空")
	}
	if params.AutoReleaseTimeout <= 0 {
		params.AutoReleaseTimeout = DefaultAutoReleaseTimeout
	}
	return &Service{
		store:      store,
		accountant: accountant,
		ledger:     tokens,
		directory:  dir,
		publisher:  publisher,
		params:     params,
		inFlight:   make(map[common.Hash]struct{}),
		now:        time.Now,
	}, nil
}

// Accountant 暴露托管核算器，供 API 层查询费率与下限。
func (s *Service) Accountant() *escrow.Accountant {
	return s.accountant
}

// CreateTaskInput 描述创建任务所需的全部字段。
type CreateTaskInput struct {
	Title                string
	DescriptionRef       string
	Capabilities         []string
	Reward               *big.Int
	Deadline             time.Time
	RequiresVerification bool
}

// CreateTask 托管酬金并登记新任务。所有校验通过之前不发生任何转账。
func (s *Service) CreateTask(ctx context.Context, requester common.Address, input CreateTaskInput) (*Task, error) {
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return nil, xerrors.New(CodeTaskValidation, "任务标题不能为空")
	}
	if requester == (common.Address{}) {
		return nil, xerrors.New(CodeTaskValidation, "请求者地址不能为空")
	}
	capabilities := normalizeCapabilities(input.Capabilities)
	if len(capabilities) == 0 {
		return nil, xerrors.New(CodeTaskValidation, "任务至少需要一项能力要求")
	}
	if err := s.accountant.ValidateReward(input.Reward); err != nil {
		return nil, err
	}
	now := s.now()
	if !input.Deadline.After(now) {
		return nil, xerrors.New(CodeTaskValidation, "任务截止时间必须晚于当前时间")
	}

	id := DeriveTaskID(requester, title, now.UnixNano())
	if _, err := s.store.Get(ctx, id); err == nil {
		return nil, ErrTaskConflict
	} else if !stdErrors.Is(err, ErrTaskNotFound) {
		return nil, err
	}

	// 校验全部通过，先划转托管资金，再落库。
	if err := s.ledger.TransferFrom(ctx, requester, s.params.EscrowAccount, input.Reward); err != nil {
		if stdErrors.Is(err, ledger.ErrInsufficientBalance) {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeLedgerFailure, err, "托管入账失败")
	}

	task := &Task{
		ID:                   id,
		Requester:            requester,
		Title:                title,
		DescriptionRef:       strings.TrimSpace(input.DescriptionRef),
		Capabilities:         capabilities,
		Reward:               new(big.Int).Set(input.Reward),
		Status:               StatusOpen,
		RequiresVerification: input.RequiresVerification,
		CreatedAt:            now.Unix(),
		Deadline:             input.Deadline.Unix(),
	}
	if err := s.store.Create(ctx, task); err != nil {
		// 落库失败时退回托管资金，避免资金滞留。
		if refundErr := s.ledger.Transfer(ctx, requester, input.Reward); refundErr != nil {
			logger.L().Error("托管补偿退款失败",
				slog.String("task_id", id.Hex()),
				slog.Any("error", refundErr),
			)
		}
		return nil, err
	}

	logger.Audit().Info("任务托管入账",
		slog.String("task_id", id.Hex()),
		slog.String("requester", requester.Hex()),
		slog.String("reward", task.Reward.String()),
	)

	event := events.New(events.TypeTaskCreated)
	event.TaskID = id.Hex()
	event.Actor = requester.Hex()
	event.Reward = events.Amount(task.Reward)
	s.emit(ctx, event)

	return cloneTask(task), nil
}

// AcceptTask 由代理所有者调用，把 Open 任务指派给代理。
// 能力校验采用“任一匹配”语义：持有任务要求的任意一项能力即可接单。
func (s *Service) AcceptTask(ctx context.Context, caller common.Address, taskID common.Hash, agentID directory.AgentID) (*Task, error) {
	release, err := s.acquire(taskID)
	if err != nil {
		return nil, err
	}
	defer release()

	task, err := s.store.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != StatusOpen {
		return nil, ErrNotOpen
	}
	if s.now().Unix() >= task.Deadline {
		return nil, ErrExpired
	}

	owner, err := s.directory.OwnerOf(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if owner != caller {
		return nil, ErrUnauthorized
	}
	active, err := s.directory.IsActive(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if !active {
		return nil, ErrAgentInactive
	}
	capable := false
	for _, capability := range task.Capabilities {
		has, err := s.directory.HasCapability(ctx, agentID, capability)
		if err != nil {
			return nil, err
		}
		if has {
			capable = true
			break
		}
	}
	if !capable {
		return nil, ErrCapabilityMismatch
	}

	task.Status = StatusAssigned
	task.AssignedAgent = agentID
	if err := s.store.Update(ctx, task); err != nil {
		return nil, err
	}

	event := events.New(events.TypeTaskAssigned)
	event.TaskID = taskID.Hex()
	event.AgentID = uint64(agentID)
	event.Actor = caller.Hex()
	s.emit(ctx, event)

	return task, nil
}

// SubmitResult 由被指派代理的所有者提交工作结果指针。
func (s *Service) SubmitResult(ctx context.Context, caller common.Address, taskID common.Hash, resultRef string) (*Task, error) {
	resultRef = strings.TrimSpace(resultRef)
	if resultRef == "" {
		return nil, xerrors.New(CodeTaskValidation, "结果指针不能为空")
	}

	release, err := s.acquire(taskID)
	if err != nil {
		return nil, err
	}
	defer release()

	task, err := s.store.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != StatusAssigned {
		return nil, ErrNotAssigned
	}
	if err := s.requireAgentOwner(ctx, caller, task.AssignedAgent); err != nil {
		return nil, err
	}

	task.ResultRef = resultRef
	task.SubmittedAt = s.now().Unix()
	if task.RequiresVerification {
		task.Status = StatusPendingReview
	} else {
		task.Status = StatusSubmitted
	}
	if err := s.store.Update(ctx, task); err != nil {
		return nil, err
	}

	event := events.New(events.TypeTaskSubmitted)
	event.TaskID = taskID.Hex()
	event.AgentID = uint64(task.AssignedAgent)
	event.Actor = caller.Hex()
	s.emit(ctx, event)

	return task, nil
}

// ApproveResult 由请求者确认结果并触发结算。
func (s *Service) ApproveResult(ctx context.Context, caller common.Address, taskID common.Hash) (*Task, error) {
	release, err := s.acquire(taskID)
	if err != nil {
		return nil, err
	}
	defer release()

	task, err := s.store.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != StatusSubmitted && task.Status != StatusPendingReview {
		return nil, ErrNotReviewable
	}
	if task.Requester != caller {
		return nil, ErrUnauthorized
	}
	if err := s.settle(ctx, task, "approve"); err != nil {
		return nil, err
	}
	return task, nil
}

// AutoRelease 在等待期结束后由任何人触发结算，防止请求者无限期压住资金。
// 要求人工审核的任务永远不能走该路径。
func (s *Service) AutoRelease(ctx context.Context, taskID common.Hash) (*Task, error) {
	release, err := s.acquire(taskID)
	if err != nil {
		return nil, err
	}
	defer release()

	task, err := s.store.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.RequiresVerification {
		return nil, ErrVerificationRequired
	}
	if task.Status != StatusSubmitted {
		return nil, ErrNotReviewable
	}
	due := time.Unix(task.SubmittedAt, 0).Add(s.params.AutoReleaseTimeout)
	if s.now().Before(due) {
		return nil, ErrAutoReleaseNotDue
	}
	if err := s.settle(ctx, task, "auto_release"); err != nil {
		return nil, err
	}
	return task, nil
}

// RejectResult 由请求者驳回结果，任务进入争议状态，资金不动。
func (s *Service) RejectResult(ctx context.Context, caller common.Address, taskID common.Hash, reason string) (*Task, error) {
	release, err := s.acquire(taskID)
	if err != nil {
		return nil, err
	}
	defer release()

	task, err := s.store.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != StatusSubmitted && task.Status != StatusPendingReview {
		return nil, ErrNotReviewable
	}
	if task.Requester != caller {
		return nil, ErrUnauthorized
	}

	task.Status = StatusDisputed
	if err := s.store.Update(ctx, task); err != nil {
		return nil, err
	}

	event := events.New(events.TypeTaskDisputed)
	event.TaskID = taskID.Hex()
	event.AgentID = uint64(task.AssignedAgent)
	event.Actor = caller.Hex()
	event.Reason = reason
	s.emit(ctx, event)

	return task, nil
}

// ResolveDispute 由仲裁者裁决争议。支持代理则照常结算；
// 支持请求者则全额退款、惩罚代理质押并记录失败。
func (s *Service) ResolveDispute(ctx context.Context, caller common.Address, taskID common.Hash, inFavorOfAgent bool) (*Task, error) {
	if caller != s.params.Arbitrator {
		return nil, ErrUnauthorized
	}

	release, err := s.acquire(taskID)
	if err != nil {
		return nil, err
	}
	defer release()

	task, err := s.store.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != StatusDisputed {
		return nil, ErrNotDisputed
	}

	if inFavorOfAgent {
		if err := s.settle(ctx, task, "dispute_agent"); err != nil {
			return nil, err
		}
		return task, nil
	}

	// 先提交本地状态，再执行外部退款与惩罚。
	task.Status = StatusFailed
	if err := s.store.Update(ctx, task); err != nil {
		return nil, err
	}

	if err := s.ledger.Transfer(ctx, task.Requester, task.Reward); err != nil {
		logger.L().Error("争议退款失败",
			slog.String("task_id", taskID.Hex()),
			slog.Any("error", err),
		)
		return nil, xerrors.Wrap(xerrors.CodeLedgerFailure, err, "争议退款失败")
	}
	metrics.ObserveSettlement("refund")
	if err := s.directory.Slash(ctx, task.AssignedAgent, "dispute lost"); err != nil {
		logger.L().Warn("代理质押惩罚失败", slog.Uint64("agent_id", uint64(task.AssignedAgent)), slog.Any("error", err))
	}
	if err := s.directory.RecordTaskOutcome(ctx, task.AssignedAgent, false, nil); err != nil {
		logger.L().Warn("记录失败任务失败", slog.Uint64("agent_id", uint64(task.AssignedAgent)), slog.Any("error", err))
	}

	logger.Audit().Info("争议裁决退款",
		slog.String("task_id", taskID.Hex()),
		slog.String("requester", task.Requester.Hex()),
		slog.String("refund", task.Reward.String()),
		slog.Uint64("agent_id", uint64(task.AssignedAgent)),
	)

	event := events.New(events.TypeTaskFailed)
	event.TaskID = taskID.Hex()
	event.AgentID = uint64(task.AssignedAgent)
	event.Actor = caller.Hex()
	event.Refund = events.Amount(task.Reward)
	event.Reason = "dispute resolved in favor of requester"
	s.emit(ctx, event)

	return task, nil
}

// CancelTask 由请求者撤销尚未被接单的任务并取回全部托管资金。
func (s *Service) CancelTask(ctx context.Context, caller common.Address, taskID common.Hash) (*Task, error) {
	release, err := s.acquire(taskID)
	if err != nil {
		return nil, err
	}
	defer release()

	task, err := s.store.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != StatusOpen {
		return nil, ErrNotOpen
	}
	if task.Requester != caller {
		return nil, ErrUnauthorized
	}

	task.Status = StatusCancelled
	if err := s.store.Update(ctx, task); err != nil {
		return nil, err
	}
	if err := s.ledger.Transfer(ctx, task.Requester, task.Reward); err != nil {
		logger.L().Error("撤单退款失败", slog.String("task_id", taskID.Hex()), slog.Any("error", err))
		return nil, xerrors.Wrap(xerrors.CodeLedgerFailure, err, "撤单退款失败")
	}
	metrics.ObserveSettlement("refund")

	logger.Audit().Info("任务撤销退款",
		slog.String("task_id", taskID.Hex()),
		slog.String("requester", task.Requester.Hex()),
		slog.String("refund", task.Reward.String()),
	)

	event := events.New(events.TypeTaskCancelled)
	event.TaskID = taskID.Hex()
	event.Actor = caller.Hex()
	event.Refund = events.Amount(task.Reward)
	s.emit(ctx, event)

	return task, nil
}

// settle 把托管酬金拆分为代理净得与平台手续费并完成支付。
// 状态先落库，外部转账与目录通知随后执行。
func (s *Service) settle(ctx context.Context, task *Task, trigger string) error {
	split, err := s.accountant.SplitReward(task.Reward)
	if err != nil {
		return err
	}
	owner, err := s.directory.OwnerOf(ctx, task.AssignedAgent)
	if err != nil {
		return err
	}

	task.Status = StatusCompleted
	if err := s.store.Update(ctx, task); err != nil {
		return err
	}

	if err := s.ledger.Transfer(ctx, owner, split.Payout); err != nil {
		logger.L().Error("结算放款失败",
			slog.String("task_id", task.ID.Hex()),
			slog.Any("error", err),
		)
		return xerrors.Wrap(xerrors.CodeLedgerFailure, err, "结算放款失败")
	}
	if split.Fee.Sign() > 0 {
		if err := s.ledger.Transfer(ctx, s.params.PlatformAccount, split.Fee); err != nil {
			logger.L().Error("平台手续费入账失败",
				slog.String("task_id", task.ID.Hex()),
				slog.Any("error", err),
			)
			return xerrors.Wrap(xerrors.CodeLedgerFailure, err, "平台手续费入账失败")
		}
	}
	metrics.ObserveSettlement("payout")
	if split.Fee.Sign() > 0 {
		metrics.ObserveSettlement("fee")
	}
	if err := s.directory.RecordTaskOutcome(ctx, task.AssignedAgent, true, split.Payout); err != nil {
		logger.L().Warn("记录任务完成失败", slog.Uint64("agent_id", uint64(task.AssignedAgent)), slog.Any("error", err))
	}

	logger.Audit().Info("任务结算完成",
		slog.String("task_id", task.ID.Hex()),
		slog.String("trigger", trigger),
		slog.Uint64("agent_id", uint64(task.AssignedAgent)),
		slog.String("payout", split.Payout.String()),
		slog.String("fee", split.Fee.String()),
	)

	event := events.New(events.TypeTaskCompleted)
	event.TaskID = task.ID.Hex()
	event.AgentID = uint64(task.AssignedAgent)
	event.Reward = events.Amount(split.Reward)
	event.Fee = events.Amount(split.Fee)
	event.Payout = events.Amount(split.Payout)
	event.Reason = trigger
	s.emit(ctx, event)

	return nil
}

// BestAgent 为 Open 任务推荐得分最高的活跃代理，仅供参考，不限制接单资格。
// 得分 = 声誉 ×（完成任务数 + 1）× 质押金额。
func (s *Service) BestAgent(ctx context.Context, taskID common.Hash) (directory.Profile, *big.Int, error) {
	task, err := s.store.Get(ctx, taskID)
	if err != nil {
		return directory.Profile{}, nil, err
	}
	if task.Status != StatusOpen {
		return directory.Profile{}, nil, ErrNotOpen
	}

	seen := make(map[directory.AgentID]struct{})
	var best directory.Profile
	var bestScore *big.Int
	for _, capability := range task.Capabilities {
		ids, err := s.directory.AgentsByCapability(ctx, capability)
		if err != nil {
			return directory.Profile{}, nil, err
		}
		for _, id := range ids {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}

			profile, err := s.directory.Profile(ctx, id)
			if err != nil {
				return directory.Profile{}, nil, err
			}
			if !profile.Active {
				continue
			}
			score := new(big.Int).SetUint64(profile.Reputation)
			score.Mul(score, new(big.Int).SetUint64(profile.TasksCompleted+1))
			score.Mul(score, profile.Staked)
			if bestScore == nil || score.Cmp(bestScore) > 0 {
				best = profile
				bestScore = score
			}
		}
	}
	if bestScore == nil {
		return directory.Profile{}, nil, ErrNoCandidate
	}
	return best, bestScore, nil
}

// Get 返回指定任务。
func (s *Service) Get(ctx context.Context, taskID common.Hash) (*Task, error) {
	return s.store.Get(ctx, taskID)
}

// List 返回符合过滤条件的任务列表。
func (s *Service) List(ctx context.Context, opts ListOptions) ([]*Task, error) {
	return s.store.List(ctx, opts)
}

// Stats 返回任务统计信息。
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	return s.store.Stats(ctx)
}

// OpenByCapability 返回指定能力下处于 Open 状态的任务编号。
func (s *Service) OpenByCapability(ctx context.Context, capability string) ([]common.Hash, error) {
	return s.store.OpenByCapability(ctx, capability)
}

// Close 释放底层资源。
func (s *Service) Close() error {
	if err := s.store.Close(); err != nil {
		return err
	}
	return s.publisher.Close()
}

// acquire 为任务加 in-flight 标记，阻止同一任务的并发/重入转换。
func (s *Service) acquire(taskID common.Hash) (func(), error) {
	s.guardMu.Lock()
	defer s.guardMu.Unlock()
	if _, busy := s.inFlight[taskID]; busy {
		return nil, ErrTaskBusy
	}
	s.inFlight[taskID] = struct{}{}
	return func() {
		s.guardMu.Lock()
		delete(s.inFlight, taskID)
		s.guardMu.Unlock()
	}, nil
}

func (s *Service) requireAgentOwner(ctx context.Context, caller common.Address, agentID directory.AgentID) error {
	owner, err := s.directory.OwnerOf(ctx, agentID)
	if err != nil {
		return err
	}
	if owner != caller {
		return ErrUnauthorized
	}
	return nil
}

// emit 在状态提交后发布事件，失败仅记录告警，不回滚状态。
func (s *Service) emit(ctx context.Context, event events.Event) {
	if err := s.publisher.Publish(ctx, event); err != nil {
		logger.L().Error("事件发布失败",
			slog.String("event_type", string(event.Type)),
			slog.String("task_id", event.TaskID),
			slog.Any("error", err),
		)
	}
}

func normalizeCapabilities(capabilities []string) []string {
	normalized := make([]string, 0, len(capabilities))
	seen := make(map[string]struct{}, len(capabilities))
	for _, capability := range capabilities {
		capability = normalizeCapability(capability)
		if capability == "" {
			continue
		}
		if _, dup := seen[capability]; dup {
			continue
		}
		seen[capability] = struct{}{}
		normalized = append(normalized, capability)
	}
	return normalized
}
