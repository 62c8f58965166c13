package market

import (
	"context"
	stdErrors "errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"TaskMesh-Chain/internal/directory"
	"TaskMesh-Chain/internal/escrow"
	"TaskMesh-Chain/internal/events"
	"TaskMesh-Chain/internal/ledger"
)

var (
	testEscrowAccount   = common.HexToAddress("0x00000000000000000000000000000000000000e5")
	testPlatformAccount = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	testArbitrator      = common.HexToAddress("0x00000000000000000000000000000000000000a0")
	testRequester       = common.HexToAddress("0x0000000000000000000000000000000000000011")
	testWorker          = common.HexToAddress("0x0000000000000000000000000000000000000022")
)

type marketFixture struct {
	service   *Service
	ledger    *ledger.MemoryLedger
	directory *directory.MemoryDirectory
	publisher *events.MemoryPublisher
	now       time.Time
}

func newMarketFixture(t *testing.T) *marketFixture {
	t.Helper()

	accountant, err := escrow.NewAccountant(250, big.NewInt(100))
	if err != nil {
		t.Fatalf("new accountant: %v", err)
	}
	tokens := ledger.NewMemoryLedger(testEscrowAccount)
	tokens.Mint(testRequester, big.NewInt(10_000))

	dir := directory.NewMemoryDirectory()
	pub := events.NewMemoryPublisher()

	service, err := NewService(NewMemoryStore(), accountant, tokens, dir, pub, Params{
		EscrowAccount:   testEscrowAccount,
		PlatformAccount: testPlatformAccount,
		Arbitrator:      testArbitrator,
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	f := &marketFixture{
		service:   service,
		ledger:    tokens,
		directory: dir,
		publisher: pub,
		now:       time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	service.now = func() time.Time { return f.now }
	return f
}

func (f *marketFixture) advance(d time.Duration) {
	f.now = f.now.Add(d)
}

func (f *marketFixture) registerWorker(t *testing.T, capabilities ...string) directory.AgentID {
	t.Helper()
	id, err := f.directory.Register(testWorker, "worker", capabilities, big.NewInt(500))
	if err != nil {
		t.Fatalf("register agent: %v", err)
	}
	return id
}

func (f *marketFixture) createTask(t *testing.T, reward int64, requiresVerification bool) *Task {
	t.Helper()
	task, err := f.service.CreateTask(context.Background(), testRequester, CreateTaskInput{
		Title:                "translate whitepaper",
		DescriptionRef:       "ipfs://QmDesc",
		Capabilities:         []string{"translation"},
		Reward:               big.NewInt(reward),
		Deadline:             f.now.Add(48 * time.Hour),
		RequiresVerification: requiresVerification,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func mustBalance(t *testing.T, l *ledger.MemoryLedger, account common.Address, want int64) {
	t.Helper()
	got := l.BalanceOf(account)
	if got.Cmp(big.NewInt(want)) != 0 {
		t.Fatalf("balance of %s = %s, want %d", account.Hex(), got, want)
	}
}

func TestHappyPathApproval(t *testing.T) {
	f := newMarketFixture(t)
	ctx := context.Background()
	agentID := f.registerWorker(t, "translation")

	task := f.createTask(t, 1000, false)
	if task.Status != StatusOpen {
		t.Fatalf("expected open task, got %s", task.Status)
	}
	mustBalance(t, f.ledger, testRequester, 9000)
	mustBalance(t, f.ledger, testEscrowAccount, 1000)

	if _, err := f.service.AcceptTask(ctx, testWorker, task.ID, agentID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := f.service.SubmitResult(ctx, testWorker, task.ID, "ipfs://QmResult"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	got, err := f.service.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusSubmitted {
		t.Fatalf("expected submitted without verification, got %s", got.Status)
	}

	if _, err := f.service.ApproveResult(ctx, testRequester, task.ID); err != nil {
		t.Fatalf("approve: %v", err)
	}

	got, err = f.service.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("get after approve: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}

	// 1000 拆为 975 净得 + 25 手续费。
	mustBalance(t, f.ledger, testWorker, 975)
	mustBalance(t, f.ledger, testPlatformAccount, 25)
	mustBalance(t, f.ledger, testEscrowAccount, 0)

	profile, err := f.directory.Profile(ctx, agentID)
	if err != nil {
		t.Fatalf("profile: %v", err)
	}
	if profile.TasksCompleted != 1 {
		t.Fatalf("expected 1 completed task, got %d", profile.TasksCompleted)
	}
	if profile.Earned.Cmp(big.NewInt(975)) != 0 {
		t.Fatalf("expected earned 975, got %s", profile.Earned)
	}

	if got := f.publisher.ByType(events.TypeTaskCompleted); len(got) != 1 {
		t.Fatalf("expected 1 completion event, got %d", len(got))
	}
	completed := f.publisher.ByType(events.TypeTaskCompleted)[0]
	if completed.Payout != "975" || completed.Fee != "25" {
		t.Fatalf("unexpected settlement amounts: payout=%s fee=%s", completed.Payout, completed.Fee)
	}

	// 终态任务不再接受任何转换。
	if _, err := f.service.ApproveResult(ctx, testRequester, task.ID); !stdErrors.Is(err, ErrNotReviewable) {
		t.Fatalf("expected ErrNotReviewable on terminal task, got %v", err)
	}
}

func TestVerificationFlowEntersPendingReview(t *testing.T) {
	f := newMarketFixture(t)
	ctx := context.Background()
	agentID := f.registerWorker(t, "translation")

	task := f.createTask(t, 1000, true)
	if _, err := f.service.AcceptTask(ctx, testWorker, task.ID, agentID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := f.service.SubmitResult(ctx, testWorker, task.ID, "ipfs://QmResult"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	got, err := f.service.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusPendingReview {
		t.Fatalf("expected pending_review, got %s", got.Status)
	}

	// 人工审核任务永远不能自动放款。
	f.advance(30 * 24 * time.Hour)
	if _, err := f.service.AutoRelease(ctx, task.ID); !stdErrors.Is(err, ErrVerificationRequired) {
		t.Fatalf("expected ErrVerificationRequired, got %v", err)
	}

	if _, err := f.service.ApproveResult(ctx, testRequester, task.ID); err != nil {
		t.Fatalf("approve from pending_review: %v", err)
	}
	mustBalance(t, f.ledger, testWorker, 975)
}

func TestDisputeResolvedForRequester(t *testing.T) {
	f := newMarketFixture(t)
	ctx := context.Background()
	agentID := f.registerWorker(t, "translation")

	task := f.createTask(t, 1000, false)
	if _, err := f.service.AcceptTask(ctx, testWorker, task.ID, agentID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := f.service.SubmitResult(ctx, testWorker, task.ID, "ipfs://QmResult"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := f.service.RejectResult(ctx, testRequester, task.ID, "wrong language"); err != nil {
		t.Fatalf("reject: %v", err)
	}

	got, err := f.service.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusDisputed {
		t.Fatalf("expected disputed, got %s", got.Status)
	}

	// 仅仲裁者可裁决。
	if _, err := f.service.ResolveDispute(ctx, testRequester, task.ID, false); !stdErrors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for non-arbitrator, got %v", err)
	}

	if _, err := f.service.ResolveDispute(ctx, testArbitrator, task.ID, false); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	got, err = f.service.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("get after resolve: %v", err)
	}
	if got.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}

	// 全额退款，代理分文未得，质押被罚 10%。
	mustBalance(t, f.ledger, testRequester, 10_000)
	mustBalance(t, f.ledger, testWorker, 0)
	mustBalance(t, f.ledger, testEscrowAccount, 0)

	profile, err := f.directory.Profile(ctx, agentID)
	if err != nil {
		t.Fatalf("profile: %v", err)
	}
	if profile.TasksFailed != 1 {
		t.Fatalf("expected 1 failed task, got %d", profile.TasksFailed)
	}
	if profile.Staked.Cmp(big.NewInt(450)) != 0 {
		t.Fatalf("expected stake slashed to 450, got %s", profile.Staked)
	}
}

func TestDisputeResolvedForAgentSettles(t *testing.T) {
	f := newMarketFixture(t)
	ctx := context.Background()
	agentID := f.registerWorker(t, "translation")

	task := f.createTask(t, 1000, false)
	if _, err := f.service.AcceptTask(ctx, testWorker, task.ID, agentID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := f.service.SubmitResult(ctx, testWorker, task.ID, "ipfs://QmResult"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := f.service.RejectResult(ctx, testRequester, task.ID, "not convinced"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if _, err := f.service.ResolveDispute(ctx, testArbitrator, task.ID, true); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	got, err := f.service.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	mustBalance(t, f.ledger, testWorker, 975)
	mustBalance(t, f.ledger, testPlatformAccount, 25)
}

func TestCancelRefundsEscrow(t *testing.T) {
	f := newMarketFixture(t)
	ctx := context.Background()
	agentID := f.registerWorker(t, "translation")

	task := f.createTask(t, 1000, false)
	if _, err := f.service.CancelTask(ctx, testWorker, task.ID); !stdErrors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for stranger cancel, got %v", err)
	}
	if _, err := f.service.CancelTask(ctx, testRequester, task.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	mustBalance(t, f.ledger, testRequester, 10_000)
	mustBalance(t, f.ledger, testEscrowAccount, 0)

	// 已撤销任务不能再接单或再次撤销。
	if _, err := f.service.AcceptTask(ctx, testWorker, task.ID, agentID); !stdErrors.Is(err, ErrNotOpen) {
		t.Fatalf("expected ErrNotOpen after cancel, got %v", err)
	}
	if _, err := f.service.CancelTask(ctx, testRequester, task.ID); !stdErrors.Is(err, ErrNotOpen) {
		t.Fatalf("expected ErrNotOpen on double cancel, got %v", err)
	}
}

func TestAutoReleaseAfterTimeout(t *testing.T) {
	f := newMarketFixture(t)
	ctx := context.Background()
	agentID := f.registerWorker(t, "translation")

	task := f.createTask(t, 1000, false)
	if _, err := f.service.AcceptTask(ctx, testWorker, task.ID, agentID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := f.service.SubmitResult(ctx, testWorker, task.ID, "ipfs://QmResult"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	// 等待期未满。
	f.advance(6 * 24 * time.Hour)
	if _, err := f.service.AutoRelease(ctx, task.ID); !stdErrors.Is(err, ErrAutoReleaseNotDue) {
		t.Fatalf("expected ErrAutoReleaseNotDue, got %v", err)
	}

	f.advance(24 * time.Hour)
	if _, err := f.service.AutoRelease(ctx, task.ID); err != nil {
		t.Fatalf("auto release: %v", err)
	}

	got, err := f.service.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	mustBalance(t, f.ledger, testWorker, 975)
}

func TestCreateTaskValidation(t *testing.T) {
	f := newMarketFixture(t)
	ctx := context.Background()

	cases := []struct {
		name  string
		input CreateTaskInput
	}{
		{"empty title", CreateTaskInput{Capabilities: []string{"translation"}, Reward: big.NewInt(1000), Deadline: f.now.Add(time.Hour)}},
		{"no capabilities", CreateTaskInput{Title: "t", Reward: big.NewInt(1000), Deadline: f.now.Add(time.Hour)}},
		{"past deadline", CreateTaskInput{Title: "t", Capabilities: []string{"translation"}, Reward: big.NewInt(1000), Deadline: f.now.Add(-time.Hour)}},
	}
	for _, tc := range cases {
		if _, err := f.service.CreateTask(ctx, testRequester, tc.input); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}

	// 酬金校验失败时不得发生任何转账。
	if _, err := f.service.CreateTask(ctx, testRequester, CreateTaskInput{
		Title:        "t",
		Capabilities: []string{"translation"},
		Reward:       big.NewInt(50),
		Deadline:     f.now.Add(time.Hour),
	}); !stdErrors.Is(err, escrow.ErrRewardTooLow) {
		t.Fatalf("expected ErrRewardTooLow, got %v", err)
	}
	mustBalance(t, f.ledger, testRequester, 10_000)

	// 余额不足同样不落库。
	if _, err := f.service.CreateTask(ctx, testRequester, CreateTaskInput{
		Title:        "t",
		Capabilities: []string{"translation"},
		Reward:       big.NewInt(50_000),
		Deadline:     f.now.Add(time.Hour),
	}); !stdErrors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	stats, err := f.service.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 0 {
		t.Fatalf("expected no tasks persisted, got %d", stats.Total)
	}
}

func TestAcceptTaskGuards(t *testing.T) {
	f := newMarketFixture(t)
	ctx := context.Background()
	agentID := f.registerWorker(t, "audit")

	task := f.createTask(t, 1000, false)

	// 非代理所有者不能替代理接单。
	if _, err := f.service.AcceptTask(ctx, testRequester, task.ID, agentID); !stdErrors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	// 能力采用任一匹配语义，完全不沾边则拒绝。
	if _, err := f.service.AcceptTask(ctx, testWorker, task.ID, agentID); !stdErrors.Is(err, ErrCapabilityMismatch) {
		t.Fatalf("expected ErrCapabilityMismatch, got %v", err)
	}

	multi, err := f.directory.Register(testWorker, "generalist", []string{"audit", "translation"}, big.NewInt(500))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := f.directory.SetActive(multi, false); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if _, err := f.service.AcceptTask(ctx, testWorker, task.ID, multi); !stdErrors.Is(err, ErrAgentInactive) {
		t.Fatalf("expected ErrAgentInactive, got %v", err)
	}
	if err := f.directory.SetActive(multi, true); err != nil {
		t.Fatalf("reactivate: %v", err)
	}

	// 截止时间已过的任务不能接单。
	f.advance(72 * time.Hour)
	if _, err := f.service.AcceptTask(ctx, testWorker, task.ID, multi); !stdErrors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestTransitionGuardBlocksReentry(t *testing.T) {
	f := newMarketFixture(t)
	task := f.createTask(t, 1000, false)

	release, err := f.service.acquire(task.ID)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := f.service.CancelTask(context.Background(), testRequester, task.ID); !stdErrors.Is(err, ErrTaskBusy) {
		t.Fatalf("expected ErrTaskBusy while in flight, got %v", err)
	}
	release()
	if _, err := f.service.CancelTask(context.Background(), testRequester, task.ID); err != nil {
		t.Fatalf("cancel after release: %v", err)
	}
}

func TestBestAgentScoring(t *testing.T) {
	f := newMarketFixture(t)
	ctx := context.Background()

	// 三个候选：高分者胜出，停用者被排除。
	strong, err := f.directory.Register(testWorker, "strong", []string{"translation"}, big.NewInt(1000))
	if err != nil {
		t.Fatalf("register strong: %v", err)
	}
	weak, err := f.directory.Register(common.HexToAddress("0x33"), "weak", []string{"translation"}, big.NewInt(10))
	if err != nil {
		t.Fatalf("register weak: %v", err)
	}
	idle, err := f.directory.Register(common.HexToAddress("0x44"), "idle", []string{"translation"}, big.NewInt(100_000))
	if err != nil {
		t.Fatalf("register idle: %v", err)
	}
	if err := f.directory.SetActive(idle, false); err != nil {
		t.Fatalf("deactivate idle: %v", err)
	}

	task := f.createTask(t, 1000, false)
	best, score, err := f.service.BestAgent(ctx, task.ID)
	if err != nil {
		t.Fatalf("best agent: %v", err)
	}
	if best.ID != strong {
		t.Fatalf("expected agent %d, got %d", strong, best.ID)
	}
	// 声誉 100 ×（0+1）× 质押 1000。
	if score.Cmp(big.NewInt(100_000)) != 0 {
		t.Fatalf("unexpected score %s", score)
	}
	_ = weak

	// 无候选时返回明确错误。
	other, err := f.service.CreateTask(ctx, testRequester, CreateTaskInput{
		Title:        "niche work",
		Capabilities: []string{"zk-proofs"},
		Reward:       big.NewInt(1000),
		Deadline:     f.now.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, _, err := f.service.BestAgent(ctx, other.ID); !stdErrors.Is(err, ErrNoCandidate) {
		t.Fatalf("expected ErrNoCandidate, got %v", err)
	}
}

func TestDeriveTaskIDIsDeterministic(t *testing.T) {
	nanos := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC).UnixNano()
	first := DeriveTaskID(testRequester, "translate whitepaper", nanos)
	second := DeriveTaskID(testRequester, "translate whitepaper", nanos)
	if first != second {
		t.Fatalf("expected deterministic id, got %s vs %s", first.Hex(), second.Hex())
	}
	if DeriveTaskID(testRequester, "translate whitepaper", nanos+1) == first {
		t.Fatalf("expected different timestamp to change the id")
	}
	if DeriveTaskID(testWorker, "translate whitepaper", nanos) == first {
		t.Fatalf("expected different requester to change the id")
	}
}
