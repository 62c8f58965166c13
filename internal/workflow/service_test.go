package workflow

import (
	"context"
	stdErrors "errors"
	"math/big"
	"reflect"
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
	testCreator         = common.HexToAddress("0x0000000000000000000000000000000000000011")
	testWorker          = common.HexToAddress("0x0000000000000000000000000000000000000022")
)

type workflowFixture struct {
	service   *Service
	ledger    *ledger.MemoryLedger
	directory *directory.MemoryDirectory
	publisher *events.MemoryPublisher
	now       time.Time
}

func newWorkflowFixture(t *testing.T) *workflowFixture {
	t.Helper()

	accountant, err := escrow.NewAccountant(250, big.NewInt(1))
	if err != nil {
		t.Fatalf("new accountant: %v", err)
	}
	tokens := ledger.NewMemoryLedger(testEscrowAccount)
	tokens.Mint(testCreator, big.NewInt(10_000))

	dir := directory.NewMemoryDirectory()
	pub := events.NewMemoryPublisher()

	service, err := NewService(NewMemoryStore(), accountant, tokens, dir, pub, Params{
		EscrowAccount:   testEscrowAccount,
		PlatformAccount: testPlatformAccount,
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	f := &workflowFixture{
		service:   service,
		ledger:    tokens,
		directory: dir,
		publisher: pub,
		now:       time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	service.now = func() time.Time { return f.now }
	return f
}

func (f *workflowFixture) registerWorker(t *testing.T, capabilities ...string) directory.AgentID {
	t.Helper()
	id, err := f.directory.Register(testWorker, "worker", capabilities, big.NewInt(500))
	if err != nil {
		t.Fatalf("register agent: %v", err)
	}
	return id
}

func (f *workflowFixture) createWorkflow(t *testing.T, budget int64) *Workflow {
	t.Helper()
	workflow, err := f.service.CreateWorkflow(context.Background(), testCreator, CreateWorkflowInput{
		Name:     "release pipeline",
		Budget:   big.NewInt(budget),
		Deadline: f.now.Add(72 * time.Hour),
	})
	if err != nil {
		t.Fatalf("create workflow: %v", err)
	}
	return workflow
}

func (f *workflowFixture) addStep(t *testing.T, workflowID, name string, reward int64, deps ...StepID) StepID {
	t.Helper()
	workflow, err := f.service.AddStep(context.Background(), testCreator, workflowID, AddStepInput{
		Name:         name,
		Capability:   "translation",
		Reward:       big.NewInt(reward),
		Dependencies: deps,
	})
	if err != nil {
		t.Fatalf("add step %s: %v", name, err)
	}
	return workflow.Steps[len(workflow.Steps)-1].ID
}

func mustBalance(t *testing.T, l *ledger.MemoryLedger, account common.Address, want int64) {
	t.Helper()
	got := l.BalanceOf(account)
	if got.Cmp(big.NewInt(want)) != 0 {
		t.Fatalf("balance of %s = %s, want %d", account.Hex(), got, want)
	}
}

func TestDependencyGatedExecution(t *testing.T) {
	f := newWorkflowFixture(t)
	ctx := context.Background()
	agentID := f.registerWorker(t, "translation")

	// 预算 100：A=40 无依赖，B=60 依赖 A。
	workflow := f.createWorkflow(t, 100)
	mustBalance(t, f.ledger, testCreator, 9900)
	mustBalance(t, f.ledger, testEscrowAccount, 100)

	stepA := f.addStep(t, workflow.ID, "extract", 40)
	stepB := f.addStep(t, workflow.ID, "translate", 60, stepA)

	got, err := f.service.Get(ctx, workflow.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Spent.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("expected spent 100 after reservations, got %s", got.Spent)
	}

	if _, err := f.service.StartWorkflow(ctx, testCreator, workflow.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	// B 在 A 完成之前不在就绪集，也不可接单。
	ready, err := f.service.ReadySteps(ctx, workflow.ID)
	if err != nil {
		t.Fatalf("ready: %v", err)
	}
	if !reflect.DeepEqual(ready, []StepID{stepA}) {
		t.Fatalf("expected only step A ready, got %v", ready)
	}
	again, err := f.service.ReadySteps(ctx, workflow.ID)
	if err != nil {
		t.Fatalf("ready again: %v", err)
	}
	if !reflect.DeepEqual(ready, again) {
		t.Fatalf("readiness is not idempotent: %v vs %v", ready, again)
	}
	if _, err := f.service.AcceptStep(ctx, testWorker, workflow.ID, stepB, agentID); !stdErrors.Is(err, ErrStepNotReady) {
		t.Fatalf("expected ErrStepNotReady for gated step, got %v", err)
	}

	if _, err := f.service.AcceptStep(ctx, testWorker, workflow.ID, stepA, agentID); err != nil {
		t.Fatalf("accept A: %v", err)
	}
	if _, err := f.service.CompleteStep(ctx, testWorker, workflow.ID, stepA, "ipfs://QmA"); err != nil {
		t.Fatalf("complete A: %v", err)
	}

	// A 完成解锁 B。
	ready, err = f.service.ReadySteps(ctx, workflow.ID)
	if err != nil {
		t.Fatalf("ready after A: %v", err)
	}
	if !reflect.DeepEqual(ready, []StepID{stepB}) {
		t.Fatalf("expected step B ready after A, got %v", ready)
	}

	if _, err := f.service.AcceptStep(ctx, testWorker, workflow.ID, stepB, agentID); err != nil {
		t.Fatalf("accept B: %v", err)
	}
	final, err := f.service.CompleteStep(ctx, testWorker, workflow.ID, stepB, "ipfs://QmB")
	if err != nil {
		t.Fatalf("complete B: %v", err)
	}
	if final.Status != StatusCompleted {
		t.Fatalf("expected completed workflow, got %s", final.Status)
	}
	if final.Spent.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("expected spent 100, got %s", final.Spent)
	}

	// 40 拆为 39+1，60 拆为 59+1，托管清零。
	mustBalance(t, f.ledger, testWorker, 98)
	mustBalance(t, f.ledger, testPlatformAccount, 2)
	mustBalance(t, f.ledger, testEscrowAccount, 0)

	if got := f.publisher.ByType(events.TypeWorkflowCompleted); len(got) != 1 {
		t.Fatalf("expected 1 workflow completion event, got %d", len(got))
	}
}

func TestAddStepGuards(t *testing.T) {
	f := newWorkflowFixture(t)
	ctx := context.Background()

	workflow := f.createWorkflow(t, 100)
	stepA := f.addStep(t, workflow.ID, "a", 40)

	// 预算约束：再预留 70 会突破 100。
	if _, err := f.service.AddStep(ctx, testCreator, workflow.ID, AddStepInput{
		Name:       "too big",
		Capability: "translation",
		Reward:     big.NewInt(70),
	}); !stdErrors.Is(err, ErrBudgetExceeded) {
		t.Fatalf("expected ErrBudgetExceeded, got %v", err)
	}

	// 依赖必须引用已存在的步骤，且不能自引用。
	if _, err := f.service.AddStep(ctx, testCreator, workflow.ID, AddStepInput{
		Name:         "dangling",
		Capability:   "translation",
		Reward:       big.NewInt(10),
		Dependencies: []StepID{99},
	}); !stdErrors.Is(err, ErrBadDependency) {
		t.Fatalf("expected ErrBadDependency for missing dep, got %v", err)
	}
	if _, err := f.service.AddStep(ctx, testCreator, workflow.ID, AddStepInput{
		Name:         "self",
		Capability:   "translation",
		Reward:       big.NewInt(10),
		Dependencies: []StepID{2},
	}); !stdErrors.Is(err, ErrBadDependency) {
		t.Fatalf("expected ErrBadDependency for self reference, got %v", err)
	}

	// 非创建者不能追加步骤。
	if _, err := f.service.AddStep(ctx, testWorker, workflow.ID, AddStepInput{
		Name:       "stranger",
		Capability: "translation",
		Reward:     big.NewInt(10),
	}); err == nil {
		t.Fatalf("expected authorization error for stranger")
	}

	// 启动后不能再追加。
	if _, err := f.service.StartWorkflow(ctx, testCreator, workflow.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := f.service.AddStep(ctx, testCreator, workflow.ID, AddStepInput{
		Name:       "late",
		Capability: "translation",
		Reward:     big.NewInt(10),
	}); !stdErrors.Is(err, ErrNotDraft) {
		t.Fatalf("expected ErrNotDraft after start, got %v", err)
	}
	_ = stepA
}

func TestStartWorkflowRequiresSteps(t *testing.T) {
	f := newWorkflowFixture(t)
	ctx := context.Background()

	workflow := f.createWorkflow(t, 100)
	if _, err := f.service.StartWorkflow(ctx, testCreator, workflow.ID); !stdErrors.Is(err, ErrNoSteps) {
		t.Fatalf("expected ErrNoSteps, got %v", err)
	}
}

func TestFailStepAbortsWorkflowAndRefunds(t *testing.T) {
	f := newWorkflowFixture(t)
	ctx := context.Background()
	agentID := f.registerWorker(t, "translation")

	workflow := f.createWorkflow(t, 100)
	stepA := f.addStep(t, workflow.ID, "a", 40)
	stepB := f.addStep(t, workflow.ID, "b", 60, stepA)

	if _, err := f.service.StartWorkflow(ctx, testCreator, workflow.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := f.service.AcceptStep(ctx, testWorker, workflow.ID, stepA, agentID); err != nil {
		t.Fatalf("accept A: %v", err)
	}
	if _, err := f.service.CompleteStep(ctx, testWorker, workflow.ID, stepA, "ipfs://QmA"); err != nil {
		t.Fatalf("complete A: %v", err)
	}
	if _, err := f.service.AcceptStep(ctx, testWorker, workflow.ID, stepB, agentID); err != nil {
		t.Fatalf("accept B: %v", err)
	}

	// 非创建者不能宣告失败。
	if _, err := f.service.FailStep(ctx, testWorker, workflow.ID, stepB, "no"); err == nil {
		t.Fatalf("expected authorization error for non-creator failStep")
	}

	got, err := f.service.FailStep(ctx, testCreator, workflow.ID, stepB, "wrong output")
	if err != nil {
		t.Fatalf("fail step: %v", err)
	}
	if got.Status != StatusFailed {
		t.Fatalf("expected failed workflow, got %s", got.Status)
	}

	// 已结算 40（39 给代理 + 1 手续费），退款 = 100 − 40 = 60。
	mustBalance(t, f.ledger, testCreator, 9960)
	mustBalance(t, f.ledger, testWorker, 39)
	mustBalance(t, f.ledger, testEscrowAccount, 0)

	// 失败后工作流不再接受操作。
	if _, err := f.service.AcceptStep(ctx, testWorker, workflow.ID, stepB, agentID); !stdErrors.Is(err, ErrNotActive) {
		t.Fatalf("expected ErrNotActive after failure, got %v", err)
	}
}

func TestCancelWorkflowRefundsUnspentBudget(t *testing.T) {
	f := newWorkflowFixture(t)
	ctx := context.Background()
	agentID := f.registerWorker(t, "translation")

	// 草稿阶段撤销：全额退款。
	draft := f.createWorkflow(t, 100)
	if _, err := f.service.CancelWorkflow(ctx, testCreator, draft.ID); err != nil {
		t.Fatalf("cancel draft: %v", err)
	}
	mustBalance(t, f.ledger, testCreator, 10_000)

	// 运行阶段撤销：扣除已完成步骤的酬金。
	workflow := f.createWorkflow(t, 100)
	stepA := f.addStep(t, workflow.ID, "a", 40)
	f.addStep(t, workflow.ID, "b", 60, stepA)
	if _, err := f.service.StartWorkflow(ctx, testCreator, workflow.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := f.service.AcceptStep(ctx, testWorker, workflow.ID, stepA, agentID); err != nil {
		t.Fatalf("accept A: %v", err)
	}
	if _, err := f.service.CompleteStep(ctx, testWorker, workflow.ID, stepA, "ipfs://QmA"); err != nil {
		t.Fatalf("complete A: %v", err)
	}

	got, err := f.service.CancelWorkflow(ctx, testCreator, workflow.ID)
	if err != nil {
		t.Fatalf("cancel active: %v", err)
	}
	if got.Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}
	mustBalance(t, f.ledger, testCreator, 9960)
	mustBalance(t, f.ledger, testEscrowAccount, 0)

	// 终态不能再次撤销。
	if _, err := f.service.CancelWorkflow(ctx, testCreator, workflow.ID); !stdErrors.Is(err, ErrNotCancellable) {
		t.Fatalf("expected ErrNotCancellable, got %v", err)
	}
}

func TestCompleteStepAuthorization(t *testing.T) {
	f := newWorkflowFixture(t)
	ctx := context.Background()
	agentID := f.registerWorker(t, "translation")

	workflow := f.createWorkflow(t, 100)
	stepA := f.addStep(t, workflow.ID, "a", 40)
	if _, err := f.service.StartWorkflow(ctx, testCreator, workflow.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	// 未接单的步骤不能完成。
	if _, err := f.service.CompleteStep(ctx, testWorker, workflow.ID, stepA, "ipfs://QmA"); !stdErrors.Is(err, ErrStepNotRunning) {
		t.Fatalf("expected ErrStepNotRunning, got %v", err)
	}

	if _, err := f.service.AcceptStep(ctx, testWorker, workflow.ID, stepA, agentID); err != nil {
		t.Fatalf("accept: %v", err)
	}

	// 非被指派代理的所有者不能完成。
	if _, err := f.service.CompleteStep(ctx, testCreator, workflow.ID, stepA, "ipfs://QmA"); err == nil {
		t.Fatalf("expected authorization error for non-owner complete")
	}

	// 不存在的步骤编号。
	if _, err := f.service.CompleteStep(ctx, testWorker, workflow.ID, 42, "ipfs://QmA"); !stdErrors.Is(err, ErrStepNotFound) {
		t.Fatalf("expected ErrStepNotFound, got %v", err)
	}
}

func TestCreateWorkflowValidation(t *testing.T) {
	f := newWorkflowFixture(t)
	ctx := context.Background()

	cases := []struct {
		name  string
		input CreateWorkflowInput
	}{
		{"empty name", CreateWorkflowInput{Budget: big.NewInt(100), Deadline: f.now.Add(time.Hour)}},
		{"zero budget", CreateWorkflowInput{Name: "w", Budget: big.NewInt(0), Deadline: f.now.Add(time.Hour)}},
		{"nil budget", CreateWorkflowInput{Name: "w", Deadline: f.now.Add(time.Hour)}},
		{"past deadline", CreateWorkflowInput{Name: "w", Budget: big.NewInt(100), Deadline: f.now.Add(-time.Hour)}},
	}
	for _, tc := range cases {
		if _, err := f.service.CreateWorkflow(ctx, testCreator, tc.input); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}
	mustBalance(t, f.ledger, testCreator, 10_000)

	// 余额不足时不落库。
	if _, err := f.service.CreateWorkflow(ctx, testCreator, CreateWorkflowInput{
		Name:     "w",
		Budget:   big.NewInt(50_000),
		Deadline: f.now.Add(time.Hour),
	}); !stdErrors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	stats, err := f.service.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 0 {
		t.Fatalf("expected no workflows persisted, got %d", stats.Total)
	}
}

func TestWorkflowGuardBlocksReentry(t *testing.T) {
	f := newWorkflowFixture(t)
	workflow := f.createWorkflow(t, 100)

	release, err := f.service.acquire(workflow.ID)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := f.service.CancelWorkflow(context.Background(), testCreator, workflow.ID); !stdErrors.Is(err, ErrWorkflowBusy) {
		t.Fatalf("expected ErrWorkflowBusy while in flight, got %v", err)
	}
	release()
	if _, err := f.service.CancelWorkflow(context.Background(), testCreator, workflow.ID); err != nil {
		t.Fatalf("cancel after release: %v", err)
	}
}

func TestParallelFanOutReadiness(t *testing.T) {
	f := newWorkflowFixture(t)
	ctx := context.Background()
	agentID := f.registerWorker(t, "translation")

	// 菱形依赖：A → {B, C} → D。A 完成应同时解锁 B 和 C。
	workflow := f.createWorkflow(t, 400)
	stepA := f.addStep(t, workflow.ID, "a", 100)
	stepB := f.addStep(t, workflow.ID, "b", 100, stepA)
	stepC := f.addStep(t, workflow.ID, "c", 100, stepA)
	stepD := f.addStep(t, workflow.ID, "d", 100, stepB, stepC)

	if _, err := f.service.StartWorkflow(ctx, testCreator, workflow.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := f.service.AcceptStep(ctx, testWorker, workflow.ID, stepA, agentID); err != nil {
		t.Fatalf("accept A: %v", err)
	}
	if _, err := f.service.CompleteStep(ctx, testWorker, workflow.ID, stepA, "ipfs://QmA"); err != nil {
		t.Fatalf("complete A: %v", err)
	}

	ready, err := f.service.ReadySteps(ctx, workflow.ID)
	if err != nil {
		t.Fatalf("ready: %v", err)
	}
	if !reflect.DeepEqual(ready, []StepID{stepB, stepC}) {
		t.Fatalf("expected B and C unlocked together, got %v", ready)
	}

	for _, id := range []StepID{stepB, stepC} {
		if _, err := f.service.AcceptStep(ctx, testWorker, workflow.ID, id, agentID); err != nil {
			t.Fatalf("accept %d: %v", id, err)
		}
		if _, err := f.service.CompleteStep(ctx, testWorker, workflow.ID, id, "ipfs://QmOut"); err != nil {
			t.Fatalf("complete %d: %v", id, err)
		}
	}

	ready, err = f.service.ReadySteps(ctx, workflow.ID)
	if err != nil {
		t.Fatalf("ready: %v", err)
	}
	if !reflect.DeepEqual(ready, []StepID{stepD}) {
		t.Fatalf("expected only D ready, got %v", ready)
	}

	if _, err := f.service.AcceptStep(ctx, testWorker, workflow.ID, stepD, agentID); err != nil {
		t.Fatalf("accept D: %v", err)
	}
	final, err := f.service.CompleteStep(ctx, testWorker, workflow.ID, stepD, "ipfs://QmD")
	if err != nil {
		t.Fatalf("complete D: %v", err)
	}
	if final.Status != StatusCompleted {
		t.Fatalf("expected completed workflow, got %s", final.Status)
	}
	mustBalance(t, f.ledger, testEscrowAccount, 0)
}
