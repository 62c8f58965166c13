package directory

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestMemoryDirectoryLifecycle(t *testing.T) {
	dir := NewMemoryDirectory()
	ctx := context.Background()
	owner := common.HexToAddress("0x0000000000000000000000000000000000000a01")

	id, err := dir.Register(owner, "coder-1", []string{"Golang", "review"}, big.NewInt(1000))
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	got, err := dir.OwnerOf(ctx, id)
	if err != nil || got != owner {
		t.Fatalf("owner mismatch: %v %v", got, err)
	}

	// 能力匹配不区分大小写。
	if ok, _ := dir.HasCapability(ctx, id, "golang"); !ok {
		t.Fatalf("expected capability golang")
	}
	if ok, _ := dir.HasCapability(ctx, id, "design"); ok {
		t.Fatalf("unexpected capability design")
	}

	ids, err := dir.AgentsByCapability(ctx, "golang")
	if err != nil || len(ids) != 1 || ids[0] != id {
		t.Fatalf("unexpected capability listing: %v %v", ids, err)
	}

	if err := dir.SetActive(id, false); err != nil {
		t.Fatalf("set active: %v", err)
	}
	if active, _ := dir.IsActive(ctx, id); active {
		t.Fatalf("expected inactive agent")
	}

	if _, err := dir.OwnerOf(ctx, AgentID(99)); !errors.Is(err, ErrAgentNotFound) {
		t.Fatalf("expected ErrAgentNotFound, got %v", err)
	}
}

func TestMemoryDirectoryOutcomeAndSlash(t *testing.T) {
	dir := NewMemoryDirectory()
	ctx := context.Background()

	id, err := dir.Register(common.HexToAddress("0x0000000000000000000000000000000000000a02"), "coder-2", []string{"golang"}, big.NewInt(1000))
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := dir.RecordTaskOutcome(ctx, id, true, big.NewInt(975)); err != nil {
		t.Fatalf("record outcome: %v", err)
	}
	profile, err := dir.Profile(ctx, id)
	if err != nil {
		t.Fatalf("profile: %v", err)
	}
	if profile.TasksCompleted != 1 || profile.Earned.Int64() != 975 {
		t.Fatalf("unexpected profile after success: %+v", profile)
	}

	if err := dir.Slash(ctx, id, "dispute lost"); err != nil {
		t.Fatalf("slash: %v", err)
	}
	if err := dir.RecordTaskOutcome(ctx, id, false, nil); err != nil {
		t.Fatalf("record failure: %v", err)
	}
	profile, _ = dir.Profile(ctx, id)
	if profile.Staked.Int64() != 900 {
		t.Fatalf("expected 10%% slash to leave 900, got %s", profile.Staked)
	}
	if profile.TasksFailed != 1 {
		t.Fatalf("expected 1 failed task, got %d", profile.TasksFailed)
	}
}
