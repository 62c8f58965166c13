package directory

import (
	"context"
	"math/big"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	xerrors "TaskMesh-Chain/internal/errors"
)

// 惩罚比例：每次 slash 扣除质押的 10%。
const slashNumerator, slashDenominator = 1, 10

// MemoryDirectory 以内存方式维护代理目录，用于测试与单机部署。
type MemoryDirectory struct {
	mu           sync.RWMutex
	agents       map[AgentID]*Profile
	byCapability map[string]map[AgentID]struct{}
	nextID       AgentID
}

// NewMemoryDirectory 创建空目录。
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		agents:       make(map[AgentID]*Profile),
		byCapability: make(map[string]map[AgentID]struct{}),
		nextID:       1,
	}
}

// Register 登记一个新代理并返回分配的编号。
func (d *MemoryDirectory) Register(owner common.Address, name string, capabilities []string, staked *big.Int) (AgentID, error) {
	if owner == (common.Address{}) {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, "代理所有者地址不能为空")
	}
	if len(capabilities) == 0 {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, "代理至少需要一项能力")
	}

	normalized := make([]string, 0, len(capabilities))
	for _, capability := range capabilities {
		capability = strings.TrimSpace(strings.ToLower(capability))
		if capability == "" {
			continue
		}
		normalized = append(normalized, capability)
	}
	if len(normalized) == 0 {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, "代理至少需要一项有效能力")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	id := d.nextID
	d.nextID++

	profile := &Profile{
		ID:           id,
		Owner:        owner,
		Name:         name,
		Capabilities: normalized,
		Active:       true,
		Reputation:   100,
		Staked:       new(big.Int),
		Earned:       new(big.Int),
	}
	if staked != nil && staked.Sign() > 0 {
		profile.Staked.Set(staked)
	}
	d.agents[id] = profile

	for _, capability := range normalized {
		set, ok := d.byCapability[capability]
		if !ok {
			set = make(map[AgentID]struct{})
			d.byCapability[capability] = set
		}
		set[id] = struct{}{}
	}
	return id, nil
}

// SetActive 切换代理的活跃状态。
func (d *MemoryDirectory) SetActive(id AgentID, active bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	profile, ok := d.agents[id]
	if !ok {
		return ErrAgentNotFound
	}
	profile.Active = active
	return nil
}

// OwnerOf 实现 Directory 接口。
func (d *MemoryDirectory) OwnerOf(_ context.Context, id AgentID) (common.Address, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	profile, ok := d.agents[id]
	if !ok {
		return common.Address{}, ErrAgentNotFound
	}
	return profile.Owner, nil
}

// IsActive 实现 Directory 接口。
func (d *MemoryDirectory) IsActive(_ context.Context, id AgentID) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	profile, ok := d.agents[id]
	if !ok {
		return false, ErrAgentNotFound
	}
	return profile.Active, nil
}

// HasCapability 实现 Directory 接口。
func (d *MemoryDirectory) HasCapability(_ context.Context, id AgentID, capability string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	profile, ok := d.agents[id]
	if !ok {
		return false, ErrAgentNotFound
	}
	capability = strings.TrimSpace(strings.ToLower(capability))
	for _, owned := range profile.Capabilities {
		if owned == capability {
			return true, nil
		}
	}
	return false, nil
}

// AgentsByCapability 实现 Directory 接口，结果按编号升序。
func (d *MemoryDirectory) AgentsByCapability(_ context.Context, capability string) ([]AgentID, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	capability = strings.TrimSpace(strings.ToLower(capability))
	set, ok := d.byCapability[capability]
	if !ok {
		return nil, nil
	}
	ids := make([]AgentID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// Profile 实现 Directory 接口。
func (d *MemoryDirectory) Profile(_ context.Context, id AgentID) (Profile, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	profile, ok := d.agents[id]
	if !ok {
		return Profile{}, ErrAgentNotFound
	}
	return cloneProfile(profile), nil
}

// RecordTaskOutcome 实现 Directory 接口。
func (d *MemoryDirectory) RecordTaskOutcome(_ context.Context, id AgentID, succeeded bool, payout *big.Int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	profile, ok := d.agents[id]
	if !ok {
		return ErrAgentNotFound
	}
	if succeeded {
		profile.TasksCompleted++
		if payout != nil && payout.Sign() > 0 {
			profile.Earned.Add(profile.Earned, payout)
		}
		if profile.Reputation < 1000 {
			profile.Reputation++
		}
	} else {
		profile.TasksFailed++
		if profile.Reputation >= 5 {
			profile.Reputation -= 5
		} else {
			profile.Reputation = 0
		}
	}
	return nil
}

// Slash 实现 Directory 接口。
func (d *MemoryDirectory) Slash(_ context.Context, id AgentID, _ string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	profile, ok := d.agents[id]
	if !ok {
		return ErrAgentNotFound
	}
	if profile.Staked.Sign() > 0 {
		penalty := new(big.Int).Mul(profile.Staked, big.NewInt(slashNumerator))
		penalty.Quo(penalty, big.NewInt(slashDenominator))
		profile.Staked.Sub(profile.Staked, penalty)
	}
	return nil
}

func cloneProfile(profile *Profile) Profile {
	clone := *profile
	clone.Capabilities = append([]string(nil), profile.Capabilities...)
	clone.Staked = new(big.Int).Set(profile.Staked)
	clone.Earned = new(big.Int).Set(profile.Earned)
	return clone
}

// ensure interface compliance at compile time
var _ Directory = (*MemoryDirectory)(nil)
