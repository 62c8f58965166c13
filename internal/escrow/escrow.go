package escrow

import (
	"math/big"
	"sync"

	xerrors "TaskMesh-Chain/internal/errors"
)

const (
	// FeeDenominator 是手续费率的基点分母。
	FeeDenominator = 10000
	// MaxFeeRateBps 是允许的最高手续费率（10%）。
	MaxFeeRateBps = 1000
)

var (
	// ErrRewardTooLow 表示酬金低于平台允许的下限。
	ErrRewardTooLow = xerrors.New(CodeRewardTooLow, "reward below platform minimum")
	// ErrInvalidAmount 表示金额为空或为负数。
	ErrInvalidAmount = xerrors.New(xerrors.CodeInvalidArgument, "amount must be a non-negative integer")
	// ErrFeeRateTooHigh 表示手续费率超过上限。
	ErrFeeRateTooHigh = xerrors.New(CodeFeeRateTooHigh, "fee rate exceeds maximum")
)

const (
	CodeRewardTooLow   xerrors.Code = "ESCROW_REWARD_TOO_LOW"
	CodeFeeRateTooHigh xerrors.Code = "ESCROW_FEE_RATE_TOO_HIGH"
)

func init() {
	xerrors.Register(CodeRewardTooLow, xerrors.Attributes{
		Message:  "reward below platform minimum",
		Kind:     xerrors.KindValidation,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeFeeRateTooHigh, xerrors.Attributes{
		Message:  "fee rate exceeds maximum",
		Kind:     xerrors.KindValidation,
		Severity: xerrors.SeverityWarning,
	})
}

// Split 描述一次结算中酬金的拆分结果。
type Split struct {
	Reward *big.Int
	Fee    *big.Int
	Payout *big.Int
}

// Accountant 负责托管金额的拆分计算。除手续费率与酬金下限外没有可变状态；
// 费率变更只影响之后发生的结算。
type Accountant struct {
	mu        sync.RWMutex
	feeRate   uint64
	minReward *big.Int
}

// NewAccountant 构造托管核算器。minReward 为 nil 时表示不设下限。
func NewAccountant(feeRateBps uint64, minReward *big.Int) (*Accountant, error) {
	if feeRateBps > MaxFeeRateBps {
		return nil, ErrFeeRateTooHigh
	}
	if minReward != nil && minReward.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	a := &Accountant{feeRate: feeRateBps}
	if minReward != nil {
		a.minReward = new(big.Int).Set(minReward)
	}
	return a, nil
}

// FeeRate 返回当前手续费率（基点）。
func (a *Accountant) FeeRate() uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.feeRate
}

// SetFeeRate 更新手续费率，超过上限时拒绝。已托管任务的结算按结算时的费率计算。
func (a *Accountant) SetFeeRate(feeRateBps uint64) error {
	if feeRateBps > MaxFeeRateBps {
		return ErrFeeRateTooHigh
	}
	a.mu.Lock()
	a.feeRate = feeRateBps
	a.mu.Unlock()
	return nil
}

// MinReward 返回酬金下限的副本，未设置时返回零。
func (a *Accountant) MinReward() *big.Int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.minReward == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(a.minReward)
}

// ValidateReward 检查酬金是否满足平台下限。
func (a *Accountant) ValidateReward(reward *big.Int) error {
	if reward == nil || reward.Sign() <= 0 {
		return ErrInvalidAmount
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.minReward != nil && reward.Cmp(a.minReward) < 0 {
		return ErrRewardTooLow
	}
	return nil
}

// SplitReward 将酬金拆分为平台手续费与代理应得的净额。
// fee = reward × feeRate / 10000（整除向零截断），payout = reward − fee，
// 恒有 fee + payout == reward。
func (a *Accountant) SplitReward(reward *big.Int) (Split, error) {
	if reward == nil || reward.Sign() < 0 {
		return Split{}, ErrInvalidAmount
	}
	a.mu.RLock()
	rate := a.feeRate
	a.mu.RUnlock()

	fee := new(big.Int).Mul(reward, new(big.Int).SetUint64(rate))
	fee.Quo(fee, big.NewInt(FeeDenominator))
	payout := new(big.Int).Sub(reward, fee)
	return Split{
		Reward: new(big.Int).Set(reward),
		Fee:    fee,
		Payout: payout,
	}, nil
}
