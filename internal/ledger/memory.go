package ledger

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	xerrors "TaskMesh-Chain/internal/errors"
)

// MemoryLedger 以内存方式记录余额，用于测试与单机部署。
// 所有转账在单把锁内完成，天然满足原子性要求。
type MemoryLedger struct {
	mu       sync.Mutex
	escrow   common.Address
	balances map[common.Address]*big.Int
}

// NewMemoryLedger 创建内存账本。escrow 是核心持有的托管账户地址，
// Transfer 的出账方固定为该账户。
func NewMemoryLedger(escrow common.Address) *MemoryLedger {
	return &MemoryLedger{
		escrow:   escrow,
		balances: make(map[common.Address]*big.Int),
	}
}

// Mint 为账户铸造余额，仅供测试初始化使用。
func (l *MemoryLedger) Mint(account common.Address, amount *big.Int) {
	if amount == nil || amount.Sign() <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balanceOf(account).Add(l.balanceOf(account), amount)
}

// BalanceOf 返回账户余额副本。
func (l *MemoryLedger) BalanceOf(account common.Address) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.balanceOf(account))
}

// TransferFrom 实现 Ledger 接口。
func (l *MemoryLedger) TransferFrom(_ context.Context, payer, recipient common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "转账金额必须为非负整数")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.move(payer, recipient, amount)
}

// Transfer 实现 Ledger 接口，从托管账户划出资金。
func (l *MemoryLedger) Transfer(_ context.Context, recipient common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "转账金额必须为非负整数")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.move(l.escrow, recipient, amount)
}

func (l *MemoryLedger) move(from, to common.Address, amount *big.Int) error {
	balance := l.balanceOf(from)
	if balance.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	balance.Sub(balance, amount)
	l.balanceOf(to).Add(l.balanceOf(to), amount)
	return nil
}

func (l *MemoryLedger) balanceOf(account common.Address) *big.Int {
	balance, ok := l.balances[account]
	if !ok {
		balance = new(big.Int)
		l.balances[account] = balance
	}
	return balance
}

// ensure interface compliance at compile time
var _ Ledger = (*MemoryLedger)(nil)
