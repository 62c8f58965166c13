package ledger

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	xerrors "TaskMesh-Chain/internal/errors"
)

// Ledger 抽象外部同质化代币账本。核心只使用托管所需的两种转账：
// TransferFrom 把资金从出资方划入托管账户，Transfer 把资金从托管账户划出。
// 两者都要求原子性：余额或授权不足时整个调用失败，不发生部分转账。
type Ledger interface {
	TransferFrom(ctx context.Context, payer, recipient common.Address, amount *big.Int) error
	Transfer(ctx context.Context, recipient common.Address, amount *big.Int) error
}

// ErrInsufficientBalance 表示余额不足以完成转账。
var ErrInsufficientBalance = xerrors.New(xerrors.CodeInsufficientFunds, "insufficient token balance")
