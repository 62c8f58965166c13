package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// erc20ABI covers the two transfer entry points the escrow core needs.
const erc20ABI = `[
  {"name":"transfer","type":"function","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
  {"name":"transferFrom","type":"function","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

// ERC20Config describes how to reach the token contract.
type ERC20Config struct {
	RPCURL string
	Token  common.Address
}

// ERC20Ledger adapts an on-chain ERC-20 token to the Ledger interface.
// The transact opts must be bound to the escrow account key so that
// Transfer spends escrowed funds and TransferFrom consumes the payer's
// allowance granted to the escrow account.
type ERC20Ledger struct {
	mu        sync.Mutex
	rpcClient *gethrpc.Client
	contract  *bind.BoundContract
	signer    *bind.TransactOpts
}

// NewERC20Ledger dials the configured RPC endpoint and binds the token contract.
func NewERC20Ledger(ctx context.Context, cfg ERC20Config, signer *bind.TransactOpts) (*ERC20Ledger, error) {
	if signer == nil {
		return nil, errors.New("未提供托管账户签名器")
	}
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置代币账本 RPC 地址")
	}
	if cfg.Token == (common.Address{}) {
		return nil, errors.New("未配置代币合约地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接代币账本节点失败: %w", err)
	}
	eth := ethclient.NewClient(rpcClient)

	parsedABI, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		rpcClient.Close()
		return nil, fmt.Errorf("解析 ERC-20 ABI 失败: %w", err)
	}

	return &ERC20Ledger{
		rpcClient: rpcClient,
		contract:  bind.NewBoundContract(cfg.Token, parsedABI, eth, eth, eth),
		signer:    signer,
	}, nil
}

// NewBoundERC20Ledger binds the token against an existing backend, typically a
// simulated backend in tests.
func NewBoundERC20Ledger(token common.Address, backend bind.ContractBackend, signer *bind.TransactOpts) (*ERC20Ledger, error) {
	if signer == nil {
		return nil, errors.New("未提供托管账户签名器")
	}
	parsedABI, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("解析 ERC-20 ABI 失败: %w", err)
	}
	return &ERC20Ledger{
		contract: bind.NewBoundContract(token, parsedABI, backend, backend, backend),
		signer:   signer,
	}, nil
}

// TransferFrom 实现 Ledger 接口。
func (l *ERC20Ledger) TransferFrom(ctx context.Context, payer, recipient common.Address, amount *big.Int) error {
	return l.transact(ctx, "transferFrom", payer, recipient, amount)
}

// Transfer 实现 Ledger 接口。
func (l *ERC20Ledger) Transfer(ctx context.Context, recipient common.Address, amount *big.Int) error {
	return l.transact(ctx, "transfer", recipient, amount)
}

func (l *ERC20Ledger) transact(ctx context.Context, method string, params ...any) error {
	if l == nil || l.contract == nil {
		return errors.New("ERC-20 账本未初始化")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	opts := *l.signer
	opts.Context = ctx
	if _, err := l.contract.Transact(&opts, method, params...); err != nil {
		return fmt.Errorf("调用 %s 失败: %w", method, err)
	}
	return nil
}

// Close releases the RPC connection held by the ledger.
func (l *ERC20Ledger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.rpcClient != nil {
		l.rpcClient.Close()
		l.rpcClient = nil
	}
}

// ensure interface compliance at compile time
var _ Ledger = (*ERC20Ledger)(nil)
