package main

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"TaskMesh-Chain/internal/api"
	"TaskMesh-Chain/internal/config"
	"TaskMesh-Chain/internal/directory"
	"TaskMesh-Chain/internal/escrow"
	"TaskMesh-Chain/internal/events"
	"TaskMesh-Chain/internal/ledger"
	"TaskMesh-Chain/internal/market"
	"TaskMesh-Chain/internal/oracle"
	"TaskMesh-Chain/internal/workflow"
	"TaskMesh-Chain/pkg/logger"
)

// main 是 TaskMesh 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("taskmeshd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("TASKMESH_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "taskmesh.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
		Audit: logger.AuditConfig{
			Enabled: cfg.Logging.AuditPath != "",
			Path:    cfg.Logging.AuditPath,
		},
	}); err != nil {
		return err
	}
	defer logger.Sync()

	minReward, ok := new(big.Int).SetString(cfg.Escrow.MinReward, 10)
	if !ok {
		return fmt.Errorf("托管最低酬金不是十进制整数: %s", cfg.Escrow.MinReward)
	}
	accountant, err := escrow.NewAccountant(cfg.Escrow.FeeRateBps, minReward)
	if err != nil {
		return err
	}

	escrowAccount := common.HexToAddress(cfg.Escrow.EscrowAccount)
	tokens, closeLedger, err := createLedger(ctx, cfg, escrowAccount)
	if err != nil {
		return err
	}
	defer closeLedger()

	publisher, err := createPublisher(cfg)
	if err != nil {
		return err
	}
	defer publisher.Close()

	taskStore, workflowStore, err := createStores(cfg)
	if err != nil {
		return err
	}
	defer taskStore.Close()
	defer workflowStore.Close()

	agents := directory.NewMemoryDirectory()

	marketSvc, err := market.NewService(taskStore, accountant, tokens, agents, publisher, market.Params{
		EscrowAccount:      escrowAccount,
		PlatformAccount:    common.HexToAddress(cfg.Escrow.PlatformAccount),
		Arbitrator:         common.HexToAddress(cfg.Escrow.Arbitrator),
		AutoReleaseTimeout: time.Duration(cfg.Escrow.AutoReleaseHours) * time.Hour,
	})
	if err != nil {
		return err
	}

	workflowSvc, err := workflow.NewService(workflowStore, accountant, tokens, agents, publisher, workflow.Params{
		EscrowAccount:   escrowAccount,
		PlatformAccount: common.HexToAddress(cfg.Escrow.PlatformAccount),
	})
	if err != nil {
		return err
	}

	var advisor oracle.Advisor
	if cfg.Oracle.QuotesFile != "" {
		static, err := oracle.LoadStaticAdvisor(cfg.Oracle.QuotesFile)
		if err != nil {
			return err
		}
		advisor = static
	}

	server := api.NewServer(cfg.Server.Address, marketSvc, workflowSvc, advisor)
	if err := server.Start(ctx); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// createLedger 按配置选择内存账本或链上 ERC-20 账本。
func createLedger(ctx context.Context, cfg *config.Config, escrowAccount common.Address) (ledger.Ledger, func(), error) {
	switch cfg.Ledger.Driver {
	case "", "memory":
		return ledger.NewMemoryLedger(escrowAccount), func() {}, nil
	case "erc20":
		key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.Ledger.PrivateKey, "0x"))
		if err != nil {
			return nil, nil, fmt.Errorf("解析托管账户私钥失败: %w", err)
		}
		signer, err := bind.NewKeyedTransactorWithChainID(key, big.NewInt(cfg.Ledger.ChainID))
		if err != nil {
			return nil, nil, fmt.Errorf("构造托管账户签名器失败: %w", err)
		}
		rpcURL := cfg.Ledger.RPCURL
		token := cfg.Ledger.Token
		if cfg.Ledger.ChainsFile != "" && cfg.Ledger.Chain != "" {
			defs, err := ledger.LoadChainDefinitions(cfg.Ledger.ChainsFile)
			if err != nil {
				return nil, nil, err
			}
			if def, ok := defs.Resolve(cfg.Ledger.Chain); ok {
				if def.RPCURL != "" {
					rpcURL = def.RPCURL
				}
				if def.Token != "" {
					token = def.Token
				}
			}
		}
		onchain, err := ledger.NewERC20Ledger(ctx, ledger.ERC20Config{
			RPCURL: rpcURL,
			Token:  common.HexToAddress(token),
		}, signer)
		if err != nil {
			return nil, nil, err
		}
		return onchain, func() { onchain.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("未知的账本驱动: %s", cfg.Ledger.Driver)
	}
}

// createPublisher 按配置选择事件发布后端。
func createPublisher(cfg *config.Config) (events.Publisher, error) {
	switch cfg.Events.Driver {
	case "", "memory":
		return events.NewMemoryPublisher(), nil
	case "redis":
		return events.NewRedisPublisher(events.RedisConfig{
			Address:  cfg.Events.Redis.Address,
			Password: cfg.Events.Redis.Password,
			DB:       cfg.Events.Redis.DB,
			Stream:   cfg.Events.Redis.Stream,
		})
	case "rabbitmq":
		return events.NewRabbitMQPublisher(events.RabbitMQConfig{
			URL:     cfg.Events.RabbitMQ.URL,
			Queue:   cfg.Events.RabbitMQ.Queue,
			Durable: cfg.Events.RabbitMQ.Durable,
		})
	default:
		return nil, fmt.Errorf("未知的事件驱动: %s", cfg.Events.Driver)
	}
}

// createStores 按配置选择任务与工作流的存储后端。
func createStores(cfg *config.Config) (market.Store, workflow.Store, error) {
	switch cfg.Storage.Driver {
	case "", "memory":
		return market.NewMemoryStore(), workflow.NewMemoryStore(), nil
	case "mysql":
		taskStore, err := market.NewMySQLStore(cfg.Storage.DSN)
		if err != nil {
			return nil, nil, err
		}
		workflowStore, err := workflow.NewMySQLStore(cfg.Storage.DSN)
		if err != nil {
			_ = taskStore.Close()
			return nil, nil, err
		}
		return taskStore, workflowStore, nil
	default:
		return nil, nil, fmt.Errorf("未知的存储驱动: %s", cfg.Storage.Driver)
	}
}
