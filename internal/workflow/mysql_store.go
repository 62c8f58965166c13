package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-sql-driver/mysql"

	"TaskMesh-Chain/internal/directory"
	xerrors "TaskMesh-Chain/internal/errors"
)

// MySQLStore 使用 MySQL 持久化工作流聚合。
// 步骤作为子表存储，读写都以整个聚合为单位。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 创建一个新的 MySQLStore。
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	const workflows = `CREATE TABLE IF NOT EXISTS workflows (
        seq BIGINT AUTO_INCREMENT PRIMARY KEY,
        id VARCHAR(64) NOT NULL UNIQUE,
        creator CHAR(42) NOT NULL,
        name VARCHAR(255) NOT NULL,
        description TEXT,
        budget VARCHAR(80) NOT NULL,
        spent VARCHAR(80) NOT NULL,
        status VARCHAR(32) NOT NULL,
        created_at BIGINT NOT NULL,
        deadline BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        INDEX idx_workflow_status (status),
        INDEX idx_workflow_creator (creator)
)`

	const steps = `CREATE TABLE IF NOT EXISTS workflow_steps (
        workflow_id VARCHAR(64) NOT NULL,
        step_id BIGINT UNSIGNED NOT NULL,
        name VARCHAR(255) NOT NULL,
        capability VARCHAR(128) NOT NULL,
        assigned_agent BIGINT UNSIGNED NOT NULL DEFAULT 0,
        reward VARCHAR(80) NOT NULL,
        step_type VARCHAR(32) NOT NULL,
        status VARCHAR(32) NOT NULL,
        dependencies TEXT NOT NULL,
        input_ref TEXT,
        output_ref TEXT,
        started_at BIGINT NOT NULL DEFAULT 0,
        completed_at BIGINT NOT NULL DEFAULT 0,
        PRIMARY KEY (workflow_id, step_id)
)`

	if _, err := s.db.Exec(workflows); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 workflows 表失败")
	}
	if _, err := s.db.Exec(steps); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 workflow_steps 表失败")
	}
	return nil
}

// Create 插入新的工作流，编号冲突时返回 ErrWorkflowConflict。
func (s *MySQLStore) Create(ctx context.Context, workflow *Workflow) error {
	if workflow == nil || workflow.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "workflow 不能为空")
	}

	now := time.Now().Unix()
	if workflow.CreatedAt == 0 {
		workflow.CreatedAt = now
	}
	workflow.UpdatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer func() { _ = tx.Rollback() }()

	const stmt = `INSERT INTO workflows
        (id, creator, name, description, budget, spent, status, created_at, deadline, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	if _, err := tx.ExecContext(ctx, stmt,
		workflow.ID,
		workflow.Creator.Hex(),
		workflow.Name,
		workflow.Description,
		workflow.Budget.String(),
		workflow.Spent.String(),
		string(workflow.Status),
		workflow.CreatedAt,
		workflow.Deadline,
		workflow.UpdatedAt,
	); err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrWorkflowConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入工作流失败")
	}
	if err := insertSteps(ctx, tx, workflow); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交工作流事务失败")
	}
	return nil
}

// Get 加载工作流及其全部步骤。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Workflow, error) {
	const stmt = `SELECT id, creator, name, description, budget, spent, status, created_at, deadline, updated_at
        FROM workflows WHERE id = ?`

	workflow, err := scanWorkflow(s.db.QueryRowContext(ctx, stmt, id))
	if err != nil {
		return nil, err
	}
	if err := s.loadSteps(ctx, workflow); err != nil {
		return nil, err
	}
	return workflow, nil
}

// Update 整体覆盖工作流与步骤。步骤采用删除后重写的方式保持聚合一致。
func (s *MySQLStore) Update(ctx context.Context, workflow *Workflow) error {
	if workflow == nil || workflow.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "workflow 不能为空")
	}
	workflow.UpdatedAt = time.Now().Unix()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer func() { _ = tx.Rollback() }()

	const stmt = `UPDATE workflows SET spent = ?, status = ?, updated_at = ? WHERE id = ?`
	res, err := tx.ExecContext(ctx, stmt,
		workflow.Spent.String(),
		string(workflow.Status),
		workflow.UpdatedAt,
		workflow.ID,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新工作流失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT 1 FROM workflows WHERE id = ?`, workflow.ID).Scan(&exists); err != nil {
			if stdErrors.Is(err, sql.ErrNoRows) {
				return ErrWorkflowNotFound
			}
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "检查工作流存在性失败")
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM workflow_steps WHERE workflow_id = ?`, workflow.ID); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "清理步骤失败")
	}
	if err := insertSteps(ctx, tx, workflow); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交工作流事务失败")
	}
	return nil
}

// List 按创建顺序倒序返回符合过滤条件的工作流（含步骤）。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Workflow, error) {
	opts.applyDefaults()

	var (
		conditions []string
		args       []any
	)
	if len(opts.Statuses) > 0 {
		placeholders := make([]string, len(opts.Statuses))
		for i, status := range opts.Statuses {
			placeholders[i] = "?"
			args = append(args, string(status))
		}
		conditions = append(conditions, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if opts.Creator != nil {
		conditions = append(conditions, "creator = ?")
		args = append(args, opts.Creator.Hex())
	}

	query := `SELECT id, creator, name, description, budget, spent, status, created_at, deadline, updated_at
        FROM workflows`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY seq DESC LIMIT ?"
	args = append(args, opts.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询工作流列表失败")
	}
	defer rows.Close()

	var results []*Workflow
	for rows.Next() {
		workflow, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, workflow)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历工作流列表失败")
	}
	for _, workflow := range results {
		if err := s.loadSteps(ctx, workflow); err != nil {
			return nil, err
		}
	}
	return results, nil
}

// Stats 返回按状态统计的工作流数量。
func (s *MySQLStore) Stats(ctx context.Context) (Stats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM workflows GROUP BY status`)
	if err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计工作流失败")
	}
	defer rows.Close()

	stats := Stats{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取工作流统计失败")
		}
		stats.Total += count
		switch Status(status) {
		case StatusDraft:
			stats.Draft = count
		case StatusActive:
			stats.Active = count
		case StatusCompleted:
			stats.Completed = count
		case StatusFailed:
			stats.Failed = count
		case StatusCancelled:
			stats.Cancelled = count
		}
	}
	if err := rows.Err(); err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历工作流统计失败")
	}
	return stats, nil
}

// Close 释放数据库连接。
func (s *MySQLStore) Close() error {
	return s.db.Close()
}

func insertSteps(ctx context.Context, tx *sql.Tx, workflow *Workflow) error {
	const stmt = `INSERT INTO workflow_steps
        (workflow_id, step_id, name, capability, assigned_agent, reward, step_type, status,
         dependencies, input_ref, output_ref, started_at, completed_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	for _, step := range workflow.Steps {
		dependenciesValue, err := json.Marshal(step.Dependencies)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码步骤依赖失败")
		}
		if _, err := tx.ExecContext(ctx, stmt,
			workflow.ID,
			uint64(step.ID),
			step.Name,
			step.Capability,
			uint64(step.AssignedAgent),
			step.Reward.String(),
			string(step.Type),
			string(step.Status),
			string(dependenciesValue),
			step.InputRef,
			step.OutputRef,
			step.StartedAt,
			step.CompletedAt,
		); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入步骤失败")
		}
	}
	return nil
}

func (s *MySQLStore) loadSteps(ctx context.Context, workflow *Workflow) error {
	const stmt = `SELECT step_id, name, capability, assigned_agent, reward, step_type, status,
        dependencies, input_ref, output_ref, started_at, completed_at
        FROM workflow_steps WHERE workflow_id = ? ORDER BY step_id ASC`

	rows, err := s.db.QueryContext(ctx, stmt, workflow.ID)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询步骤失败")
	}
	defer rows.Close()

	for rows.Next() {
		var (
			step            Step
			stepID          uint64
			assignedAgent   uint64
			rewardRaw       string
			stepType        string
			status          string
			dependenciesRaw string
		)
		if err := rows.Scan(
			&stepID,
			&step.Name,
			&step.Capability,
			&assignedAgent,
			&rewardRaw,
			&stepType,
			&status,
			&dependenciesRaw,
			&step.InputRef,
			&step.OutputRef,
			&step.StartedAt,
			&step.CompletedAt,
		); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取步骤失败")
		}
		step.ID = StepID(stepID)
		step.AssignedAgent = directory.AgentID(assignedAgent)
		step.Type = StepType(stepType)
		step.Status = StepStatus(status)
		reward, ok := new(big.Int).SetString(rewardRaw, 10)
		if !ok {
			return xerrors.New(xerrors.CodeStorageFailure, "步骤酬金字段不是十进制整数")
		}
		step.Reward = reward
		if err := json.Unmarshal([]byte(dependenciesRaw), &step.Dependencies); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析步骤依赖失败")
		}
		workflow.Steps = append(workflow.Steps, &step)
	}
	if err := rows.Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历步骤失败")
	}
	return nil
}

type workflowRowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row workflowRowScanner) (*Workflow, error) {
	var (
		workflow   Workflow
		creatorHex string
		budgetRaw  string
		spentRaw   string
		status     string
	)
	if err := row.Scan(
		&workflow.ID,
		&creatorHex,
		&workflow.Name,
		&workflow.Description,
		&budgetRaw,
		&spentRaw,
		&status,
		&workflow.CreatedAt,
		&workflow.Deadline,
		&workflow.UpdatedAt,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrWorkflowNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询工作流失败")
	}
	workflow.Creator = common.HexToAddress(creatorHex)
	workflow.Status = Status(status)
	budget, ok := new(big.Int).SetString(budgetRaw, 10)
	if !ok {
		return nil, xerrors.New(xerrors.CodeStorageFailure, "工作流预算字段不是十进制整数")
	}
	spent, ok := new(big.Int).SetString(spentRaw, 10)
	if !ok {
		return nil, xerrors.New(xerrors.CodeStorageFailure, "工作流已用额度字段不是十进制整数")
	}
	workflow.Budget = budget
	workflow.Spent = spent
	return &workflow, nil
}

// ensure interface compliance at compile time
var _ Store = (*MySQLStore)(nil)
