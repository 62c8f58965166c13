package market

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

// MySQLStore 使用 MySQL 记录任务状态与能力索引。
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
	const tasks = `CREATE TABLE IF NOT EXISTS market_tasks (
        seq BIGINT AUTO_INCREMENT PRIMARY KEY,
        id CHAR(66) NOT NULL UNIQUE,
        requester CHAR(42) NOT NULL,
        assigned_agent BIGINT UNSIGNED NOT NULL DEFAULT 0,
        title VARCHAR(255) NOT NULL,
        description_ref TEXT,
        capabilities TEXT NOT NULL,
        reward VARCHAR(80) NOT NULL,
        status VARCHAR(32) NOT NULL,
        requires_verification TINYINT(1) NOT NULL DEFAULT 0,
        result_ref TEXT,
        created_at BIGINT NOT NULL,
        deadline BIGINT NOT NULL,
        submitted_at BIGINT NOT NULL DEFAULT 0,
        updated_at BIGINT NOT NULL,
        INDEX idx_market_status (status),
        INDEX idx_market_requester (requester)
)`

	// 能力索引只收录 Open 状态的任务，离开 Open 时同步摘除。
	const capabilities = `CREATE TABLE IF NOT EXISTS market_task_capabilities (
        capability VARCHAR(128) NOT NULL,
        task_id CHAR(66) NOT NULL,
        task_seq BIGINT NOT NULL,
        PRIMARY KEY (capability, task_id),
        INDEX idx_capability_seq (capability, task_seq)
)`

	if _, err := s.db.Exec(tasks); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 market_tasks 表失败")
	}
	if _, err := s.db.Exec(capabilities); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 market_task_capabilities 表失败")
	}
	if _, err := s.db.Exec(`ALTER TABLE market_tasks ADD COLUMN submitted_at BIGINT NOT NULL DEFAULT 0 AFTER deadline`); err != nil {
		var mysqlErr *mysql.MySQLError
		if !(stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1060) {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "扩展 market_tasks.submitted_at 失败")
		}
	}
	return nil
}

// Create 插入新的任务记录，编号冲突时返回 ErrTaskConflict。
func (s *MySQLStore) Create(ctx context.Context, task *Task) error {
	if task == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}

	now := time.Now().Unix()
	if task.CreatedAt == 0 {
		task.CreatedAt = now
	}
	task.UpdatedAt = now

	capabilitiesValue, err := json.Marshal(task.Capabilities)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码任务能力列表失败")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer func() { _ = tx.Rollback() }()

	const stmt = `INSERT INTO market_tasks
        (id, requester, assigned_agent, title, description_ref, capabilities, reward, status,
         requires_verification, result_ref, created_at, deadline, submitted_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, '', ?, ?, 0, ?)`

	res, err := tx.ExecContext(ctx, stmt,
		task.ID.Hex(),
		task.Requester.Hex(),
		uint64(task.AssignedAgent),
		task.Title,
		task.DescriptionRef,
		string(capabilitiesValue),
		task.Reward.String(),
		string(task.Status),
		task.RequiresVerification,
		task.CreatedAt,
		task.Deadline,
		task.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrTaskConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入任务失败")
	}

	if task.Status == StatusOpen {
		seq, err := res.LastInsertId()
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取任务序号失败")
		}
		for _, capability := range task.Capabilities {
			if _, err := tx.ExecContext(ctx,
				`INSERT IGNORE INTO market_task_capabilities (capability, task_id, task_seq) VALUES (?, ?, ?)`,
				normalizeCapability(capability), task.ID.Hex(), seq,
			); err != nil {
				return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入能力索引失败")
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交任务事务失败")
	}
	return nil
}

// Get 查询指定任务。
func (s *MySQLStore) Get(ctx context.Context, id common.Hash) (*Task, error) {
	const stmt = `SELECT id, requester, assigned_agent, title, description_ref, capabilities, reward, status,
        requires_verification, result_ref, created_at, deadline, submitted_at, updated_at
        FROM market_tasks WHERE id = ?`

	return scanTask(s.db.QueryRowContext(ctx, stmt, id.Hex()))
}

// Update 覆盖已有任务的可变字段，离开 Open 状态时摘除能力索引。
func (s *MySQLStore) Update(ctx context.Context, task *Task) error {
	if task == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	task.UpdatedAt = time.Now().Unix()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer func() { _ = tx.Rollback() }()

	const stmt = `UPDATE market_tasks SET assigned_agent = ?, status = ?, result_ref = ?, submitted_at = ?, updated_at = ?
        WHERE id = ?`

	res, err := tx.ExecContext(ctx, stmt,
		uint64(task.AssignedAgent),
		string(task.Status),
		task.ResultRef,
		task.SubmittedAt,
		task.UpdatedAt,
		task.ID.Hex(),
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新任务失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		// UPDATE 命中相同值时 MySQL 也报告 0 行，需要区分任务不存在。
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT 1 FROM market_tasks WHERE id = ?`, task.ID.Hex()).Scan(&exists); err != nil {
			if stdErrors.Is(err, sql.ErrNoRows) {
				return ErrTaskNotFound
			}
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "检查任务存在性失败")
		}
	}

	if task.Status != StatusOpen {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM market_task_capabilities WHERE task_id = ?`, task.ID.Hex(),
		); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "摘除能力索引失败")
		}
	}

	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交任务事务失败")
	}
	return nil
}

// List 按创建顺序倒序返回符合过滤条件的任务。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Task, error) {
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
	if opts.Requester != nil {
		conditions = append(conditions, "requester = ?")
		args = append(args, opts.Requester.Hex())
	}
	if opts.Capability != "" {
		conditions = append(conditions, "capabilities LIKE ?")
		args = append(args, "%\""+normalizeCapability(opts.Capability)+"\"%")
	}

	query := `SELECT id, requester, assigned_agent, title, description_ref, capabilities, reward, status,
        requires_verification, result_ref, created_at, deadline, submitted_at, updated_at
        FROM market_tasks`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY seq DESC LIMIT ?"
	args = append(args, opts.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务列表失败")
	}
	defer rows.Close()

	var results []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, task)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务列表失败")
	}
	return results, nil
}

// Stats 返回按状态统计的任务数量。
func (s *MySQLStore) Stats(ctx context.Context) (Stats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM market_tasks GROUP BY status`)
	if err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计任务失败")
	}
	defer rows.Close()

	stats := Stats{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取任务统计失败")
		}
		stats.Total += count
		switch Status(status) {
		case StatusOpen:
			stats.Open = count
		case StatusAssigned:
			stats.Assigned = count
		case StatusSubmitted:
			stats.Submitted = count
		case StatusPendingReview:
			stats.PendingReview = count
		case StatusDisputed:
			stats.Disputed = count
		case StatusCompleted:
			stats.Completed = count
		case StatusCancelled:
			stats.Cancelled = count
		case StatusFailed:
			stats.Failed = count
		}
	}
	if err := rows.Err(); err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务统计失败")
	}
	return stats, nil
}

// OpenByCapability 返回能力索引下的任务编号，按创建顺序。
func (s *MySQLStore) OpenByCapability(ctx context.Context, capability string) ([]common.Hash, error) {
	const stmt = `SELECT task_id FROM market_task_capabilities WHERE capability = ? ORDER BY task_seq ASC`

	rows, err := s.db.QueryContext(ctx, stmt, normalizeCapability(capability))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询能力索引失败")
	}
	defer rows.Close()

	var ids []common.Hash
	for rows.Next() {
		var hex string
		if err := rows.Scan(&hex); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取能力索引失败")
		}
		ids = append(ids, common.HexToHash(hex))
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历能力索引失败")
	}
	return ids, nil
}

// Close 释放数据库连接。
func (s *MySQLStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		task            Task
		idHex           string
		requesterHex    string
		assignedAgent   uint64
		capabilitiesRaw string
		rewardRaw       string
		status          string
	)
	if err := row.Scan(
		&idHex,
		&requesterHex,
		&assignedAgent,
		&task.Title,
		&task.DescriptionRef,
		&capabilitiesRaw,
		&rewardRaw,
		&status,
		&task.RequiresVerification,
		&task.ResultRef,
		&task.CreatedAt,
		&task.Deadline,
		&task.SubmittedAt,
		&task.UpdatedAt,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
	}

	task.ID = common.HexToHash(idHex)
	task.Requester = common.HexToAddress(requesterHex)
	task.AssignedAgent = directory.AgentID(assignedAgent)
	task.Status = Status(status)
	if err := json.Unmarshal([]byte(capabilitiesRaw), &task.Capabilities); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务能力列表失败")
	}
	reward, ok := new(big.Int).SetString(rewardRaw, 10)
	if !ok {
		return nil, xerrors.New(xerrors.CodeStorageFailure, "任务酬金字段不是十进制整数")
	}
	task.Reward = reward
	return &task, nil
}

// ensure interface compliance at compile time
var _ Store = (*MySQLStore)(nil)
