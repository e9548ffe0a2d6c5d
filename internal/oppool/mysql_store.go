package oppool

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "AegisVault/internal/errors"
)

// MySQLStore 使用 MySQL 记录操作回执。
type MySQLStore struct {
	db *sql.DB
}

// MySQLOptions 控制连接池参数，零值使用默认。
type MySQLOptions struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewMySQLStore 创建一个新的 MySQLStore。
func NewMySQLStore(dsn string, opts MySQLOptions) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	if opts.MaxOpenConns <= 0 {
		opts.MaxOpenConns = 20
	}
	if opts.MaxIdleConns <= 0 {
		opts.MaxIdleConns = 10
	}
	if opts.ConnMaxLifetime <= 0 {
		opts.ConnMaxLifetime = 10 * time.Minute
	}
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxIdleConns)
	db.SetConnMaxLifetime(opts.ConnMaxLifetime)

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
	const schema = `CREATE TABLE IF NOT EXISTS operation_states (
        id VARCHAR(64) PRIMARY KEY,
        account VARCHAR(42) NOT NULL,
        nonce BIGINT UNSIGNED NOT NULL DEFAULT 0,
        mode VARCHAR(8) NOT NULL,
        batch TEXT NOT NULL,
        signature TEXT NOT NULL,
        status VARCHAR(32) NOT NULL,
        attempts INT NOT NULL DEFAULT 0,
        max_retries INT NOT NULL DEFAULT 3,
        last_error TEXT,
        error_code VARCHAR(64) DEFAULT '',
        result_validation VARCHAR(128) DEFAULT '',
        result_outcomes TEXT,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        INDEX idx_op_status (status),
        INDEX idx_op_account (account),
        INDEX idx_op_updated (updated_at)
)`

	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 operation_states 表失败")
	}
	return nil
}

// Create 插入新的操作记录。主键冲突映射为 ErrOpConflict。
func (s *MySQLStore) Create(ctx context.Context, op *Operation) error {
	if op == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "operation 不能为空")
	}
	if strings.TrimSpace(op.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "操作 ID 不能为空")
	}

	now := time.Now().Unix()
	op.CreatedAt = now
	op.UpdatedAt = now

	batchValue, err := json.Marshal(op.Batch)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码批次失败")
	}

	const stmt = `INSERT INTO operation_states
        (id, account, nonce, mode, batch, signature, status, attempts, max_retries, last_error, error_code, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, '', '', ?, ?)`

	_, err = s.db.ExecContext(ctx, stmt,
		op.ID,
		op.Account,
		op.Nonce,
		op.Mode,
		string(batchValue),
		op.Signature,
		op.Status,
		op.Attempts,
		op.MaxRetries,
		op.CreatedAt,
		op.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrOpConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入操作失败")
	}
	return nil
}

// Get 查询指定操作。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Operation, error) {
	const stmt = `SELECT id, account, nonce, mode, batch, signature, status, attempts, max_retries, last_error, error_code,
        result_validation, result_outcomes, created_at, updated_at
        FROM operation_states WHERE id = ?`

	row := s.db.QueryRowContext(ctx, stmt, id)
	op, err := scanOperation(row.Scan)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrOpNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询操作失败")
	}
	return op, nil
}

// Claim 将操作标记为执行中并返回最新状态。尝试额度由 SQL 条件把关，
// 并发领取最多一个成功。
func (s *MySQLStore) Claim(ctx context.Context, id string) (*Operation, error) {
	const updateStmt = `UPDATE operation_states SET status = ?, attempts = attempts + 1, updated_at = ?, last_error = '', error_code = ''
        WHERE id = ? AND status IN (?, ?) AND attempts < max_retries`

	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, updateStmt,
		StatusExecuting,
		now,
		id,
		StatusPending,
		StatusFailed,
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新操作状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		op, getErr := s.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		switch op.Status {
		case StatusSucceeded:
			return op, ErrOpCompleted
		case StatusExecuting:
			return op, ErrOpConflict
		default:
			if op.Attempts >= op.MaxRetries {
				return op, ErrOpExhausted
			}
			return op, ErrOpConflict
		}
	}
	return s.Get(ctx, id)
}

// MarkSucceeded 将操作标记为成功。
func (s *MySQLStore) MarkSucceeded(ctx context.Context, id string, record ExecutionRecord) error {
	outcomesValue, err := json.Marshal(record.Outcomes)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码执行结果失败")
	}

	const stmt = `UPDATE operation_states SET status = ?, result_validation = ?, result_outcomes = ?,
        updated_at = ?, last_error = '', error_code = '' WHERE id = ?`

	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, stmt,
		StatusSucceeded,
		record.Validation,
		string(outcomesValue),
		now,
		id,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记操作成功失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrOpNotFound
	}
	return nil
}

// MarkFailed 将操作标记为失败。
func (s *MySQLStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, _ bool) error {
	const stmt = `UPDATE operation_states SET status = ?, last_error = ?, error_code = ?, updated_at = ? WHERE id = ?`

	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, stmt,
		StatusFailed,
		lastError,
		string(code),
		now,
		id,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记操作失败失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrOpNotFound
	}
	return nil
}

// List 返回最近的操作。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Operation, error) {
	opts.applyDefaults()

	query := `SELECT id, account, nonce, mode, batch, signature, status, attempts, max_retries, last_error, error_code,
        result_validation, result_outcomes, created_at, updated_at FROM operation_states`

	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}

	order := " ORDER BY updated_at DESC, created_at DESC, id DESC"
	if opts.Order == SortByUpdatedAsc {
		order = " ORDER BY updated_at ASC, created_at ASC, id ASC"
	}
	query += order + " LIMIT ? OFFSET ?"

	args := append(filterArgs, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询操作列表失败")
	}
	defer rows.Close()

	ops := make([]*Operation, 0, opts.Limit)
	for rows.Next() {
		op, err := scanOperation(rows.Scan)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析操作记录失败")
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历操作失败")
	}
	return ops, nil
}

// Stats 返回符合筛选条件的操作聚合信息。
func (s *MySQLStore) Stats(ctx context.Context, opts ListOptions) (PoolStats, error) {
	opts.applyDefaults()

	query := `SELECT
        COUNT(*) AS total,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS pending,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS executing,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS succeeded,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS failed,
        COALESCE(MIN(updated_at), 0) AS oldest,
        COALESCE(MAX(updated_at), 0) AS newest
        FROM operation_states`

	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}

	args := []any{string(StatusPending), string(StatusExecuting), string(StatusSucceeded), string(StatusFailed)}
	args = append(args, filterArgs...)

	row := s.db.QueryRowContext(ctx, query, args...)

	var stats PoolStats
	if err := row.Scan(
		&stats.Total,
		&stats.Pending,
		&stats.Executing,
		&stats.Succeeded,
		&stats.Failed,
		&stats.OldestUpdatedAt,
		&stats.NewestUpdatedAt,
	); err != nil {
		return PoolStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询操作统计失败")
	}
	if stats.Total == 0 {
		stats.OldestUpdatedAt = 0
		stats.NewestUpdatedAt = 0
	}
	return stats, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func scanOperation(scan func(dest ...any) error) (*Operation, error) {
	var op Operation
	var lastError, validation sql.NullString
	var outcomes sql.NullString

	if err := scan(
		&op.ID,
		&op.Account,
		&op.Nonce,
		&op.Mode,
		&batchScanner{dest: &op.Batch},
		&op.Signature,
		&op.Status,
		&op.Attempts,
		&op.MaxRetries,
		&lastError,
		&op.ErrorCode,
		&validation,
		&outcomes,
		&op.CreatedAt,
		&op.UpdatedAt,
	); err != nil {
		return nil, err
	}
	op.LastError = lastError.String

	if validation.Valid && validation.String != "" || outcomes.Valid && strings.TrimSpace(outcomes.String) != "" {
		record := &ExecutionRecord{Validation: validation.String}
		if outcomes.Valid && strings.TrimSpace(outcomes.String) != "" {
			if err := json.Unmarshal([]byte(outcomes.String), &record.Outcomes); err != nil {
				return nil, err
			}
		}
		if record.Validation != "" || len(record.Outcomes) > 0 {
			op.Result = record
		}
	}
	return &op, nil
}

// batchScanner 把 TEXT 列里的 JSON 批次解码进目标切片。
type batchScanner struct {
	dest *[]BatchItem
}

func (b *batchScanner) Scan(src any) error {
	var raw string
	switch v := src.(type) {
	case nil:
		return nil
	case string:
		raw = v
	case []byte:
		raw = string(v)
	default:
		return fmt.Errorf("批次列类型不支持: %T", src)
	}
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), b.dest)
}

func buildFilterClause(opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 4)
	args := make([]any, 0, 6)

	if len(opts.Statuses) > 0 {
		placeholders := make([]string, 0, len(opts.Statuses))
		for range opts.Statuses {
			placeholders = append(placeholders, "?")
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
		for _, status := range opts.Statuses {
			args = append(args, status)
		}
	}
	if opts.Account != "" {
		conditions = append(conditions, "account = ?")
		args = append(args, opts.Account)
	}
	if opts.UpdatedGTE > 0 {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		conditions = append(conditions, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

var _ Store = (*MySQLStore)(nil)
