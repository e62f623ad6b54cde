package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/blockpal/paymentscheduler/pkg/models"
)

//go:embed schema.sql
var schemaSQL string

const uniqueViolation = "23505"

const scheduleColumns = `id, owner_id, chain_id, source_address, token_address, token_symbol, token_decimals,
	recipient, amount, frequency, status, next_execution_at, occurrence_at, executed_count, max_executions,
	processing_by, processing_started, retry_count, last_error, failed_at, created_at, updated_at,
	last_execution_at, completed_at, last_tx_hash`

const executionColumns = `id, schedule_id, occurrence, chain_id, tx_hash, block_number, block_hash, gas_used,
	effective_gas_price, cost_native, cost_usd, status, executor_id, recovered, executed_at`

// PostgresStore is the production Store backed by pgx
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects to dsn and applies the schema
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	s := &PostgresStore{pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the tables and indexes if they do not exist
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) InsertSchedule(ctx context.Context, p *models.ScheduledPayment) error {
	query := `insert into scheduled_payments (` + scheduleColumns + `)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25)`
	_, err := s.pool.Exec(ctx, query,
		p.ID, p.OwnerID, p.ChainID, p.SourceAddress, p.Token.Address, p.Token.Symbol, p.Token.Decimals,
		p.Recipient, p.Amount, string(p.Frequency), string(p.Status), p.NextExecutionAt, p.OccurrenceAt,
		p.ExecutedCount, p.MaxExecutions, p.ProcessingBy, p.ProcessingStarted, p.RetryCount, p.LastError,
		p.FailedAt, p.CreatedAt, p.UpdatedAt, p.LastExecutionAt, p.CompletedAt, p.LastTxHash,
	)
	if err != nil {
		return fmt.Errorf("failed to insert schedule: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSchedule(ctx context.Context, id string) (*models.ScheduledPayment, error) {
	row := s.pool.QueryRow(ctx, `select `+scheduleColumns+` from scheduled_payments where id = $1`, id)
	p, err := scanSchedule(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get schedule: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) FindSchedules(ctx context.Context, f ScheduleFilter, limit int) ([]models.ScheduledPayment, error) {
	args := &argList{}
	query := `select ` + scheduleColumns + ` from scheduled_payments where ` + scheduleWhere(f, args) +
		` order by next_execution_at asc nulls last, id asc`
	if limit > 0 {
		query += ` limit ` + args.add(limit)
	}

	rows, err := s.pool.Query(ctx, query, args.values...)
	if err != nil {
		return nil, fmt.Errorf("failed to find schedules: %w", err)
	}
	defer rows.Close()

	var out []models.ScheduledPayment
	for rows.Next() {
		p, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan schedule: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CountSchedules(ctx context.Context, f ScheduleFilter) (int, error) {
	args := &argList{}
	var n int
	err := s.pool.QueryRow(ctx, `select count(*) from scheduled_payments where `+scheduleWhere(f, args), args.values...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count schedules: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) AtomicUpdate(ctx context.Context, id string, pre Precondition, patch Patch, rec *models.ExecutionRecord) (*models.ScheduledPayment, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	args := &argList{}
	set := patchSet(patch, args)
	where := `id = ` + args.add(id) + ` and ` + preconditionWhere(pre, args)
	query := `update scheduled_payments set ` + set + ` where ` + where + ` returning ` + scheduleColumns

	p, err := scanSchedule(tx.QueryRow(ctx, query, args.values...))
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := tx.QueryRow(ctx, `select exists(select 1 from scheduled_payments where id = $1)`, id).Scan(&exists); err != nil {
			return nil, fmt.Errorf("failed to check schedule: %w", err)
		}
		if !exists {
			return nil, ErrNotFound
		}
		return nil, ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update schedule: %w", err)
	}

	if rec != nil {
		_, err = tx.Exec(ctx, `insert into execution_records (`+executionColumns+`)
			values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
			rec.ID, rec.ScheduleID, rec.Occurrence, rec.ChainID, rec.TxHash, int64(rec.BlockNumber), rec.BlockHash,
			int64(rec.GasUsed), rec.EffectiveGasPrice, rec.CostNative, rec.CostUSD, string(rec.Status),
			rec.ExecutorID, rec.Recovered, rec.ExecutedAt,
		)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, ErrDuplicateExecution
		}
		if err != nil {
			return nil, fmt.Errorf("failed to insert execution record: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) FindExecutions(ctx context.Context, f ExecutionFilter) ([]models.ExecutionRecord, error) {
	args := &argList{}
	rows, err := s.pool.Query(ctx, `select `+executionColumns+` from execution_records where `+executionWhere(f, args)+
		` order by executed_at asc`, args.values...)
	if err != nil {
		return nil, fmt.Errorf("failed to find executions: %w", err)
	}
	defer rows.Close()

	var out []models.ExecutionRecord
	for rows.Next() {
		var (
			r           models.ExecutionRecord
			status      string
			blockNumber int64
			gasUsed     int64
		)
		err := rows.Scan(&r.ID, &r.ScheduleID, &r.Occurrence, &r.ChainID, &r.TxHash, &blockNumber, &r.BlockHash,
			&gasUsed, &r.EffectiveGasPrice, &r.CostNative, &r.CostUSD, &status, &r.ExecutorID, &r.Recovered, &r.ExecutedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		r.Status = models.ExecutionStatus(status)
		r.BlockNumber = uint64(blockNumber)
		r.GasUsed = uint64(gasUsed)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CountExecutions(ctx context.Context, f ExecutionFilter) (int, error) {
	args := &argList{}
	var n int
	err := s.pool.QueryRow(ctx, `select count(*) from execution_records where `+executionWhere(f, args), args.values...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count executions: %w", err)
	}
	return n, nil
}

func scanSchedule(row pgx.Row) (*models.ScheduledPayment, error) {
	var (
		p         models.ScheduledPayment
		frequency string
		status    string
	)
	err := row.Scan(
		&p.ID, &p.OwnerID, &p.ChainID, &p.SourceAddress, &p.Token.Address, &p.Token.Symbol, &p.Token.Decimals,
		&p.Recipient, &p.Amount, &frequency, &status, &p.NextExecutionAt, &p.OccurrenceAt, &p.ExecutedCount,
		&p.MaxExecutions, &p.ProcessingBy, &p.ProcessingStarted, &p.RetryCount, &p.LastError, &p.FailedAt,
		&p.CreatedAt, &p.UpdatedAt, &p.LastExecutionAt, &p.CompletedAt, &p.LastTxHash,
	)
	if err != nil {
		return nil, err
	}
	p.Frequency = models.Frequency(frequency)
	p.Status = models.Status(status)
	return &p, nil
}

// argList collects positional query arguments
type argList struct {
	values []any
}

func (a *argList) add(v any) string {
	a.values = append(a.values, v)
	return fmt.Sprintf("$%d", len(a.values))
}

func statusStrings(list []models.Status) []string {
	out := make([]string, len(list))
	for i, s := range list {
		out[i] = string(s)
	}
	return out
}

func scheduleWhere(f ScheduleFilter, args *argList) string {
	conds := []string{"true"}
	if len(f.IDs) > 0 {
		conds = append(conds, "id = any("+args.add(f.IDs)+")")
	}
	if len(f.Statuses) > 0 {
		conds = append(conds, "status = any("+args.add(statusStrings(f.Statuses))+")")
	}
	if f.OwnerID != "" {
		conds = append(conds, "owner_id = "+args.add(f.OwnerID))
	}
	if f.ChainID != 0 {
		conds = append(conds, "chain_id = "+args.add(f.ChainID))
	}
	if f.DueBefore != nil {
		conds = append(conds, "next_execution_at <= "+args.add(*f.DueBefore))
	}
	if f.DueAfter != nil {
		conds = append(conds, "next_execution_at > "+args.add(*f.DueAfter))
	}
	if f.LeaseFreeOrStale != nil {
		conds = append(conds, "(processing_by = '' or processing_started is null or processing_started < "+args.add(*f.LeaseFreeOrStale)+")")
	}
	if f.LastExecutedBefore != nil {
		conds = append(conds, "(last_execution_at is null or last_execution_at < "+args.add(*f.LastExecutedBefore)+")")
	}
	if f.SettledBefore != nil {
		ph := args.add(*f.SettledBefore)
		conds = append(conds, "created_at < "+ph+" and updated_at < "+ph)
	}
	return strings.Join(conds, " and ")
}

func preconditionWhere(pre Precondition, args *argList) string {
	regular := []string{"true"}
	if len(pre.Statuses) > 0 {
		regular = append(regular, "status = any("+args.add(statusStrings(pre.Statuses))+")")
	}
	if pre.Holder != nil {
		regular = append(regular, "processing_by = "+args.add(*pre.Holder))
	}
	cond := "(" + strings.Join(regular, " and ") + ")"
	if pre.StaleLeaseBefore != nil {
		cond = "(" + cond + " or (status = 'processing' and processing_started is not null and processing_started < " +
			args.add(*pre.StaleLeaseBefore) + "))"
	}
	if pre.DueBy != nil {
		cond += " and next_execution_at is not null and next_execution_at <= " + args.add(*pre.DueBy)
	}
	return cond
}

func patchSet(patch Patch, args *argList) string {
	var sets []string
	add := func(col string, v any) {
		sets = append(sets, col+" = "+args.add(v))
	}
	if patch.Status.Set {
		add("status", string(patch.Status.Value))
	}
	if patch.NextExecutionAt.Set {
		add("next_execution_at", patch.NextExecutionAt.Value)
	}
	if patch.OccurrenceAt.Set {
		add("occurrence_at", patch.OccurrenceAt.Value)
	}
	if patch.ExecutedCount.Set {
		add("executed_count", patch.ExecutedCount.Value)
	}
	if patch.ProcessingBy.Set {
		add("processing_by", patch.ProcessingBy.Value)
	}
	if patch.ProcessingStarted.Set {
		add("processing_started", patch.ProcessingStarted.Value)
	}
	if patch.RetryCount.Set {
		add("retry_count", patch.RetryCount.Value)
	}
	if patch.LastError.Set {
		add("last_error", patch.LastError.Value)
	}
	if patch.LastTxHash.Set {
		add("last_tx_hash", patch.LastTxHash.Value)
	}
	if patch.FailedAt.Set {
		add("failed_at", patch.FailedAt.Value)
	}
	if patch.LastExecutionAt.Set {
		add("last_execution_at", patch.LastExecutionAt.Value)
	}
	if patch.CompletedAt.Set {
		add("completed_at", patch.CompletedAt.Value)
	}
	updatedAt := patch.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	add("updated_at", updatedAt)
	return strings.Join(sets, ", ")
}

func executionWhere(f ExecutionFilter, args *argList) string {
	conds := []string{"true"}
	if f.ScheduleID != "" {
		conds = append(conds, "schedule_id = "+args.add(f.ScheduleID))
	}
	if f.Occurrence != nil {
		conds = append(conds, "occurrence = "+args.add(*f.Occurrence))
	}
	if f.Status != "" {
		conds = append(conds, "status = "+args.add(string(f.Status)))
	}
	if f.TxHash != "" {
		conds = append(conds, "lower(tx_hash) = lower("+args.add(f.TxHash)+")")
	}
	return strings.Join(conds, " and ")
}
