package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

const (
	actionColumns = `action_id,
        wallet_address,
        action_type,
        reason,
        total_drift_pct,
        urgency,
        drift,
        target_allocation,
        config_used,
        market,
        execution_id,
        tx_hash,
        execution_status,
        error,
        created_at`

	insertActionSQL = `INSERT INTO action_records (
        action_id,
        wallet_address,
        action_type,
        reason,
        total_drift_pct,
        urgency,
        drift,
        target_allocation,
        config_used,
        market,
        execution_id,
        tx_hash,
        execution_status,
        error
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14
    )
    RETURNING created_at;`

	listRecentActionsSQL = `SELECT ` + actionColumns + `
    FROM action_records
    WHERE wallet_address = $1
    ORDER BY created_at DESC
    LIMIT $2;`

	listActionsBetweenSQL = `SELECT ` + actionColumns + `
    FROM action_records
    WHERE wallet_address = $1
      AND created_at >= $2
      AND created_at < $3
    ORDER BY created_at ASC;`

	countActionsByTypeSQL = `SELECT action_type, COUNT(*)
    FROM action_records
    WHERE created_at >= $1
    GROUP BY action_type;`

	deleteActionsBeforeSQL = `DELETE FROM action_records WHERE created_at < $1;`
)

// ActionStore persists the append-only decision log.
type ActionStore interface {
	InsertAction(ctx context.Context, record *ActionRecord) error
	ListRecentActions(ctx context.Context, wallet string, limit int) ([]ActionRecord, error)
	ListActionsBetween(ctx context.Context, wallet string, from, to time.Time) ([]ActionRecord, error)
	CountActionsByType(ctx context.Context, since time.Time) (map[string]int64, error)
	DeleteActionsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// InsertAction appends one decision record. The record is assigned an
// action_id and created_at here; callers never pick their own.
func (s *Store) InsertAction(ctx context.Context, record *ActionRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	record.ActionID = uuid.NewString()

	if err := pool.QueryRow(ctx, insertActionSQL,
		record.ActionID,
		record.WalletAddress,
		record.ActionType,
		record.Reason,
		record.TotalDriftPct.String(),
		record.Urgency,
		nullableJSON(record.Drift),
		nullableJSON(record.TargetAllocation),
		nullableJSON(record.ConfigUsed),
		nullableJSON(record.Market),
		record.ExecutionID,
		record.TxHash,
		record.ExecutionStatus,
		record.Error,
	).Scan(&record.CreatedAt); err != nil {
		return fmt.Errorf("insert action record: %w", err)
	}
	return nil
}

// ListRecentActions returns a wallet's newest records first, bounded by limit.
func (s *Store) ListRecentActions(ctx context.Context, wallet string, limit int) ([]ActionRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}

	rows, queryErr := pool.Query(ctx, listRecentActionsSQL, wallet, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent actions: %w", queryErr)
	}
	defer rows.Close()

	return collectActions(rows)
}

// ListActionsBetween returns a wallet's records in [from, to), oldest first.
// Used by the export surface.
func (s *Store) ListActionsBetween(ctx context.Context, wallet string, from, to time.Time) ([]ActionRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listActionsBetweenSQL, wallet, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list actions between: %w", queryErr)
	}
	defer rows.Close()

	return collectActions(rows)
}

// CountActionsByType aggregates decision outcomes since a timestamp.
func (s *Store) CountActionsByType(ctx context.Context, since time.Time) (map[string]int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, countActionsByTypeSQL, since)
	if queryErr != nil {
		return nil, fmt.Errorf("count actions by type: %w", queryErr)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var actionType string
		var count int64
		if scanErr := rows.Scan(&actionType, &count); scanErr != nil {
			return nil, scanErr
		}
		counts[actionType] = count
	}
	return counts, rows.Err()
}

// DeleteActionsBefore prunes records older than cutoff. Retention only; the
// log is otherwise append-only.
func (s *Store) DeleteActionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	cmdTag, execErr := pool.Exec(ctx, deleteActionsBeforeSQL, cutoff)
	if execErr != nil {
		return 0, fmt.Errorf("delete old actions: %w", execErr)
	}
	return cmdTag.RowsAffected(), nil
}

func collectActions(rows pgx.Rows) ([]ActionRecord, error) {
	records := make([]ActionRecord, 0)
	for rows.Next() {
		var (
			record   ActionRecord
			driftStr string
		)
		if err := rows.Scan(
			&record.ActionID,
			&record.WalletAddress,
			&record.ActionType,
			&record.Reason,
			&driftStr,
			&record.Urgency,
			&record.Drift,
			&record.TargetAllocation,
			&record.ConfigUsed,
			&record.Market,
			&record.ExecutionID,
			&record.TxHash,
			&record.ExecutionStatus,
			&record.Error,
			&record.CreatedAt,
		); err != nil {
			return nil, err
		}
		totalDrift, err := decimal.NewFromString(driftStr)
		if err != nil {
			return nil, fmt.Errorf("parse total drift: %w", err)
		}
		record.TotalDriftPct = totalDrift
		records = append(records, record)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

func nullableJSON(raw []byte) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

var _ ActionStore = (*Store)(nil)
