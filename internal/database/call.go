package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CallRecord is one completed call, written once at session end.
type CallRecord struct {
	ID            int64      `json:"id"`
	CallID        string     `json:"call_id"`
	Direction     string     `json:"direction"`
	CallingNumber string     `json:"calling_number"`
	CalledNumber  string     `json:"called_number"`
	CallerName    string     `json:"caller_name"`
	AgentProject  string     `json:"agent_project"`
	StartTime     time.Time  `json:"start_time"`
	EndTime       *time.Time `json:"end_time,omitempty"`
	Duration      int64      `json:"duration"` // seconds
	Disposition   string     `json:"disposition"`
	TransferredTo string     `json:"transferred_to,omitempty"`
}

// CallListFilter narrows List results.
type CallListFilter struct {
	Direction string
	Search    string
	Limit     int
	Offset    int
}

// CallRepository persists completed call records.
type CallRepository interface {
	Create(ctx context.Context, rec *CallRecord) error
	GetByCallID(ctx context.Context, callID string) (*CallRecord, error)
	List(ctx context.Context, filter CallListFilter) ([]CallRecord, int, error)
	CountByDirection(ctx context.Context) (map[string]int64, error)
}

type callRepo struct {
	db *DB
}

// NewCallRepository creates a CallRepository over db.
func NewCallRepository(db *DB) CallRepository {
	return &callRepo{db: db}
}

// Create inserts a completed call record.
func (r *callRepo) Create(ctx context.Context, rec *CallRecord) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO calls (call_id, direction, calling_number, called_number,
		 caller_name, agent_project, start_time, end_time, duration,
		 disposition, transferred_to)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.CallID, rec.Direction, rec.CallingNumber, rec.CalledNumber,
		rec.CallerName, rec.AgentProject, rec.StartTime, rec.EndTime,
		rec.Duration, rec.Disposition, rec.TransferredTo,
	)
	if err != nil {
		return fmt.Errorf("inserting call record: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	rec.ID = id
	return nil
}

// GetByCallID returns the record for one call, or nil if unknown.
func (r *callRepo) GetByCallID(ctx context.Context, callID string) (*CallRecord, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, call_id, direction, calling_number, called_number,
		 caller_name, agent_project, start_time, end_time, duration,
		 disposition, transferred_to
		 FROM calls WHERE call_id = ?`, callID,
	)

	var rec CallRecord
	err := row.Scan(&rec.ID, &rec.CallID, &rec.Direction, &rec.CallingNumber,
		&rec.CalledNumber, &rec.CallerName, &rec.AgentProject, &rec.StartTime,
		&rec.EndTime, &rec.Duration, &rec.Disposition, &rec.TransferredTo)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning call record: %w", err)
	}
	return &rec, nil
}

// CountByDirection returns completed call counts grouped by direction.
func (r *callRepo) CountByDirection(ctx context.Context) (map[string]int64, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT direction, COUNT(*) FROM calls GROUP BY direction`)
	if err != nil {
		return nil, fmt.Errorf("counting calls by direction: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var direction string
		var count int64
		if err := rows.Scan(&direction, &count); err != nil {
			return nil, fmt.Errorf("scanning direction count: %w", err)
		}
		counts[direction] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating direction counts: %w", err)
	}
	return counts, nil
}

// List returns call records matching the filter, newest first, along
// with the total count.
func (r *callRepo) List(ctx context.Context, filter CallListFilter) ([]CallRecord, int, error) {
	where := "1=1"
	args := []any{}

	if filter.Direction != "" {
		where += " AND direction = ?"
		args = append(args, filter.Direction)
	}
	if filter.Search != "" {
		where += " AND (calling_number LIKE ? OR called_number LIKE ? OR caller_name LIKE ?)"
		s := "%" + filter.Search + "%"
		args = append(args, s, s, s)
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM calls WHERE " + where
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting call records: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, call_id, direction, calling_number, called_number,
		 caller_name, agent_project, start_time, end_time, duration,
		 disposition, transferred_to
		 FROM calls WHERE ` + where + ` ORDER BY start_time DESC LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing call records: %w", err)
	}
	defer rows.Close()

	var records []CallRecord
	for rows.Next() {
		var rec CallRecord
		if err := rows.Scan(&rec.ID, &rec.CallID, &rec.Direction,
			&rec.CallingNumber, &rec.CalledNumber, &rec.CallerName,
			&rec.AgentProject, &rec.StartTime, &rec.EndTime, &rec.Duration,
			&rec.Disposition, &rec.TransferredTo); err != nil {
			return nil, 0, fmt.Errorf("scanning call record row: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating call record rows: %w", err)
	}

	return records, total, nil
}
