package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tambula/esp-listener/internal/models"
)

// CreateEventLog creates an event log entry
func (s *PostgresStore) CreateEventLog(ctx context.Context, event *models.EventLog) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	query := `
        INSERT INTO event_logs (
            id, created_at, port, device_id, type, level, code, description, details
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := s.db.ExecContext(ctx, query,
		event.ID, event.CreatedAt, event.Port, nullableInt(event.DeviceID),
		event.Type, event.Level, event.Code, event.Description, event.Details,
	)
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}
	return nil
}

// ListEventLogs lists event logs with filters, newest first
func (s *PostgresStore) ListEventLogs(ctx context.Context, filters EventLogFilters, limit, offset int) ([]*models.EventLog, int64, error) {
	where, args := eventLogWhere(filters)

	var total int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM event_logs"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count event logs: %w", err)
	}

	query := `
        SELECT id, created_at, port, device_id, type, level, code, description, details
        FROM event_logs` + where +
		fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list event logs: %w", err)
	}
	defer rows.Close()

	var logs []*models.EventLog
	for rows.Next() {
		event := &models.EventLog{}
		var deviceID sql.NullInt64
		if err := rows.Scan(
			&event.ID, &event.CreatedAt, &event.Port, &deviceID,
			&event.Type, &event.Level, &event.Code, &event.Description, &event.Details,
		); err != nil {
			return nil, 0, fmt.Errorf("scan event log: %w", err)
		}
		if deviceID.Valid {
			id := int(deviceID.Int64)
			event.DeviceID = &id
		}
		logs = append(logs, event)
	}

	return logs, total, rows.Err()
}

// eventLogWhere builds the WHERE clause and positional args for filters
func eventLogWhere(filters EventLogFilters) (string, []interface{}) {
	var conds []string
	var args []interface{}

	add := func(column string, value interface{}, op string) {
		args = append(args, value)
		conds = append(conds, fmt.Sprintf("%s %s $%d", column, op, len(args)))
	}

	if filters.Port != nil {
		add("port", *filters.Port, "=")
	}
	if filters.DeviceID != nil {
		add("device_id", *filters.DeviceID, "=")
	}
	if filters.Type != nil {
		add("type", *filters.Type, "=")
	}
	if filters.Level != nil {
		add("level", *filters.Level, "=")
	}
	if filters.StartTime != nil {
		add("created_at", *filters.StartTime, ">=")
	}
	if filters.EndTime != nil {
		add("created_at", *filters.EndTime, "<=")
	}

	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func nullableInt(v *int) interface{} {
	if v == nil {
		return nil
	}
	return *v
}
