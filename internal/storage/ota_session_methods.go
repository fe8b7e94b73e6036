package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/tambula/esp-listener/internal/models"
)

// SaveOTASession inserts or updates an OTA session. An older snapshot
// never overwrites a newer row.
func (s *PostgresStore) SaveOTASession(ctx context.Context, session *models.OTASession) error {
	if session.ID == uuid.Nil {
		return fmt.Errorf("save ota session: %w", ErrInvalidData)
	}

	query := `
        INSERT INTO ota_sessions (
            id, device_id, port, firmware_source, status,
            bytes_sent, total_size, started_at, updated_at, error_message
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
        ON CONFLICT (id) DO UPDATE SET
            port = EXCLUDED.port,
            status = EXCLUDED.status,
            bytes_sent = EXCLUDED.bytes_sent,
            total_size = EXCLUDED.total_size,
            updated_at = EXCLUDED.updated_at,
            error_message = EXCLUDED.error_message
        WHERE ota_sessions.updated_at <= EXCLUDED.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		session.ID, session.DeviceID, session.Port, session.FirmwareSource, session.Status,
		session.BytesSent, session.TotalSize, session.StartedAt, session.UpdatedAt, session.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("save ota session: %w", err)
	}
	return nil
}

const otaSessionColumns = `id, device_id, port, firmware_source, status,
            bytes_sent, total_size, started_at, updated_at, error_message`

// GetOTASession gets an OTA session by id
func (s *PostgresStore) GetOTASession(ctx context.Context, id uuid.UUID) (*models.OTASession, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+otaSessionColumns+" FROM ota_sessions WHERE id = $1", id)

	session, err := scanOTASession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get ota session: %w", err)
	}
	return session, nil
}

// ListOTASessions lists OTA sessions, newest first
func (s *PostgresStore) ListOTASessions(ctx context.Context, deviceID *int, limit, offset int) ([]*models.OTASession, int64, error) {
	where := ""
	args := []interface{}{}
	if deviceID != nil {
		where = " WHERE device_id = $1"
		args = append(args, *deviceID)
	}

	var total int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM ota_sessions"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count ota sessions: %w", err)
	}

	query := "SELECT " + otaSessionColumns + " FROM ota_sessions" + where +
		fmt.Sprintf(" ORDER BY started_at DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list ota sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.OTASession
	for rows.Next() {
		session, err := scanOTASession(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan ota session: %w", err)
		}
		sessions = append(sessions, session)
	}

	return sessions, total, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOTASession(row rowScanner) (*models.OTASession, error) {
	session := &models.OTASession{}
	err := row.Scan(
		&session.ID, &session.DeviceID, &session.Port, &session.FirmwareSource, &session.Status,
		&session.BytesSent, &session.TotalSize, &session.StartedAt, &session.UpdatedAt, &session.ErrorMessage,
	)
	if err != nil {
		return nil, err
	}
	return session, nil
}
